package postoffice

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// metadataNode is one entry of a Message's metadata linked list, produced by
// a registered MetadataProducer at publish time (see metadata.go).
type metadataNode struct {
	typeID int
	data   any
	next   *metadataNode
}

// Message is the ref-counted envelope handed to every Subscription callback
// for a single publish. It is immutable once built: callbacks must not
// mutate Payload or the metadata chain. The same bytes fan out to every
// subscriber; nothing is re-serialized per delivery.
type Message struct {
	Channel   string
	Filter    int64
	IsFilter  bool
	Payload   []byte
	Published time.Time

	meta *metadataNode

	refCount  int32 // atomic
	onDestroy func(*Message)

	// deferred is set by Defer on a per-delivery view and read back by the
	// dispatcher after the callback returns; it is never set on the shared
	// envelope itself.
	deferred int32 // atomic
}

func newMessage(channel string, filter int64, isFilter bool, payload []byte) *Message {
	return &Message{
		Channel:   channel,
		Filter:    filter,
		IsFilter:  isFilter,
		Payload:   payload,
		Published: time.Now(),
		refCount:  1,
	}
}

func (m *Message) retain() *Message {
	atomic.AddInt32(&m.refCount, 1)
	return m
}

func (m *Message) release() {
	if atomic.AddInt32(&m.refCount, -1) != 0 {
		return
	}
	for n := m.meta; n != nil; n = n.next {
		if f, ok := n.data.(MetadataFinisher); ok {
			f.Finish(m)
		}
	}
	if m.onDestroy != nil {
		m.onDestroy(m)
	}
}

// MetadataFinisher is implemented by metadata values that need teardown
// once every scheduled delivery of their envelope has completed; a pooled
// buffer a producer pre-serialized, for instance. Finish runs exactly once,
// when the envelope's last reference is dropped.
type MetadataFinisher interface {
	Finish(msg *Message)
}

// viewFor builds the shallow per-delivery view handed to one subscriber's
// callback. It shares the envelope's payload and metadata chain; only the
// defer flag is per-view, so one subscriber deferring redelivery cannot
// affect its siblings. References stay counted on the shared envelope, not
// the view.
func (m *Message) viewFor() *Message {
	return &Message{
		Channel:   m.Channel,
		Filter:    m.Filter,
		IsFilter:  m.IsFilter,
		Payload:   m.Payload,
		Published: m.Published,
		meta:      m.meta,
	}
}

// Defer may be called from inside a subscription callback to have this
// delivery rescheduled on the task queue and the callback invoked again
// later with the same message. Calling it outside a callback has no effect.
func (m *Message) Defer() {
	atomic.StoreInt32(&m.deferred, 1)
}

// takeDeferred reports whether Defer was called since the last check and
// clears the flag for the next delivery attempt.
func (m *Message) takeDeferred() bool {
	return atomic.SwapInt32(&m.deferred, 0) == 1
}

// Metadata returns the value a producer of the given type ID attached to
// this message, or nil if none did.
func (m *Message) Metadata(typeID int) any {
	for n := m.meta; n != nil; n = n.next {
		if n.typeID == typeID {
			return n.data
		}
	}
	return nil
}

func (m *Message) pushMetadata(typeID int, data any) {
	m.meta = &metadataNode{typeID: typeID, data: data, next: m.meta}
}

// Envelope is the JSON-normalized form the WebSocket gateway sends to its
// clients. The cluster wire protocol does not use it; cluster frames carry
// the raw Payload bytes.
type Envelope struct {
	Channel   string          `json:"channel"`
	Filter    int64           `json:"filter,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Published int64           `json:"published_unix_ms"`
}

// WrapMessage builds a JSON Envelope around a Message's payload. When the
// payload is not itself valid JSON it is embedded as an escaped JSON string
// instead.
func WrapMessage(m *Message) ([]byte, error) {
	var raw json.RawMessage
	if json.Valid(m.Payload) {
		raw = json.RawMessage(m.Payload)
	} else {
		encoded, err := json.Marshal(string(m.Payload))
		if err != nil {
			return nil, err
		}
		raw = json.RawMessage(encoded)
	}

	env := Envelope{
		Channel:   m.Channel,
		Filter:    m.Filter,
		Payload:   raw,
		Published: m.Published.UnixMilli(),
	}
	return json.Marshal(env)
}

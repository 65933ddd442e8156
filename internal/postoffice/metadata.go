package postoffice

import "sync"

// MetadataProducer is registered once per metadata "type" (for example, a
// producer that pre-serializes a message to a particular wire format so
// every subscriber callback can reuse the same bytes instead of each
// re-serializing). It runs once per publish, under the registry lock, and
// its return value is attached to the Message under its type ID.
type MetadataProducer func(msg *Message) any

type metadataEntry struct {
	typeID   int
	producer MetadataProducer
}

// metadataRegistry holds the producers PostOffice runs against every
// published pub/sub Message before dispatch; filter-channel publishes skip
// them. Producers run in registration order;
// a producer may read (but must not rely on the order of) metadata an
// earlier producer already attached.
type metadataRegistry struct {
	mu      sync.RWMutex
	nextID  int
	entries []metadataEntry
}

func newMetadataRegistry() *metadataRegistry {
	return &metadataRegistry{nextID: 1}
}

// Register adds a producer and returns the type ID callbacks should pass to
// Message.Metadata to retrieve its output.
func (r *metadataRegistry) Register(p MetadataProducer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, metadataEntry{typeID: id, producer: p})
	return id
}

// Unregister removes a producer by its type ID. Messages already carrying
// that type's metadata are unaffected.
func (r *metadataRegistry) Unregister(typeID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.typeID == typeID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// apply runs every registered producer against msg, attaching each
// non-nil result to the message's metadata chain.
func (r *metadataRegistry) apply(msg *Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if data := e.producer(msg); data != nil {
			msg.pushMetadata(e.typeID, data)
		}
	}
}

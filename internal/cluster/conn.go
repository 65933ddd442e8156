package cluster

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/postoffice"
)

// PingInterval is the cadence at which a link writes PING frames, whether
// or not other frames are flowing, so its liveness stays visible to the peer.
const PingInterval = 30 * time.Second

// frameFor builds the wire frame for one outbound publish. frameType is the
// dispatcher's delivery kind ("PUBLISH" or "ROOT"); whether the payload is
// valid JSON picks the FORWARD or JSON variant, so the receiving side never
// has to sniff the bytes.
func frameFor(msg *postoffice.Message, frameType string) Frame {
	forwardType, rootType := FrameForward, FrameRoot
	if json.Valid(msg.Payload) {
		forwardType, rootType = FrameJSON, FrameRootJSON
	}

	ft := forwardType
	if frameType == "ROOT" {
		ft = rootType
	}

	var channel []byte
	var filter int32
	if msg.IsFilter {
		filter = int32(msg.Filter)
	} else {
		channel = []byte(msg.Channel)
	}
	return Frame{Type: ft, Filter: filter, Channel: channel, Payload: msg.Payload}
}

// Handler processes one decoded Frame arriving on a Link. It runs on the
// Link's own read goroutine; a Handler that blocks stalls only this link,
// never its siblings.
type Handler func(l *Link, f Frame)

// Link wraps one cluster unix-domain connection with a reader goroutine
// (blocking ReadFrame calls, dispatching through Handler) and a writer
// goroutine draining a buffered send queue.
type Link struct {
	conn    net.Conn
	logger  zerolog.Logger
	handler Handler

	send chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	// OnClose is invoked once the link's goroutines have exited, with the
	// error that ended the read loop (io.EOF on a clean peer close).
	OnClose func(l *Link, cause error)
}

// NewLink starts a Link's reader and writer goroutines over conn.
func NewLink(conn net.Conn, logger zerolog.Logger, handler Handler) *Link {
	l := &Link{
		conn:    conn,
		logger:  logger,
		handler: handler,
		send:    make(chan Frame, 256),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	go l.writeLoop()
	return l
}

// Send queues f for delivery. Non-blocking: if the send queue is full the
// frame is dropped and logged rather than stalling the sender.
func (l *Link) Send(f Frame) {
	select {
	case l.send <- f:
	default:
		l.logger.Warn().Str("frame_type", f.Type.String()).Msg("cluster link send queue full, dropping frame")
	}
}

func (l *Link) readLoop() {
	var cause error
	for {
		f, err := ReadFrame(l.conn)
		if err != nil {
			cause = err
			break
		}
		l.handler(l, f)
	}
	l.Close(cause)
}

func (l *Link) writeLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-l.send:
			if !ok {
				return
			}
			if _, err := l.conn.Write(Encode(f)); err != nil {
				l.logger.Debug().Err(err).Msg("cluster link write failed")
				return
			}
		case <-ticker.C:
			if _, err := l.conn.Write(Encode(Frame{Type: FramePing})); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Close shuts the link down at most once, closing the underlying
// connection and invoking OnClose with cause: the read error when the read
// loop ends the link, otherwise whatever the caller passed (nil, or
// errShutdownSent from Shutdown). Later calls are no-ops.
func (l *Link) Close(cause error) {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
		if l.OnClose != nil {
			l.OnClose(l, cause)
		}
	})
}

// Shutdown sends a SHUTDOWN frame and then closes the link, so the peer
// can tell an orderly departure from a crash.
func (l *Link) Shutdown() {
	l.Send(Frame{Type: FrameShutdown})
	time.Sleep(10 * time.Millisecond)
	l.Close(errShutdownSent)
}

var errShutdownSent = errors.New("cluster: shutdown frame sent")

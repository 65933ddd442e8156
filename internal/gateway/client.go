package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/postoffice/internal/postoffice"
)

const (
	// writeWait is the deadline for a single WebSocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the peer always has a
	// ping to answer before its deadline expires.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is each client's outbound queue depth. Full buffer =
	// slow client; see maxFullSends.
	sendBufferSize = 256

	// maxFullSends is how many consecutive full-buffer deliveries a client
	// survives before being disconnected. Disconnecting beats unbounded
	// buffering: a reader that cannot keep up only gets further behind.
	maxFullSends = 3
)

// client is one WebSocket connection and the postoffice subscriptions it
// holds. Subscriptions are owned by the connection: they are torn down when
// it closes, never shared between clients.
type client struct {
	id       int64
	conn     net.Conn
	remoteIP string
	send     chan []byte

	connectedAt time.Time

	mu   sync.Mutex
	subs map[string]*postoffice.Subscription

	fullSends int32 // atomic, consecutive full-buffer deliveries
	closeOnce sync.Once

	// done is closed on disconnect so the write pump exits without waiting
	// for its next ping tick or write failure.
	done     chan struct{}
	doneOnce sync.Once
}

func newClient(id int64, conn net.Conn, remoteIP string) *client {
	return &client{
		id:          id,
		conn:        conn,
		remoteIP:    remoteIP,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		subs:        make(map[string]*postoffice.Subscription),
		done:        make(chan struct{}),
	}
}

func (c *client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// addSub records sub under key, returning the subscription it displaced (a
// re-subscribe to the same channel) so the caller can unsubscribe it.
func (c *client) addSub(key string, sub *postoffice.Subscription) *postoffice.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.subs[key]
	c.subs[key] = sub
	return old
}

func (c *client) takeSub(key string) *postoffice.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	return sub
}

// drainSubs removes and returns every held subscription, for disconnect
// cleanup.
func (c *client) drainSubs() []*postoffice.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*postoffice.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	c.subs = make(map[string]*postoffice.Subscription)
	return out
}

func (c *client) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// queue attempts a non-blocking delivery to the client's send buffer. It
// reports whether the client has exceeded its consecutive-full-send
// allowance and should be disconnected.
func (c *client) queue(data []byte) (tooSlow bool) {
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.fullSends, 0)
		return false
	default:
		return atomic.AddInt32(&c.fullSends, 1) >= maxFullSends
	}
}

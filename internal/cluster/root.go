package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/matchregistry"
	"github.com/adred-codev/postoffice/internal/postoffice"
)

// Root listens on a unix-domain socket and fans cluster frames out to every
// connected worker. It keeps its own
// PostOffice instance purely for bookkeeping: "mock" subscriptions
// installed on a worker's behalf so that, from the root's own collections'
// point of view, the channel exists and any attached engine gets notified
// exactly as it would for a real local subscriber.
type Root struct {
	po       *postoffice.PostOffice
	listener net.Listener
	logger   zerolog.Logger
	socket   string

	mu       sync.Mutex
	children map[*Link]map[string]*postoffice.Subscription

	unlinkOnce sync.Once
}

// Listen binds the unix-domain socket at socket, unlinking any stale file
// left by a previous run first, and returns a Root ready to Serve.
func Listen(socket string, po *postoffice.PostOffice, logger zerolog.Logger) (*Root, error) {
	_ = os.Remove(socket) // best effort: stale file from a prior crash

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen on %s: %w", socket, err)
	}

	r := &Root{
		po:       po,
		listener: ln,
		logger:   logger,
		socket:   socket,
		children: make(map[*Link]map[string]*postoffice.Subscription),
	}
	// The root is its own link sender: a CLUSTER/SIBLINGS publish made in
	// the root process goes straight out to every child, with no upstream
	// hop to make first.
	po.SetLink(r)
	return r, nil
}

// SendUpstream implements the dispatcher's linkSender for the root side:
// "upstream" from the root is a broadcast to every connected worker. ROOT
// scope never reaches here; the dispatcher short-circuits it to a local
// dispatch when IsRoot reports true.
func (r *Root) SendUpstream(msg *postoffice.Message, frameType string) error {
	f := frameFor(msg, frameType)
	r.mu.Lock()
	defer r.mu.Unlock()
	for child := range r.children {
		child.Send(f)
	}
	return nil
}

// IsRoot reports true: this is the listening side of the cluster.
func (r *Root) IsRoot() bool { return true }

// Serve accepts worker connections in a tight loop until the listener is
// closed by Shutdown.
func (r *Root) Serve() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.logger.Info().Err(err).Msg("cluster root: listener closed, accept loop exiting")
			return
		}
		r.addChild(conn)
	}
}

func (r *Root) addChild(conn net.Conn) {
	l := NewLink(conn, r.logger, r.handleFrame)
	l.OnClose = r.handleChildClose

	r.mu.Lock()
	r.children[l] = make(map[string]*postoffice.Subscription)
	r.mu.Unlock()

	r.logger.Info().Msg("cluster root: worker connected")
}

func (r *Root) handleFrame(sender *Link, f Frame) {
	ctx := context.Background()
	switch f.Type {
	case FrameForward, FrameJSON:
		r.broadcastExcept(sender, f)
		r.deliverLocally(ctx, f)
	case FrameRoot, FrameRootJSON:
		// ROOT scope is addressed only to the root; no further rebroadcast.
		r.deliverLocally(ctx, f)
	case FramePubsubSub:
		r.mockSubscribe(ctx, sender, f.Channel, nil, "")
	case FramePubsubUnsub:
		r.mockUnsubscribe(sender, f.Channel, "")
	case FramePatternSub:
		matchName := string(f.Payload)
		match, ok := matchregistry.Lookup(matchName)
		if !ok {
			r.logger.Warn().Str("match_name", matchName).Msg("cluster root: unregistered pattern match function, dropping subscription intent")
			return
		}
		r.mockSubscribe(ctx, sender, f.Channel, postoffice.MatchFn(match), matchName)
	case FramePatternUnsub:
		r.mockUnsubscribe(sender, f.Channel, string(f.Payload))
	case FrameShutdown:
		sender.Close(nil)
	case FramePing:
		// liveness only
	default:
		r.logger.Debug().Str("frame_type", f.Type.String()).Msg("cluster root: unexpected frame type from worker")
	}
}

// broadcastExcept relays f to every connected child other than sender. The
// originating worker already delivered its own CLUSTER-scoped publish
// locally before forwarding upstream (dispatcher.publish's ScopeCluster
// case), so echoing the frame back to it would double-deliver.
func (r *Root) broadcastExcept(sender *Link, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for child := range r.children {
		if child == sender {
			continue
		}
		child.Send(f)
	}
}

func (r *Root) deliverLocally(ctx context.Context, f Frame) {
	if f.Filter != 0 {
		_ = r.po.PublishFilter(ctx, int64(f.Filter), f.Payload, postoffice.ScopeProcess)
		return
	}
	_ = r.po.Publish(ctx, f.Channel, f.Payload, postoffice.ScopeProcess)
}

func noopCallback(*postoffice.Subscription, *postoffice.Message) {}

func mockKey(name []byte, matchName string) string {
	return string(name) + "\x00" + matchName
}

func (r *Root) mockSubscribe(ctx context.Context, l *Link, name []byte, match postoffice.MatchFn, matchName string) {
	var (
		sub *postoffice.Subscription
		err error
	)
	if match == nil {
		sub, err = r.po.Subscribe(ctx, name, noopCallback, nil, nil, nil)
	} else {
		sub, err = r.po.SubscribePattern(ctx, name, match, noopCallback, nil, nil, nil)
	}
	if err != nil {
		r.logger.Debug().Err(err).Msg("cluster root: mock subscribe failed")
		return
	}

	key := mockKey(name, matchName)
	r.mu.Lock()
	if table, ok := r.children[l]; ok {
		table[key] = sub
	}
	r.mu.Unlock()
}

func (r *Root) mockUnsubscribe(l *Link, name []byte, matchName string) {
	key := mockKey(name, matchName)

	r.mu.Lock()
	table, ok := r.children[l]
	var sub *postoffice.Subscription
	if ok {
		sub, ok = table[key]
		if ok {
			delete(table, key)
		}
	}
	r.mu.Unlock()

	if ok {
		r.po.Unsubscribe(context.Background(), sub)
	}
}

func (r *Root) handleChildClose(l *Link, cause error) {
	r.logger.Info().Err(cause).Msg("cluster root: worker link closed")

	r.mu.Lock()
	table := r.children[l]
	delete(r.children, l)
	r.mu.Unlock()

	for _, sub := range table {
		r.po.Unsubscribe(context.Background(), sub)
	}
}

// SignalChildren broadcasts a SHUTDOWN frame to every connected worker and
// closes each link, initiating their orderly teardown without touching the
// root's own listener.
func (r *Root) SignalChildren() {
	r.mu.Lock()
	children := make([]*Link, 0, len(r.children))
	for l := range r.children {
		children = append(children, l)
	}
	r.mu.Unlock()

	for _, l := range children {
		l.Shutdown()
	}
}

// Shutdown signals every worker, closes the listener, and unlinks the
// socket file. Safe to call more than once.
func (r *Root) Shutdown() {
	r.SignalChildren()

	_ = r.listener.Close()
	r.unlinkOnce.Do(func() {
		_ = os.Remove(r.socket)
	})
}

// ChildCount reports the number of currently connected workers.
func (r *Root) ChildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

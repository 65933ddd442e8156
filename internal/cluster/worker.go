package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/matchregistry"
	"github.com/adred-codev/postoffice/internal/postoffice"
)

// Worker is the cluster-facing half of a worker process: one upstream Link
// to the root. It plays two roles against the local PostOffice: the
// dispatcher's linkSender, forwarding SIBLINGS/CLUSTER/ROOT scoped
// publishes upstream, and a postoffice.Engine, forwarding subscribe/
// unsubscribe intent upstream. An Engine notification fires exactly on
// first-subscribe and last-unsubscribe, which is exactly the bookkeeping
// event the root needs; so this reuses the Engine extension point instead
// of a second, parallel notification path.
type Worker struct {
	po     *postoffice.PostOffice
	link   *Link
	logger zerolog.Logger
	socket string

	// Lifecycle, when set, has its parent-crash hooks run before the worker
	// signals itself to exit on an abrupt upstream close.
	Lifecycle *Lifecycle

	// signalSelf asks this worker process to exit, both after a SHUTDOWN
	// frame and on a parent crash. Defaults to raising SIGINT so teardown
	// runs through the ordinary signal path; tests stub it out.
	signalSelf func()

	mu       sync.Mutex
	shutdown bool
}

// DialWorker connects to the root's listening socket and wires the
// resulting Link into po as both its upstream link and its cluster engine.
func DialWorker(socket string, po *postoffice.PostOffice, logger zerolog.Logger) (*Worker, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial root at %s: %w", socket, err)
	}

	w := &Worker{po: po, logger: logger, socket: socket}
	w.signalSelf = func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
	}
	w.link = NewLink(conn, logger, w.handleFrame)
	w.link.OnClose = w.handleClose

	po.SetLink(w)
	// Attaching as an engine both subscribes this link to future channel
	// create/destroy events and replays every already-live pub/sub and
	// pattern channel upstream, so a worker that subscribed before its link
	// came up is still aggregated by the root.
	po.AttachEngine(context.Background(), w)
	return w, nil
}

func (w *Worker) handleFrame(_ *Link, f Frame) {
	switch f.Type {
	case FrameForward, FrameJSON, FrameRoot, FrameRootJSON:
		w.deliver(f)
	case FrameShutdown:
		w.mu.Lock()
		w.shutdown = true
		w.mu.Unlock()
		w.link.Close(nil)
		w.signalSelf()
	case FramePing:
		// liveness only
	default:
		w.logger.Debug().Str("frame_type", f.Type.String()).Msg("cluster worker: unexpected frame type from root")
	}
}

// deliver re-enters the local dispatcher with PROCESS scope: the root has
// already decided this frame belongs to this worker, so no further
// forwarding is wanted (ScopeProcess never reaches SendUpstream again).
func (w *Worker) deliver(f Frame) {
	ctx := context.Background()
	if f.Filter != 0 {
		_ = w.po.PublishFilter(ctx, int64(f.Filter), f.Payload, postoffice.ScopeProcess)
		return
	}
	_ = w.po.Publish(ctx, f.Channel, f.Payload, postoffice.ScopeProcess)
}

func (w *Worker) handleClose(_ *Link, cause error) {
	w.mu.Lock()
	graceful := w.shutdown
	w.mu.Unlock()

	if graceful {
		w.logger.Info().Msg("cluster worker: root closed link gracefully")
		return
	}

	w.logger.Error().Err(cause).Msg("cluster worker: upstream link lost without SHUTDOWN, treating as parent crash")
	if w.Lifecycle != nil {
		w.Lifecycle.RunParentCrash()
	}
	if w.socket != "" {
		_ = os.Remove(w.socket)
	}
	w.signalSelf()
}

// Close tears the upstream link down gracefully from the worker's side,
// announcing the departure with a SHUTDOWN frame first so neither side
// treats the close as a crash. Used when the worker itself is exiting.
func (w *Worker) Close() {
	w.mu.Lock()
	w.shutdown = true
	w.mu.Unlock()
	w.link.Shutdown()
}

// SendUpstream implements the dispatcher's linkSender, forwarding a
// SIBLINGS/CLUSTER/ROOT scoped publish to the root as a single frame.
func (w *Worker) SendUpstream(msg *postoffice.Message, frameType string) error {
	w.link.Send(frameFor(msg, frameType))
	return nil
}

// IsRoot reports false: a Worker is never the root side of a link.
func (w *Worker) IsRoot() bool { return false }

// Subscribe implements postoffice.Engine, forwarding the intent to
// subscribe upstream. Filter-channel subscriptions never reach here;
// postoffice.go withholds engine notification for them.
func (w *Worker) Subscribe(_ context.Context, name []byte, _ int64, _ bool, match postoffice.MatchFn) error {
	return w.notify(name, match, false)
}

// Unsubscribe implements postoffice.Engine, forwarding the intent to
// unsubscribe upstream.
func (w *Worker) Unsubscribe(_ context.Context, name []byte, _ int64, _ bool, match postoffice.MatchFn) error {
	return w.notify(name, match, true)
}

func (w *Worker) notify(name []byte, match postoffice.MatchFn, unsub bool) error {
	if match == nil {
		ft := FramePubsubSub
		if unsub {
			ft = FramePubsubUnsub
		}
		w.link.Send(Frame{Type: ft, Channel: name})
		return nil
	}

	matchName, ok := matchregistry.NameOf(matchregistry.MatchFn(match))
	if !ok {
		return fmt.Errorf("cluster: pattern match function has no registered name, cannot forward upstream")
	}
	ft := FramePatternSub
	if unsub {
		ft = FramePatternUnsub
	}
	w.link.Send(Frame{Type: ft, Channel: name, Payload: []byte(matchName)})
	return nil
}

// Publish implements postoffice.Engine's publish hook as a no-op. Ordinary
// SIBLINGS/CLUSTER/ROOT publishes already go upstream via SendUpstream;
// only an ENGINE-scoped publish would reach an attached Engine's Publish
// method, and the cluster link is not a valid target for one.
func (w *Worker) Publish(_ context.Context, _ *postoffice.Message) error {
	return nil
}

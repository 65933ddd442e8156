package postoffice

import (
	"context"
	"sync"
)

// Engine is the extension point a cluster or external broker implements to
// receive every channel (un)subscribe the local process makes and to accept
// publishes that must leave the process. PostOffice calls Engine methods
// synchronously on the goroutine that subscribed, unsubscribed or
// published, so a slow Engine slows that caller; engine.go's registry only
// records attachment state and forwards calls.
type Engine interface {
	// Subscribe is called once per distinct channel the first local
	// subscriber joins, and Unsubscribe once the last one leaves. name holds
	// the channel or pattern bytes; isFilter is false and filter is 0 for
	// every call PostOffice makes. match is non-nil for
	// pattern channels; engines that care which glob variant backs a
	// pattern resolve match's registered name via internal/matchregistry
	// rather than relying on the pointer itself, which cannot cross a
	// process boundary.
	//
	// Filter-channel subscriptions never reach Subscribe/Unsubscribe; the
	// caller withholds notification for them, not this interface.
	Subscribe(ctx context.Context, name []byte, filter int64, isFilter bool, match MatchFn) error
	Unsubscribe(ctx context.Context, name []byte, filter int64, isFilter bool, match MatchFn) error

	// Publish forwards a message that must reach other processes or an
	// external broker. It does not also deliver locally; PostOffice
	// dispatches to local subscribers itself.
	Publish(ctx context.Context, msg *Message) error
}

// engineRegistry tracks which Engines are attached, so a detached one stops
// receiving calls. It does not record which channels each Engine has been
// told about; PostOffice brings a late-attaching Engine up to date by
// replaying its collections.
type engineRegistry struct {
	mu       sync.RWMutex
	engines  map[Engine]struct{}
	onDebug  func(format string, args ...any)
}

func newEngineRegistry(onDebug func(format string, args ...any)) *engineRegistry {
	return &engineRegistry{
		engines: make(map[Engine]struct{}),
		onDebug: onDebug,
	}
}

func (r *engineRegistry) attach(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e] = struct{}{}
}

func (r *engineRegistry) detach(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, e)
}

func (r *engineRegistry) isAttached(e Engine) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[e]
	return ok
}

func (r *engineRegistry) snapshot() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.engines))
	for e := range r.engines {
		out = append(out, e)
	}
	return out
}

// notifySubscribe tells every attached Engine about a newly first-subscribed
// channel. An Engine's error is passed to onDebug and otherwise ignored.
func (r *engineRegistry) notifySubscribe(ctx context.Context, id identity, match matchFunc) {
	for _, e := range r.snapshot() {
		if err := e.Subscribe(ctx, id.bytes, id.filter, id.isFilter, match); err != nil && r.onDebug != nil {
			r.onDebug("engine subscribe failed: %v", err)
		}
	}
}

func (r *engineRegistry) notifyUnsubscribe(ctx context.Context, id identity, match matchFunc) {
	for _, e := range r.snapshot() {
		if err := e.Unsubscribe(ctx, id.bytes, id.filter, id.isFilter, match); err != nil && r.onDebug != nil {
			r.onDebug("engine unsubscribe failed: %v", err)
		}
	}
}

func (r *engineRegistry) publishAll(ctx context.Context, msg *Message) {
	for _, e := range r.snapshot() {
		if err := e.Publish(ctx, msg); err != nil && r.onDebug != nil {
			r.onDebug("engine publish failed: %v", err)
		}
	}
}

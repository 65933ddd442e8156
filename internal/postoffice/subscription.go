package postoffice

import (
	"sync"
	"sync/atomic"
)

// Callback is invoked once per subscription for each message delivered on
// its channel. It runs through the PostOffice's Submit function (a worker
// pool goroutine in cmd/postoffice; the publisher's own goroutine when
// Options.Submit is nil), and never concurrently with another callback on
// the same Subscription.
type Callback func(sub *Subscription, msg *Message)

// OnUnsubscribe is invoked exactly once, when a Subscription's reference
// count reaches zero: inside Unsubscribe (before the Subscription is removed
// from its channel) when no delivery holds a reference, otherwise when the
// last in-flight delivery finishes.
type OnUnsubscribe func(udata1, udata2 any)

// Subscription is a single subscriber's handle on a channel. It is
// reference-counted: Publish holds a temporary reference while delivering,
// and the caller holds one from Subscribe until it calls Unsubscribe. The
// backing channel record and dispatch callback are fixed for the lifetime
// of the Subscription.
type Subscription struct {
	channel       *channelRecord
	callback      Callback
	onUnsubscribe OnUnsubscribe
	udata1        any
	udata2        any

	refCount int32 // atomic

	// active is cleared by Unsubscribe so a Subscription already queued for
	// delivery is skipped instead of invoking its callback after removal.
	active int32 // atomic, 1 = active

	// deliverMu serializes callback invocation: one Subscription never runs
	// its callback for two messages at once, no matter how many publishers
	// or pool workers are active. The dispatcher try-locks it and re-defers
	// the delivery task on contention instead of blocking a pool worker.
	deliverMu sync.Mutex
}

func newSubscription(ch *channelRecord, cb Callback, onUnsub OnUnsubscribe, ud1, ud2 any) *Subscription {
	return &Subscription{
		channel:       ch,
		callback:      cb,
		onUnsubscribe: onUnsub,
		udata1:        ud1,
		udata2:        ud2,
		refCount:      1,
		active:        1,
	}
}

// retain adds a reference and reports whether it succeeded. It fails once
// the count has already dropped to zero, meaning the Subscription is being
// torn down concurrently.
func (s *Subscription) retain() bool {
	for {
		cur := atomic.LoadInt32(&s.refCount)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.refCount, cur, cur+1) {
			return true
		}
	}
}

// release drops a reference, running onUnsubscribe exactly once when the
// count reaches zero.
func (s *Subscription) release() {
	if atomic.AddInt32(&s.refCount, -1) == 0 {
		if s.onUnsubscribe != nil {
			s.onUnsubscribe(s.udata1, s.udata2)
		}
	}
}

// isActive reports whether Unsubscribe has not yet been called.
func (s *Subscription) isActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// deactivate marks the Subscription inactive and removes its implicit
// reference; returns true the first time it is called.
func (s *Subscription) deactivate() bool {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return false
	}
	s.release()
	return true
}

// UserData returns the two opaque values the caller attached at Subscribe
// time.
func (s *Subscription) UserData() (any, any) {
	return s.udata1, s.udata2
}

// Channel returns the identity this Subscription is registered under: the
// channel or pattern name, or nil for a filter subscription. The returned
// bytes are borrowed and must not be mutated.
func (s *Subscription) Channel() []byte {
	return s.channel.id.bytes
}

// Filter returns the numeric filter identity and true for a filter
// subscription, or 0 and false for a string-channel one.
func (s *Subscription) Filter() (int64, bool) {
	return s.channel.id.filter, s.channel.id.isFilter
}

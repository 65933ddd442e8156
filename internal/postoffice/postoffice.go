package postoffice

import (
	"context"
	"fmt"
)

// MatchFn reports whether a pattern matches a concrete channel name. A
// matcher registered by name in internal/matchregistry can travel across
// the cluster link symbolically rather than by pointer.
type MatchFn = matchFunc

// PostOffice is the process-local pub/sub bus: the top-level object wiring
// the channel collections, dispatcher, engine registry, and metadata
// registry together.
type PostOffice struct {
	exact    *Collection
	patterns *Collection
	filters  *Collection
	meta     *metadataRegistry
	engines  *engineRegistry
	disp     *dispatcher
}

// Options configures a new PostOffice.
type Options struct {
	// Submit schedules a subscriber callback for asynchronous execution.
	// When nil, callbacks run synchronously on the publisher's goroutine,
	// which is only appropriate for tests.
	Submit func(func())

	// OnEngineError receives engine Subscribe/Unsubscribe/Publish failures
	// at debug level; nil disables logging.
	OnEngineError func(format string, args ...any)
}

// New constructs an empty PostOffice.
func New(opts Options) *PostOffice {
	submit := opts.Submit
	if submit == nil {
		submit = func(f func()) { f() }
	}

	po := &PostOffice{
		exact:    newCollection(false),
		patterns: newCollection(true),
		filters:  newCollection(false),
		meta:     newMetadataRegistry(),
		engines:  newEngineRegistry(opts.OnEngineError),
	}
	po.disp = newDispatcher(po.exact, po.patterns, po.filters, po.meta, po.engines, submit)
	return po
}

// SetLink attaches the cluster peer link used for SIBLINGS/CLUSTER/ROOT
// scoped publishes. Passing nil detaches it.
func (p *PostOffice) SetLink(l linkSender) {
	p.disp.setLink(l)
}

// Subscribe registers cb on an exact (non-pattern) channel name. Returns
// ErrInvalidArgument if cb is nil or channel is empty.
func (p *PostOffice) Subscribe(ctx context.Context, channel []byte, cb Callback, onUnsub OnUnsubscribe, ud1, ud2 any) (*Subscription, error) {
	return p.subscribeIn(ctx, p.exact, newStringIdentity(channel), nil, cb, onUnsub, ud1, ud2)
}

// SubscribePattern registers cb on every channel whose name matches
// pattern under match. Pass nil for match to use the built-in glob matcher.
func (p *PostOffice) SubscribePattern(ctx context.Context, pattern []byte, match MatchFn, cb Callback, onUnsub OnUnsubscribe, ud1, ud2 any) (*Subscription, error) {
	if match == nil {
		match = defaultMatch
	}
	return p.subscribeIn(ctx, p.patterns, newStringIdentity(pattern), match, cb, onUnsub, ud1, ud2)
}

// SubscribeFilter registers cb on a numeric filter channel local to this
// process. filter must be non-zero; filter 0 is reserved for the pub/sub
// namespace.
func (p *PostOffice) SubscribeFilter(ctx context.Context, filter int64, cb Callback, onUnsub OnUnsubscribe, ud1, ud2 any) (*Subscription, error) {
	if filter == 0 {
		if onUnsub != nil {
			onUnsub(ud1, ud2)
		}
		return nil, fmt.Errorf("%w: filter 0 is reserved", ErrInvalidArgument)
	}
	return p.subscribeIn(ctx, p.filters, newFilterIdentity(filter), nil, cb, onUnsub, ud1, ud2)
}

func (p *PostOffice) subscribeIn(ctx context.Context, coll *Collection, id identity, match matchFunc, cb Callback, onUnsub OnUnsubscribe, ud1, ud2 any) (*Subscription, error) {
	// On a rejected subscribe the cleanup callback still runs, so a caller
	// that transferred ownership of its user data into the subscription is
	// never leaked.
	if cb == nil {
		if onUnsub != nil {
			onUnsub(ud1, ud2)
		}
		return nil, fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	if !id.isFilter && len(id.bytes) == 0 {
		if onUnsub != nil {
			onUnsub(ud1, ud2)
		}
		return nil, fmt.Errorf("%w: channel name is empty", ErrInvalidArgument)
	}

	rec, created := coll.findOrCreate(id, match)
	sub := newSubscription(rec, cb, onUnsub, ud1, ud2)
	rec.add(sub)

	// Filter channels are process-local by definition: they never reach an
	// engine or the cluster link.
	if created && !id.isFilter {
		p.engines.notifySubscribe(ctx, id, match)
	}
	return sub, nil
}

// Unsubscribe removes sub from its channel, releasing the caller's
// reference. Safe to call more than once; subsequent calls are no-ops.
func (p *PostOffice) Unsubscribe(ctx context.Context, sub *Subscription) {
	if !sub.deactivate() {
		return
	}
	rec := sub.channel
	if rec.remove(sub) {
		// unlink re-checks emptiness under the collection lock: a concurrent
		// subscribe may have repopulated the record after remove() released
		// the channel lock, in which case the channel survives and engines
		// must not see an unsubscribe for it.
		if rec.owner.unlink(rec) && !rec.id.isFilter {
			p.engines.notifyUnsubscribe(ctx, rec.id, rec.match)
		}
	}
}

// Publish delivers payload to every subscriber of channel within scope.
func (p *PostOffice) Publish(ctx context.Context, channel []byte, payload []byte, scope Scope) error {
	return p.disp.publish(ctx, newStringIdentity(channel), payload, scope)
}

// PublishFilter is Publish's numeric-filter-channel counterpart.
func (p *PostOffice) PublishFilter(ctx context.Context, filter int64, payload []byte, scope Scope) error {
	return p.disp.publish(ctx, newFilterIdentity(filter), payload, scope)
}

// AttachEngine registers e to receive subscribe/unsubscribe/publish
// notifications, then replays every currently existing pub/sub and pattern
// channel to it so a late-attaching engine's view matches the collections'.
// Attaching an already-attached Engine only replays.
func (p *PostOffice) AttachEngine(ctx context.Context, e Engine) {
	p.engines.attach(e)
	p.replayChannels(ctx, e)
}

// ReattachEngine replays all current channels to e without inserting it,
// for engines that lost their backing connection and reconnected. Calling
// it for an engine that was never attached logs at debug level and replays
// anyway.
func (p *PostOffice) ReattachEngine(ctx context.Context, e Engine) {
	if !p.engines.isAttached(e) && p.engines.onDebug != nil {
		p.engines.onDebug("reattach of an engine that was never attached")
	}
	p.replayChannels(ctx, e)
}

// IsEngineAttached reports whether e is currently in the attached set.
func (p *PostOffice) IsEngineAttached(e Engine) bool {
	return p.engines.isAttached(e)
}

// DetachEngine removes e from the attached set.
func (p *PostOffice) DetachEngine(e Engine) {
	p.engines.detach(e)
}

func (p *PostOffice) replayChannels(ctx context.Context, e Engine) {
	for _, rec := range p.exact.all() {
		if err := e.Subscribe(ctx, rec.id.bytes, 0, false, nil); err != nil && p.engines.onDebug != nil {
			p.engines.onDebug("engine replay subscribe failed: %v", err)
		}
	}
	for _, rec := range p.patterns.all() {
		if err := e.Subscribe(ctx, rec.id.bytes, 0, false, rec.match); err != nil && p.engines.onDebug != nil {
			p.engines.onDebug("engine replay subscribe failed: %v", err)
		}
	}
}

// PublishEngine routes one publish to a single engine instead of any
// built-in scope, the "scope is an engine pointer" form of publish. Always
// the pub/sub namespace: there is no filter variant, filters never leave
// the process.
func (p *PostOffice) PublishEngine(ctx context.Context, e Engine, channel, payload []byte) error {
	msg := newMessage(string(channel), 0, false, payload)
	p.meta.apply(msg)
	err := e.Publish(ctx, msg)
	msg.release()
	return err
}

// RegisterMetadata adds a producer run against every published pub/sub
// Message (filter-channel publishes skip it); see metadataRegistry.Register.
func (p *PostOffice) RegisterMetadata(producer MetadataProducer) int {
	return p.meta.Register(producer)
}

// UnregisterMetadata removes a producer by its type ID.
func (p *PostOffice) UnregisterMetadata(typeID int) {
	p.meta.Unregister(typeID)
}

// ChannelCount reports how many distinct exact channels currently have at
// least one subscriber, for health/metrics reporting.
func (p *PostOffice) ChannelCount() int {
	return p.exact.len()
}

// PatternCount reports how many distinct pattern channels currently have at
// least one subscriber.
func (p *PostOffice) PatternCount() int {
	return p.patterns.len()
}

// FilterCount reports how many distinct filter channels currently have at
// least one subscriber.
func (p *PostOffice) FilterCount() int {
	return p.filters.len()
}

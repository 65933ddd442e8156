package postoffice

import (
	"context"
	"errors"
)

// Scope selects how far a Publish reaches.
type Scope int

const (
	// ScopeProcess delivers only to local subscribers in this process.
	ScopeProcess Scope = iota
	// ScopeSiblings delivers only across the cluster link, not locally.
	ScopeSiblings
	// ScopeCluster delivers both locally and across the cluster link.
	ScopeCluster
	// ScopeRoot behaves as ScopeProcess when the caller is the root or has
	// no cluster link set; otherwise the message is framed upstream only and the root
	// re-dispatches it locally on arrival.
	ScopeRoot
	// ScopeEngine routes the publish to the attached Engine set instead of
	// any built-in path. Only valid with filter == 0.
	ScopeEngine
)

// ErrEngineMisuse is returned when an engine-scoped publish carries a
// non-zero filter; filter channels never leave the process.
var ErrEngineMisuse = errors.New("postoffice: engine-scoped publish requires filter == 0")

// linkSender abstracts the cluster peer link so the dispatcher can forward
// CLUSTER/SIBLINGS/ROOT-scoped messages without importing internal/cluster
// (which in turn imports this package for the wire-level message shape).
type linkSender interface {
	SendUpstream(msg *Message, frameType string) error
	IsRoot() bool
}

// dispatcher owns the publish/deliver path: scope interpretation, metadata
// production, and local fan-out across the exact and pattern collections.
// Delivery is non-blocking per subscriber via the worker pool.
type dispatcher struct {
	exact    *Collection
	patterns *Collection
	filters  *Collection
	meta     *metadataRegistry
	engines  *engineRegistry
	link     linkSender
	submit   func(func())
}

func newDispatcher(exact, patterns, filters *Collection, meta *metadataRegistry, engines *engineRegistry, submit func(func())) *dispatcher {
	return &dispatcher{exact: exact, patterns: patterns, filters: filters, meta: meta, engines: engines, submit: submit}
}

func (d *dispatcher) setLink(l linkSender) {
	d.link = l
}

// publish routes one message by scope: local fan-out, the cluster link,
// or both.
func (d *dispatcher) publish(ctx context.Context, id identity, payload []byte, scope Scope) error {
	if scope == ScopeEngine {
		if id.isFilter && id.filter != 0 {
			return ErrEngineMisuse
		}
		msg := newMessage(id.String(), 0, false, payload)
		d.meta.apply(msg)
		d.engines.publishAll(ctx, msg)
		msg.release()
		return nil
	}

	msg := newMessage(id.String(), id.filter, id.isFilter, payload)
	// The publish call's own reference drops when this function returns;
	// scheduled deliveries keep the envelope alive through their own refs.
	defer msg.release()
	if id.isFilter {
		msg.Channel = ""
	} else {
		// Metadata producers run only for the pub/sub namespace; filter
		// channels are process-local plumbing that never reaches transports
		// needing pre-serialized forms.
		d.meta.apply(msg)
	}

	switch scope {
	case ScopeProcess:
		d.deliverLocal(id, msg)
	case ScopeSiblings:
		return d.forwardUpstream(msg, "PUBLISH")
	case ScopeCluster:
		d.deliverLocal(id, msg)
		return d.forwardUpstream(msg, "PUBLISH")
	case ScopeRoot:
		if d.link == nil || d.link.IsRoot() {
			d.deliverLocal(id, msg)
			return nil
		}
		return d.forwardUpstream(msg, "ROOT")
	}
	return nil
}

func (d *dispatcher) forwardUpstream(msg *Message, frameType string) error {
	if d.link == nil {
		return ErrInactiveCluster
	}
	return d.link.SendUpstream(msg, frameType)
}

// deliverLocal fans a message out to every matching exact channel, pattern
// channel, or filter channel in this process. Each subscriber callback is
// handed to the dispatcher's submit function; with a worker pool behind it
// (as in cmd/postoffice) a slow subscriber cannot stall the publisher or its
// sibling subscribers, while the default submit runs it inline.
func (d *dispatcher) deliverLocal(id identity, msg *Message) {
	var targets []*channelRecord
	if id.isFilter {
		targets = d.filters.matching(id)
	} else {
		targets = append(targets, d.exact.matching(id)...)
		targets = append(targets, d.patterns.matching(id)...)
	}

	msg.retain()
	defer msg.release()

	for _, rec := range targets {
		for _, sub := range rec.snapshot() {
			if !sub.retain() {
				continue
			}
			msg.retain()
			t := &delivery{d: d, sub: sub, msg: msg, view: msg.viewFor()}
			d.submit(t.run)
		}
	}
}

// delivery is one scheduled deliver(S, msg) task. It holds one reference on
// both the subscription and the envelope until the callback has run to
// completion without deferring.
type delivery struct {
	d    *dispatcher
	sub  *Subscription
	msg  *Message
	view *Message
}

func (t *delivery) run() {
	// Serialize per subscription: on contention, re-defer the same task
	// rather than blocking a pool worker behind another delivery.
	if !t.sub.deliverMu.TryLock() {
		t.d.submit(t.run)
		return
	}

	if t.sub.isActive() {
		t.sub.callback(t.sub, t.view)
	}
	t.sub.deliverMu.Unlock()

	// The callback asked to be retried: keep both references and put the
	// task back on the queue.
	if t.view.takeDeferred() {
		t.d.submit(t.run)
		return
	}

	t.sub.release()
	t.msg.release()
}

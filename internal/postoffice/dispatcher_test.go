package postoffice

import (
	"context"
	"sync"
	"testing"
)

// syncSubmit runs tasks inline so dispatch assertions don't race the test.
func syncSubmit(f func()) { f() }

func TestDispatcherExactDelivery(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	var received []byte
	rec, _ := exact.findOrCreate(newStringIdentity([]byte("ch.1")), nil)
	sub := newSubscription(rec, func(_ *Subscription, msg *Message) {
		received = msg.Payload
	}, nil, nil, nil)
	rec.add(sub)

	if err := d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("hello"), ScopeProcess); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(received) != "hello" {
		t.Fatalf("expected delivery of %q, got %q", "hello", received)
	}
}

func TestDispatcherPatternDelivery(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	var count int
	rec, _ := patterns.findOrCreate(newStringIdentity([]byte("ch.*")), defaultMatch)
	sub := newSubscription(rec, func(*Subscription, *Message) { count++ }, nil, nil, nil)
	rec.add(sub)

	_ = d.publish(context.Background(), newStringIdentity([]byte("ch.BTC.trade")), []byte("x"), ScopeProcess)
	_ = d.publish(context.Background(), newStringIdentity([]byte("other")), []byte("x"), ScopeProcess)

	if count != 1 {
		t.Fatalf("expected exactly one pattern delivery, got %d", count)
	}
}

func TestDispatcherEngineScopeRejectsNonZeroFilter(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	err := d.publish(context.Background(), newFilterIdentity(7), []byte("x"), ScopeEngine)
	if err != ErrEngineMisuse {
		t.Fatalf("expected ErrEngineMisuse, got %v", err)
	}
}

type fakeEngine struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeEngine) Subscribe(context.Context, []byte, int64, bool, MatchFn) error   { return nil }
func (f *fakeEngine) Unsubscribe(context.Context, []byte, int64, bool, MatchFn) error { return nil }
func (f *fakeEngine) Publish(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg.Channel)
	return nil
}

func TestDispatcherEngineScopeDelivery(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	fe := &fakeEngine{}
	engines.attach(fe)

	if err := d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("x"), ScopeEngine); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.published) != 1 || fe.published[0] != "ch.1" {
		t.Fatalf("expected engine to receive one publish for ch.1, got %v", fe.published)
	}
}

type fakeLink struct {
	isRoot bool
	sent   []string
}

func (f *fakeLink) SendUpstream(msg *Message, frameType string) error {
	f.sent = append(f.sent, frameType)
	return nil
}
func (f *fakeLink) IsRoot() bool { return f.isRoot }

func TestDispatcherScopeCluster(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	var delivered bool
	rec, _ := exact.findOrCreate(newStringIdentity([]byte("ch.1")), nil)
	sub := newSubscription(rec, func(*Subscription, *Message) { delivered = true }, nil, nil, nil)
	rec.add(sub)

	link := &fakeLink{isRoot: false}
	d.setLink(link)

	if err := d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("x"), ScopeCluster); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !delivered {
		t.Fatal("expected local delivery under ScopeCluster")
	}
	if len(link.sent) != 1 || link.sent[0] != "PUBLISH" {
		t.Fatalf("expected one PUBLISH frame sent upstream, got %v", link.sent)
	}
}

func TestDispatcherScopeSiblingsSkipsLocal(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	var delivered bool
	rec, _ := exact.findOrCreate(newStringIdentity([]byte("ch.1")), nil)
	sub := newSubscription(rec, func(*Subscription, *Message) { delivered = true }, nil, nil, nil)
	rec.add(sub)

	link := &fakeLink{}
	d.setLink(link)

	_ = d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("x"), ScopeSiblings)
	if delivered {
		t.Fatal("expected no local delivery under ScopeSiblings")
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected one frame sent upstream, got %d", len(link.sent))
	}
}

func TestDispatcherScopeRootFromNonRootForwards(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	link := &fakeLink{isRoot: false}
	d.setLink(link)

	_ = d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("x"), ScopeRoot)
	if len(link.sent) != 1 || link.sent[0] != "ROOT" {
		t.Fatalf("expected a ROOT frame sent upstream, got %v", link.sent)
	}
}

func TestDispatcherScopeRootFromRootDeliversLocally(t *testing.T) {
	exact := newCollection(false)
	patterns := newCollection(true)
	filters := newCollection(false)
	meta := newMetadataRegistry()
	engines := newEngineRegistry(nil)
	d := newDispatcher(exact, patterns, filters, meta, engines, syncSubmit)

	var delivered bool
	rec, _ := exact.findOrCreate(newStringIdentity([]byte("ch.1")), nil)
	sub := newSubscription(rec, func(*Subscription, *Message) { delivered = true }, nil, nil, nil)
	rec.add(sub)

	link := &fakeLink{isRoot: true}
	d.setLink(link)

	_ = d.publish(context.Background(), newStringIdentity([]byte("ch.1")), []byte("x"), ScopeRoot)
	if !delivered {
		t.Fatal("expected local delivery when root publishes with ScopeRoot")
	}
	if len(link.sent) != 0 {
		t.Fatal("expected no upstream frame when root publishes with ScopeRoot")
	}
}

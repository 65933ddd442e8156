package cluster

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/postoffice/internal/postoffice"
)

// testCluster stands a root and n workers up inside one test process, each
// with its own PostOffice, joined by real unix-domain sockets.
type testCluster struct {
	root    *Root
	rootPO  *postoffice.PostOffice
	workers []*Worker
	pos     []*postoffice.PostOffice
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	logger := zerolog.Nop()
	socket := filepath.Join(t.TempDir(), "po.sock")

	rootPO := postoffice.New(postoffice.Options{})
	root, err := Listen(socket, rootPO, logger)
	require.NoError(t, err)
	go root.Serve()

	tc := &testCluster{root: root, rootPO: rootPO}
	for i := 0; i < n; i++ {
		po := postoffice.New(postoffice.Options{})
		w, err := DialWorker(socket, po, logger)
		require.NoError(t, err)
		w.signalSelf = func() {} // never SIGINT the test process
		tc.workers = append(tc.workers, w)
		tc.pos = append(tc.pos, po)
	}

	require.Eventually(t, func() bool { return root.ChildCount() == n },
		2*time.Second, 10*time.Millisecond, "workers should connect")

	t.Cleanup(func() {
		for _, w := range tc.workers {
			w.Close()
		}
		root.Shutdown()
	})
	return tc
}

func TestClusterFanOut(t *testing.T) {
	tc := newTestCluster(t, 2)
	ctx := context.Background()

	received := make(chan *postoffice.Message, 4)
	_, err := tc.pos[0].Subscribe(ctx, []byte("t"), func(_ *postoffice.Subscription, msg *postoffice.Message) {
		received <- msg
	}, nil, nil, nil)
	require.NoError(t, err)

	// The subscribe intent propagates to the root as a mock subscription.
	require.Eventually(t, func() bool { return tc.rootPO.ChannelCount() == 1 },
		2*time.Second, 10*time.Millisecond, "root should aggregate the worker's channel")

	// Worker 2 has no local subscriber, so only the remote delivery occurs.
	require.NoError(t, tc.pos[1].Publish(ctx, []byte("t"), []byte("m"), postoffice.ScopeCluster))

	select {
	case msg := <-received:
		require.Equal(t, "t", msg.Channel)
		require.Equal(t, "m", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("worker 1 never received the cluster publish")
	}

	select {
	case <-received:
		t.Fatal("worker 1 received the cluster publish more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClusterSiblingsScope(t *testing.T) {
	tc := newTestCluster(t, 2)
	ctx := context.Background()

	var w1Deliveries, w2Deliveries int64
	_, err := tc.pos[0].Subscribe(ctx, []byte("t"), func(*postoffice.Subscription, *postoffice.Message) {
		atomic.AddInt64(&w1Deliveries, 1)
	}, nil, nil, nil)
	require.NoError(t, err)
	_, err = tc.pos[1].Subscribe(ctx, []byte("t"), func(*postoffice.Subscription, *postoffice.Message) {
		atomic.AddInt64(&w2Deliveries, 1)
	}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, tc.pos[1].Publish(ctx, []byte("t"), []byte("x"), postoffice.ScopeSiblings))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&w1Deliveries) == 1 },
		2*time.Second, 10*time.Millisecond, "sibling worker should receive the publish")
	require.Equal(t, int64(0), atomic.LoadInt64(&w2Deliveries),
		"publisher's own process must not receive a SIBLINGS publish")
}

func TestClusterRootScope(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()

	var rootDeliveries, workerDeliveries int64
	_, err := tc.rootPO.Subscribe(ctx, []byte("r"), func(*postoffice.Subscription, *postoffice.Message) {
		atomic.AddInt64(&rootDeliveries, 1)
	}, nil, nil, nil)
	require.NoError(t, err)
	_, err = tc.pos[0].Subscribe(ctx, []byte("r"), func(*postoffice.Subscription, *postoffice.Message) {
		atomic.AddInt64(&workerDeliveries, 1)
	}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, tc.pos[0].Publish(ctx, []byte("r"), []byte("x"), postoffice.ScopeRoot))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&rootDeliveries) == 1 },
		2*time.Second, 10*time.Millisecond, "root should receive a ROOT-scoped publish")
	require.Equal(t, int64(0), atomic.LoadInt64(&workerDeliveries),
		"ROOT scope must not echo back to the publishing worker")
}

func TestClusterPatternSubscriptionBySymbolicName(t *testing.T) {
	tc := newTestCluster(t, 2)
	ctx := context.Background()

	matched := make(chan string, 4)
	_, err := tc.pos[0].SubscribePattern(ctx, []byte("ch.*"), nil, func(_ *postoffice.Subscription, msg *postoffice.Message) {
		matched <- msg.Channel
	}, nil, nil, nil)
	require.NoError(t, err)

	// The PATTERN_SUB frame carries the registered name "glob"; the root
	// resolves it and installs a mock pattern subscription of its own.
	require.Eventually(t, func() bool { return tc.rootPO.PatternCount() == 1 },
		2*time.Second, 10*time.Millisecond, "root should aggregate the pattern by its symbolic name")

	require.NoError(t, tc.pos[1].Publish(ctx, []byte("ch.42"), []byte("x"), postoffice.ScopeCluster))

	select {
	case channel := <-matched:
		require.Equal(t, "ch.42", channel)
	case <-time.After(2 * time.Second):
		t.Fatal("pattern subscriber on another worker never matched")
	}
}

func TestClusterUnsubscribeRemovesRootAggregate(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()

	sub, err := tc.pos[0].Subscribe(ctx, []byte("gone"), func(*postoffice.Subscription, *postoffice.Message) {}, nil, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tc.rootPO.ChannelCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	tc.pos[0].Unsubscribe(ctx, sub)

	require.Eventually(t, func() bool { return tc.rootPO.ChannelCount() == 0 },
		2*time.Second, 10*time.Millisecond, "root should drop the mock subscription after PUBSUB_UNSUB")
}

func TestClusterFilterSubscribeStaysLocal(t *testing.T) {
	tc := newTestCluster(t, 2)
	ctx := context.Background()

	var w1Deliveries int64
	_, err := tc.pos[0].SubscribeFilter(ctx, 7, func(*postoffice.Subscription, *postoffice.Message) {
		atomic.AddInt64(&w1Deliveries, 1)
	}, nil, nil, nil)
	require.NoError(t, err)

	// Filter subscriptions never produce PUBSUB_SUB frames.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, tc.rootPO.ChannelCount())
	require.Zero(t, tc.rootPO.FilterCount())
}

func TestWorkerGracefulShutdownFrame(t *testing.T) {
	logger := zerolog.Nop()
	socket := filepath.Join(t.TempDir(), "po.sock")

	rootPO := postoffice.New(postoffice.Options{})
	root, err := Listen(socket, rootPO, logger)
	require.NoError(t, err)
	go root.Serve()

	po := postoffice.New(postoffice.Options{})
	w, err := DialWorker(socket, po, logger)
	require.NoError(t, err)
	w.signalSelf = func() {}

	crashed := make(chan struct{}, 1)
	lc := NewLifecycle()
	lc.OnParentCrash(func() { crashed <- struct{}{} })
	w.Lifecycle = lc

	require.Eventually(t, func() bool { return root.ChildCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Shutdown sends SHUTDOWN frames first, so the worker must treat the
	// close as graceful and never run its parent-crash hooks.
	root.Shutdown()

	select {
	case <-crashed:
		t.Fatal("parent-crash hook fired on a graceful SHUTDOWN")
	case <-time.After(200 * time.Millisecond):
	}
}

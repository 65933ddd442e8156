package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := New(2, 16, zerolog.Nop())
	pool.Start(context.Background())

	var ran int32
	for i := 0; i < 8; i++ {
		pool.Submit(func() { atomic.AddInt32(&ran, 1) })
	}
	pool.Stop()

	if got := atomic.LoadInt32(&ran); got != 8 {
		t.Fatalf("expected all 8 tasks to run before Stop returned, got %d", got)
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	pool := New(1, 1, zerolog.Nop())
	// Not started: nothing drains the queue, so the second submit must drop.
	pool.Submit(func() {})
	pool.Submit(func() {})

	if pool.Dropped() != 1 {
		t.Fatalf("expected exactly one dropped task, got %d", pool.Dropped())
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	pool := New(1, 16, zerolog.Nop())
	pool.Start(context.Background())

	var panics int32
	pool.OnPanic(func(any) { atomic.AddInt32(&panics, 1) })

	var ran int32
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { atomic.AddInt32(&ran, 1) })
	pool.Stop()

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("worker should survive a panicking task and run the next one")
	}
	if atomic.LoadInt32(&panics) != 1 {
		t.Fatalf("expected one panic callback, got %d", panics)
	}
}

func TestPoolQueueDepthReporting(t *testing.T) {
	pool := New(1, 4, zerolog.Nop())
	pool.Submit(func() {})
	pool.Submit(func() {})

	if pool.QueueDepth() != 2 {
		t.Fatalf("QueueDepth = %d, want 2", pool.QueueDepth())
	}
	if pool.QueueCapacity() != 4 {
		t.Fatalf("QueueCapacity = %d, want 4", pool.QueueCapacity())
	}

	pool.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for pool.QueueDepth() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(time.Millisecond)
	}
	pool.Stop()
}

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int32
	var wg sync.WaitGroup

	pool := NewPool(2, 16, func(_ context.Context, _ int) {
		processed.Add(1)
		wg.Done()
	})
	pool.Start(context.Background())
	defer func() { _ = pool.Stop(time.Second) }()

	const items = 20
	wg.Add(items)
	for i := 0; i < items; i++ {
		if err := pool.Submit(i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	if got := processed.Load(); got != items {
		t.Errorf("processed = %d, want %d", got, items)
	}
	stats := pool.Stats()
	if stats.Submitted != items {
		t.Errorf("Submitted = %d, want %d", stats.Submitted, items)
	}
}

func TestPool_RejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) {
		<-block
	})
	pool.Start(context.Background())
	defer func() {
		close(block)
		_ = pool.Stop(time.Second)
	}()

	// First item occupies the worker, second fills the queue. Give the
	// worker a moment to pick up the first.
	if err := pool.Submit(1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := pool.Submit(2); err != nil {
		t.Fatal(err)
	}

	err := pool.Submit(3)
	if err != ErrQueueFull {
		t.Errorf("Submit on full queue = %v, want ErrQueueFull", err)
	}
	if pool.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", pool.Stats().Rejected)
	}
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) {})
	if err := pool.Submit(1); err != ErrNotStarted {
		t.Errorf("Submit before Start = %v, want ErrNotStarted", err)
	}
}

func TestPool_StopCancelsWorkerContext(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ int) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})
	pool.Start(context.Background())

	if err := pool.Submit(1); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("worker context never canceled")
	}

	if err := pool.Submit(2); err != ErrNotStarted {
		t.Errorf("Submit after Stop = %v, want ErrNotStarted", err)
	}
}

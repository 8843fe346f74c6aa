// Package worker provides the bounded worker pool the sandbox runtime
// uses to serve requests. The bound is the backpressure mechanism: when
// every worker is busy and the queue is full, new work is rejected
// immediately rather than queued without limit.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrQueueFull is returned by Submit when the pool cannot accept work.
	ErrQueueFull = errors.New("worker queue full")
	// ErrNotStarted is returned by Submit before Start or after Stop.
	ErrNotStarted = errors.New("worker pool not started")
)

// Pool runs a fixed number of workers over a bounded queue of T.
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T)

	work chan T
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	submitted atomic.Int64
	done      atomic.Int64
	rejected  atomic.Int64

	queueDepth prometheus.Gauge
	rejectedC  prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers queue depth and rejection counters on reg.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Requests waiting for a worker.",
		})
		p.rejectedC = prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_rejected_total",
			Help: "Requests rejected because the queue was full.",
		})
		reg.MustRegister(p.queueDepth, p.rejectedC)
	}
}

// NewPool creates a pool of workers running process on each submitted
// item. process owns its panics and errors; the pool only schedules.
func NewPool[T any](workers, queueSize int, process func(context.Context, T), opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Their contexts descend from ctx; canceling
// it aborts in-flight work.
func (p *Pool[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(workerCtx)
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			if p.queueDepth != nil {
				p.queueDepth.Set(float64(len(p.work)))
			}
			p.process(ctx, item)
			p.done.Add(1)
		}
	}
}

// Submit queues one item without blocking. A full queue rejects with
// ErrQueueFull; the caller decides whether that is a retryable condition.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case p.work <- item:
		p.submitted.Add(1)
		if p.queueDepth != nil {
			p.queueDepth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.rejected.Add(1)
		if p.rejectedC != nil {
			p.rejectedC.Inc()
		}
		return ErrQueueFull
	}
}

// Stats reports pool counters.
type Stats struct {
	Submitted int64
	Done      int64
	Rejected  int64
	Queued    int
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Done:      p.done.Load(),
		Rejected:  p.rejected.Load(),
		Queued:    len(p.work),
	}
}

// Stop cancels worker contexts and waits up to timeout for them to
// drain. Queued work that no worker picked up is dropped.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("worker pool stop timed out")
	}
}

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the pool's operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

type poolJob struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// WorkerPool runs submitted work on a fixed set of resident workers.
// Submit blocks while every worker is busy, so the pool doubles as
// backpressure for concurrent iteration.
type WorkerPool struct {
	jobs    chan poolJob
	done    chan struct{}
	workers sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool starts size resident workers. Size below 1 means 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		jobs: make(chan poolJob),
		done: make(chan struct{}),
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *WorkerPool) run(job poolJob) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		p.inflight.Done()
	}()

	if err := job.fn(job.ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Submit hands fn to a worker. It blocks while all workers are busy,
// honoring ctx cancellation, and returns ErrPoolShutdown after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	// The inflight Add must happen under the same lock Shutdown takes
	// before it waits, or Wait could observe a transient zero.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	select {
	case p.jobs <- poolJob{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	case <-p.done:
		p.inflight.Done()
		return ErrPoolShutdown
	}
}

// Wait blocks until every accepted job has finished.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown rejects further submissions, waits for accepted work to finish
// and stops the resident workers. Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.inflight.Wait()
	p.workers.Wait()
}

// Metrics returns the current pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

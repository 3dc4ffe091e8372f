package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/solmak/bothive/pkg/schema"
)

// PoolMetrics counts traversal outcomes across the pool's lifetime.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many workflow executions traverse concurrently.
// Submit blocks when all slots are taken, giving natural backpressure to
// trigger sources.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
	metrics PoolMetrics
}

// NewWorkerPool creates a pool with the given number of slots. Sizes below
// one are clamped to one.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger.With("component", "worker_pool"),
	}
}

// Submit acquires a slot and runs fn in its own goroutine. It blocks until a
// slot frees up, ctx is done, or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "submit cancelled").WithCause(ctx.Err())
	case <-p.done:
		return schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Active, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("recovered panic in traversal", "panic", r)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			p.wg.Done()
			<-p.sem
		}()
		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	return nil
}

// Wait blocks until all in-flight traversals finish.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight traversals.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

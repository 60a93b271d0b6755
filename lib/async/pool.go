// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/evbus/internal/domain/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task errors and recovered task panics.
type ErrorHandler func(error)

// Option configures a pool.
type Option func(*Pool)

// WithErrorHandler installs a hook invoked with every failed task.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		if fn != nil {
			p.onError = fn
		}
	}
}

// Pool is a bounded worker pool enforcing backpressure when saturated. With a
// single worker, tasks run in submission order.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	workers sync.WaitGroup
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking. It fails when the queue is full
// or the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Tasks already queued still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued tasks to drain. If ctx expires
// first, running tasks see their context cancelled and the remaining queue is
// discarded.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		if p.ctx.Err() != nil {
			continue
		}
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	ctx, stop := context.WithCancel(j.ctx)
	defer stop()
	unlink := context.AfterFunc(p.ctx, stop)
	defer unlink()

	var taskErr error
	var catcher panics.Catcher
	catcher.Try(func() {
		taskErr = j.fn(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		taskErr = errs.New("lib/async", errs.CodeHandler,
			errs.WithMessage("task panicked"),
			errs.WithCause(recovered.AsError()))
	}
	if taskErr != nil && p.onError != nil {
		p.onError(taskErr)
	}
}

package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned for work submitted after Shutdown.
var ErrPoolClosed = errors.New("worker pool shut down")

// PanicError is a recovered panic converted into an error.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}

// Recover runs fn and converts a panic into a *PanicError.
func Recover(taskName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: taskName, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "hook delivery", logger, func(ctx context.Context) error {
//	    return bus.Emit(ctx, event, payload)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *logrus.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		err := Recover(taskName, func() error { return fn(ctx) })
		var perr *PanicError
		switch {
		case errors.As(err, &perr):
			logger.Errorf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s", taskName, perr.Value, perr.Stack)
		case err != nil:
			// Caller can decide if this is critical or not
			logger.WithError(err).Warnf("[SafeGo] Error in %s", taskName)
		}
	}()
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// WorkerPool is a fixed set of workers executing tasks from a queue. It bounds
// how much plugin code runs at once across the process.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *logrus.Logger

	workCh chan task
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// PoolStats is a point-in-time view of a WorkerPool
type PoolStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// NewWorkerPool creates a new worker pool. A timeout of zero leaves task
// deadlines to the caller's context.
//
// Example:
//
//	pool := NewWorkerPool(ctx, 8, "plugin calls", 0, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	err := pool.Do(ctx, func(ctx context.Context) error {
//	    _, err := handle.Call(ctx, "activate")
//	    return err
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger *logrus.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan task, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Do runs fn on a worker and waits for its result. It returns early with the
// context error when ctx ends first; fn then still sees the cancellation
// through its own context.
func (p *WorkerPool) Do(ctx context.Context, fn func(context.Context) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.enqueue(ctx, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without waiting. Errors are logged.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	return p.enqueue(p.ctx, task{ctx: p.ctx, fn: fn})
}

func (p *WorkerPool) enqueue(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return shutdownErr
}

// Stats returns pool counters
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Active:    p.active.Load(),
		Queued:    len(p.workCh),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *WorkerPool) worker() {
	for t := range p.workCh {
		p.run(t)
	}
}

func (p *WorkerPool) run(t task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx, cancel := mergeCancel(t.ctx, p.ctx)
	defer cancel()
	if p.timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, p.timeout)
		defer tcancel()
	}

	var err error
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	} else {
		err = Recover(p.taskName, func() error { return t.fn(ctx) })
	}

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}

	if t.done != nil {
		t.done <- err
		return
	}
	var perr *PanicError
	switch {
	case errors.As(err, &perr):
		p.logger.Errorf("[WorkerPool] PANIC in %s: %v\nStack trace:\n%s", p.taskName, perr.Value, perr.Stack)
	case err != nil:
		p.logger.WithError(err).Warnf("[WorkerPool] Error in %s", p.taskName)
	}
}

// mergeCancel returns a context derived from a that is also cancelled when b
// is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

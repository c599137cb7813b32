package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/agentgate/pkg/observability"
)

// ErrPoolClosed is returned when submitting to a pool that has shut down
var ErrPoolClosed = errors.New("worker pool shut down")

// ErrPoolFull is returned by TrySubmit when the queue has no free slot
var ErrPoolFull = errors.New("worker pool queue full")

// SafeGo runs fn in a goroutine with a timeout, panic recovery and error logging.
// The parent's values are kept but its cancellation is not, so work scheduled
// from a request handler outlives the request.
//
//	async.SafeGo(r.Context(), logger, 2*time.Second, "usage increment", func(ctx context.Context) error {
//	    return counters.IncrementDailyUsage(ctx, agentID, now)
//	})
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// Each task gets its own timeout; failures are logged and counted.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	failed  atomic.Uint64
	handled atomic.Uint64

	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines draining a queue of size queue
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers, queue int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan func(context.Context) error, queue),
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

// Submit queues fn, blocking while the queue is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without blocking; ErrPoolFull means the task was dropped
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to finish
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

// Stats returns the number of tasks handled and how many of them failed
func (p *WorkerPool) Stats() (handled, failed uint64) {
	return p.handled.Load(), p.failed.Load()
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		err := p.run(fn)
		p.handled.Add(1)
		if err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).WithField("task", p.taskName).Warn("worker task failed")
		}
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = observability.PanicError(r)
		}
	}()

	return fn(ctx)
}

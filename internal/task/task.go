// Package task runs background units of work with a handle the caller can
// wait on, and lets shutdown wait for everything in flight.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
)

var (
	// ErrShutdown is returned by Submit once Shutdown has been called.
	ErrShutdown = errors.New("task group is shutting down")

	// ErrTimeout is returned by AwaitWithTimeout when the task is still running.
	ErrTimeout = errors.New("timed out waiting for task")
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

// Handle represents a submitted unit of work.
type Handle struct {
	ID   string
	Name string

	err  error
	done chan struct{}
}

// Await waits for the task to finish and returns its error.
func (h *Handle) Await() error {
	<-h.done
	return h.err
}

// AwaitWithTimeout waits up to timeout for the task to finish.
func (h *Handle) AwaitWithTimeout(timeout time.Duration) error {
	select {
	case <-h.done:
		return h.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// AwaitContext waits for the task or for ctx, whichever comes first.
// Cancelling ctx does not stop the task.
func (h *Handle) AwaitContext(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the task finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsComplete reports whether the task has finished without blocking.
func (h *Handle) IsComplete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Group bounds how many tasks run at once and tracks them for shutdown.
// Tasks are detached from the submitting context: once dispatched they run
// to completion.
type Group struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewGroup returns a Group running at most limit tasks concurrently.
func NewGroup(limit int, log *slog.Logger, m *metrics.Metrics) *Group {
	if limit < 1 {
		limit = 1
	}
	return &Group{
		Logger:  logger.OrDefault(log),
		Metrics: m,
		sem:     semaphore.NewWeighted(int64(limit)),
	}
}

// Submit dispatches fn and returns immediately. Values carried by ctx are
// kept but its cancellation is not.
func (g *Group) Submit(ctx context.Context, name string, fn Func) (*Handle, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrShutdown
	}
	g.wg.Add(1)
	g.mu.Unlock()

	h := &Handle{ID: uuid.NewString(), Name: name, done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer g.wg.Done()
		defer close(h.done)

		// WithoutCancel contexts never fire, so Acquire only returns once a slot frees up.
		_ = g.sem.Acquire(ctx, 1)
		defer g.sem.Release(1)

		g.Metrics.TaskStarted()
		defer g.Metrics.TaskDone()

		start := time.Now()
		log := g.log().With(logger.Task(h.ID), slog.String("task", name))
		log.Debug("task started")

		h.err = run(ctx, fn)
		if h.err != nil {
			log.Warn("task failed", logger.Error(h.err), logger.Elapsed(start))
			return
		}
		log.Debug("task finished", logger.Elapsed(start))
	}()
	return h, nil
}

// Shutdown stops accepting tasks and waits for in-flight ones until ctx ends.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tasks: %w", ctx.Err())
	}
}

func (g *Group) log() *slog.Logger {
	return logger.OrDefault(g.Logger)
}

func run(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

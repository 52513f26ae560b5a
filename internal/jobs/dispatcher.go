// Package jobs runs background work on a bounded pool of workers: webhook
// reconciliations in the server and queue jobs in the runner.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// ErrQueueFull is returned by Dispatch when no slot is free.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned once Stop has been called.
var ErrStopped = errors.New("dispatcher is stopped")

// Handler processes one item.
type Handler[T any] func(ctx context.Context, item T) error

// Dispatcher implements core.JobDispatcher and manages a pool of worker
// goroutines that run a Handler for each queued item.
type Dispatcher[T any] struct {
	handler    Handler[T]
	jobQueue   chan T
	maxWorkers int
	name       string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // tracks active workers for graceful shutdown

	mu      sync.RWMutex
	stopped bool

	logger *slog.Logger
}

var _ core.JobDispatcher[int] = (*Dispatcher[int])(nil)

// NewDispatcher starts maxWorkers workers reading from a queue with room for
// queueSize waiting items. If maxWorkers is 0 or negative, it defaults to 1.
// A queueSize of 0 makes Submit hand items directly to an idle worker.
func NewDispatcher[T any](name string, handler Handler[T], maxWorkers, queueSize int, logger *slog.Logger) *Dispatcher[T] {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher[T]{
		handler:    handler,
		jobQueue:   make(chan T, queueSize),
		maxWorkers: maxWorkers,
		name:       name,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
	d.startWorkers()
	return d
}

func (d *Dispatcher[T]) startWorkers() {
	for i := range d.maxWorkers {
		d.wg.Add(1)
		go d.startWorker(i)
	}
}

// startWorker processes items from the queue until it's closed.
func (d *Dispatcher[T]) startWorker(workerID int) {
	defer d.wg.Done()
	d.logger.Debug("starting worker", "pool", d.name, "id", workerID)

	for item := range d.jobQueue {
		d.process(workerID, item)
	}

	d.logger.Debug("shutting down worker", "pool", d.name, "id", workerID)
}

func (d *Dispatcher[T]) process(workerID int, item T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker recovered from panic", "pool", d.name, "worker_id", workerID, "panic", r)
		}
	}()

	if err := d.handler(d.ctx, item); err != nil {
		d.logger.Error("job failed", "pool", d.name, "worker_id", workerID, "error", err)
	}
}

// Dispatch queues an item without blocking. It returns ErrQueueFull when the
// queue has no room, providing a mechanism for backpressure.
func (d *Dispatcher[T]) Dispatch(_ context.Context, item T) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.jobQueue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit queues an item, waiting for room until ctx is done.
func (d *Dispatcher[T]) Submit(ctx context.Context, item T) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.jobQueue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the dispatcher, waiting for queued and running
// jobs to finish.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobQueue)
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher and waiting for jobs to finish", "pool", d.name)
	d.wg.Wait()
	d.cancel()
	d.logger.Info("all jobs have finished", "pool", d.name)
}

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

type queued struct {
	name string
	fn   Task
}

// Dispatcher runs fire-and-forget work on a fixed number of workers. Errors
// and panics of a task are logged and never reach the submitter. There is no
// delivery guarantee: tasks still queued when the process exits are lost.
type Dispatcher struct {
	workers int
	queue   chan queued
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with the given worker count and queue
// capacity. Call [Dispatcher.Start] before submitting.
func NewDispatcher(workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	return &Dispatcher{
		workers: workers,
		queue:   make(chan queued, queueSize),
		log:     logger,
	}
}

// Start launches the workers. Tasks receive ctx, not the context of the
// request that submitted them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.log.Info("dispatcher started", "workers", d.workers, "queue", cap(d.queue))
}

// Submit enqueues fn without blocking. It reports false when the queue is
// full or the dispatcher is stopped.
func (d *Dispatcher) Submit(name string, fn Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("dispatcher stopped, dropping task", "task", name)
		return false
	}
	select {
	case d.queue <- queued{name: name, fn: fn}:
		return true
	default:
		d.log.Warn("dispatch queue full, dropping task", "task", name)
		return false
	}
}

// Stop closes the queue and waits until the workers have drained it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(ctx, t)
	}
}

func (d *Dispatcher) run(ctx context.Context, t queued) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("background task panicked", "task", t.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	if err := t.fn(ctx); err != nil {
		d.log.Error("background task failed", "task", t.name, "error", err)
	}
}

// Package scheduler provides the task-scheduling primitive the sync engine
// runs on: enqueue a typed work item now or at a future time, cancel a
// pending delayed item. Every batch, renewal, and write-back executes as an
// independently schedulable unit of work with its own budget; nothing in the
// engine holds a long-lived goroutine per resource.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// WorkKind identifies what a work item does when dispatched.
type WorkKind string

// Work kinds dispatched by the engine.
const (
	KindStartSync     WorkKind = "sync.start"
	KindContinueBatch WorkKind = "sync.continue"
	KindRenewWatch    WorkKind = "watch.renew"
	KindDrainPending  WorkKind = "writeback.drain"
)

// WorkItem is a typed, serializable unit of work. It replaces opaque
// persisted callbacks: the item carries everything the dispatcher needs to
// resume the operation after arbitrary delay.
type WorkItem struct {
	Kind        WorkKind `json:"kind"`
	ResourceID  string   `json:"resource_id,omitempty"`
	ActorID     string   `json:"actor_id,omitempty"`
	BatchNumber int      `json:"batch_number,omitempty"`
	Mode        string   `json:"mode,omitempty"`

	// Attempt counts failed executions of this item. The dispatcher bumps it
	// when re-enqueuing for retry; zero on first submission.
	Attempt int `json:"attempt,omitempty"`
}

// Handle identifies a scheduled delayed item for cancellation.
type Handle string

// Dispatcher executes work items. Implemented by the engine; the scheduler
// never inspects item semantics.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) error
}

// DispatchFunc adapts a function to the Dispatcher interface, mirroring
// http.HandlerFunc. Useful for breaking construction cycles: the pool can be
// built before the component it dispatches into.
type DispatchFunc func(ctx context.Context, item WorkItem) error

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, item WorkItem) error {
	return f(ctx, item)
}

// Scheduler is the enqueue/cancel seam the engine depends on.
type Scheduler interface {
	Enqueue(ctx context.Context, item WorkItem) error
	EnqueueAt(ctx context.Context, item WorkItem, runAt time.Time) (Handle, error)
	Cancel(ctx context.Context, handle Handle) error
}

// ErrStopped is returned by Enqueue after the pool has shut down.
var ErrStopped = errors.New("scheduler: stopped")

// defaultQueueDepth bounds the ready queue. Enqueue blocks (or fails on
// context cancellation) when the queue is full, applying backpressure to
// webhook-triggered bursts.
const defaultQueueDepth = 256

// Pool is the in-process Scheduler implementation: a flat worker pool
// pulling from a single ready channel, with timer-based delayed items.
type Pool struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	queue chan WorkItem

	mu      stdsync.Mutex
	timers  map[Handle]*time.Timer
	stopped bool

	wg     stdsync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a Pool without starting any workers.
func NewPool(dispatcher Dispatcher, logger *slog.Logger) *Pool {
	return &Pool{
		dispatcher: dispatcher,
		logger:     logger,
		queue:      make(chan WorkItem, defaultQueueDepth),
		timers:     make(map[Handle]*time.Timer),
	}
}

// Start spawns workers reading from the ready queue. Minimum one worker.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for range workers {
		p.wg.Add(1)

		go p.worker(ctx)
	}

	p.logger.Info("scheduler started", slog.Int("workers", workers))
}

// Stop cancels pending timers, stops accepting work, and waits for in-flight
// dispatches to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true

	for handle, timer := range p.timers {
		timer.Stop()
		delete(p.timers, handle)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
}

// Enqueue places an item on the ready queue for immediate execution.
func (p *Pool) Enqueue(ctx context.Context, item WorkItem) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped {
		return ErrStopped
	}

	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: enqueue %s: %w", item.Kind, ctx.Err())
	}
}

// EnqueueAt schedules an item to be placed on the ready queue at runAt.
// Returns a handle usable with Cancel until the timer fires.
func (p *Pool) EnqueueAt(_ context.Context, item WorkItem, runAt time.Time) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return "", ErrStopped
	}

	handle := Handle(uuid.NewString())

	timer := time.AfterFunc(time.Until(runAt), func() {
		p.mu.Lock()
		delete(p.timers, handle)
		stopped := p.stopped
		p.mu.Unlock()

		if stopped {
			return
		}

		select {
		case p.queue <- item:
		default:
			// Queue full at fire time. Delayed items are renewals and
			// retries that the reactive path covers, so dropping is safe,
			// but it is worth a warning.
			p.logger.Warn("dropping delayed work item, queue full",
				slog.String("kind", string(item.Kind)),
				slog.String("resource_id", item.ResourceID),
			)
		}
	})

	p.timers[handle] = timer

	return handle, nil
}

// Cancel stops a pending delayed item. Canceling an already-fired or unknown
// handle is a no-op.
func (p *Pool) Cancel(_ context.Context, handle Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timer, ok := p.timers[handle]; ok {
		timer.Stop()
		delete(p.timers, handle)
	}

	return nil
}

// worker is the main loop for a single goroutine.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.safeDispatch(ctx, item)
		}
	}
}

// safeDispatch wraps Dispatch with panic recovery so one bad work item
// cannot take down the pool.
func (p *Pool) safeDispatch(ctx context.Context, item WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in work item dispatch",
				slog.String("kind", string(item.Kind)),
				slog.String("resource_id", item.ResourceID),
				slog.Any("panic", r),
			)
		}
	}()

	if err := p.dispatcher.Dispatch(ctx, item); err != nil {
		// The dispatcher owns retry: retryable items are re-enqueued with
		// backoff before Dispatch returns, so an error here is terminal for
		// the item.
		p.logger.Error("work item failed",
			slog.String("kind", string(item.Kind)),
			slog.String("resource_id", item.ResourceID),
			slog.String("error", err.Error()),
		)
	}
}

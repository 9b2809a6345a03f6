package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/scheduler"
)

// errUnknownWorkKind is returned for work items the engine cannot route.
var errUnknownWorkKind = errors.New("engine: unknown work item kind")

// Batch retry tuning. A failed continuation is re-enqueued with exponential
// backoff; once the attempts are exhausted the pass is abandoned and the
// lock released, so the next notification or manual sync starts fresh.
const (
	maxBatchAttempts = 5
	batchRetryBase   = 5 * time.Second
)

// Config holds the dependencies for New. Uses a struct because positional
// parameters stop scaling past a handful of collaborators.
type Config struct {
	Store      Store
	Connectors connector.Resolver
	Tokens     connector.TokenProvider
	Auth       AuthRequester
	Scheduler  scheduler.Scheduler
	Watch      WatchConfig
	Logger     *slog.Logger
}

// Engine bundles the orchestrator, subscription manager, and write-back
// coordinator behind a single work-item dispatcher. It is the
// scheduler.Dispatcher for the whole system.
type Engine struct {
	Orchestrator *Orchestrator
	Watches      *SubscriptionManager
	Writebacks   *Coordinator
	Series       *Reconciler

	store  Store
	sched  scheduler.Scheduler
	logger *slog.Logger
	now    func() time.Time
}

// New wires an Engine from its collaborators.
func New(cfg Config) *Engine {
	orch := NewOrchestrator(cfg.Store, cfg.Connectors, cfg.Scheduler, cfg.Logger)

	return &Engine{
		Orchestrator: orch,
		Watches:      NewSubscriptionManager(cfg.Store, cfg.Connectors, cfg.Scheduler, cfg.Watch, cfg.Logger),
		Writebacks:   NewCoordinator(cfg.Store, cfg.Connectors, cfg.Tokens, cfg.Auth, cfg.Logger),
		Series:       orch.series,
		store:        cfg.Store,
		sched:        cfg.Scheduler,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Dispatch routes one work item to the component that executes it.
// Implements scheduler.Dispatcher.
func (e *Engine) Dispatch(ctx context.Context, item scheduler.WorkItem) error {
	switch item.Kind {
	case scheduler.KindStartSync:
		err := e.Orchestrator.Start(ctx, item.ResourceID, SyncMode(item.Mode), StartOpts{})
		if errors.Is(err, ErrAlreadySyncing) {
			// The in-flight pass picks up the change; nothing to do.
			e.logger.Debug("sync already running, dropping start",
				slog.String("resource_id", item.ResourceID),
			)

			return nil
		}

		return err

	case scheduler.KindContinueBatch:
		err := e.Orchestrator.ContinueBatch(ctx, item.ResourceID, item.BatchNumber)
		if err != nil {
			return e.retryBatch(ctx, item, err)
		}

		return nil

	case scheduler.KindRenewWatch:
		return e.Watches.Renew(ctx, item.ResourceID)

	case scheduler.KindDrainPending:
		return e.Writebacks.OnAuthorized(ctx, item.ActorID)

	default:
		return fmt.Errorf("%w: %s", errUnknownWorkKind, item.Kind)
	}
}

// retryBatch re-enqueues a failed continuation with backoff. The lock and
// persisted state are still intact, so the re-enqueued item resumes the same
// batch. Once attempts are exhausted the pass is abandoned: holding the lock
// any longer would block every future start of this resource.
func (e *Engine) retryBatch(ctx context.Context, item scheduler.WorkItem, cause error) error {
	item.Attempt++

	if item.Attempt >= maxBatchAttempts {
		e.logger.Error("abandoning sync pass after repeated batch failures",
			slog.String("resource_id", item.ResourceID),
			slog.Int("batch", item.BatchNumber),
			slog.Int("attempts", item.Attempt),
			slog.String("error", cause.Error()),
		)

		e.abandonPass(ctx, item.ResourceID)

		return cause
	}

	delay := batchRetryBase << (item.Attempt - 1)

	if _, err := e.sched.EnqueueAt(ctx, item, e.now().Add(delay)); err != nil {
		e.abandonPass(ctx, item.ResourceID)

		return fmt.Errorf("engine: re-enqueue batch %d for %s: %w", item.BatchNumber, item.ResourceID, err)
	}

	e.logger.Warn("batch failed, retrying with backoff",
		slog.String("resource_id", item.ResourceID),
		slog.Int("batch", item.BatchNumber),
		slog.Int("attempt", item.Attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)

	return nil
}

// abandonPass clears live state and releases the lock so the resource can be
// synced again. The retained resume token and idempotent upserts make the
// eventual restart safe.
func (e *Engine) abandonPass(ctx context.Context, resourceID string) {
	if err := e.store.ClearState(ctx, resourceID); err != nil {
		e.logger.Error("failed to clear state of abandoned pass",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.Unlock(ctx, resourceID); err != nil {
		e.logger.Error("failed to unlock abandoned pass",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
}

// Recover resumes work interrupted by a restart. Every persisted SyncState
// gets its next batch re-enqueued (re-acquiring the lock if the crash lost
// it), and locks without a matching state are orphans from a dead process
// and are released.
func (e *Engine) Recover(ctx context.Context) error {
	states, err := e.store.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("engine: list sync states: %w", err)
	}

	live := make(map[string]bool, len(states))

	for _, state := range states {
		live[state.ResourceID] = true

		// TryLock returning false just means the lock row survived the
		// restart; the state row is authoritative either way.
		if _, err := e.store.TryLock(ctx, state.ResourceID); err != nil {
			return fmt.Errorf("engine: recover lock for %s: %w", state.ResourceID, err)
		}

		item := scheduler.WorkItem{
			Kind:        scheduler.KindContinueBatch,
			ResourceID:  state.ResourceID,
			BatchNumber: state.Sequence + 1,
			Mode:        string(state.Mode),
		}

		if err := e.sched.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("engine: resume pass for %s: %w", state.ResourceID, err)
		}

		e.logger.Info("resuming interrupted sync pass",
			slog.String("resource_id", state.ResourceID),
			slog.String("mode", string(state.Mode)),
			slog.Int("batch", state.Sequence+1),
		)
	}

	locks, err := e.store.ListLocks(ctx)
	if err != nil {
		return fmt.Errorf("engine: list sync locks: %w", err)
	}

	for _, resourceID := range locks {
		if live[resourceID] {
			continue
		}

		e.logger.Warn("releasing orphaned sync lock",
			slog.String("resource_id", resourceID),
		)

		if err := e.store.Unlock(ctx, resourceID); err != nil {
			return fmt.Errorf("engine: release orphaned lock %s: %w", resourceID, err)
		}
	}

	return nil
}

// Disable tears down a resource: stop and forget its webhook subscription,
// clear any live sync state, and release the lock. In-flight batches are not
// interrupted; their next continuation observes the cleared state and stops
// as a superseded pass.
func (e *Engine) Disable(ctx context.Context, resourceID string) error {
	if err := e.Watches.Teardown(ctx, resourceID); err != nil {
		return err
	}

	if err := e.store.ClearState(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: clear sync state: %w", err)
	}

	if err := e.store.Unlock(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: clear sync lock: %w", err)
	}

	e.logger.Info("resource disabled", slog.String("resource_id", resourceID))

	return nil
}

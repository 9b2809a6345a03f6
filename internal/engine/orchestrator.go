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

// Orchestrator drives the batched poll loop: fetch one page, classify and
// apply each item, persist progress, then either schedule the next batch as
// a new unit of work or finish the pass. It owns the per-resource sync lock.
type Orchestrator struct {
	store      Store
	connectors connector.Resolver
	sched      scheduler.Scheduler
	series     *Reconciler
	logger     *slog.Logger
	now        func() time.Time // injectable for tests
}

// NewOrchestrator wires an Orchestrator. The scheduler is used only to
// enqueue continuation batches; it may be nil in tests that call
// ContinueBatch directly.
func NewOrchestrator(store Store, connectors connector.Resolver, sched scheduler.Scheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		connectors: connectors,
		sched:      sched,
		series:     NewReconciler(store, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// Start begins a sync pass for a resource. Fails with ErrAlreadySyncing when
// a pass is in flight. On success the first batch has been enqueued; the
// caller does not wait for it.
func (o *Orchestrator) Start(ctx context.Context, resourceID string, mode SyncMode, opts StartOpts) error {
	conn, err := o.connectors.Connector(resourceID)
	if err != nil {
		return fmt.Errorf("engine: resolve connector: %w", err)
	}

	acquired, err := o.store.TryLock(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: acquire sync lock: %w", err)
	}

	if !acquired {
		return fmt.Errorf("engine: start %s: %w", resourceID, ErrAlreadySyncing)
	}

	state, err := o.initialState(ctx, resourceID, mode, opts, conn.DefaultLookback())
	if err != nil {
		o.releaseLock(ctx, resourceID)
		return err
	}

	if err := o.store.SaveState(ctx, state); err != nil {
		o.releaseLock(ctx, resourceID)
		return fmt.Errorf("engine: save initial sync state: %w", err)
	}

	o.logger.Info("sync pass starting",
		slog.String("resource_id", resourceID),
		slog.String("mode", string(mode)),
		slog.Bool("has_resume_token", state.ResumeToken != ""),
	)

	return o.enqueueBatch(ctx, resourceID, mode, 1)
}

// initialState builds the SyncState for a fresh pass. Full mode syncs a
// window from opts.Since (or the connector's default lookback). Incremental
// mode resumes from the last persisted token, degrading to a bounded
// lookback window when no token exists yet.
func (o *Orchestrator) initialState(
	ctx context.Context, resourceID string, mode SyncMode, opts StartOpts, lookback time.Duration,
) (*SyncState, error) {
	state := &SyncState{
		ResourceID: resourceID,
		Mode:       mode,
		UpdatedAt:  o.now().UnixNano(),
	}

	if mode == ModeIncremental {
		token, err := o.store.ResumeToken(ctx, resourceID)
		if err != nil {
			return nil, fmt.Errorf("engine: load resume token: %w", err)
		}

		if token != "" {
			state.ResumeToken = token
			return state, nil
		}
		// No token yet: behave like a bounded full pass.
	}

	since := opts.Since
	if since.IsZero() {
		since = o.now().Add(-lookback)
	}

	state.WindowStart = &since

	return state, nil
}

// ContinueBatch executes one batch of an in-flight pass. Invoked by the
// scheduler; batchNumber is 1-based and diagnostic only — the persisted
// cursor is the source of truth for position.
func (o *Orchestrator) ContinueBatch(ctx context.Context, resourceID string, batchNumber int) error {
	state, err := o.store.LoadState(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: load sync state: %w", err)
	}

	if state == nil {
		// Pass superseded: the resource was disabled or the state cleared
		// between batches. Not a failure.
		o.logger.Info("sync state gone, stopping superseded pass",
			slog.String("resource_id", resourceID),
			slog.Int("batch", batchNumber),
		)

		return nil
	}

	conn, err := o.connectors.Connector(resourceID)
	if err != nil {
		return fmt.Errorf("engine: resolve connector: %w", err)
	}

	page, err := conn.FetchPage(ctx, pageRequest(state))
	if errors.Is(err, connector.ErrTokenExpired) {
		return o.fallbackToFull(ctx, state, conn.DefaultLookback())
	}

	if err != nil {
		// Lock and persisted progress stay intact so the scheduler's retry
		// resumes this batch rather than restarting the pass.
		return fmt.Errorf("engine: fetch page for %s batch %d: %w", resourceID, batchNumber, err)
	}

	applied, skipped := o.applyPage(ctx, conn, state, page)

	o.logger.Info("batch processed",
		slog.String("resource_id", resourceID),
		slog.Int("batch", batchNumber),
		slog.Int("applied", applied),
		slog.Int("skipped", skipped),
		slog.Bool("has_more", page.HasMore),
	)

	state.Cursor = page.NextCursor
	state.Sequence = batchNumber
	state.More = page.HasMore
	state.UpdatedAt = o.now().UnixNano()

	if page.HasMore {
		if err := o.store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("engine: persist batch progress: %w", err)
		}

		return o.enqueueBatch(ctx, resourceID, state.Mode, batchNumber+1)
	}

	return o.finishPass(ctx, state, page.ResumeToken)
}

// pageRequest translates persisted state into a fetch request. A non-empty
// cursor always wins: it continues the current pass regardless of mode.
func pageRequest(state *SyncState) connector.PageRequest {
	req := connector.PageRequest{
		ResourceID: state.ResourceID,
		Cursor:     state.Cursor,
	}

	if state.Cursor == "" {
		req.ResumeToken = state.ResumeToken
	}

	if state.WindowStart != nil {
		req.WindowStart = *state.WindowStart
	}

	if state.WindowEnd != nil {
		req.WindowEnd = *state.WindowEnd
	}

	return req
}

// fallbackToFull reacts to an expired resume token: discard the token and
// restart the pass as a bounded full resync. Deliberately not surfaced as an
// error — the caller sees a normal continuation.
func (o *Orchestrator) fallbackToFull(ctx context.Context, state *SyncState, lookback time.Duration) error {
	o.logger.Warn("resume token expired, restarting as bounded full sync",
		slog.String("resource_id", state.ResourceID),
	)

	if err := o.store.DeleteResumeToken(ctx, state.ResourceID); err != nil {
		return fmt.Errorf("engine: delete expired resume token: %w", err)
	}

	since := o.now().Add(-lookback)

	fresh := &SyncState{
		ResourceID:  state.ResourceID,
		Mode:        ModeFull,
		WindowStart: &since,
		UpdatedAt:   o.now().UnixNano(),
	}

	if err := o.store.SaveState(ctx, fresh); err != nil {
		return fmt.Errorf("engine: save fallback sync state: %w", err)
	}

	return o.enqueueBatch(ctx, state.ResourceID, ModeFull, 1)
}

// applyPage classifies and applies every item on a page. Item-level failures
// are logged and skipped; they never abort the batch.
func (o *Orchestrator) applyPage(
	ctx context.Context, conn connector.Connector, state *SyncState, page *connector.Page,
) (applied, skipped int) {
	for i := range page.Items {
		if err := o.applyItem(ctx, conn, state, page.Items[i]); err != nil {
			skipped++

			o.logger.Error("skipping item after processing failure",
				slog.String("resource_id", state.ResourceID),
				slog.String("item_id", page.Items[i].ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		applied++
	}

	return applied, skipped
}

// applyItem routes one vendor item: tombstone, series exception, or plain
// record upsert.
func (o *Orchestrator) applyItem(
	ctx context.Context, conn connector.Connector, state *SyncState, item connector.VendorItem,
) error {
	classified, err := conn.Transform(item)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	switch {
	case classified.Tombstone != nil:
		return o.store.MarkCanceled(ctx, classified.Tombstone.ExternalKey)

	case classified.Exception != nil:
		exc := classified.Exception
		return o.series.Reconcile(ctx, state.ResourceID, exc.SeriesKey, exc.Occurrence, exc)

	case classified.Record != nil:
		rec := classified.Record
		rec.ResourceID = state.ResourceID

		if _, err := o.store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ExternalKey, err)
		}

		return nil

	default:
		return fmt.Errorf("engine: connector %s returned empty classification for item %s", conn.Kind(), item.ID)
	}
}

// finishPass handles the terminal batch: retain the new resume token, clear
// the live state, and release the lock exactly once.
func (o *Orchestrator) finishPass(ctx context.Context, state *SyncState, resumeToken string) error {
	if resumeToken != "" {
		if err := o.store.SaveResumeToken(ctx, state.ResourceID, resumeToken); err != nil {
			return fmt.Errorf("engine: save resume token: %w", err)
		}
	}

	if err := o.store.ClearState(ctx, state.ResourceID); err != nil {
		return fmt.Errorf("engine: clear sync state: %w", err)
	}

	o.releaseLock(ctx, state.ResourceID)

	o.logger.Info("sync pass complete",
		slog.String("resource_id", state.ResourceID),
		slog.String("mode", string(state.Mode)),
		slog.Int("batches", state.Sequence),
		slog.Bool("resume_token_saved", resumeToken != ""),
	)

	return nil
}

// enqueueBatch schedules the next batch as an independent unit of work so
// long passes never exceed a single invocation's budget.
func (o *Orchestrator) enqueueBatch(ctx context.Context, resourceID string, mode SyncMode, batchNumber int) error {
	item := scheduler.WorkItem{
		Kind:        scheduler.KindContinueBatch,
		ResourceID:  resourceID,
		BatchNumber: batchNumber,
		Mode:        string(mode),
	}

	if err := o.sched.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("engine: enqueue batch %d for %s: %w", batchNumber, resourceID, err)
	}

	return nil
}

// releaseLock clears the sync lock, logging rather than propagating failure:
// every call site is already on an error or completion path.
func (o *Orchestrator) releaseLock(ctx context.Context, resourceID string) {
	if err := o.store.Unlock(ctx, resourceID); err != nil {
		o.logger.Error("failed to release sync lock",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
}

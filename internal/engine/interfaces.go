package engine

import (
	"context"
	"time"

	"github.com/openmirror/mirrord/internal/record"
)

// --- Consumer-defined store interfaces ---
// All engine components operate against these rather than the concrete
// SQLite implementation, following the "accept interfaces, return structs"
// convention. *SQLiteStore satisfies Store.

// CursorStore persists per-resource sync progress. Thin seam with no
// business logic so the orchestrator is testable without a real store.
type CursorStore interface {
	// LoadState returns the live sync state for a resource, or nil when no
	// pass is active.
	LoadState(ctx context.Context, resourceID string) (*SyncState, error)
	SaveState(ctx context.Context, state *SyncState) error
	ClearState(ctx context.Context, resourceID string) error

	// ListStates returns every live sync state, for resuming interrupted
	// passes after a restart.
	ListStates(ctx context.Context) ([]*SyncState, error)

	// ResumeToken returns the last persisted resume token, or "" if none.
	ResumeToken(ctx context.Context, resourceID string) (string, error)
	SaveResumeToken(ctx context.Context, resourceID, token string) error
	DeleteResumeToken(ctx context.Context, resourceID string) error
}

// LockStore enforces at-most-one concurrent sync pass per resource.
type LockStore interface {
	// TryLock atomically acquires the resource's sync lock. Returns false
	// without error when the lock is already held.
	TryLock(ctx context.Context, resourceID string) (bool, error)
	Unlock(ctx context.Context, resourceID string) error
	Locked(ctx context.Context, resourceID string) (bool, error)

	// ListLocks returns every held lock's resource ID, for releasing
	// orphans after a crash.
	ListLocks(ctx context.Context) ([]string, error)
}

// RecordStore is the canonical record persistence seam. Upsert by external
// key is the only mutation path; rows are never deleted.
type RecordStore interface {
	// UpsertRecord inserts or updates by external key and returns the row ID.
	UpsertRecord(ctx context.Context, rec *record.Record) (int64, error)
	GetRecord(ctx context.Context, externalKey string) (*record.Record, error)

	// MarkCanceled flags a record as canceled. Unknown keys are a no-op.
	MarkCanceled(ctx context.Context, externalKey string) error

	// EnsureMaster creates a minimal placeholder master for a series if no
	// record exists under that key yet. Existing records are left untouched.
	EnsureMaster(ctx context.Context, resourceID, seriesKey string, kind record.Kind) error

	// UpsertException merge-upserts one occurrence override, keyed by
	// (series key, occurrence instant).
	UpsertException(ctx context.Context, exc *record.Exception) error
	GetException(ctx context.Context, seriesKey string, occurrence time.Time) (*record.Exception, error)
}

// WatchStore persists webhook subscriptions, one per resource.
type WatchStore interface {
	// GetWatch returns the active subscription, or nil when none exists.
	GetWatch(ctx context.Context, resourceID string) (*WatchSubscription, error)
	PutWatch(ctx context.Context, sub *WatchSubscription) error
	DeleteWatch(ctx context.Context, resourceID string) error
}

// WritebackStore persists the per-actor pending write-back queue and the
// outstanding-authorization-request flag used for dedup.
type WritebackStore interface {
	AppendPending(ctx context.Context, entry *PendingWriteback) error

	// ListPending returns the actor's queue in submission (ID) order.
	ListPending(ctx context.Context, actorID string) ([]*PendingWriteback, error)
	DeletePending(ctx context.Context, id int64) error

	AuthRequested(ctx context.Context, actorID string) (bool, error)
	MarkAuthRequested(ctx context.Context, actorID string) error
	ClearAuthRequest(ctx context.Context, actorID string) error
}

// Store is the full persistence surface, satisfied by *SQLiteStore.
type Store interface {
	CursorStore
	LockStore
	RecordStore
	WatchStore
	WritebackStore
}

// AuthRequester asks an actor to authorize the application so queued
// write-backs can replay. The engine only triggers it; how the request
// reaches the actor (email, UI prompt) is outside the core.
type AuthRequester interface {
	RequestAuthorization(ctx context.Context, actorID string) error
}

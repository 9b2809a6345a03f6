// Package engine implements the synchronization state machine shared by
// every connector: cursor and resume-token management, batch continuation,
// recurring-series reconciliation, webhook subscription lifecycle, and
// write-back propagation. It owns the per-resource sync lock and runs
// entirely as schedulable units of work — no long-lived goroutine per
// resource.
package engine

import (
	"errors"
	"time"
)

// SyncMode selects between a windowed full pass and a token-based
// incremental pass.
type SyncMode string

// Sync modes as stored in the sync_states mode column.
const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// Sentinel errors for engine operations.
var (
	// ErrAlreadySyncing means the per-resource lock is held. Callers should
	// no-op, not retry: the in-flight pass picks up the change.
	ErrAlreadySyncing = errors.New("engine: sync already in progress")

	// ErrUnknownChannel means a notification's channel ID or secret did not
	// match the stored subscription. Dropped without side effects.
	ErrUnknownChannel = errors.New("engine: unknown or stale channel")

	// ErrSubscriptionCreate wraps a failed channel creation. Callers log it
	// and continue — correctness degrades to polling-only.
	ErrSubscriptionCreate = errors.New("engine: subscription create failed")
)

// SyncState is the persisted progress of one sync pass. One live instance
// exists per resource while a pass is active; it is deleted on the terminal
// batch. The resume token outlives the pass in its own table.
type SyncState struct {
	ResourceID  string
	Mode        SyncMode
	Cursor      string // opaque pagination cursor within the pass
	ResumeToken string // token the pass started from (incremental only)
	WindowStart *time.Time
	WindowEnd   *time.Time
	Sequence    int  // last completed batch number
	More        bool // vendor signaled more pages

	UpdatedAt int64 // Unix nanoseconds
}

// WatchSubscription is the persisted vendor-side push channel for one
// resource. At most one active subscription exists per resource.
type WatchSubscription struct {
	ResourceID    string
	ChannelID     string
	Secret        string
	ExpiresAt     time.Time
	RenewalHandle string // scheduler handle for the proactive renewal task

	CreatedAt int64
}

// PendingWriteback is one queued outbound mutation waiting for its acting
// actor to authorize. Entries replay in ID (submission) order.
type PendingWriteback struct {
	ID             int64
	ActorID        string
	ResourceID     string
	ItemExternalID string
	Field          string
	Value          string

	CreatedAt int64
}

// StartOpts holds per-pass options for Orchestrator.Start.
type StartOpts struct {
	// Since bounds a full pass. Zero means the connector's default lookback.
	Since time.Time
}

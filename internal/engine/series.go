package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmirror/mirrord/internal/record"
)

// errMasterNotFound is returned when resolving an occurrence of a series
// that has no master record at all (not even a placeholder).
var errMasterNotFound = errors.New("engine: series master not found")

// Reconciler merges recurring-series exceptions against their master record.
// The series key doubles as the master's external key, so an exception is a
// partial update addressed at the master — never an independent record.
type Reconciler struct {
	store  RecordStore
	logger *slog.Logger
}

// NewReconciler creates a Reconciler backed by the given record store.
func NewReconciler(store RecordStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile applies one occurrence override. When the exception is observed
// before its master in sync order, a minimal placeholder master is created
// first; the store's merge-upsert enriches it once the master item arrives.
// Occurrence cancellation arrives as exc.Archived — the occurrence row is
// kept, never deleted.
func (r *Reconciler) Reconcile(
	ctx context.Context, resourceID, seriesKey string, occurrence time.Time, exc *record.Exception,
) error {
	master, err := r.store.GetRecord(ctx, seriesKey)
	if err != nil {
		return fmt.Errorf("engine: load series master %s: %w", seriesKey, err)
	}

	if master == nil {
		r.logger.Info("exception precedes master, creating placeholder",
			slog.String("resource_id", resourceID),
			slog.String("series_key", seriesKey),
			slog.Time("occurrence", occurrence),
		)

		if err := r.store.EnsureMaster(ctx, resourceID, seriesKey, record.KindEvent); err != nil {
			return fmt.Errorf("engine: create placeholder master %s: %w", seriesKey, err)
		}
	}

	exc.SeriesKey = seriesKey
	exc.Occurrence = occurrence.UTC()

	if err := r.store.UpsertException(ctx, exc); err != nil {
		return fmt.Errorf("engine: upsert exception %s@%s: %w", seriesKey, occurrence.UTC().Format(time.RFC3339), err)
	}

	if exc.Archived {
		r.logger.Info("occurrence archived",
			slog.String("series_key", seriesKey),
			slog.Time("occurrence", occurrence),
		)
	}

	return nil
}

// Occurrence resolves the effective rendering of one instance: the
// occurrence override always wins over master fields for that instance,
// while the master stays the template for all others.
func (r *Reconciler) Occurrence(ctx context.Context, seriesKey string, scheduled time.Time) (*record.Occurrence, error) {
	master, err := r.store.GetRecord(ctx, seriesKey)
	if err != nil {
		return nil, fmt.Errorf("engine: load series master %s: %w", seriesKey, err)
	}

	if master == nil {
		return nil, fmt.Errorf("engine: series master %s: %w", seriesKey, errMasterNotFound)
	}

	exc, err := r.store.GetException(ctx, seriesKey, scheduled.UTC())
	if err != nil {
		return nil, fmt.Errorf("engine: load exception: %w", err)
	}

	occ := record.ResolveOccurrence(master, scheduled.UTC(), exc)

	return &occ, nil
}

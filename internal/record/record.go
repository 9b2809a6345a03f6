// Package record defines the canonical mirrored item model shared by every
// connector. A record's identity is its external key (source system plus
// vendor ID); the engine only ever upserts by that key and never hard-deletes.
package record

import (
	"fmt"
	"time"
)

// Kind classifies the mirrored item.
type Kind string

// Record kinds as stored in the records table kind column.
const (
	KindEvent Kind = "event"
	KindFile  Kind = "file"
	KindIssue Kind = "issue"
)

// Provenance identifies where a record came from. Extra passthrough data that
// the engine never branches on lives in Record.Extra, not here.
type Provenance struct {
	SourceSystem string // connector kind, e.g. "gcal"
	ExternalID   string // vendor-side item ID
	ETag         string // vendor change tag, opaque
}

// ExternalKey builds the stable upsert key for a provenance pair.
func ExternalKey(sourceSystem, externalID string) string {
	return fmt.Sprintf("%s:%s", sourceSystem, externalID)
}

// Participant is one attendee/assignee/collaborator on a record.
type Participant struct {
	ActorID   string // stable identity, usually an email address
	Display   string
	Response  string // attending, declined, tentative, needsAction
	Organizer bool
}

// Record is the canonical mirrored item. Cancellation is represented by the
// Canceled flag, never by deleting the row. Placeholder marks a minimal
// master created by a series exception that arrived before its master item;
// the store's merge-upsert enriches it when the master is processed.
type Record struct {
	ExternalKey    string
	ResourceID     string
	Kind           Kind
	Title          string
	Body           string
	StartsAt       *time.Time
	EndsAt         *time.Time
	Participants   []Participant
	ResponseStatus string // the syncing account's own response
	SeriesKey      string // non-empty for recurring masters
	Canceled       bool
	Placeholder    bool
	Provenance     Provenance
	Extra          map[string]string // vendor passthrough only

	// Row metadata (Unix nanoseconds).
	CreatedAt int64
	UpdatedAt int64
}

// Exception is one occurrence's deviation from its series master, keyed by
// (series key, original scheduled instant). Archived marks a cancelled
// occurrence; the row is never deleted.
type Exception struct {
	SeriesKey     string
	Occurrence    time.Time // original scheduled instant, UTC
	OverrideStart *time.Time
	OverrideEnd   *time.Time
	OverrideTitle *string
	OverrideBody  *string
	Archived      bool

	UpdatedAt int64
}

// Occurrence is the effective rendering of one instance of a series:
// master fields with any exception overrides applied on top.
type Occurrence struct {
	SeriesKey string
	Scheduled time.Time
	Title     string
	Body      string
	StartsAt  *time.Time
	EndsAt    *time.Time
	Archived  bool
}

// ResolveOccurrence applies an exception (may be nil) over the master's
// fields. The override always wins for this occurrence; the master remains
// the template for every other occurrence.
func ResolveOccurrence(master *Record, scheduled time.Time, exc *Exception) Occurrence {
	occ := Occurrence{
		SeriesKey: master.SeriesKey,
		Scheduled: scheduled,
		Title:     master.Title,
		Body:      master.Body,
		StartsAt:  master.StartsAt,
		EndsAt:    master.EndsAt,
	}

	if exc == nil {
		return occ
	}

	if exc.OverrideTitle != nil {
		occ.Title = *exc.OverrideTitle
	}

	if exc.OverrideBody != nil {
		occ.Body = *exc.OverrideBody
	}

	if exc.OverrideStart != nil {
		occ.StartsAt = exc.OverrideStart
	}

	if exc.OverrideEnd != nil {
		occ.EndsAt = exc.OverrideEnd
	}

	occ.Archived = exc.Archived

	return occ
}

// NowNano returns the current time as Unix nanoseconds, the timestamp
// representation used throughout the store.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// StringPtr returns a pointer to s. Helper for building exception overrides.
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// Package connector defines the contract between the sync engine and
// vendor-specific adapters. The engine drives every connector through the
// Connector interface; vendor REST details, JSON shapes, and OAuth flows
// stay on the far side of it.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/openmirror/mirrord/internal/record"
)

// Sentinel errors for vendor call classification.
// Use errors.Is(err, connector.ErrTokenExpired) to check.
var (
	// ErrTokenExpired means the resume token is no longer valid (HTTP 410
	// equivalent). The engine reacts by falling back to a bounded full resync.
	ErrTokenExpired = errors.New("connector: resume token expired")

	// ErrUnavailable is a transient vendor failure. The engine propagates it
	// so the scheduler's retry policy applies; persisted progress survives.
	ErrUnavailable = errors.New("connector: vendor unavailable")

	// ErrNoToken means the requested owner has no valid credentials.
	ErrNoToken = errors.New("connector: no token for owner")

	// ErrNotFound means the referenced vendor item does not exist.
	ErrNotFound = errors.New("connector: item not found")
)

// VendorItem is one raw item from a vendor page. The payload is opaque to
// the engine; only the connector's Transform understands it.
type VendorItem struct {
	ID      string
	Payload json.RawMessage
}

// PageRequest addresses one page fetch. Exactly one of Cursor or ResumeToken
// is normally set: Cursor continues pagination within a pass, ResumeToken
// starts an incremental pass from the last completed one. Both empty means
// the initial page of a full pass over [WindowStart, WindowEnd).
type PageRequest struct {
	ResourceID  string
	Cursor      string
	ResumeToken string
	WindowStart time.Time
	WindowEnd   time.Time
}

// Page is one page of vendor items. ResumeToken is only issued on the final
// page (HasMore false) and seeds the next incremental pass.
type Page struct {
	Items       []VendorItem
	NextCursor  string
	ResumeToken string
	HasMore     bool
}

// Classified is the result of transforming one vendor item. Exactly one
// field is non-nil.
type Classified struct {
	Record    *record.Record
	Exception *record.Exception
	Tombstone *Tombstone
}

// Tombstone marks a vendor-side deletion or cancellation. The engine flags
// the canonical record as canceled; it never deletes the row.
type Tombstone struct {
	ExternalKey string
}

// Channel is a vendor-side push notification registration.
type Channel struct {
	ID        string
	ExpiresAt time.Time
}

// Connector adapts one vendor to the engine. Implementations are plain
// structs; the engine owns all lifecycle.
type Connector interface {
	// Kind is the connector's stable name, used as the provenance source
	// system and in external keys (e.g. "gcal", "gdrive", "tracker").
	Kind() string

	// FetchPage fetches one page of items. Returns ErrTokenExpired when the
	// resume token in the request is no longer honored by the vendor.
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)

	// Transform maps one vendor item to its canonical classification.
	// Pure; no I/O.
	Transform(item VendorItem) (Classified, error)

	// DefaultLookback bounds full syncs that have no explicit since option.
	DefaultLookback() time.Duration

	// MaxChannelLifetime is the vendor's cap on push channel expiry.
	MaxChannelLifetime() time.Duration

	// CreateChannel registers a push notification channel delivering to
	// callbackURL, authenticated with secret.
	CreateChannel(ctx context.Context, resourceID, callbackURL, secret string) (*Channel, error)

	// StopChannel tears down a push channel. Best-effort callers tolerate
	// failure.
	StopChannel(ctx context.Context, channelID string) error

	// ReadField reads the current remote value of one field on one item,
	// using the acting user's own credentials.
	ReadField(ctx context.Context, ts oauth2.TokenSource, resourceID, itemExternalID, field string) (string, error)

	// WriteField writes one field on one item using the acting user's own
	// credentials.
	WriteField(ctx context.Context, ts oauth2.TokenSource, resourceID, itemExternalID, field, value string) error
}

// TokenProvider resolves credentials for a resource or actor. Token
// acquisition (the OAuth dance) is outside the engine; this is read-only.
type TokenProvider interface {
	// Token returns a live token source for ownerID, or ErrNoToken.
	Token(ctx context.Context, ownerID string) (oauth2.TokenSource, error)
}

// Resolver maps a resource ID to the connector that serves it.
type Resolver interface {
	Connector(resourceID string) (Connector, error)
}

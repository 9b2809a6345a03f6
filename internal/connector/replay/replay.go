// Package replay implements a fixture-driven connector: vendor pages are
// served from a JSON feed file per resource instead of a remote API. It
// exists for local development and end-to-end tests of the engine; real
// vendor connectors live outside this repository and implement the same
// interface.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/record"
)

// Kind is the connector's registry name.
const Kind = "replay"

const (
	defaultPageSize = 50
	defaultLookback = 30 * 24 * time.Hour
	channelLifetime = 24 * time.Hour
)

// tokenPrefix namespaces resume tokens so a foreign token is detectable.
const tokenPrefix = "replay-rev:"

// feed is the on-disk fixture format: a monotonically growing change log.
// OldestRevision simulates vendor-side log truncation — resume tokens older
// than it are expired.
type feed struct {
	Revision       int64    `json:"revision"`
	OldestRevision int64    `json:"oldest_revision"`
	Changes        []change `json:"changes"`
}

// change is one vendor item in the feed. Rev orders the change log.
type change struct {
	Rev      int64           `json:"rev"`
	ID       string          `json:"id"`
	Envelope json.RawMessage `json:"envelope"`
}

// envelope is the payload shape Transform understands.
type envelope struct {
	Kind           string               `json:"kind"` // record, exception, tombstone
	ExternalID     string               `json:"external_id"`
	Title          string               `json:"title,omitempty"`
	Body           string               `json:"body,omitempty"`
	StartsAt       *time.Time           `json:"starts_at,omitempty"`
	EndsAt         *time.Time           `json:"ends_at,omitempty"`
	SeriesID       string               `json:"series_id,omitempty"`
	Occurrence     *time.Time           `json:"occurrence,omitempty"`
	OverrideTitle  *string              `json:"override_title,omitempty"`
	OverrideStart  *time.Time           `json:"override_start,omitempty"`
	OverrideEnd    *time.Time           `json:"override_end,omitempty"`
	Archived       bool                 `json:"archived,omitempty"`
	Participants   []record.Participant `json:"participants,omitempty"`
	ResponseStatus string               `json:"response_status,omitempty"`
	Extra          map[string]string    `json:"extra,omitempty"`
}

// Connector serves pages from feed files in a directory,
// <dir>/<resource>.json. Channels and remote field state are held in
// memory; they only need to survive for the lifetime of the process.
type Connector struct {
	dir      string
	pageSize int

	mu       stdsync.Mutex
	channels map[string]bool              // channel ID -> active
	fields   map[string]map[string]string // item key -> field -> value
}

// New creates a replay connector reading feeds from dir.
func New(dir string) *Connector {
	return &Connector{
		dir:      dir,
		pageSize: defaultPageSize,
		channels: make(map[string]bool),
		fields:   make(map[string]map[string]string),
	}
}

// Kind implements connector.Connector.
func (c *Connector) Kind() string { return Kind }

// DefaultLookback implements connector.Connector.
func (c *Connector) DefaultLookback() time.Duration { return defaultLookback }

// MaxChannelLifetime implements connector.Connector.
func (c *Connector) MaxChannelLifetime() time.Duration { return channelLifetime }

// FetchPage serves one page of the feed. Full passes page through every
// change; incremental passes return only changes after the token's
// revision. The cursor carries that revision floor along with the offset so
// continuation pages keep filtering pre-token changes. A token (or cursor
// revision) older than the feed's retained horizon fails with
// ErrTokenExpired, like a vendor pruning its change log.
func (c *Connector) FetchPage(_ context.Context, req connector.PageRequest) (*connector.Page, error) {
	f, err := c.loadFeed(req.ResourceID)
	if err != nil {
		return nil, err
	}

	sinceRev := int64(-1)
	offset := 0

	switch {
	case req.Cursor != "":
		if sinceRev, offset, err = parseCursor(req.Cursor); err != nil {
			return nil, err
		}

	case req.ResumeToken != "":
		if sinceRev, err = parseToken(req.ResumeToken); err != nil {
			return nil, err
		}
	}

	if sinceRev >= 0 && sinceRev < f.OldestRevision {
		return nil, fmt.Errorf("replay: revision %d pruned: %w", sinceRev, connector.ErrTokenExpired)
	}

	matching := make([]change, 0, len(f.Changes))

	for _, ch := range f.Changes {
		if ch.Rev > sinceRev {
			matching = append(matching, ch)
		}
	}

	end := offset + c.pageSize
	if end > len(matching) {
		end = len(matching)
	}

	page := &connector.Page{}

	for _, ch := range matching[offset:end] {
		page.Items = append(page.Items, connector.VendorItem{ID: ch.ID, Payload: ch.Envelope})
	}

	if end < len(matching) {
		page.HasMore = true
		page.NextCursor = fmt.Sprintf("%d:%d", sinceRev, end)
	} else {
		page.ResumeToken = tokenPrefix + strconv.FormatInt(f.Revision, 10)
	}

	return page, nil
}

// Transform decodes a feed envelope into its canonical classification.
func (c *Connector) Transform(item connector.VendorItem) (connector.Classified, error) {
	var env envelope
	if err := json.Unmarshal(item.Payload, &env); err != nil {
		return connector.Classified{}, fmt.Errorf("replay: decode envelope %s: %w", item.ID, err)
	}

	switch env.Kind {
	case "tombstone":
		return connector.Classified{Tombstone: &connector.Tombstone{
			ExternalKey: record.ExternalKey(Kind, env.ExternalID),
		}}, nil

	case "exception":
		if env.Occurrence == nil {
			return connector.Classified{}, fmt.Errorf("replay: exception %s missing occurrence", item.ID)
		}

		return connector.Classified{Exception: &record.Exception{
			SeriesKey:     record.ExternalKey(Kind, env.SeriesID),
			Occurrence:    env.Occurrence.UTC(),
			OverrideTitle: env.OverrideTitle,
			OverrideStart: env.OverrideStart,
			OverrideEnd:   env.OverrideEnd,
			Archived:      env.Archived,
		}}, nil

	case "record":
		rec := &record.Record{
			ExternalKey:    record.ExternalKey(Kind, env.ExternalID),
			Kind:           record.KindEvent,
			Title:          env.Title,
			Body:           env.Body,
			StartsAt:       env.StartsAt,
			EndsAt:         env.EndsAt,
			Participants:   env.Participants,
			ResponseStatus: env.ResponseStatus,
			Extra:          env.Extra,
			Provenance: record.Provenance{
				SourceSystem: Kind,
				ExternalID:   env.ExternalID,
			},
		}

		if env.SeriesID != "" {
			rec.SeriesKey = record.ExternalKey(Kind, env.SeriesID)
		}

		return connector.Classified{Record: rec}, nil

	default:
		return connector.Classified{}, fmt.Errorf("replay: unknown envelope kind %q for %s", env.Kind, item.ID)
	}
}

// CreateChannel registers an in-memory channel.
func (c *Connector) CreateChannel(_ context.Context, _, _, _ string) (*connector.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	c.channels[id] = true

	return &connector.Channel{
		ID:        id,
		ExpiresAt: time.Now().Add(channelLifetime),
	}, nil
}

// StopChannel deactivates a channel; unknown IDs are a no-op.
func (c *Connector) StopChannel(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.channels, channelID)

	return nil
}

// ReadField returns the in-memory remote field value.
func (c *Connector) ReadField(_ context.Context, _ oauth2.TokenSource, _, itemExternalID, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fields[itemExternalID][field], nil
}

// WriteField sets the in-memory remote field value.
func (c *Connector) WriteField(_ context.Context, _ oauth2.TokenSource, _, itemExternalID, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fields[itemExternalID] == nil {
		c.fields[itemExternalID] = make(map[string]string)
	}

	c.fields[itemExternalID][field] = value

	return nil
}

// loadFeed reads and decodes the resource's feed file.
func (c *Connector) loadFeed(resourceID string) (*feed, error) {
	path := filepath.Join(c.dir, resourceID+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("replay: no feed for %s: %w", resourceID, connector.ErrUnavailable)
		}

		return nil, fmt.Errorf("replay: reading feed %s: %w", path, err)
	}

	var f feed
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("replay: decoding feed %s: %w", path, err)
	}

	return &f, nil
}

// parseCursor splits a pagination cursor into its revision floor and offset.
// A full pass encodes the floor as -1.
func parseCursor(cursor string) (int64, int, error) {
	revPart, offPart, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("replay: bad cursor %q", cursor)
	}

	rev, err := strconv.ParseInt(revPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("replay: bad cursor revision %q: %w", cursor, err)
	}

	offset, err := strconv.Atoi(offPart)
	if err != nil {
		return 0, 0, fmt.Errorf("replay: bad cursor offset %q: %w", cursor, err)
	}

	return rev, offset, nil
}

// parseToken extracts the revision from a resume token.
func parseToken(token string) (int64, error) {
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, fmt.Errorf("replay: foreign resume token %q: %w", token, connector.ErrTokenExpired)
	}

	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("replay: malformed resume token %q: %w", token, connector.ErrTokenExpired)
	}

	return rev, nil
}

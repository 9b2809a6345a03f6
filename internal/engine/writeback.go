package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/openmirror/mirrord/internal/connector"
)

// writeAttempts bounds retries of a single vendor write before surfacing the
// failure to the caller.
const writeAttempts = 3

// Coordinator propagates local mutations (RSVP changes and the like) back to
// the vendor using the acting actor's own credentials. Actors without a
// valid token get their mutations queued and replayed once they authorize.
type Coordinator struct {
	store      Store
	connectors connector.Resolver
	tokens     connector.TokenProvider
	auth       AuthRequester
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator wires a write-back Coordinator.
func NewCoordinator(
	store Store, connectors connector.Resolver, tokens connector.TokenProvider, auth AuthRequester, logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:      store,
		connectors: connectors,
		tokens:     tokens,
		auth:       auth,
		logger:     logger,
		now:        time.Now,
	}
}

// Propagate pushes one field change to the vendor as actorID. With no valid
// token for the actor the change is queued — not an error — and an
// authorization request is issued at most once per actor.
func (c *Coordinator) Propagate(
	ctx context.Context, resourceID, itemExternalID, field, value, actorID string,
) error {
	ts, err := c.tokens.Token(ctx, actorID)
	if errors.Is(err, connector.ErrNoToken) {
		return c.deferUntilAuthorized(ctx, resourceID, itemExternalID, field, value, actorID)
	}

	if err != nil {
		return fmt.Errorf("engine: resolve token for %s: %w", actorID, err)
	}

	return c.apply(ctx, ts, &PendingWriteback{
		ActorID:        actorID,
		ResourceID:     resourceID,
		ItemExternalID: itemExternalID,
		Field:          field,
		Value:          value,
	})
}

// deferUntilAuthorized queues the mutation and requests authorization,
// deduplicated against an already-outstanding request.
func (c *Coordinator) deferUntilAuthorized(
	ctx context.Context, resourceID, itemExternalID, field, value, actorID string,
) error {
	entry := &PendingWriteback{
		ActorID:        actorID,
		ResourceID:     resourceID,
		ItemExternalID: itemExternalID,
		Field:          field,
		Value:          value,
		CreatedAt:      c.now().UnixNano(),
	}

	if err := c.store.AppendPending(ctx, entry); err != nil {
		return fmt.Errorf("engine: queue pending write-back: %w", err)
	}

	requested, err := c.store.AuthRequested(ctx, actorID)
	if err != nil {
		return fmt.Errorf("engine: check authorization request: %w", err)
	}

	if requested {
		c.logger.Info("write-back queued behind outstanding authorization",
			slog.String("actor_id", actorID),
			slog.String("item", itemExternalID),
		)

		return nil
	}

	if err := c.auth.RequestAuthorization(ctx, actorID); err != nil {
		return fmt.Errorf("engine: request authorization for %s: %w", actorID, err)
	}

	if err := c.store.MarkAuthRequested(ctx, actorID); err != nil {
		return fmt.Errorf("engine: mark authorization requested: %w", err)
	}

	c.logger.Info("write-back queued, authorization requested",
		slog.String("actor_id", actorID),
		slog.String("item", itemExternalID),
	)

	return nil
}

// apply performs the remote write. The current remote value is read first
// and equal values are skipped: the write would otherwise trigger a webhook
// that resyncs the same value, looping forever.
func (c *Coordinator) apply(ctx context.Context, ts oauth2.TokenSource, entry *PendingWriteback) error {
	conn, err := c.connectors.Connector(entry.ResourceID)
	if err != nil {
		return fmt.Errorf("engine: resolve connector: %w", err)
	}

	current, err := conn.ReadField(ctx, ts, entry.ResourceID, entry.ItemExternalID, entry.Field)
	if err != nil {
		// Read failure is not fatal: proceed with the write and let the
		// idempotent upsert on the next sync settle any discrepancy.
		c.logger.Warn("could not read remote field before write",
			slog.String("item", entry.ItemExternalID),
			slog.String("field", entry.Field),
			slog.String("error", err.Error()),
		)
	} else if current == entry.Value {
		c.logger.Info("remote already has desired value, skipping write",
			slog.String("item", entry.ItemExternalID),
			slog.String("field", entry.Field),
			slog.String("value", entry.Value),
		)

		return nil
	}

	backoff := retry.WithMaxRetries(writeAttempts-1, retry.NewFibonacci(time.Second))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		writeErr := conn.WriteField(ctx, ts, entry.ResourceID, entry.ItemExternalID, entry.Field, entry.Value)
		if errors.Is(writeErr, connector.ErrUnavailable) {
			return retry.RetryableError(writeErr)
		}

		return writeErr
	})
	if err != nil {
		return fmt.Errorf("engine: write %s.%s: %w", entry.ItemExternalID, entry.Field, err)
	}

	c.logger.Info("write-back applied",
		slog.String("actor_id", entry.ActorID),
		slog.String("item", entry.ItemExternalID),
		slog.String("field", entry.Field),
		slog.String("value", entry.Value),
	)

	return nil
}

// OnAuthorized drains the actor's pending queue in submission order.
// Competing entries for the same field of the same item collapse to a single
// write of the winning value, so an actor who changed their mind while
// unauthorized does not replay every intermediate state. A group's entries
// are removed only after its write lands, so a mid-drain failure preserves
// the unapplied suffix for the next attempt.
func (c *Coordinator) OnAuthorized(ctx context.Context, actorID string) error {
	ts, err := c.tokens.Token(ctx, actorID)
	if err != nil {
		return fmt.Errorf("engine: resolve token for %s: %w", actorID, err)
	}

	entries, err := c.store.ListPending(ctx, actorID)
	if err != nil {
		return fmt.Errorf("engine: list pending write-backs: %w", err)
	}

	for _, group := range collapsePending(entries) {
		winner := group.winner()

		if len(group.entries) > 1 {
			c.logger.Info("collapsing competing queued write-backs",
				slog.String("actor_id", actorID),
				slog.String("item", winner.ItemExternalID),
				slog.String("field", winner.Field),
				slog.String("value", winner.Value),
				slog.Int("superseded", len(group.entries)-1),
			)
		}

		if err := c.apply(ctx, ts, winner); err != nil {
			return fmt.Errorf("engine: replay pending write-back %d: %w", winner.ID, err)
		}

		for _, entry := range group.entries {
			if err := c.store.DeletePending(ctx, entry.ID); err != nil {
				return fmt.Errorf("engine: remove applied write-back %d: %w", entry.ID, err)
			}
		}
	}

	if err := c.store.ClearAuthRequest(ctx, actorID); err != nil {
		return fmt.Errorf("engine: clear authorization request: %w", err)
	}

	c.logger.Info("pending write-backs drained",
		slog.String("actor_id", actorID),
		slog.Int("count", len(entries)),
	)

	return nil
}

// pendingGroup is the set of queued entries targeting one field of one item.
type pendingGroup struct {
	entries []*PendingWriteback
}

// winner picks the entry whose value should actually be written. Response
// signals resolve by category priority with recency breaking ties; values
// outside the known categories all rank equal, so the most recent wins.
func (g *pendingGroup) winner() *PendingWriteback {
	if len(g.entries) == 1 {
		return g.entries[0]
	}

	signals := make([]ResponseSignal, len(g.entries))

	for i, e := range g.entries {
		signals[i] = ResponseSignal{Category: e.Value, AddedAt: time.Unix(0, e.CreatedAt)}
	}

	value := ResolveResponse(signals)

	var w *PendingWriteback

	for _, e := range g.entries {
		if e.Value == value && (w == nil || e.CreatedAt > w.CreatedAt) {
			w = e
		}
	}

	return w
}

// collapsePending groups an actor's queue by write target, preserving the
// submission order of each target's first entry.
func collapsePending(entries []*PendingWriteback) []*pendingGroup {
	index := make(map[string]int, len(entries))

	var groups []*pendingGroup

	for _, e := range entries {
		key := e.ResourceID + "\x00" + e.ItemExternalID + "\x00" + e.Field

		if i, ok := index[key]; ok {
			groups[i].entries = append(groups[i].entries, e)
			continue
		}

		index[key] = len(groups)
		groups = append(groups, &pendingGroup{entries: []*PendingWriteback{e}})
	}

	return groups
}

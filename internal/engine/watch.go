package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/scheduler"
)

// WatchConfig tunes the subscription renewal strategy.
type WatchConfig struct {
	// CallbackBaseURL is where vendors deliver notifications; the resource
	// ID is appended as a path segment.
	CallbackBaseURL string

	// RenewalFraction of the channel lifetime reserved as the proactive
	// renewal buffer. The buffer never drops below RenewalFloor.
	RenewalFraction float64
	RenewalFloor    time.Duration

	// ReactiveHorizon: a notification arriving this close to expiry renews
	// the channel inline, covering a lost proactive task.
	ReactiveHorizon time.Duration
}

// DefaultWatchConfig returns renewal tuning suitable for vendors with
// channel lifetimes in the hours-to-days range.
func DefaultWatchConfig(callbackBaseURL string) WatchConfig {
	return WatchConfig{
		CallbackBaseURL: callbackBaseURL,
		RenewalFraction: 0.2,
		RenewalFloor:    4 * time.Hour,
		ReactiveHorizon: 2 * time.Hour,
	}
}

// channelCreateAttempts bounds retries of vendor channel creation before
// degrading to polling-only.
const channelCreateAttempts = 3

// SubscriptionManager owns the webhook channel lifecycle: create on enable,
// proactive renewal before expiry, reactive renewal on notification receipt,
// and best-effort teardown. At most one active subscription per resource.
type SubscriptionManager struct {
	store      Store
	connectors connector.Resolver
	sched      scheduler.Scheduler
	cfg        WatchConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubscriptionManager wires a SubscriptionManager.
func NewSubscriptionManager(
	store Store, connectors connector.Resolver, sched scheduler.Scheduler, cfg WatchConfig, logger *slog.Logger,
) *SubscriptionManager {
	return &SubscriptionManager{
		store:      store,
		connectors: connectors,
		sched:      sched,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// EnsureSubscription guarantees an active push channel for the resource,
// creating one if absent and renewing one already inside the renewal buffer.
// Failure wraps ErrSubscriptionCreate; callers log it and continue, since
// polling alone remains correct.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, resourceID string) error {
	existing, err := m.store.GetWatch(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: load watch subscription: %w", err)
	}

	if existing != nil && m.now().Before(m.renewAt(existing)) {
		return nil
	}

	return m.renew(ctx, resourceID, existing)
}

// Renew unconditionally replaces the resource's channel. Invoked by the
// proactive renewal task.
func (m *SubscriptionManager) Renew(ctx context.Context, resourceID string) error {
	existing, err := m.store.GetWatch(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: load watch subscription: %w", err)
	}

	if existing == nil {
		// Torn down between scheduling and firing.
		m.logger.Info("skipping renewal for removed subscription",
			slog.String("resource_id", resourceID),
		)

		return nil
	}

	return m.renew(ctx, resourceID, existing)
}

// renew creates and persists the replacement channel first, then best-effort
// stops the old one — stop failure must never block the new subscription.
func (m *SubscriptionManager) renew(ctx context.Context, resourceID string, old *WatchSubscription) error {
	conn, err := m.connectors.Connector(resourceID)
	if err != nil {
		return fmt.Errorf("engine: resolve connector: %w", err)
	}

	secret := uuid.NewString()
	callbackURL := fmt.Sprintf("%s/hooks/%s", m.cfg.CallbackBaseURL, resourceID)

	var ch *connector.Channel

	backoff := retry.WithMaxRetries(channelCreateAttempts-1, retry.NewFibonacci(time.Second))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var createErr error

		ch, createErr = conn.CreateChannel(ctx, resourceID, callbackURL, secret)
		if createErr != nil {
			return retry.RetryableError(createErr)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscriptionCreate, resourceID, err)
	}

	sub := &WatchSubscription{
		ResourceID: resourceID,
		ChannelID:  ch.ID,
		Secret:     secret,
		ExpiresAt:  ch.ExpiresAt,
		CreatedAt:  m.now().UnixNano(),
	}

	handle, err := m.sched.EnqueueAt(ctx, scheduler.WorkItem{
		Kind:       scheduler.KindRenewWatch,
		ResourceID: resourceID,
	}, m.renewAt(sub))
	if err != nil {
		// The reactive path still covers renewal; record the subscription.
		m.logger.Error("failed to schedule proactive renewal",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	} else {
		sub.RenewalHandle = string(handle)
	}

	// Persist the replacement before touching the old channel. If the write
	// fails the stored subscription still points at a live channel, and the
	// replacement is discarded instead of orphaned.
	if err := m.store.PutWatch(ctx, sub); err != nil {
		if stopErr := conn.StopChannel(ctx, ch.ID); stopErr != nil {
			m.logger.Warn("failed to stop unpersisted replacement channel",
				slog.String("resource_id", resourceID),
				slog.String("channel_id", ch.ID),
				slog.String("error", stopErr.Error()),
			)
		}

		if sub.RenewalHandle != "" {
			_ = m.sched.Cancel(ctx, scheduler.Handle(sub.RenewalHandle))
		}

		return fmt.Errorf("engine: persist watch subscription: %w", err)
	}

	if old != nil {
		m.stopOld(ctx, conn, old)
	}

	m.logger.Info("watch subscription active",
		slog.String("resource_id", resourceID),
		slog.String("channel_id", ch.ID),
		slog.Time("expires_at", ch.ExpiresAt),
	)

	return nil
}

// stopOld tears down the superseded channel and cancels its renewal task.
// Best-effort on both counts.
func (m *SubscriptionManager) stopOld(ctx context.Context, conn connector.Connector, old *WatchSubscription) {
	if err := conn.StopChannel(ctx, old.ChannelID); err != nil {
		m.logger.Warn("failed to stop superseded channel",
			slog.String("resource_id", old.ResourceID),
			slog.String("channel_id", old.ChannelID),
			slog.String("error", err.Error()),
		)
	}

	if old.RenewalHandle != "" {
		_ = m.sched.Cancel(ctx, scheduler.Handle(old.RenewalHandle))
	}
}

// renewAt computes when a subscription should be proactively renewed:
// buffer = max(floor, fraction * lifetime), clamped to half the remaining
// lifetime for very short-lived channels.
func (m *SubscriptionManager) renewAt(sub *WatchSubscription) time.Time {
	created := time.Unix(0, sub.CreatedAt)

	lifetime := sub.ExpiresAt.Sub(created)
	if lifetime <= 0 {
		return m.now()
	}

	buffer := time.Duration(float64(lifetime) * m.cfg.RenewalFraction)
	if buffer < m.cfg.RenewalFloor {
		buffer = m.cfg.RenewalFloor
	}

	if buffer >= lifetime {
		buffer = lifetime / 2
	}

	return sub.ExpiresAt.Add(-buffer)
}

// OnNotification validates an inbound push notification and, when genuine,
// enqueues an incremental sync pass. The triggered sync is never run inline:
// the webhook endpoint must return without blocking on it. A pass already in
// flight makes the notification a no-op — it will pick up the change.
func (m *SubscriptionManager) OnNotification(ctx context.Context, resourceID, channelID, secret string) error {
	sub, err := m.store.GetWatch(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: load watch subscription: %w", err)
	}

	if sub == nil || sub.ChannelID != channelID || sub.Secret != secret {
		m.logger.Warn("dropping notification with unknown channel or bad secret",
			slog.String("resource_id", resourceID),
			slog.String("channel_id", channelID),
		)

		return ErrUnknownChannel
	}

	// Reactive renewal: covers a proactive task that failed or was lost.
	if sub.ExpiresAt.Sub(m.now()) < m.cfg.ReactiveHorizon {
		m.logger.Info("notification near channel expiry, renewing reactively",
			slog.String("resource_id", resourceID),
			slog.Time("expires_at", sub.ExpiresAt),
		)

		if err := m.renew(ctx, resourceID, sub); err != nil {
			m.logger.Error("reactive renewal failed",
				slog.String("resource_id", resourceID),
				slog.String("error", err.Error()),
			)
		}
	}

	item := scheduler.WorkItem{
		Kind:       scheduler.KindStartSync,
		ResourceID: resourceID,
		Mode:       string(ModeIncremental),
	}

	if err := m.sched.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("engine: enqueue incremental sync: %w", err)
	}

	return nil
}

// Teardown stops the vendor channel (best-effort), cancels the pending
// renewal task, and clears stored subscription state.
func (m *SubscriptionManager) Teardown(ctx context.Context, resourceID string) error {
	sub, err := m.store.GetWatch(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("engine: load watch subscription: %w", err)
	}

	if sub == nil {
		return nil
	}

	conn, err := m.connectors.Connector(resourceID)
	if err == nil {
		if stopErr := conn.StopChannel(ctx, sub.ChannelID); stopErr != nil {
			m.logger.Warn("failed to stop channel during teardown",
				slog.String("resource_id", resourceID),
				slog.String("channel_id", sub.ChannelID),
				slog.String("error", stopErr.Error()),
			)
		}
	}

	if sub.RenewalHandle != "" {
		_ = m.sched.Cancel(ctx, scheduler.Handle(sub.RenewalHandle))
	}

	if err := m.store.DeleteWatch(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: delete watch subscription: %w", err)
	}

	m.logger.Info("watch subscription removed", slog.String("resource_id", resourceID))

	return nil
}

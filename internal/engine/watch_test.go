package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/scheduler"
)

func newTestWatchManager(store *memStore, conn connector.Connector, sched scheduler.Scheduler) *SubscriptionManager {
	return NewSubscriptionManager(store, &staticResolver{conn: conn}, sched, DefaultWatchConfig("https://mirror.example.com"), testLogger())
}

func TestEnsureSubscriptionCreatesChannel(t *testing.T) {
	store := newMemStore()
	sched := newManualSched()
	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, sched)

	require.NoError(t, m.EnsureSubscription(context.Background(), "cal-1"))

	sub := store.watches["cal-1"]
	require.NotNil(t, sub)
	assert.Equal(t, "ch-1", sub.ChannelID)
	assert.NotEmpty(t, sub.Secret)
	assert.NotEmpty(t, sub.RenewalHandle)

	// Proactive renewal is scheduled strictly before expiry, by at least
	// the renewal floor.
	work, ok := sched.delayed[scheduler.Handle(sub.RenewalHandle)]
	require.True(t, ok)
	assert.Equal(t, scheduler.KindRenewWatch, work.item.Kind)
	assert.True(t, work.runAt.Before(sub.ExpiresAt))
	assert.GreaterOrEqual(t, sub.ExpiresAt.Sub(work.runAt), 4*time.Hour)
}

func TestEnsureSubscriptionSkipsHealthyChannel(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-existing",
		Secret:     "s",
		ExpiresAt:  time.Now().Add(20 * time.Hour),
		CreatedAt:  time.Now().Add(-4 * time.Hour).UnixNano(),
	}

	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, newManualSched())

	require.NoError(t, m.EnsureSubscription(context.Background(), "cal-1"))

	assert.Empty(t, conn.channels, "healthy subscription must not be recreated")
	assert.Equal(t, "ch-existing", store.watches["cal-1"].ChannelID)
}

func TestEnsureSubscriptionRenewsChannelInsideBuffer(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-old",
		Secret:     "s",
		ExpiresAt:  time.Now().Add(time.Hour), // inside the 4h floor
		CreatedAt:  time.Now().Add(-23 * time.Hour).UnixNano(),
	}

	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, newManualSched())

	require.NoError(t, m.EnsureSubscription(context.Background(), "cal-1"))

	assert.Equal(t, []string{"ch-old"}, conn.stopped, "superseded channel must be stopped")
	assert.Equal(t, "ch-1", store.watches["cal-1"].ChannelID)
}

func TestRenewReplacesChannelAndCancelsOldTask(t *testing.T) {
	store := newMemStore()
	sched := newManualSched()
	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, sched)

	require.NoError(t, m.EnsureSubscription(context.Background(), "cal-1"))
	firstHandle := store.watches["cal-1"].RenewalHandle

	require.NoError(t, m.Renew(context.Background(), "cal-1"))

	assert.Equal(t, []string{"ch-1"}, conn.stopped)
	assert.Equal(t, "ch-2", store.watches["cal-1"].ChannelID)
	assert.Contains(t, sched.canceled, scheduler.Handle(firstHandle))
	assert.NotEqual(t, firstHandle, store.watches["cal-1"].RenewalHandle)
}

func TestRenewKeepsOldChannelWhenPersistFails(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID:    "cal-1",
		ChannelID:     "ch-old",
		Secret:        "s",
		ExpiresAt:     time.Now().Add(time.Hour),
		RenewalHandle: "h-old",
		CreatedAt:     time.Now().Add(-23 * time.Hour).UnixNano(),
	}
	store.putWatchErr = errors.New("disk full")

	sched := newManualSched()
	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, sched)

	require.Error(t, m.Renew(context.Background(), "cal-1"))

	// The stored subscription still points at the old, still-active channel;
	// only the unpersisted replacement is stopped.
	assert.Equal(t, "ch-old", store.watches["cal-1"].ChannelID)
	assert.Equal(t, []string{"ch-1"}, conn.stopped)
	assert.NotContains(t, sched.canceled, scheduler.Handle("h-old"))
}

func TestRenewSkipsRemovedSubscription(t *testing.T) {
	conn := newFakeConnector()
	m := newTestWatchManager(newMemStore(), conn, newManualSched())

	require.NoError(t, m.Renew(context.Background(), "cal-1"))
	assert.Empty(t, conn.channels)
}

func TestChannelCreateFailureWrapsSubscriptionError(t *testing.T) {
	conn := newFakeConnector()
	conn.createErr = connector.ErrUnavailable

	store := newMemStore()
	m := newTestWatchManager(store, conn, newManualSched())

	err := m.EnsureSubscription(context.Background(), "cal-1")
	require.ErrorIs(t, err, ErrSubscriptionCreate)
	assert.Nil(t, store.watches["cal-1"], "no subscription persisted on failure")
}

func TestRenewAtBufferMath(t *testing.T) {
	m := newTestWatchManager(newMemStore(), newFakeConnector(), newManualSched())
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		lifetime time.Duration
		want     time.Duration // buffer before expiry
	}{
		{"fraction wins for long channels", 7 * 24 * time.Hour, time.Duration(0.2 * float64(7*24*time.Hour))},
		{"floor wins for day channels", 24 * time.Hour, 4 * time.Hour},
		{"clamped to half for short channels", 3 * time.Hour, 90 * time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := &WatchSubscription{
				CreatedAt: created.UnixNano(),
				ExpiresAt: created.Add(tc.lifetime),
			}

			got := m.renewAt(sub)
			assert.Equal(t, sub.ExpiresAt.Add(-tc.want), got)
		})
	}
}

func TestOnNotificationEnqueuesIncrementalSync(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-9",
		Secret:     "shhh",
		ExpiresAt:  time.Now().Add(20 * time.Hour),
		CreatedAt:  time.Now().UnixNano(),
	}

	sched := newManualSched()
	m := newTestWatchManager(store, newFakeConnector(), sched)

	require.NoError(t, m.OnNotification(context.Background(), "cal-1", "ch-9", "shhh"))

	require.Len(t, sched.queued, 1)
	assert.Equal(t, scheduler.KindStartSync, sched.queued[0].Kind)
	assert.Equal(t, string(ModeIncremental), sched.queued[0].Mode)
}

func TestOnNotificationDropsForgedOrStale(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-9",
		Secret:     "shhh",
		ExpiresAt:  time.Now().Add(20 * time.Hour),
		CreatedAt:  time.Now().UnixNano(),
	}

	sched := newManualSched()
	m := newTestWatchManager(store, newFakeConnector(), sched)

	// Wrong secret, wrong channel, and unknown resource all drop.
	require.ErrorIs(t, m.OnNotification(context.Background(), "cal-1", "ch-9", "wrong"), ErrUnknownChannel)
	require.ErrorIs(t, m.OnNotification(context.Background(), "cal-1", "ch-stale", "shhh"), ErrUnknownChannel)
	require.ErrorIs(t, m.OnNotification(context.Background(), "cal-2", "ch-9", "shhh"), ErrUnknownChannel)

	assert.Empty(t, sched.queued, "dropped notifications must not trigger syncs")
}

func TestOnNotificationRenewsReactivelyNearExpiry(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-9",
		Secret:     "shhh",
		ExpiresAt:  time.Now().Add(30 * time.Minute), // inside the 2h horizon
		CreatedAt:  time.Now().Add(-23 * time.Hour).UnixNano(),
	}

	sched := newManualSched()
	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, sched)

	require.NoError(t, m.OnNotification(context.Background(), "cal-1", "ch-9", "shhh"))

	assert.Equal(t, []string{"ch-9"}, conn.stopped, "near-expiry notification must renew inline")
	assert.Equal(t, "ch-1", store.watches["cal-1"].ChannelID)

	// The sync itself is still enqueued, never run inline.
	require.Len(t, sched.queued, 1)
	assert.Equal(t, scheduler.KindStartSync, sched.queued[0].Kind)
}

func TestTeardownStopsChannelAndClearsState(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID:    "cal-1",
		ChannelID:     "ch-9",
		Secret:        "s",
		ExpiresAt:     time.Now().Add(time.Hour),
		RenewalHandle: "h77",
	}

	sched := newManualSched()
	conn := newFakeConnector()
	m := newTestWatchManager(store, conn, sched)

	require.NoError(t, m.Teardown(context.Background(), "cal-1"))

	assert.Equal(t, []string{"ch-9"}, conn.stopped)
	assert.Contains(t, sched.canceled, scheduler.Handle("h77"))
	assert.Nil(t, store.watches["cal-1"])
}

func TestTeardownToleratesStopFailure(t *testing.T) {
	store := newMemStore()
	store.watches["cal-1"] = &WatchSubscription{
		ResourceID: "cal-1",
		ChannelID:  "ch-9",
		ExpiresAt:  time.Now().Add(time.Hour),
	}

	conn := newFakeConnector()
	conn.stopErr = connector.ErrUnavailable
	m := newTestWatchManager(store, conn, newManualSched())

	require.NoError(t, m.Teardown(context.Background(), "cal-1"))
	assert.Nil(t, store.watches["cal-1"], "local state clears even when the vendor stop fails")
}

func TestTeardownNoSubscriptionIsNoop(t *testing.T) {
	conn := newFakeConnector()
	m := newTestWatchManager(newMemStore(), conn, newManualSched())

	require.NoError(t, m.Teardown(context.Background(), "cal-1"))
	assert.Empty(t, conn.stopped)
}

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingDispatcher collects dispatched items and signals each arrival.
type recordingDispatcher struct {
	mu    sync.Mutex
	items []WorkItem
	seen  chan WorkItem
	err   error
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{seen: make(chan WorkItem, 64)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, item WorkItem) error {
	d.mu.Lock()
	d.items = append(d.items, item)
	d.mu.Unlock()

	d.seen <- item

	return d.err
}

func (d *recordingDispatcher) waitFor(t *testing.T, timeout time.Duration) WorkItem {
	t.Helper()

	select {
	case item := <-d.seen:
		return item
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dispatch")
		return WorkItem{}
	}
}

func TestPoolDispatchesEnqueuedWork(t *testing.T) {
	d := newRecordingDispatcher()
	p := NewPool(d, testLogger())
	p.Start(context.Background(), 2)
	defer p.Stop()

	want := WorkItem{Kind: KindStartSync, ResourceID: "cal-1", Mode: "incremental"}
	require.NoError(t, p.Enqueue(context.Background(), want))

	got := d.waitFor(t, 2*time.Second)
	assert.Equal(t, want, got)
}

func TestPoolDelayedItemFiresAtTime(t *testing.T) {
	d := newRecordingDispatcher()
	p := NewPool(d, testLogger())
	p.Start(context.Background(), 1)
	defer p.Stop()

	item := WorkItem{Kind: KindRenewWatch, ResourceID: "cal-1"}

	start := time.Now()
	handle, err := p.EnqueueAt(context.Background(), item, start.Add(50*time.Millisecond))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	got := d.waitFor(t, 2*time.Second)
	assert.Equal(t, item, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPoolCancelPreventsFire(t *testing.T) {
	d := newRecordingDispatcher()
	p := NewPool(d, testLogger())
	p.Start(context.Background(), 1)
	defer p.Stop()

	handle, err := p.EnqueueAt(context.Background(), WorkItem{Kind: KindRenewWatch}, time.Now().Add(80*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, p.Cancel(context.Background(), handle))

	select {
	case <-d.seen:
		t.Fatal("canceled item must not dispatch")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPoolCancelUnknownHandleIsNoop(t *testing.T) {
	p := NewPool(newRecordingDispatcher(), testLogger())
	require.NoError(t, p.Cancel(context.Background(), Handle("never-issued")))
}

func TestPoolEnqueueAfterStop(t *testing.T) {
	p := NewPool(newRecordingDispatcher(), testLogger())
	p.Start(context.Background(), 1)
	p.Stop()

	err := p.Enqueue(context.Background(), WorkItem{Kind: KindStartSync})
	require.ErrorIs(t, err, ErrStopped)

	_, err = p.EnqueueAt(context.Background(), WorkItem{Kind: KindRenewWatch}, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrStopped)
}

func TestPoolSurvivesPanickingItem(t *testing.T) {
	d := newRecordingDispatcher()

	panicky := DispatchFunc(func(ctx context.Context, item WorkItem) error {
		if item.ResourceID == "boom" {
			panic("bad item")
		}

		return d.Dispatch(ctx, item)
	})

	p := NewPool(panicky, testLogger())
	p.Start(context.Background(), 1)
	defer p.Stop()

	require.NoError(t, p.Enqueue(context.Background(), WorkItem{Kind: KindStartSync, ResourceID: "boom"}))
	require.NoError(t, p.Enqueue(context.Background(), WorkItem{Kind: KindStartSync, ResourceID: "cal-1"}))

	got := d.waitFor(t, 2*time.Second)
	assert.Equal(t, "cal-1", got.ResourceID, "worker keeps going after a panic")
}

func TestPoolDispatchErrorDoesNotStopWorker(t *testing.T) {
	d := newRecordingDispatcher()
	d.err = errors.New("vendor down")

	p := NewPool(d, testLogger())
	p.Start(context.Background(), 1)
	defer p.Stop()

	require.NoError(t, p.Enqueue(context.Background(), WorkItem{Kind: KindContinueBatch, ResourceID: "a"}))
	require.NoError(t, p.Enqueue(context.Background(), WorkItem{Kind: KindContinueBatch, ResourceID: "b"}))

	d.waitFor(t, 2*time.Second)
	got := d.waitFor(t, 2*time.Second)
	assert.Equal(t, "b", got.ResourceID)
}

func TestPoolStopIdempotentCancel(t *testing.T) {
	p := NewPool(newRecordingDispatcher(), testLogger())
	p.Start(context.Background(), 1)

	_, err := p.EnqueueAt(context.Background(), WorkItem{Kind: KindRenewWatch}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	p.Stop() // pending timer is stopped, no goroutine leak
}

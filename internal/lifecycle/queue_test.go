package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPendingRequestQueue_EnqueueAndResolve(t *testing.T) {
	q := NewPendingRequestQueue()
	item := q.Enqueue("body", "orig-req")
	require.Equal(t, 1, q.Len())

	go item.Resolve(nil)

	require.NoError(t, item.Await(context.Background(), time.Second))
}

func TestPendingRequestQueue_AwaitTimesOut(t *testing.T) {
	q := NewPendingRequestQueue()
	item := q.Enqueue("body", "orig-req")

	err := item.Await(context.Background(), 20*time.Millisecond)
	assert.Error(t, err, "expected a timeout error")
}

func TestPendingRequestQueue_AwaitHonoursContextCancellation(t *testing.T) {
	q := NewPendingRequestQueue()
	item := q.Enqueue("body", "orig-req")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, item.Await(ctx, time.Second))
}

func TestPendingRequestQueue_ResolveIsIdempotent(t *testing.T) {
	q := NewPendingRequestQueue()
	item := q.Enqueue("body", "orig-req")

	item.Resolve(nil)
	item.Resolve(nil) // must not block or panic on a buffered, already-filled channel

	require.NoError(t, item.Await(context.Background(), time.Second))
}

func TestPendingRequestQueue_DrainEmptiesQueue(t *testing.T) {
	q := NewPendingRequestQueue()
	q.Enqueue("a", "req-a")
	q.Enqueue("b", "req-b")

	items := q.Drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, q.Len())
}

func TestPendingRequestQueue_ResolveAllUnblocksWaiters(t *testing.T) {
	q := NewPendingRequestQueue()
	item1 := q.Enqueue("a", "req-a")
	item2 := q.Enqueue("b", "req-b")

	q.ResolveAll(nil)

	require.NoError(t, item1.Await(context.Background(), time.Second))
	require.NoError(t, item2.Await(context.Background(), time.Second))
}

func TestStaleSweeper_RunsReapLoop(t *testing.T) {
	reaped := make(chan int, 4)
	sweeper := NewStaleSweeper(time.Hour, 20*time.Millisecond, func(olderThan time.Time) int {
		reaped <- 1
		return 1
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the sweeper to invoke listAndReap at least once")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

func TestIdleRestartWatchdog_DisabledForNonPositiveThreshold(t *testing.T) {
	called := false
	w := NewIdleRestartWatchdog(0, func() { called = true }, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return immediately when threshold is non-positive")
	}
	assert.False(t, called, "restart must never fire when disabled")
}

func TestIdleRestartWatchdog_TouchResetsLastActivity(t *testing.T) {
	w := NewIdleRestartWatchdog(time.Minute, func() {}, zap.NewNop())
	before := w.lastActivity
	time.Sleep(5 * time.Millisecond)
	w.Touch()
	assert.True(t, w.lastActivity.After(before), "Touch must advance lastActivity")
}

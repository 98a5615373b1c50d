package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/llmbridge/gateway/pkg/errors"
)

// QueueItem is one admission waiting for a browser tab to become
// available, carrying the future the HTTP handler awaits.
type QueueItem struct {
	RequestBody       interface{}
	OriginalRequestID string
	resultCh          chan queueResult
	createdAt         time.Time
}

type queueResult struct {
	err error
}

// PendingRequestQueue holds admissions for which no tab was connected at
// enqueue time but auto-retry is enabled. Drained whenever a fresh
// WebSocket accept occurs.
type PendingRequestQueue struct {
	mu    sync.Mutex
	items []*QueueItem
}

// NewPendingRequestQueue constructs an empty queue.
func NewPendingRequestQueue() *PendingRequestQueue {
	return &PendingRequestQueue{}
}

// Enqueue adds an item and returns it so the caller can await its
// result with a configurable deadline.
func (q *PendingRequestQueue) Enqueue(body interface{}, originalRequestID string) *QueueItem {
	item := &QueueItem{
		RequestBody:       body,
		OriginalRequestID: originalRequestID,
		resultCh:          make(chan queueResult, 1),
		createdAt:         time.Now(),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return item
}

// Await blocks until the item resolves or the deadline elapses.
func (item *QueueItem) Await(ctx context.Context, deadline time.Duration) error {
	select {
	case res := <-item.resultCh:
		return res.err
	case <-time.After(deadline):
		return apperrors.NewNoTabConnectedError("timed out waiting for a browser tab")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve completes an item with success or failure; safe to call once.
func (item *QueueItem) Resolve(err error) {
	select {
	case item.resultCh <- queueResult{err: err}:
	default:
	}
}

// Drain removes and returns every queued item, for dispatch through the
// browser-tab path on a fresh WebSocket accept.
func (q *PendingRequestQueue) Drain() []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// ResolveAll drains the queue and resolves every waiting item with err,
// used on a fresh WebSocket accept (err nil, the handler re-attempts the
// tab path) or when shutting down (a terminal error).
func (q *PendingRequestQueue) ResolveAll(err error) {
	for _, item := range q.Drain() {
		item.Resolve(err)
	}
}

// Len reports the current queue depth.
func (q *PendingRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// StaleSweeper periodically force-terminates requests that have been
// active longer than the configured timeout.
type StaleSweeper struct {
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger

	listAndReap func(olderThan time.Time) int
}

// NewStaleSweeper constructs a sweeper. listAndReap is supplied by the
// wiring layer (it needs both the broker and the registry) and should
// force-terminate every request older than the cutoff, returning how
// many it reaped.
func NewStaleSweeper(timeout, interval time.Duration, listAndReap func(olderThan time.Time) int, logger *zap.Logger) *StaleSweeper {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &StaleSweeper{
		timeout:     timeout,
		interval:    interval,
		listAndReap: listAndReap,
		logger:      logger.With(zap.String("component", "stale-sweeper")),
	}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.timeout)
			if n := s.listAndReap(cutoff); n > 0 {
				s.logger.Warn("swept stale requests", zap.Int("count", n))
			}
		}
	}
}

// IdleRestartWatchdog invokes a process-level restart when no activity
// has been recorded for the configured threshold.
type IdleRestartWatchdog struct {
	threshold time.Duration
	interval  time.Duration
	lastActivity time.Time
	mu        sync.Mutex
	restart   func()
	logger    *zap.Logger
}

// NewIdleRestartWatchdog constructs a watchdog; restart is invoked
// exactly once when the threshold is exceeded.
func NewIdleRestartWatchdog(threshold time.Duration, restart func(), logger *zap.Logger) *IdleRestartWatchdog {
	return &IdleRestartWatchdog{
		threshold:    threshold,
		interval:     10 * time.Second,
		lastActivity: time.Now(),
		restart:      restart,
		logger:       logger.With(zap.String("component", "idle-watchdog")),
	}
}

// Touch records activity, resetting the idle timer.
func (w *IdleRestartWatchdog) Touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// Run blocks, checking idle time every interval until ctx is cancelled.
// A non-positive threshold disables the watchdog entirely.
func (w *IdleRestartWatchdog) Run(ctx context.Context) {
	if w.threshold <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastActivity)
			w.mu.Unlock()
			if idle > w.threshold {
				w.logger.Warn("idle threshold exceeded, restarting", zap.Duration("idle", idle))
				w.restart()
				return
			}
		}
	}
}

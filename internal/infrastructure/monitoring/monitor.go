package monitoring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics holds the running counters behind Monitor. Fields are updated
// with atomic ops so handlers and background collectors can touch them
// without a lock.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64

	ActiveTabs     int64
	ActiveSessions int64

	RequestLatencySum   uint64
	RequestLatencyCount uint64

	ModelCallsTotal uint64
	ModelTokensUsed uint64

	ErrorsTotal uint64

	StartTime time.Time
}

// Monitor aggregates request/dispatch metrics for the dashboard and the
// Prometheus exposition endpoint.
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
	mu      sync.RWMutex

	history      []MetricsSnapshot
	historyLimit int
}

// MetricsSnapshot is one point on the dashboard's history chart.
type MetricsSnapshot struct {
	Timestamp         time.Time
	RequestsPerSecond float64
	AvgLatencyMs      float64
	ActiveTabs        int64
	ActiveSessions    int64
	MemoryMB          float64
	Goroutines        int
}

// NewMonitor constructs a Monitor, retaining up to 100 snapshots.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{
			StartTime: time.Now(),
		},
		logger:       logger,
		history:      make([]MetricsSnapshot, 0, 100),
		historyLimit: 100,
	}
}

func (m *Monitor) IncRequestTotal()   { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess() { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()  { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncModelCall()      { atomic.AddUint64(&m.metrics.ModelCallsTotal, 1) }
func (m *Monitor) IncError()          { atomic.AddUint64(&m.metrics.ErrorsTotal, 1) }

func (m *Monitor) AddTokensUsed(n int) {
	atomic.AddUint64(&m.metrics.ModelTokensUsed, uint64(n))
}

func (m *Monitor) SetActiveTabs(n int64) {
	atomic.StoreInt64(&m.metrics.ActiveTabs, n)
}

func (m *Monitor) SetActiveSessions(n int64) {
	atomic.StoreInt64(&m.metrics.ActiveSessions, n)
}

func (m *Monitor) RecordRequestLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

// GetStats returns a point-in-time snapshot of every counter plus basic
// runtime stats, shaped for direct JSON serialization.
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	reqTotal := atomic.LoadUint64(&m.metrics.RequestsTotal)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds":    uptime.Seconds(),
		"requests_total":    reqTotal,
		"requests_success":  atomic.LoadUint64(&m.metrics.RequestsSuccess),
		"requests_failed":   atomic.LoadUint64(&m.metrics.RequestsFailed),
		"model_calls_total": atomic.LoadUint64(&m.metrics.ModelCallsTotal),
		"model_tokens_used": atomic.LoadUint64(&m.metrics.ModelTokensUsed),
		"active_tabs":       atomic.LoadInt64(&m.metrics.ActiveTabs),
		"active_sessions":   atomic.LoadInt64(&m.metrics.ActiveSessions),
		"errors_total":      atomic.LoadUint64(&m.metrics.ErrorsTotal),
		"avg_latency_ms":    avgLatency,
		"memory_mb":         float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
		"rps":               float64(reqTotal) / uptime.Seconds(),
	}
}

// Snapshot records and returns the current MetricsSnapshot.
func (m *Monitor) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime).Seconds()
	reqTotal := atomic.LoadUint64(&m.metrics.RequestsTotal)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6
	}

	snapshot := MetricsSnapshot{
		Timestamp:         time.Now(),
		RequestsPerSecond: float64(reqTotal) / uptime,
		AvgLatencyMs:      avgLatency,
		ActiveTabs:        atomic.LoadInt64(&m.metrics.ActiveTabs),
		ActiveSessions:    atomic.LoadInt64(&m.metrics.ActiveSessions),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if len(m.history) > m.historyLimit {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	return snapshot
}

// GetHistory returns a copy of the retained snapshot history.
func (m *Monitor) GetHistory() []MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]MetricsSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// StartCollector snapshots metrics on a fixed interval until ctx is done.
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Snapshot()
		}
	}
}

// DashboardData is the payload served to the live dashboard.
type DashboardData struct {
	Stats   map[string]interface{} `json:"stats"`
	History []MetricsSnapshot      `json:"history"`
}

func (m *Monitor) GetDashboardData() *DashboardData {
	return &DashboardData{
		Stats:   m.GetStats(),
		History: m.GetHistory(),
	}
}

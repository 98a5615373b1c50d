package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler returns an http.Handler that serves Prometheus text
// format metrics, mounted at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			{"bridge_requests_total", "Total number of chat completion requests processed", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"bridge_requests_success_total", "Total successful requests", "counter", atomic.LoadUint64(&m.metrics.RequestsSuccess)},
			{"bridge_requests_failed_total", "Total failed requests", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},

			{"bridge_model_calls_total", "Total upstream model calls", "counter", atomic.LoadUint64(&m.metrics.ModelCallsTotal)},
			{"bridge_model_tokens_used_total", "Total tokens consumed", "counter", atomic.LoadUint64(&m.metrics.ModelTokensUsed)},

			{"bridge_errors_total", "Total errors encountered", "counter", atomic.LoadUint64(&m.metrics.ErrorsTotal)},

			{"bridge_active_tabs", "Number of connected browser tabs", "gauge", atomic.LoadInt64(&m.metrics.ActiveTabs)},
			{"bridge_active_sessions", "Number of in-flight sessions", "gauge", atomic.LoadInt64(&m.metrics.ActiveSessions)},
			{"bridge_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			{"bridge_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"bridge_memory_sys_bytes", "Total memory obtained from OS", "gauge", memStats.Sys},
			{"bridge_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"bridge_gc_pause_total_ns", "Total GC pause time in nanoseconds", "counter", memStats.PauseTotalNs},
			{"bridge_gc_cycles_total", "Total number of completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		reqCount := atomic.LoadUint64(&m.metrics.RequestLatencyCount)
		if reqCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(reqCount) / 1e6
			fmt.Fprintf(w, "# HELP bridge_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE bridge_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "bridge_request_latency_avg_ms %f\n\n", avgMs)
		}
	})
}

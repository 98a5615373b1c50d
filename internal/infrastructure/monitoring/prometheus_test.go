package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestPrometheusHandler_ServesExpectedMetricNames(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.IncRequestTotal()
	m.IncRequestSuccess()
	m.RecordRequestLatency(0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"bridge_requests_total",
		"bridge_requests_success_total",
		"bridge_active_tabs",
		"bridge_goroutines",
		"bridge_request_latency_avg_ms",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected metric %q in output, got:\n%s", name, body)
		}
	}
}

func TestPrometheusHandler_ContentType(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", ct)
	}
}

func TestPrometheusHandler_OmitsLatencyLineWhenNoRequestsRecorded(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "bridge_request_latency_avg_ms") {
		t.Fatal("expected latency metric omitted when no requests have been recorded")
	}
}

package monitoring

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
)

func TestRequestLRU_PutAndGet(t *testing.T) {
	lru := NewRequestLRU(10, 0)
	lru.Put(RequestRecord{RequestID: "r1", Model: "m"})

	rec, ok := lru.Get("r1")
	if !ok || rec.Model != "m" {
		t.Fatalf("expected to retrieve stored record, got %+v ok=%v", rec, ok)
	}
	if _, ok := lru.Get("missing"); ok {
		t.Fatal("expected miss for unknown request id")
	}
}

func TestRequestLRU_PutReplacesExistingEntry(t *testing.T) {
	lru := NewRequestLRU(10, 0)
	lru.Put(RequestRecord{RequestID: "r1", Model: "first"})
	lru.Put(RequestRecord{RequestID: "r1", Model: "second"})

	rec, ok := lru.Get("r1")
	if !ok || rec.Model != "second" {
		t.Fatalf("expected replaced record, got %+v", rec)
	}
	recent := lru.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("expected replace not to duplicate entries, got %d", len(recent))
	}
}

func TestRequestLRU_EvictsOldestBeyondItemCap(t *testing.T) {
	lru := NewRequestLRU(2, 0)
	lru.Put(RequestRecord{RequestID: "r1"})
	lru.Put(RequestRecord{RequestID: "r2"})
	lru.Put(RequestRecord{RequestID: "r3"})

	if _, ok := lru.Get("r1"); ok {
		t.Fatal("expected oldest entry evicted once over the item cap")
	}
	if _, ok := lru.Get("r3"); !ok {
		t.Fatal("expected newest entry retained")
	}
}

func TestRequestLRU_DefaultsItemCapWhenNonPositive(t *testing.T) {
	lru := NewRequestLRU(0, 0)
	if lru.itemCap != 10000 {
		t.Fatalf("expected default item cap 10000, got %d", lru.itemCap)
	}
}

func TestRequestLRU_EvictsOnSoftByteCap(t *testing.T) {
	lru := NewRequestLRU(100, 50)
	for i := 0; i < 10; i++ {
		lru.Put(RequestRecord{RequestID: string(rune('a' + i)), ResponseContent: "some moderately long response content here"})
	}
	if lru.order.Len() >= 10 {
		t.Fatalf("expected soft byte cap to trigger eviction, still have %d entries", lru.order.Len())
	}
}

func TestRequestLRU_Recent_ReturnsNewestFirst(t *testing.T) {
	lru := NewRequestLRU(10, 0)
	lru.Put(RequestRecord{RequestID: "r1"})
	lru.Put(RequestRecord{RequestID: "r2"})
	lru.Put(RequestRecord{RequestID: "r3"})

	recent := lru.Recent(2)
	if len(recent) != 2 || recent[0].RequestID != "r3" || recent[1].RequestID != "r2" {
		t.Fatalf("unexpected recent ordering: %+v", recent)
	}
}

type fakeSink struct {
	written []RequestRecord
	err     error
}

func (f *fakeSink) WriteRequestLog(rec RequestRecord) error {
	f.written = append(f.written, rec)
	return f.err
}

func TestObservability_RequestStartThenEnd_UpdatesMonitorAndLRU(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	sink := &fakeSink{}
	obs := NewObservability(monitor, 10, 0, sink, zap.NewNop())

	obs.RequestStart("req1", "gpt-4", 3)
	obs.RequestEnd("req1", RequestEndParams{
		Success:      true,
		InputTokens:  10,
		OutputTokens: 5,
		ResponseContent: "answer",
	})

	rec, ok := obs.RequestDetail("req1")
	if !ok {
		t.Fatal("expected request detail to be retained")
	}
	if rec.Model != "gpt-4" || rec.InputTokens != 10 || rec.OutputTokens != 5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.Success {
		t.Fatal("expected success recorded")
	}

	stats := monitor.GetStats()
	if stats["requests_success"].(uint64) != 1 {
		t.Fatalf("expected monitor updated, got %+v", stats)
	}
	if len(sink.written) != 1 {
		t.Fatalf("expected sink to receive one write, got %d", len(sink.written))
	}
}

func TestObservability_RequestEnd_WithoutPriorStart_StillRecords(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	obs := NewObservability(monitor, 10, 0, nil, zap.NewNop())

	obs.RequestEnd("orphan", RequestEndParams{Success: false, Err: errors.New("boom")})

	rec, ok := obs.RequestDetail("orphan")
	if !ok {
		t.Fatal("expected a record even without a matching RequestStart")
	}
	if rec.Error != "boom" {
		t.Fatalf("expected error captured, got %q", rec.Error)
	}
}

func TestObservability_RequestEnd_SinkFailureDoesNotPanic(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	sink := &fakeSink{err: errors.New("disk full")}
	obs := NewObservability(monitor, 10, 0, sink, zap.NewNop())

	obs.RequestStart("req2", "gpt-4", 1)
	obs.RequestEnd("req2", RequestEndParams{Success: true})

	if _, ok := obs.RequestDetail("req2"); !ok {
		t.Fatal("expected record retained despite sink failure")
	}
}

func TestObservability_RecentRequests(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	obs := NewObservability(monitor, 10, 0, nil, zap.NewNop())

	obs.RequestStart("r1", "m", 1)
	obs.RequestEnd("r1", RequestEndParams{Success: true})
	obs.RequestStart("r2", "m", 1)
	obs.RequestEnd("r2", RequestEndParams{Success: true})

	recent := obs.RecentRequests(5)
	if len(recent) != 2 {
		t.Fatalf("expected two recent records, got %d", len(recent))
	}
}

func TestObservability_SubscribeReceivesBroadcasts(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	obs := NewObservability(monitor, 10, 0, nil, zap.NewNop())

	ch, unsubscribe := obs.Subscribe()
	defer unsubscribe()

	obs.RequestStart("r1", "m", 1)

	select {
	case data := <-ch:
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("expected valid json broadcast: %v", err)
		}
		if payload["event"] != "request_start" {
			t.Fatalf("unexpected broadcast payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestObservability_Unsubscribe_StopsDelivery(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	obs := NewObservability(monitor, 10, 0, nil, zap.NewNop())

	ch, unsubscribe := obs.Subscribe()
	unsubscribe()

	obs.RequestStart("r1", "m", 1)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after unsubscribe, not to receive data")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to be closed promptly after unsubscribe")
	}
}

func TestObservability_RequestEnd_AttachesCost(t *testing.T) {
	monitor := NewMonitor(zap.NewNop())
	obs := NewObservability(monitor, 10, 0, nil, zap.NewNop())

	cost := &entity.CostInfo{TotalCost: 0.05, Currency: "USD"}
	obs.RequestStart("r1", "m", 1)
	obs.RequestEnd("r1", RequestEndParams{Success: true, Cost: cost})

	rec, _ := obs.RequestDetail("r1")
	if rec.Cost == nil || rec.Cost.TotalCost != 0.05 {
		t.Fatalf("expected cost attached to record, got %+v", rec.Cost)
	}
}

package monitoring

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
)

// RequestRecord is the full per-request fingerprint kept in the recent-
// requests LRU and broadcast to dashboard subscribers.
type RequestRecord struct {
	RequestID        string         `json:"request_id"`
	Model            string         `json:"model"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at,omitempty"`
	DurationMs       int64          `json:"duration_ms"`
	MessagesCount    int            `json:"messages_count"`
	Success          bool           `json:"success"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	Cost             *entity.CostInfo `json:"cost,omitempty"`
	ResponseContent  string         `json:"response_content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// approxByteSize is a cheap estimate used only to decide when the LRU's
// soft byte cap is exceeded; it need not be exact.
func (r *RequestRecord) approxByteSize() int {
	return len(r.RequestID) + len(r.Model) + len(r.ResponseContent) + len(r.ReasoningContent) + len(r.Error) + 128
}

// RequestLRU is a bounded, mutex-protected cache of the most recently
// resolved requests' fingerprints, used to back detail queries from the
// dashboard. It evicts oldest-first on both an item-count cap and a soft
// byte-size cap (evicting 10% of capacity once the byte cap is crossed),
// matching the configured resource cap.
type RequestLRU struct {
	mu           sync.Mutex
	order        *list.List
	index        map[string]*list.Element
	itemCap      int
	softByteCap  int
	currentBytes int
}

// NewRequestLRU builds an LRU with the given item cap (default ~10,000
// and a soft byte cap (0 disables byte-based eviction).
func NewRequestLRU(itemCap, softByteCap int) *RequestLRU {
	if itemCap <= 0 {
		itemCap = 10000
	}
	return &RequestLRU{
		order:       list.New(),
		index:       make(map[string]*list.Element),
		itemCap:     itemCap,
		softByteCap: softByteCap,
	}
}

// Put inserts or replaces a record, evicting as needed.
func (l *RequestLRU) Put(rec RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[rec.RequestID]; ok {
		old := el.Value.(*RequestRecord)
		l.currentBytes -= old.approxByteSize()
		l.order.Remove(el)
		delete(l.index, rec.RequestID)
	}

	el := l.order.PushFront(&rec)
	l.index[rec.RequestID] = el
	l.currentBytes += rec.approxByteSize()

	for l.order.Len() > l.itemCap {
		l.evictOldest()
	}

	if l.softByteCap > 0 && l.currentBytes > l.softByteCap {
		evictCount := l.itemCap / 10
		if evictCount < 1 {
			evictCount = 1
		}
		for i := 0; i < evictCount && l.order.Len() > 0; i++ {
			l.evictOldest()
		}
	}
}

func (l *RequestLRU) evictOldest() {
	back := l.order.Back()
	if back == nil {
		return
	}
	old := back.Value.(*RequestRecord)
	l.currentBytes -= old.approxByteSize()
	l.order.Remove(back)
	delete(l.index, old.RequestID)
}

// Get returns the record for a request id, if still retained.
func (l *RequestLRU) Get(requestID string) (RequestRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.index[requestID]
	if !ok {
		return RequestRecord{}, false
	}
	return *el.Value.(*RequestRecord), true
}

// Recent returns up to n of the most recently-resolved records, newest
// first.
func (l *RequestLRU) Recent(n int) []RequestRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RequestRecord, 0, n)
	for el := l.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, *el.Value.(*RequestRecord))
	}
	return out
}

// RequestSink persists one resolved request row; implemented by the
// durable SQLite log (internal/infrastructure/persistence). Best-effort:
// Observability never lets a sink failure affect request handling.
type RequestSink interface {
	WriteRequestLog(rec RequestRecord) error
}

// Observability implements RequestStart/RequestEnd hooks feeding a
// recent-requests LRU, a broadcast fan-out to connected dashboard
// clients, and a best-effort durable log write. Publishes to buffered
// subscriber channels non-blockingly, narrowed to the one event shape
// the dashboard needs instead of a general pub/sub bus.
type Observability struct {
	monitor *Monitor
	lru     *RequestLRU
	sink    RequestSink
	logger  *zap.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}

	inflight sync.Map // requestID -> *RequestRecord
}

// NewObservability wires a Monitor (aggregate counters), a recent-
// requests LRU, and an optional durable sink (nil disables persistence).
func NewObservability(monitor *Monitor, lruItemCap, lruSoftByteCap int, sink RequestSink, logger *zap.Logger) *Observability {
	return &Observability{
		monitor:     monitor,
		lru:         NewRequestLRU(lruItemCap, lruSoftByteCap),
		sink:        sink,
		logger:      logger.With(zap.String("component", "observability")),
		subscribers: make(map[chan []byte]struct{}),
	}
}

// RequestStart records a request's admission.
func (o *Observability) RequestStart(requestID, model string, messagesCount int) {
	o.monitor.IncRequestTotal()
	o.inflight.Store(requestID, &RequestRecord{
		RequestID:     requestID,
		Model:         model,
		StartedAt:     time.Now(),
		MessagesCount: messagesCount,
	})
	o.broadcast(map[string]interface{}{"event": "request_start", "request_id": requestID, "model": model})
}

// RequestEndParams carries everything RequestEnd needs to know about one
// resolved request; optional fields are zero-valued when absent.
type RequestEndParams struct {
	Success          bool
	InputTokens      int
	OutputTokens     int
	Cost             *entity.CostInfo
	ResponseContent  string
	ReasoningContent string
	Err              error
}

// RequestEnd finalizes a request's fingerprint, updates aggregate
// counters, feeds the LRU and dashboard broadcast, and best-effort
// persists a durable log row.
func (o *Observability) RequestEnd(requestID string, p RequestEndParams) {
	var rec RequestRecord
	if v, ok := o.inflight.LoadAndDelete(requestID); ok {
		rec = *v.(*RequestRecord)
	} else {
		rec = RequestRecord{RequestID: requestID, StartedAt: time.Now()}
	}

	rec.EndedAt = time.Now()
	rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	rec.Success = p.Success
	rec.InputTokens = p.InputTokens
	rec.OutputTokens = p.OutputTokens
	rec.Cost = p.Cost
	rec.ResponseContent = p.ResponseContent
	rec.ReasoningContent = p.ReasoningContent
	if p.Err != nil {
		rec.Error = p.Err.Error()
	}

	if p.Success {
		o.monitor.IncRequestSuccess()
	} else {
		o.monitor.IncRequestFailed()
		o.monitor.IncError()
	}
	o.monitor.AddTokensUsed(p.InputTokens + p.OutputTokens)
	o.monitor.RecordRequestLatency(rec.EndedAt.Sub(rec.StartedAt))
	o.monitor.IncModelCall()

	o.lru.Put(rec)
	o.broadcast(rec)

	if o.sink != nil {
		if err := o.sink.WriteRequestLog(rec); err != nil {
			o.logger.Warn("request log write failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
}

// RequestDetail looks up one retained request's full fingerprint.
func (o *Observability) RequestDetail(requestID string) (RequestRecord, bool) {
	return o.lru.Get(requestID)
}

// RecentRequests returns up to n of the most recently-resolved requests.
func (o *Observability) RecentRequests(n int) []RequestRecord {
	return o.lru.Recent(n)
}

// Subscribe registers a dashboard client's broadcast channel; the
// returned function unregisters it. The channel is buffered and
// non-blocking sends are used, so a slow dashboard client drops events
// rather than stalling request handling.
func (o *Observability) Subscribe() (ch chan []byte, unsubscribe func()) {
	ch = make(chan []byte, 32)
	o.mu.Lock()
	o.subscribers[ch] = struct{}{}
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		delete(o.subscribers, ch)
		o.mu.Unlock()
		close(ch)
	}
}

func (o *Observability) broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for ch := range o.subscribers {
		select {
		case ch <- data:
		default:
			o.logger.Debug("dashboard subscriber buffer full, dropping event")
		}
	}
}

package tabs

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
)

// Frame is one inbound tab->server event, demultiplexed onto a
// request's ResponseChannel.
type Frame struct {
	RequestID string
	Data      interface{} // string chunk, "[DONE]", {"error": ...}, or retry_info map
}

// channel is one request's FIFO of frames plus the bookkeeping needed
// to validate sender ownership and support transfer reassignment.
type channel struct {
	frames chan Frame
	owner  string // current owning tab id
	pending *entity.PendingRequest
}

// Broker owns the map of active response channels and the pending
// request metadata needed to reassign them on tab disconnect.
type Broker struct {
	mu       sync.Mutex
	channels map[string]*channel
	release  func(tabID string)
	logger   *zap.Logger
}

// NewBroker constructs an empty broker. release is invoked with the
// current owning tab id exactly once per channel, when the channel is
// destroyed — every terminal path (normal end, cancellation, push of a
// terminal error, stale sweep) funnels through it, so the tab's
// in-flight counter can never leak or double-decrement. Wired to
// Registry.Release; nil disables the callback for tests.
func NewBroker(release func(tabID string), logger *zap.Logger) *Broker {
	return &Broker{
		channels: map[string]*channel{},
		release:  release,
		logger:   logger.With(zap.String("component", "response-broker")),
	}
}

// Open creates a new response channel for a freshly admitted request,
// owned by the tab it was dispatched to.
func (b *Broker) Open(req *entity.PendingRequest, bufSize int) <-chan Frame {
	if bufSize <= 0 {
		bufSize = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := &channel{frames: make(chan Frame, bufSize), owner: req.TabID, pending: req}
	b.channels[req.RequestID] = ch
	return ch.frames
}

// Dispatch routes an inbound tab frame into the channel for its
// request id, if the sender is the current owner or the request allows
// transfers; frames from a non-owning tab without transfer permission
// are discarded with a warning.
func (b *Broker) Dispatch(senderTabID string, f Frame) {
	// The non-blocking send stays under the mutex: closeNow closes the
	// channel under the same lock, so a frame can never race a close.
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[f.RequestID]
	if !ok {
		return
	}

	if ch.owner != senderTabID && !ch.pending.TransferAllowed {
		b.logger.Warn("discarding frame from non-owning tab",
			zap.String("request_id", f.RequestID),
			zap.String("sender_tab", senderTabID),
			zap.String("owner_tab", ch.owner),
		)
		return
	}

	select {
	case ch.frames <- f:
	default:
		b.logger.Warn("response channel full, dropping frame", zap.String("request_id", f.RequestID))
	}
}

// Pending returns the stored PendingRequest metadata for a request id,
// if its channel is still open.
func (b *Broker) Pending(requestID string) (*entity.PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[requestID]
	if !ok {
		return nil, false
	}
	return ch.pending, true
}

// Reassign updates a channel's recorded owner after a successful
// transfer to a new tab.
func (b *Broker) Reassign(requestID, newTabID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[requestID]; ok {
		ch.owner = newTabID
		ch.pending.TabID = newTabID
	}
}

// CloseAfterGrace removes a channel after a 1-second grace window on
// normal completion, allowing any frames already in flight to drain.
func (b *Broker) CloseAfterGrace(requestID string) {
	time.AfterFunc(time.Second, func() {
		b.closeNow(requestID)
	})
}

// CloseNow removes a channel immediately (cancellation path).
func (b *Broker) CloseNow(requestID string) {
	b.closeNow(requestID)
}

func (b *Broker) closeNow(requestID string) {
	b.mu.Lock()
	ch, ok := b.channels[requestID]
	if ok {
		close(ch.frames)
		delete(b.channels, requestID)
	}
	b.mu.Unlock()

	if ok && b.release != nil {
		b.release(ch.owner)
	}
}

// Owner returns the tab currently recorded as owning a request's
// channel, used to address a cancel envelope at the right tab.
func (b *Broker) Owner(requestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[requestID]
	if !ok {
		return "", false
	}
	return ch.owner, true
}

// OwnedBy returns every still-open request id owned by the given tab,
// used by ReassignPending on disconnect.
func (b *Broker) OwnedBy(tabID string) []*entity.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entity.PendingRequest
	for _, ch := range b.channels {
		if ch.owner == tabID {
			out = append(out, ch.pending)
		}
	}
	return out
}

// All returns every still-open PendingRequest, used for recovery on
// reconnect (request-recovery).
func (b *Broker) All() []*entity.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entity.PendingRequest, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch.pending)
	}
	return out
}

// PushTerminal enqueues an error frame followed by "[DONE]" and closes
// the channel immediately — used when a request cannot be reassigned
// further (reassignment exhausted).
func (b *Broker) PushTerminal(requestID string, errMsg string) {
	b.mu.Lock()
	ch, ok := b.channels[requestID]
	if ok {
		select {
		case ch.frames <- Frame{RequestID: requestID, Data: map[string]interface{}{"error": errMsg}}:
		default:
		}
		select {
		case ch.frames <- Frame{RequestID: requestID, Data: "[DONE]"}:
		default:
		}
		close(ch.frames)
		delete(b.channels, requestID)
	}
	b.mu.Unlock()

	if ok && b.release != nil {
		b.release(ch.owner)
	}
}

// Package tabs implements the tab registry and load balancer,
// the response-channel broker, and the WebSocket hub that ties
// browser tabs to the gateway.
package tabs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
	"github.com/llmbridge/gateway/pkg/safego"
)

const defaultTabID = "default"

// Sender is the minimal surface the registry needs to push an envelope
// to a tab; *Client implements it.
type Sender interface {
	Send(v interface{}) error
}

// Registry tracks connected tabs' in-flight counts and selects the
// least-loaded tab for each admission.
type Registry struct {
	mu      sync.Mutex
	tabs    map[string]*entity.TabState
	senders map[string]Sender
	logger  *zap.Logger

	capacityAdvisory int
}

// NewRegistry constructs an empty tab registry.
func NewRegistry(capacityAdvisory int, logger *zap.Logger) *Registry {
	if capacityAdvisory <= 0 {
		capacityAdvisory = 6
	}
	return &Registry{
		tabs:             map[string]*entity.TabState{},
		senders:          map[string]Sender{},
		logger:           logger.With(zap.String("component", "tab-registry")),
		capacityAdvisory: capacityAdvisory,
	}
}

// Connect registers a newly accepted tab. An empty id is promoted to
// the default slot for legacy single-tab clients.
func (r *Registry) Connect(tabID string, sender Sender) string {
	if tabID == "" {
		tabID = defaultTabID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[tabID] = &entity.TabState{TabID: tabID, ConnectedAt: time.Now()}
	r.senders[tabID] = sender
	return tabID
}

// Disconnect removes a tab's accounting. No remaining tab is promoted
// to the default slot. Returns the residual in-flight count (for
// logging) and whether the tab existed.
func (r *Registry) Disconnect(tabID string) (residual int, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.tabs[tabID]
	if !ok {
		return 0, false
	}
	residual = state.InFlightCount
	delete(r.tabs, tabID)
	delete(r.senders, tabID)
	return residual, true
}

// Count returns the number of currently connected tabs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// SelectBestTab picks the tab with the lowest in-flight count, increments
// its counter, and returns its id and sender. The selection is bounded
// by its own 5-second timeout (a tab-lock-timeout error) and by ctx; an
// empty registry yields a no-tab-connected error.
func (r *Registry) SelectBestTab(ctx context.Context) (string, Sender, error) {
	type result struct {
		tabID  string
		sender Sender
		err    error
	}

	done := make(chan result, 1)
	safego.Go(r.logger, "tab-select", func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if len(r.tabs) == 0 {
			done <- result{err: apperrors.NewNoTabConnectedError("no browser tab connected")}
			return
		}

		var bestID string
		best := -1
		for id, state := range r.tabs {
			if best == -1 || state.InFlightCount < best {
				best = state.InFlightCount
				bestID = id
			}
		}

		r.tabs[bestID].InFlightCount++
		if r.tabs[bestID].InFlightCount > r.capacityAdvisory {
			r.logger.Warn("tab exceeded advisory capacity",
				zap.String("tab_id", bestID),
				zap.Int("in_flight", r.tabs[bestID].InFlightCount),
			)
		}
		done <- result{tabID: bestID, sender: r.senders[bestID]}
	})

	select {
	case res := <-done:
		if res.err != nil {
			return "", nil, res.err
		}
		return res.tabID, res.sender, nil
	case <-time.After(5 * time.Second):
		return "", nil, apperrors.NewTabLockTimeoutError("tab selection timed out")
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Release decrements a tab's in-flight count, clamped at zero.
func (r *Registry) Release(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.tabs[tabID]
	if !ok {
		return
	}
	if state.InFlightCount > 0 {
		state.InFlightCount--
	}
}

// InFlightTotal sums in-flight counts across all tabs (used by
// invariant checks and the dashboard).
func (r *Registry) InFlightTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, state := range r.tabs {
		total += state.InFlightCount
	}
	return total
}

// Sender returns the send surface for a connected tab, used to address
// control envelopes (cancel_request) at a specific tab rather than
// broadcasting.
func (r *Registry) Sender(tabID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.senders[tabID]
	return s, ok
}

// Connected reports whether the given tab currently has a live
// WebSocket.
func (r *Registry) Connected(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tabs[tabID]
	return ok
}

// AnyConnected reports whether at least one tab is currently connected.
func (r *Registry) AnyConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs) > 0
}

package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/pkg/safego"
)

// Refresher tells the owning browser tab to reload, used once per
// challenge detection.
type Refresher interface {
	Refresh()
}

// VerificationFSM is the process-wide human-verification cool-down
// state machine: a mutex-guarded phase plus a deadline, specialized to
// the three states it actually has.
type VerificationFSM struct {
	mu       sync.Mutex
	phase    entity.VerificationPhase
	deadline time.Time
	cooldown time.Duration
	skew     time.Duration
	refresher Refresher
	logger   *zap.Logger
}

// NewVerificationFSM constructs the FSM in the IDLE state. skew is
// subtracted from the remaining cool-down only in the client-visible
// value Admissible reports, never from the FSM's own deadline or phase
// transitions; see Admissible.
func NewVerificationFSM(cooldown, skew time.Duration, refresher Refresher, logger *zap.Logger) *VerificationFSM {
	if cooldown <= 0 {
		cooldown = 25 * time.Second
	}
	if skew < 0 {
		skew = 0
	}
	return &VerificationFSM{
		phase:     entity.VerificationIdle,
		cooldown:  cooldown,
		skew:      skew,
		refresher: refresher,
		logger:    logger.With(zap.String("component", "verification-fsm")),
	}
}

// OnChallengeDetected transitions IDLE -> REFRESHING, schedules the
// COOLDOWN period, and triggers exactly one browser refresh per
// challenge episode (repeated detections while non-IDLE are no-ops).
func (f *VerificationFSM) OnChallengeDetected() {
	f.mu.Lock()
	if f.phase != entity.VerificationIdle {
		f.mu.Unlock()
		return
	}
	f.phase = entity.VerificationRefreshing
	f.deadline = time.Now().Add(f.cooldown)
	f.mu.Unlock()

	f.logger.Warn("human-verification challenge detected, entering cool-down")
	if f.refresher != nil {
		f.refresher.Refresh()
	}

	f.mu.Lock()
	f.phase = entity.VerificationCooldown
	f.mu.Unlock()

	safego.Go(f.logger, "verification-cooldown-timer", func() {
		time.Sleep(f.cooldown)
		f.mu.Lock()
		if time.Now().After(f.deadline) || time.Now().Equal(f.deadline) {
			f.phase = entity.VerificationIdle
		}
		f.mu.Unlock()
	})
}

// OnTabConnected clears the FSM back to IDLE — a fresh tab connection is
// evidence the challenge was resolved.
func (f *VerificationFSM) OnTabConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = entity.VerificationIdle
}

// Status reports the current phase and, if non-IDLE, the remaining
// cool-down in seconds (never negative).
func (f *VerificationFSM) Status() (entity.VerificationPhase, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == entity.VerificationIdle {
		return f.phase, 0
	}
	remaining := int(time.Until(f.deadline).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return f.phase, remaining
}

// Admissible reports whether a new tab-path request may be admitted,
// and the seconds remaining as shown to the caller. The client-visible
// value has the configured skew subtracted (floored at zero) from the
// FSM's own remaining cool-down; the skew applies only to the message
// a client sees, never to the deadline that governs the IDLE
// transition.
func (f *VerificationFSM) Admissible() (bool, int) {
	phase, remaining := f.Status()
	clientRemaining := remaining - int(f.skew.Seconds())
	if clientRemaining < 0 {
		clientRemaining = 0
	}
	return phase == entity.VerificationIdle, clientRemaining
}

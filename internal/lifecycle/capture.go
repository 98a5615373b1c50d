package lifecycle

import (
	"sync"
	"time"
)

// CaptureState tracks the id-capture helper's admin-captured-ids record:
// one in-flight capture session, cleared and reopened each time an
// operator starts a new capture from the dashboard.
type CaptureState struct {
	mu           sync.Mutex
	sessionID    string
	messageID    string
	mode         string
	battleTarget string
	timestamp    time.Time
}

// NewCaptureState constructs an empty capture record.
func NewCaptureState() *CaptureState {
	return &CaptureState{}
}

// Start clears any previous capture and records the mode/target for a
// freshly activated capture episode.
func (c *CaptureState) Start(mode, battleTarget string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.messageID = ""
	c.mode = mode
	c.battleTarget = battleTarget
	c.timestamp = time.Time{}
}

// Receive records a captured session/message id pair from the
// tampermonkey helper.
func (c *CaptureState) Receive(sessionID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.messageID = messageID
	c.timestamp = time.Now()
}

// Status reports the current capture record for the status-polling
// endpoint.
func (c *CaptureState) Status() (captured bool, sessionID, messageID, mode, battleTarget string, timestamp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != "", c.sessionID, c.messageID, c.mode, c.battleTarget, c.timestamp
}

// Snapshot returns the current record for persisting as a model binding;
// ok is false if no session id has been captured yet.
func (c *CaptureState) Snapshot() (sessionID, mode, battleTarget string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.mode, c.battleTarget, c.sessionID != ""
}

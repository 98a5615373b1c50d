package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureState_StartClearsPriorCapture(t *testing.T) {
	c := NewCaptureState()
	c.Receive("old-session", "old-message")

	c.Start("battle", "b")

	captured, sessionID, messageID, mode, battleTarget, _ := c.Status()
	assert.False(t, captured, "no session id captured immediately after Start")
	assert.Empty(t, sessionID)
	assert.Empty(t, messageID)
	assert.Equal(t, "battle", mode)
	assert.Equal(t, "b", battleTarget)
}

func TestCaptureState_ReceiveRecordsSessionAndMessage(t *testing.T) {
	c := NewCaptureState()
	c.Start("direct_chat", "a")
	c.Receive("sess-123", "msg-456")

	captured, sessionID, messageID, _, _, timestamp := c.Status()
	require.True(t, captured)
	assert.Equal(t, "sess-123", sessionID)
	assert.Equal(t, "msg-456", messageID)
	assert.False(t, timestamp.IsZero(), "expected a non-zero timestamp after Receive")
}

func TestCaptureState_SnapshotReportsOkFalseBeforeCapture(t *testing.T) {
	c := NewCaptureState()
	_, _, _, ok := c.Snapshot()
	assert.False(t, ok)
}

func TestCaptureState_SnapshotAfterReceive(t *testing.T) {
	c := NewCaptureState()
	c.Start("battle", "a")
	c.Receive("sess-abc", "")

	sessionID, mode, battleTarget, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "sess-abc", sessionID)
	assert.Equal(t, "battle", mode)
	assert.Equal(t, "a", battleTarget)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/tabs"
)

// startIDCaptureRequest is the optional body for POST
// /internal/start_id_capture; both fields default when omitted.
type startIDCaptureRequest struct {
	Mode         string `json:"mode"`
	BattleTarget string `json:"battle_target"`
}

// StartIDCapture activates the tampermonkey helper's id-capture mode on
// every connected tab and resets the admin-captured-ids record.
func (h *OpenAIHandler) StartIDCapture(c *gin.Context) {
	if h.hub.ActiveTabCount() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "no browser tab connected"})
		return
	}

	var body startIDCaptureRequest
	_ = c.ShouldBindJSON(&body)
	if body.Mode == "" {
		body.Mode = "direct_chat"
	}
	if body.BattleTarget == "" {
		body.BattleTarget = "A"
	}

	h.capture.Start(body.Mode, body.BattleTarget)
	h.hub.BroadcastCommand(tabs.OutboundCommand{
		Command:      "activate_id_capture",
		Mode:         body.Mode,
		BattleTarget: body.BattleTarget,
	})

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       "id capture activated",
		"mode":          body.Mode,
		"battle_target": body.BattleTarget,
	})
}

type receiveCapturedIDsRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// ReceiveCapturedIDs records the session/message id pair the
// tampermonkey helper captured from the page.
func (h *OpenAIHandler) ReceiveCapturedIDs(c *gin.Context) {
	var body receiveCapturedIDsRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "missing sessionId"})
		return
	}
	h.capture.Receive(body.SessionID, body.MessageID)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "session id captured"})
}

// CaptureStatus reports the current admin-captured-ids record for the
// dashboard's polling loop.
func (h *OpenAIHandler) CaptureStatus(c *gin.Context) {
	captured, sessionID, messageID, mode, battleTarget, timestamp := h.capture.Status()
	resp := gin.H{
		"captured":      captured,
		"session_id":    sessionID,
		"message_id":    messageID,
		"mode":          mode,
		"battle_target": battleTarget,
	}
	if !timestamp.IsZero() {
		resp["timestamp"] = timestamp.Unix()
	}
	c.JSON(http.StatusOK, resp)
}

type saveCapturedModelRequest struct {
	ModelName string `json:"model_name"`
	ModelType string `json:"model_type"`
}

// SaveCapturedModel persists the current capture record as a new model
// binding in the endpoint map and forces a config reload.
func (h *OpenAIHandler) SaveCapturedModel(c *gin.Context) {
	var body saveCapturedModelRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.ModelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "missing model_name"})
		return
	}

	sessionID, mode, battleTarget, ok := h.capture.Snapshot()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "no captured session id available"})
		return
	}

	binding := entity.SessionBinding{
		SessionID: sessionID,
		Mode:      entity.SessionMode(mode),
	}
	if body.ModelType != "" && body.ModelType != "text" {
		binding.Type = entity.SessionType(body.ModelType)
	}
	if binding.Mode == entity.SessionModeBattle && battleTarget != "" {
		binding.BattleTarget = entity.BattleTarget(battleTarget)
	}

	if err := h.store.SaveCapturedModel(body.ModelName, binding); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "model saved",
		"model_name": body.ModelName,
	})
}

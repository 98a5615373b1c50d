package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/responder"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
)

// GenerateContentDispatch handles POST /v1beta/models/<modelAction>, where
// modelAction is "<model>:generateContent" or
// "<model>:streamGenerateContent" — Gemini's own URL shape folds the verb
// into the model path segment, so gin's single wildcard param is split
// here rather than expressed as two route patterns.
func (h *OpenAIHandler) GenerateContentDispatch(c *gin.Context) {
	modelAction := c.Param("modelAction")
	idx := strings.LastIndexByte(modelAction, ':')
	if idx < 0 {
		c.JSON(http.StatusBadRequest, geminiError(http.StatusBadRequest, "missing :generateContent suffix"))
		return
	}
	model, action := modelAction[:idx], modelAction[idx+1:]

	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		c.JSON(http.StatusNotFound, geminiError(http.StatusNotFound, fmt.Sprintf("unknown action %q", action)))
		return
	}

	h.handleGeminiInbound(c, model, stream)
}

func (h *OpenAIHandler) handleGeminiInbound(c *gin.Context, model string, stream bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, geminiError(http.StatusBadRequest, err.Error()))
		return
	}

	req, err := parseGeminiRequest(raw, model, stream)
	if err != nil {
		c.JSON(http.StatusBadRequest, geminiError(http.StatusBadRequest, err.Error()))
		return
	}

	binding, ok := h.store.GetEndpoint(model)
	if !ok {
		c.JSON(http.StatusNotFound, geminiError(http.StatusNotFound, fmt.Sprintf("unknown model %q", model)))
		return
	}

	if h.watchdog != nil {
		h.watchdog.Touch()
	}

	requestID := entity.NewRequestID()
	h.obs.RequestStart(requestID, model, len(req.Messages))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, _, err := h.dispatch(ctx, requestID, req, binding)
	if err != nil {
		h.finishWithError(requestID, err)
		c.JSON(http.StatusBadGateway, geminiError(http.StatusBadGateway, err.Error()))
		return
	}

	var outcome geminiOutcome
	if stream {
		outcome = streamGeminiResponse(c, events, cancel)
	} else {
		outcome = collectGeminiResponse(c, events, cancel)
	}

	if outcome.usage.PromptTokens == 0 && outcome.success {
		outcome.usage.PromptTokens = h.respond.CountPromptTokens(model, req.Messages)
		outcome.usage.TotalTokens = outcome.usage.PromptTokens + outcome.usage.CompletionTokens
	}

	h.finishOutcome(requestID, binding, outcome.asResponderOutcome())
}

// parseGeminiRequest reverses buildGeminiBody: Gemini contents[] (with
// systemInstruction promoted to a leading system message) become OpenAI
// chat messages.
func parseGeminiRequest(raw []byte, model string, stream bool) (*translator.ChatCompletionRequest, error) {
	req := &translator.ChatCompletionRequest{Model: model, Stream: stream}

	if sysText := gjson.GetBytes(raw, "systemInstruction.parts.0.text").String(); sysText != "" {
		req.Messages = append(req.Messages, translator.ChatMessage{Role: "system", Content: sysText})
	}

	for _, content := range gjson.GetBytes(raw, "contents").Array() {
		role := "user"
		if content.Get("role").String() == "model" {
			role = "assistant"
		}
		var text string
		for _, part := range content.Get("parts").Array() {
			text += part.Get("text").String()
		}
		req.Messages = append(req.Messages, translator.ChatMessage{Role: role, Content: text})
	}

	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("contents must not be empty")
	}
	return req, nil
}

// geminiOutcome accumulates what a Gemini-shaped response render needs
// to report back to observability, mirroring responder.Outcome.
type geminiOutcome struct {
	success      bool
	usage        entity.Usage
	responseText string
	err          error
}

func (o geminiOutcome) asResponderOutcome() responder.Outcome {
	return responder.Outcome{
		Success:         o.success,
		Usage:           o.usage,
		ResponseContent: o.responseText,
		Err:             o.err,
	}
}

func geminiError(code int, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message, "status": "INVALID_ARGUMENT"}}
}

// collectGeminiResponse drains events into a single Gemini
// GenerateContentResponse JSON body.
func collectGeminiResponse(c *gin.Context, events <-chan streamparser.Event, cancel context.CancelFunc) geminiOutcome {
	var text string
	var finish string
	var usage entity.Usage
	var failed error

	for ev := range events {
		switch ev.Kind {
		case streamparser.EventContent:
			text += ev.Text
		case streamparser.EventFinish:
			finish = ev.FinishReason
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case streamparser.EventError:
			failed = ev.Err
		}
	}
	cancel()

	if failed != nil {
		c.JSON(http.StatusBadGateway, geminiError(http.StatusBadGateway, failed.Error()))
		return geminiOutcome{success: false, err: failed}
	}
	if finish == "" {
		finish = "stop"
	}

	body := []byte("{}")
	body, _ = sjson.SetBytes(body, "candidates.0.content.parts.0.text", text)
	body, _ = sjson.SetBytes(body, "candidates.0.content.role", "model")
	body, _ = sjson.SetBytes(body, "candidates.0.finishReason", geminiFinishReason(finish))
	body, _ = sjson.SetBytes(body, "usageMetadata.promptTokenCount", usage.PromptTokens)
	body, _ = sjson.SetBytes(body, "usageMetadata.candidatesTokenCount", usage.CompletionTokens)
	body, _ = sjson.SetBytes(body, "usageMetadata.totalTokenCount", usage.TotalTokens)

	c.Data(http.StatusOK, "application/json", body)
	return geminiOutcome{success: true, usage: usage, responseText: text}
}

// streamGeminiResponse re-renders the event stream as "data: {...}\n\n"
// SSE chunks in Gemini's streamGenerateContent shape.
func streamGeminiResponse(c *gin.Context, events <-chan streamparser.Event, cancel context.CancelFunc) geminiOutcome {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	w := bufio.NewWriter(c.Writer)
	flusher, _ := c.Writer.(http.Flusher)

	var full string
	var usage entity.Usage
	var failed error

	for ev := range events {
		switch ev.Kind {
		case streamparser.EventContent:
			full += ev.Text
			chunk := []byte("{}")
			chunk, _ = sjson.SetBytes(chunk, "candidates.0.content.parts.0.text", ev.Text)
			chunk, _ = sjson.SetBytes(chunk, "candidates.0.content.role", "model")
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			w.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		case streamparser.EventFinish:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			finish := ev.FinishReason
			if finish == "" {
				finish = "stop"
			}
			chunk := []byte("{}")
			chunk, _ = sjson.SetBytes(chunk, "candidates.0.finishReason", geminiFinishReason(finish))
			chunk, _ = sjson.SetBytes(chunk, "usageMetadata.promptTokenCount", usage.PromptTokens)
			chunk, _ = sjson.SetBytes(chunk, "usageMetadata.candidatesTokenCount", usage.CompletionTokens)
			chunk, _ = sjson.SetBytes(chunk, "usageMetadata.totalTokenCount", usage.TotalTokens)
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			w.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		case streamparser.EventError:
			failed = ev.Err
		}
	}
	cancel()

	return geminiOutcome{success: failed == nil, usage: usage, responseText: full, err: failed}
}

// geminiFinishReason maps the gateway's internal OpenAI-vocabulary finish
// reason back to Gemini's, the inverse of directupstream's finishReasonMap.
func geminiFinishReason(openAIReason string) string {
	switch openAIReason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// Package responder turns a stream of streamparser.Event values into an
// OpenAI-compatible HTTP response, either as Server-Sent Events or as a
// single accumulated JSON object. It is the single point that knows both
// wire shapes.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
)

// ChatCompletionResponse mirrors OpenAI's non-streaming response shape.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *entity.Usage `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatStreamChunk mirrors OpenAI's "chat.completion.chunk" SSE payload.
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
	Usage   *entity.Usage      `json:"usage,omitempty"`
}

type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type ChatStreamDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ErrorResponse is the OpenAI-shaped error envelope used both for
// translation/admission failures and for mid-stream parser errors.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ReasoningMode picks how reasoning events are surfaced.
type ReasoningMode string

const (
	ReasoningModeOpenAI    ReasoningMode = "openai"
	ReasoningModeThinkTag  ReasoningMode = "think_tag"
)

// Tokenizer estimates token counts when upstream usage is absent.
type Tokenizer interface {
	Count(model, text string) int
}

// Outcome is reported once a stream or non-stream response has fully
// resolved, win or lose; the caller (the HTTP handler) forwards it to the
// observability surface.
type Outcome struct {
	Success          bool
	Usage            entity.Usage
	ResponseContent  string
	ReasoningContent string
	FinishReason     string
	Err              error
}

// Responder renders streamparser.Event values as OpenAI wire format.
type Responder struct {
	tokenizer Tokenizer
	logger    *zap.Logger
}

func New(tokenizer Tokenizer, logger *zap.Logger) *Responder {
	return &Responder{tokenizer: tokenizer, logger: logger.With(zap.String("component", "responder"))}
}

// CountPromptTokens estimates the input-token cost of a request's
// messages under the model's configured tokenizer, used when the
// upstream never reports its own usage.
func (r *Responder) CountPromptTokens(model string, messages []translator.ChatMessage) int {
	if r.tokenizer == nil {
		return 0
	}
	var b strings.Builder
	for _, m := range messages {
		text, _ := translator.ContentParts(m.Content)
		b.WriteString(m.Role)
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return r.tokenizer.Count(model, b.String())
}

// StreamSSE consumes events and writes one SSE event per delta, honoring
// the configured reasoning mode, until a finish/error event or the
// channel closes. It always terminates the wire with exactly one
// "data: [DONE]\n\n" line, satisfying testable property #10. Returns the
// accumulated Outcome for the caller's observability hook.
func (r *Responder) StreamSSE(ctx context.Context, c *gin.Context, model, requestID string, promptTokens int, events <-chan streamparser.Event, mode ReasoningMode, cancel context.CancelFunc) Outcome {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	created := time.Now().Unix()
	completionID := "chatcmpl-" + requestID

	var content strings.Builder
	var reasoning strings.Builder
	reasoningOpen := false
	firstChunkSent := false

	outcome := Outcome{}

	clientGone := c.Writer.CloseNotify()

	for {
		select {
		case <-clientGone:
			r.logger.Warn("client disconnected mid-stream", zap.String("request_id", requestID))
			cancel()
			outcome.Success = false
			outcome.Err = fmt.Errorf("client disconnected")
			outcome.ResponseContent = content.String()
			outcome.ReasoningContent = reasoning.String()
			return outcome

		case ev, ok := <-events:
			if !ok {
				outcome.Success = outcome.Err == nil
				outcome.ResponseContent = content.String()
				outcome.ReasoningContent = reasoning.String()
				r.writeDone(c)
				return outcome
			}

			switch ev.Kind {
			case streamparser.EventReasoning:
				reasoning.WriteString(ev.Text)
				if mode == ReasoningModeThinkTag {
					// Buffered and emitted as a prefix on the first
					// content token below; nothing streamed yet.
					reasoningOpen = true
					continue
				}
				r.writeChunk(c, completionID, model, created, ChatStreamDelta{ReasoningContent: ev.Text}, nil, !firstChunkSent)
				firstChunkSent = true

			case streamparser.EventReasoningEnd:
				continue

			case streamparser.EventContent:
				delta := ev.Text
				if mode == ReasoningModeThinkTag && reasoningOpen {
					delta = "<think>" + reasoning.String() + "</think>" + delta
					reasoningOpen = false
				}
				content.WriteString(ev.Text)
				r.writeChunk(c, completionID, model, created, ChatStreamDelta{Content: delta}, nil, !firstChunkSent)
				firstChunkSent = true

			case streamparser.EventImage:
				content.WriteString(ev.ImageURL)
				r.writeChunk(c, completionID, model, created, ChatStreamDelta{Content: ev.ImageURL}, nil, !firstChunkSent)
				firstChunkSent = true

			case streamparser.EventFinish:
				if mode == ReasoningModeThinkTag && reasoningOpen {
					// Reasoning-only stream: the think block never got a
					// content token to ride on, so flush it on its own.
					r.writeChunk(c, completionID, model, created, ChatStreamDelta{Content: "<think>" + reasoning.String() + "</think>"}, nil, !firstChunkSent)
					firstChunkSent = true
					reasoningOpen = false
				}
				usage := r.resolveUsage(ev.Usage, model, content.String(), promptTokens)
				reason := ev.FinishReason
				if reason == "" {
					reason = "stop"
				}
				r.writeChunk(c, completionID, model, created, ChatStreamDelta{}, &reason, false)
				r.writeUsageChunk(c, completionID, model, created, usage)
				outcome.Success = true
				outcome.Usage = usage
				outcome.FinishReason = reason
				outcome.ResponseContent = content.String()
				outcome.ReasoningContent = reasoning.String()
				r.writeDone(c)
				return outcome

			case streamparser.EventError:
				r.writeErrorChunk(c, ev.Err)
				outcome.Success = false
				outcome.Err = ev.Err
				outcome.ResponseContent = content.String()
				outcome.ReasoningContent = reasoning.String()
				r.writeDone(c)
				return outcome
			}
		}
	}
}

func (r *Responder) writeChunk(c *gin.Context, id, model string, created int64, delta ChatStreamDelta, finishReason *string, withRole bool) {
	if withRole {
		delta.Role = "assistant"
	}
	chunk := ChatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatStreamChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	r.write(c, chunk)
}

func (r *Responder) writeUsageChunk(c *gin.Context, id, model string, created int64, usage entity.Usage) {
	chunk := ChatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatStreamChoice{},
		Usage:   &usage,
	}
	r.write(c, chunk)
}

func (r *Responder) writeErrorChunk(c *gin.Context, err error) {
	msg := "upstream error"
	if err != nil {
		msg = err.Error()
	}
	r.write(c, ErrorResponse{Error: ErrorBody{Message: msg, Type: "upstream_error"}})
}

func (r *Responder) write(c *gin.Context, v interface{}) {
	// HTML escaping is off so think-tag content reaches the wire as
	// literal <think>…</think> rather than as JSON unicode escapes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		r.logger.Error("marshal SSE chunk failed", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", bytes.TrimRight(buf.Bytes(), "\n"))
	c.Writer.Flush()
}

func (r *Responder) writeDone(c *gin.Context) {
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// Collect runs the non-streaming mode: it drains events to completion and
// writes a single JSON response.
func (r *Responder) Collect(ctx context.Context, c *gin.Context, model, requestID string, promptTokens int, events <-chan streamparser.Event, cancel context.CancelFunc) Outcome {
	var content strings.Builder
	var reasoning strings.Builder
	finishReason := "stop"
	var usage entity.Usage
	var finalErr error

	clientGone := c.Writer.CloseNotify()

drain:
	for {
		select {
		case <-clientGone:
			cancel()
			finalErr = fmt.Errorf("client disconnected")
			break drain
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			switch ev.Kind {
			case streamparser.EventContent:
				content.WriteString(ev.Text)
			case streamparser.EventReasoning:
				reasoning.WriteString(ev.Text)
			case streamparser.EventImage:
				content.WriteString(ev.ImageURL)
			case streamparser.EventFinish:
				if ev.FinishReason != "" {
					finishReason = ev.FinishReason
				}
				if ev.Usage != nil {
					usage = *ev.Usage
				}
			case streamparser.EventError:
				finalErr = ev.Err
				break drain
			}
		}
	}

	if usage.TotalTokens == 0 {
		usage = r.resolveUsage(nil, model, content.String(), promptTokens)
	}

	if finalErr != nil {
		c.JSON(500, ErrorResponse{Error: ErrorBody{Message: finalErr.Error(), Type: "upstream_error"}})
		return Outcome{Success: false, Err: finalErr, ResponseContent: content.String(), ReasoningContent: reasoning.String()}
	}

	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: ChatMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: finishReason,
		}},
		Usage: &usage,
	}
	c.JSON(200, resp)

	return Outcome{
		Success:          true,
		Usage:            usage,
		ResponseContent:  content.String(),
		ReasoningContent: reasoning.String(),
		FinishReason:     finishReason,
	}
}

// resolveUsage prefers upstream-reported usage; otherwise estimates the
// completion side via the configured tokenizer over the accumulated
// content and carries the precomputed prompt-token count.
func (r *Responder) resolveUsage(reported *entity.Usage, model, content string, promptTokens int) entity.Usage {
	if reported != nil && reported.TotalTokens > 0 {
		return *reported
	}
	if r.tokenizer == nil {
		return entity.Usage{PromptTokens: promptTokens, TotalTokens: promptTokens}
	}
	out := r.tokenizer.Count(model, content)
	return entity.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: out,
		TotalTokens:      promptTokens + out,
	}
}

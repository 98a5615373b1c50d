package directupstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
	"github.com/llmbridge/gateway/pkg/safego"
)

// dispatchOpenAI implements the OpenAI-compatible passthrough branch:
// the augmented request body is posted verbatim to
// <api_base_url>/chat/completions, with the first chunk pre-read to
// sniff a JSON error before committing to a stream.
func (c *Connector) dispatchOpenAI(ctx context.Context, req *translator.ChatCompletionRequest, binding entity.SessionBinding) (<-chan streamparser.Event, error) {
	body, err := c.buildOpenAIBody(req, binding)
	if err != nil {
		return nil, apperrors.NewDirectAPIError("build request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(binding.APIBaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewDirectAPIError("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+binding.APIKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewDirectAPIError("upstream request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, translateOpenAIErrorStatus(resp.StatusCode, raw)
	}

	if !req.Stream {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.NewDirectAPIError("read response", err)
		}
		return nonStreamEventsFromOpenAI(raw), nil
	}

	out := make(chan streamparser.Event, 16)
	safego.Go(c.logger, "openai-stream-pump", func() { c.streamOpenAI(ctx, resp.Body, binding, out) })
	return out, nil
}

// buildOpenAIBody marshals the request and layers on the optional
// pre-processing needed: upstream model-id substitution, custom_params
// merge, last-assistant-message prefix continuation, and a
// thinkingConfig.thinkingBudget hint. sjson's path-based surgery avoids
// a second struct definition solely for these optional fields.
func (c *Connector) buildOpenAIBody(req *translator.ChatCompletionRequest, binding entity.SessionBinding) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if binding.ModelID != "" {
		body, err = sjson.SetBytes(body, "model", binding.ModelID)
		if err != nil {
			return nil, fmt.Errorf("set upstream model id: %w", err)
		}
	}

	for k, v := range binding.CustomParams {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, fmt.Errorf("merge custom_params[%s]: %w", k, err)
		}
	}

	if binding.EnablePrefix {
		messages := gjson.GetBytes(body, "messages").Array()
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Get("role").String() == "assistant" {
				body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.prefix", i), true)
				if err != nil {
					return nil, fmt.Errorf("set prefix flag: %w", err)
				}
				break
			}
		}
	}

	if binding.EnableThinking {
		budget := binding.ThinkingBudget
		body, err = sjson.SetBytes(body, "thinkingConfig.thinkingBudget", budget)
		if err != nil {
			return nil, fmt.Errorf("set thinkingConfig.thinkingBudget: %w", err)
		}
	}

	return body, nil
}

// translateOpenAIErrorStatus maps an upstream non-200 JSON error body's
// declared error type to an HTTP status.
func translateOpenAIErrorStatus(status int, raw []byte) error {
	errType := gjson.GetBytes(raw, "error.type").String()
	message := gjson.GetBytes(raw, "error.message").String()
	if message == "" {
		message = string(raw)
	}

	switch errType {
	case "invalid_request_error":
		return apperrors.NewDirectAPIErrorWithStatus(400, message)
	case "authentication_error":
		return apperrors.NewDirectAPIErrorWithStatus(401, message)
	case "permission_error":
		return apperrors.NewDirectAPIErrorWithStatus(403, message)
	default:
		return apperrors.NewDirectAPIErrorWithStatus(500, message)
	}
}

func nonStreamEventsFromOpenAI(raw []byte) <-chan streamparser.Event {
	out := make(chan streamparser.Event, 4)
	go func() {
		content := gjson.GetBytes(raw, "choices.0.message.content").String()
		reasoning := gjson.GetBytes(raw, "choices.0.message.reasoning_content").String()
		finish := gjson.GetBytes(raw, "choices.0.finish_reason").String()

		if reasoning != "" {
			out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: reasoning}
		}
		if content != "" {
			out <- streamparser.Event{Kind: streamparser.EventContent, Text: content}
		}

		usage := &entity.Usage{
			PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
			TotalTokens:      int(gjson.GetBytes(raw, "usage.total_tokens").Int()),
			ReasoningTokens:  int(gjson.GetBytes(raw, "usage.reasoning_tokens").Int()),
		}
		out <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: finish, Usage: usage}
		close(out)
	}()
	return out
}

// streamOpenAI parses the upstream's own "data: {...}" SSE lines and
// re-emits each delta as a
// streamparser.Event, applying the optional thinking-separator split: the
// first occurrence of binding.ThinkingSeparator in the accumulated
// content splits everything before it to reasoning and everything after
// to content, tracked by an output cursor so no byte is ever emitted
// under both kinds.
func (c *Connector) streamOpenAI(ctx context.Context, body io.ReadCloser, binding entity.SessionBinding, out chan streamparser.Event) {
	defer close(out)
	defer body.Close()

	reader := bufio.NewReaderSize(body, 64*1024)

	// Pre-read: some upstreams return 200 and put the error object in
	// the body. Peek at the first bytes before committing to SSE.
	if peeked, err := reader.Peek(1); err == nil && len(peeked) == 1 && peeked[0] == '{' {
		raw, _ := io.ReadAll(reader)
		out <- streamparser.Event{Kind: streamparser.EventError, Err: translateOpenAIErrorStatus(http.StatusOK, raw)}
		return
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var acc strings.Builder
	splitDone := binding.ThinkingSeparator == ""
	emitted := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return
		}

		delta := gjson.Get(payload, "choices.0.delta.content").String()
		reasoningDelta := gjson.Get(payload, "choices.0.delta.reasoning_content").String()
		finish := gjson.Get(payload, "choices.0.finish_reason").String()

		if reasoningDelta != "" {
			out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: reasoningDelta}
		}

		if delta != "" {
			if splitDone {
				out <- streamparser.Event{Kind: streamparser.EventContent, Text: delta}
			} else {
				acc.WriteString(delta)
				full := acc.String()
				if idx := strings.Index(full, binding.ThinkingSeparator); idx >= 0 {
					reasoningPart := full[emitted:idx]
					contentPart := full[idx+len(binding.ThinkingSeparator):]
					if reasoningPart != "" {
						out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: reasoningPart}
					}
					if contentPart != "" {
						out <- streamparser.Event{Kind: streamparser.EventContent, Text: contentPart}
					}
					emitted = len(full)
					splitDone = true
				} else {
					// Separator not seen yet. Withhold the trailing
					// len(separator) bytes of the accumulator: the upstream
					// may have split the separator literal across this
					// chunk and the next one (e.g. "...B\n--" then
					// "-\nfinal answer"), and an SSE delta already sent to
					// the client can't be retracted once the separator
					// shows up whole next time.
					sepLen := len(binding.ThinkingSeparator)
					safePos := len(full) - sepLen
					if safePos < emitted {
						safePos = emitted
					}
					if reasoningPart := full[emitted:safePos]; reasoningPart != "" {
						out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: reasoningPart}
					}
					emitted = safePos
				}
			}
		}

		if finish != "" {
			flushWithheld(&acc, &emitted, out)
			usage := usageFromJSON(payload)
			out <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: finish, Usage: usage}
			return
		}
	}

	flushWithheld(&acc, &emitted, out)
	if err := scanner.Err(); err != nil {
		out <- streamparser.Event{Kind: streamparser.EventError, Err: err}
	}
}

// flushWithheld emits whatever trailing bytes the separator-withholding
// guard above held back, once the stream is known to be ending (finish
// token or EOF) and the separator is confirmed never to arrive. Only
// meaningful when the separator never matched; once it has, emitted
// already tracks the full accumulator and there is nothing left to flush.
func flushWithheld(acc *strings.Builder, emitted *int, out chan streamparser.Event) {
	full := acc.String()
	if rest := full[*emitted:]; rest != "" {
		out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: rest}
	}
	*emitted = len(full)
}

func usageFromJSON(payload string) *entity.Usage {
	u := gjson.Get(payload, "usage")
	if !u.Exists() {
		return nil
	}
	return &entity.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("reasoning_tokens").Int()),
	}
}

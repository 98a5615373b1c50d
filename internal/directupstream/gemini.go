package directupstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
	"github.com/llmbridge/gateway/pkg/safego"
)

// finishReasonMap translates Gemini's finishReason vocabulary to
// OpenAI's.
var finishReasonMap = map[string]string{
	"STOP":       "stop",
	"MAX_TOKENS": "length",
	"SAFETY":     "content_filter",
	"RECITATION": "content_filter",
}

func mapFinishReason(geminiReason string) string {
	if mapped, ok := finishReasonMap[geminiReason]; ok {
		return mapped
	}
	return "stop"
}

// dispatchGemini implements the Gemini-native dispatch branch: the
// OpenAI-shaped request is translated to Gemini's contents[] wire shape
// with sjson/gjson path surgery rather than a round trip through fully
// typed structs (which would drop fields the caller sent that we don't
// model), dispatched to the Gemini REST surface, and the response
// translated back.
func (c *Connector) dispatchGemini(ctx context.Context, req *translator.ChatCompletionRequest, binding entity.SessionBinding) (<-chan streamparser.Event, error) {
	body, err := buildGeminiBody(req, binding)
	if err != nil {
		return nil, apperrors.NewDirectAPIError("build gemini request", err)
	}

	modelID := binding.ModelID
	if modelID == "" {
		modelID = req.Model
	}

	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}

	u := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimRight(binding.APIBaseURL, "/"), modelID, verb, url.QueryEscape(binding.APIKey))
	if req.Stream {
		u += "&alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewDirectAPIError("create gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewDirectAPIError("gemini upstream request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = string(raw)
		}
		return nil, apperrors.NewDirectAPIErrorWithStatus(statusForGemini(resp.StatusCode), msg)
	}

	if !req.Stream {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.NewDirectAPIError("read gemini response", err)
		}
		return nonStreamEventsFromGemini(raw), nil
	}

	out := make(chan streamparser.Event, 16)
	safego.Go(c.logger, "gemini-stream-pump", func() { streamGemini(ctx, resp.Body, out) })
	return out, nil
}

func statusForGemini(upstream int) int {
	switch upstream {
	case 400:
		return 400
	case 401, 403:
		return upstream
	default:
		return 500
	}
}

// buildGeminiBody translates messages[] → contents[] (assistant→model,
// system→systemInstruction), multimodal image parts → inline_data, and
// sets thinkingConfig.thinkingBudget when enable_thinking is set.
func buildGeminiBody(req *translator.ChatCompletionRequest, binding entity.SessionBinding) ([]byte, error) {
	body := []byte("{}")
	var err error

	contentIdx := 0
	for _, msg := range req.Messages {
		text, imageParts := translator.ContentParts(msg.Content)

		if msg.Role == "system" {
			body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", text)
			if err != nil {
				return nil, err
			}
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		body, err = sjson.SetBytes(body, fmt.Sprintf("contents.%d.role", contentIdx), role)
		if err != nil {
			return nil, err
		}

		parts := geminiParts(text, imageParts)
		for pi, part := range parts {
			body, err = sjson.SetBytes(body, fmt.Sprintf("contents.%d.parts.%d", contentIdx, pi), part)
			if err != nil {
				return nil, err
			}
		}
		contentIdx++
	}

	if binding.EnableThinking {
		body, err = sjson.SetBytes(body, "generationConfig.thinkingConfig.thinkingBudget", binding.ThinkingBudget)
		if err != nil {
			return nil, err
		}
	}

	for k, v := range binding.CustomParams {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}

// geminiParts converts one already-split OpenAI message (its plain text
// plus any multimodal parts, from translator.ContentParts) into Gemini
// Part map values. Remote image URLs are carried as fileData.fileUri;
// data URIs are split into inline_data's mimeType/data fields.
func geminiParts(text string, imageParts []translator.ContentPart) []map[string]interface{} {
	var parts []map[string]interface{}
	if text != "" {
		parts = append(parts, map[string]interface{}{"text": text})
	}
	for _, p := range imageParts {
		if p.Type == "image_url" && p.ImageURL != nil {
			parts = append(parts, imagePartFor(p.ImageURL.URL))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]interface{}{"text": ""})
	}
	return parts
}

func imagePartFor(imageURL string) map[string]interface{} {
	if strings.HasPrefix(imageURL, "data:") {
		comma := strings.IndexByte(imageURL, ',')
		if comma < 0 {
			return map[string]interface{}{"fileData": map[string]interface{}{"fileUri": imageURL}}
		}
		header := imageURL[len("data:"):comma]
		mimeType := strings.SplitN(header, ";", 2)[0]
		return map[string]interface{}{
			"inline_data": map[string]interface{}{
				"mimeType": mimeType,
				"data":     imageURL[comma+1:],
			},
		}
	}
	return map[string]interface{}{"fileData": map[string]interface{}{"fileUri": imageURL}}
}

func nonStreamEventsFromGemini(raw []byte) <-chan streamparser.Event {
	out := make(chan streamparser.Event, 4)
	go func() {
		defer close(out)
		emitGeminiCandidate(raw, out)
		usage := geminiUsage(raw)
		finish := mapFinishReason(gjson.GetBytes(raw, "candidates.0.finishReason").String())
		out <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: finish, Usage: usage}
	}()
	return out
}

func emitGeminiCandidate(payload []byte, out chan streamparser.Event) {
	for _, part := range gjson.GetBytes(payload, "candidates.0.content.parts").Array() {
		text := part.Get("text").String()
		if text == "" {
			continue
		}
		if part.Get("thought").Bool() {
			out <- streamparser.Event{Kind: streamparser.EventReasoning, Text: text}
		} else {
			out <- streamparser.Event{Kind: streamparser.EventContent, Text: text}
		}
	}
}

func geminiUsage(payload []byte) *entity.Usage {
	u := gjson.GetBytes(payload, "usageMetadata")
	if !u.Exists() {
		return nil
	}
	return &entity.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		ReasoningTokens:  int(u.Get("thoughtsTokenCount").Int()),
	}
}

// streamGemini parses "data: {...}" SSE lines (alt=sse) from the Gemini
// streamGenerateContent endpoint, re-emitting each candidate part as a
// streamparser.Event.
func streamGemini(ctx context.Context, body io.ReadCloser, out chan streamparser.Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastUsage *entity.Usage
	var lastFinish string

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
		payload := []byte(strings.TrimPrefix(line, "data: "))

		emitGeminiCandidate(payload, out)

		if reason := gjson.GetBytes(payload, "candidates.0.finishReason").String(); reason != "" {
			lastFinish = mapFinishReason(reason)
		}
		if u := geminiUsage(payload); u != nil {
			lastUsage = u
		}
	}

	if err := scanner.Err(); err != nil {
		out <- streamparser.Event{Kind: streamparser.EventError, Err: err}
		return
	}

	if lastFinish == "" {
		lastFinish = "stop"
	}
	out <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: lastFinish, Usage: lastUsage}
}

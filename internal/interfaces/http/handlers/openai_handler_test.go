package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/config"
	"github.com/llmbridge/gateway/internal/directupstream"
	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
	"github.com/llmbridge/gateway/internal/lifecycle"
	"github.com/llmbridge/gateway/internal/responder"
	"github.com/llmbridge/gateway/internal/tabs"
	"github.com/llmbridge/gateway/internal/translator"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func writeHandlerFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write fixture %s", name)
	return path
}

// newTestHandler assembles an OpenAIHandler with real collaborators wired
// against a scratch config directory, mirroring how cmd/gateway wires one
// for production.
func newTestHandler(t *testing.T, endpointsJSON string) *OpenAIHandler {
	return newTestHandlerWithSettings(t, `{}`, endpointsJSON)
}

func newTestHandlerWithSettings(t *testing.T, settingsJSON, endpointsJSON string) *OpenAIHandler {
	t.Helper()
	dir := t.TempDir()
	settingsPath := writeHandlerFixture(t, dir, "settings.jsonc", settingsJSON)
	endpointsPath := writeHandlerFixture(t, dir, "endpoints.json", endpointsJSON)

	logger := zap.NewNop()
	store := config.NewStore(settingsPath, endpointsPath, "", logger)
	registry := tabs.NewRegistry(6, logger)
	broker := tabs.NewBroker(registry.Release, logger)
	hub := tabs.NewHub(registry, broker, 3, logger)
	translate := translator.New(nil)
	verifier := lifecycle.NewVerificationFSM(25*time.Second, 0, nil, logger)
	queue := lifecycle.NewPendingRequestQueue()
	capture := lifecycle.NewCaptureState()
	connector := directupstream.New(logger)
	respond := responder.New(nil, logger)
	monitor := monitoring.NewMonitor(logger)
	obs := monitoring.NewObservability(monitor, 100, 0, nil, logger)

	return New(store, registry, broker, hub, translate, nil, verifier, queue, nil, capture, connector, respond, obs, logger)
}

func newEngine(h *OpenAIHandler) *gin.Engine {
	r := gin.New()
	r.GET("/v1/models", h.ListModels)
	r.GET("/v1beta/models", h.ListGeminiModels)
	r.POST("/v1/chat/completions", h.ChatCompletions)
	return r
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "request failed")
	return resp
}

// tabStub registers itself as a connected tab and answers every envelope
// it receives with a scripted sequence of wire chunks, mimicking the
// browser user-script.
type tabStub struct {
	broker *tabs.Broker
	chunks []string

	envelopes chan tabs.OutboundRequest
}

func newTabStub(broker *tabs.Broker, chunks []string) *tabStub {
	return &tabStub{broker: broker, chunks: chunks, envelopes: make(chan tabs.OutboundRequest, 4)}
}

func (s *tabStub) Send(v interface{}) error {
	out, ok := v.(tabs.OutboundRequest)
	if !ok {
		return nil
	}
	s.envelopes <- out
	go func() {
		for _, c := range s.chunks {
			s.broker.Dispatch("stub-tab", tabs.Frame{RequestID: out.RequestID, Data: c})
		}
		s.broker.Dispatch("stub-tab", tabs.Frame{RequestID: out.RequestID, Data: "[DONE]"})
	}()
	return nil
}

func TestListModels_ReturnsConfiguredModels(t *testing.T) {
	h := newTestHandler(t, `{"arena-model": [{"session_id": "s1"}]}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Data []openAIModel `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "arena-model", payload.Data[0].ID)
	assert.Equal(t, "LMArenaBridge", payload.Data[0].OwnedBy)
}

func TestListGeminiModels_FiltersToGeminiNativeBindings(t *testing.T) {
	h := newTestHandler(t, `{
  "arena-model": [{"session_id": "s1"}],
  "gemini-model": [{"api_type": "gemini_native", "api_base_url": "https://example.invalid", "model_id": "gemini-2.0"}]
}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1beta/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Data []openAIModel `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "gemini-model", payload.Data[0].ID)
}

func TestChatCompletions_UnknownModelReturns400(t *testing.T) {
	h := newTestHandler(t, `{}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "does-not-exist",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletions_EmptyMessagesReturns400(t *testing.T) {
	h := newTestHandler(t, `{}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "whatever",
		"messages": []map[string]string{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletions_APIKeyEnforcedForTabPathModels(t *testing.T) {
	h := newTestHandlerWithSettings(t, `{"api_key": "secret-key", "auto_retry_enabled": false}`,
		`{"arena-model": [{"session_id": "s1"}]}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"model":    "arena-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})

	// Missing key: rejected before any dispatch.
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct key: passes auth and fails later with 503 (no tab connected).
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-key")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestChatCompletions_TabPathStreamsThroughConnectedTab(t *testing.T) {
	h := newTestHandlerWithSettings(t, `{}`,
		`{"arena-model": [{"session_id": "s1", "mode": "direct_chat", "max_temperature": 0.7}]}`)

	stub := newTabStub(h.broker, []string{
		`a0:"hello from the arena"` + "\n",
		`ad:{"finishReason":"stop"}` + "\n",
	})
	h.registry.Connect("stub-tab", stub)

	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":       "arena-model",
		"stream":      true,
		"temperature": 1.5,
		"messages":    []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	body := buf.String()
	assert.Contains(t, body, "hello from the arena")
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Equal(t, 1, strings.Count(body, "data: [DONE]"))

	// The envelope sent to the tab carries the clamped temperature.
	select {
	case env := <-stub.envelopes:
		require.NotNil(t, env.Payload.Temperature)
		assert.InDelta(t, 0.7, *env.Payload.Temperature, 1e-9)
		assert.Equal(t, "s1", env.Payload.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stub tab to receive an envelope")
	}
}

func TestChatCompletions_DirectBindingNonStreamingSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, fmt.Sprintf(`{"direct-model": [{"api_type": "direct_api", "api_base_url": %q, "model_id": "upstream-model", "api_key": "sk-test"}]}`, upstream.URL))
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "direct-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Choices, 1)
	assert.Equal(t, "hello there", payload.Choices[0].Message.Content)
}

func TestChatCompletions_DirectBindingUpstreamErrorTranslatedToStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, fmt.Sprintf(`{"direct-model": [{"api_type": "direct_api", "api_base_url": %q, "model_id": "upstream-model", "api_key": "sk-bad"}]}`, upstream.URL))
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "direct-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode,
		"401 translated from upstream authentication_error")
}

func TestChatCompletions_TabPathWithNoTabConnectedReturns503(t *testing.T) {
	h := newTestHandlerWithSettings(t, `{"auto_retry_enabled": false}`, `{"arena-model": [{"session_id": "s1"}]}`)
	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "arena-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestChatCompletions_VerificationCooldownRejectsTabPath(t *testing.T) {
	h := newTestHandler(t, `{"arena-model": [{"session_id": "s1"}]}`)
	h.verifier.OnChallengeDetected()

	srv := httptest.NewServer(newEngine(h))
	defer srv.Close()

	resp := postJSON(t, srv, "/v1/chat/completions", map[string]interface{}{
		"model":    "arena-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "retry in")
}

func TestTranslateOptions_BypassPresetAttachedWhenEnabledForType(t *testing.T) {
	h := newTestHandler(t, `{}`)
	settings := h.store.GetConfig()
	settings.BypassEnabled = true
	settings.BypassEnabledSearch = true

	opts := h.translateOptions(settings, "m", entity.SessionBinding{Type: entity.SessionTypeSearch})
	assert.True(t, opts.BypassEnabled)
	assert.True(t, opts.BypassEnabledForType)
}

func TestBypassEnabledForType(t *testing.T) {
	settings := config.Settings{BypassEnabledImage: false, BypassEnabledSearch: true}

	assert.False(t, bypassEnabledForType(settings, entity.SessionTypeImage))
	assert.True(t, bypassEnabledForType(settings, entity.SessionTypeSearch))
	assert.True(t, bypassEnabledForType(settings, entity.SessionTypeText))
}

func TestReasoningMode_ReflectsConfiguredOutputMode(t *testing.T) {
	h := newTestHandler(t, `{}`)
	assert.Equal(t, responder.ReasoningModeOpenAI, h.reasoningMode())
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	c := &gin.Context{Request: r}
	assert.Equal(t, "abc123", bearerToken(c))

	r2 := httptest.NewRequest("GET", "/", nil)
	c2 := &gin.Context{Request: r2}
	assert.Empty(t, bearerToken(c2))
}

func TestWriteAppError_UsesAppErrorStatusAndCode(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	writeAppError(c, apperrors.NewNoTabConnectedError("no tab"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_TAB_CONNECTED")
}

func TestWriteAppError_FallsBackTo500ForUntypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	writeAppError(c, fmt.Errorf("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

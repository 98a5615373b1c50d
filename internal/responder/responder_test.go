package responder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type outcomeResult struct {
	outcome  Outcome
	canceled bool
}

func newSSEServer(t *testing.T, events <-chan streamparser.Event, mode ReasoningMode) (*httptest.Server, <-chan outcomeResult) {
	t.Helper()
	r := New(nil, zap.NewNop())
	resultCh := make(chan outcomeResult, 1)

	engine := gin.New()
	engine.GET("/stream", func(c *gin.Context) {
		var canceled bool
		cancel := func() { canceled = true }
		outcome := r.StreamSSE(context.Background(), c, "test-model", "req-1", 0, events, mode, cancel)
		resultCh <- outcomeResult{outcome: outcome, canceled: canceled}
	})

	srv := httptest.NewServer(engine)
	return srv, resultCh
}

func TestStreamSSE_EmitsContentThenFinishThenDone(t *testing.T) {
	events := make(chan streamparser.Event, 4)
	events <- streamparser.Event{Kind: streamparser.EventContent, Text: "hello "}
	events <- streamparser.Event{Kind: streamparser.EventContent, Text: "world"}
	events <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: "stop", Usage: &entity.Usage{TotalTokens: 5}}
	close(events)

	srv, resultCh := newSSEServer(t, events, ReasoningModeOpenAI)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAll(t, resp.Body)
	assert.Contains(t, body, `"content":"hello "`)
	assert.Contains(t, body, `"content":"world"`)
	assert.Equal(t, 1, strings.Count(body, "data: [DONE]"), "exactly one DONE sentinel")

	select {
	case res := <-resultCh:
		require.True(t, res.outcome.Success)
		assert.Equal(t, "hello world", res.outcome.ResponseContent)
		assert.Equal(t, 5, res.outcome.Usage.TotalTokens)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStreamSSE_ThinkTagModeWrapsReasoningAroundFirstContent(t *testing.T) {
	events := make(chan streamparser.Event, 4)
	events <- streamparser.Event{Kind: streamparser.EventReasoning, Text: "pondering"}
	events <- streamparser.Event{Kind: streamparser.EventContent, Text: "answer"}
	events <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: "stop"}
	close(events)

	srv, resultCh := newSSEServer(t, events, ReasoningModeThinkTag)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAll(t, resp.Body)
	assert.Contains(t, body, `<think>pondering</think>answer`)

	select {
	case res := <-resultCh:
		assert.Equal(t, "pondering", res.outcome.ReasoningContent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStreamSSE_ThinkTagModeFlushesReasoningOnlyStream(t *testing.T) {
	events := make(chan streamparser.Event, 4)
	events <- streamparser.Event{Kind: streamparser.EventReasoning, Text: "all reasoning"}
	events <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: "stop"}
	close(events)

	srv, resultCh := newSSEServer(t, events, ReasoningModeThinkTag)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAll(t, resp.Body)
	assert.Contains(t, body, `<think>all reasoning</think>`)

	select {
	case <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStreamSSE_OpenAIModeKeepsReasoningAndContentDisjoint(t *testing.T) {
	events := make(chan streamparser.Event, 4)
	events <- streamparser.Event{Kind: streamparser.EventReasoning, Text: "why"}
	events <- streamparser.Event{Kind: streamparser.EventReasoningEnd}
	events <- streamparser.Event{Kind: streamparser.EventContent, Text: "what"}
	events <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: "stop"}
	close(events)

	srv, resultCh := newSSEServer(t, events, ReasoningModeOpenAI)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAll(t, resp.Body)
	assert.Contains(t, body, `"reasoning_content":"why"`)
	assert.Contains(t, body, `"content":"what"`)
	assert.NotContains(t, body, `"content":"why"`)
	assert.NotContains(t, body, `"reasoning_content":"what"`)

	select {
	case <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStreamSSE_ErrorEventWritesErrorChunkThenDone(t *testing.T) {
	events := make(chan streamparser.Event, 2)
	events <- streamparser.Event{Kind: streamparser.EventError, Err: errBoom}
	close(events)

	srv, resultCh := newSSEServer(t, events, ReasoningModeOpenAI)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAll(t, resp.Body)
	assert.Contains(t, body, "upstream_error")
	assert.Equal(t, 1, strings.Count(body, "data: [DONE]"), "exactly one DONE sentinel after error")

	select {
	case res := <-resultCh:
		assert.False(t, res.outcome.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestCollect_NonStreamingSuccess(t *testing.T) {
	events := make(chan streamparser.Event, 3)
	events <- streamparser.Event{Kind: streamparser.EventContent, Text: "hi there"}
	events <- streamparser.Event{Kind: streamparser.EventFinish, FinishReason: "stop", Usage: &entity.Usage{TotalTokens: 4}}
	close(events)

	r := New(nil, zap.NewNop())
	engine := gin.New()
	resultCh := make(chan Outcome, 1)
	engine.GET("/collect", func(c *gin.Context) {
		resultCh <- r.Collect(context.Background(), c, "test-model", "req-2", 0, events, func() {})
	})
	srv := httptest.NewServer(engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/collect")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	body := readAll(t, resp.Body)
	assert.Contains(t, body, `"content":"hi there"`)

	select {
	case res := <-resultCh:
		require.True(t, res.Success)
		assert.Equal(t, 4, res.Usage.TotalTokens)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestCollect_ErrorEventReturns500(t *testing.T) {
	events := make(chan streamparser.Event, 1)
	events <- streamparser.Event{Kind: streamparser.EventError, Err: errBoom}
	close(events)

	r := New(nil, zap.NewNop())
	engine := gin.New()
	engine.GET("/collect", func(c *gin.Context) {
		r.Collect(context.Background(), c, "test-model", "req-3", 0, events, func() {})
	})
	srv := httptest.NewServer(engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/collect")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 500, resp.StatusCode)
}

func TestResolveUsage_PrefersReportedUsage(t *testing.T) {
	r := New(nil, zap.NewNop())
	got := r.resolveUsage(&entity.Usage{TotalTokens: 99}, "model", "ignored", 7)
	assert.Equal(t, 99, got.TotalTokens)
}

func TestResolveUsage_NilTokenizerCarriesPromptTokens(t *testing.T) {
	r := New(nil, zap.NewNop())
	got := r.resolveUsage(nil, "model", "some content", 7)
	assert.Equal(t, 7, got.PromptTokens)
	assert.Equal(t, 7, got.TotalTokens)
}

func TestResolveUsage_FallsBackToTokenizer(t *testing.T) {
	r := New(fakeTokenizer{}, zap.NewNop())
	got := r.resolveUsage(nil, "model", "abc", 7)
	assert.Equal(t, 7, got.PromptTokens)
	assert.Equal(t, 3, got.CompletionTokens)
	assert.Equal(t, 10, got.TotalTokens)
}

func TestCountPromptTokens(t *testing.T) {
	r := New(fakeTokenizer{}, zap.NewNop())
	got := r.CountPromptTokens("model", []translator.ChatMessage{
		{Role: "user", Content: "hi"},
	})
	assert.Greater(t, got, 0)

	none := New(nil, zap.NewNop())
	assert.Equal(t, 0, none.CountPromptTokens("model", nil))
}

type fakeTokenizer struct{}

func (fakeTokenizer) Count(model, text string) int { return len(text) }

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err, "failed to read response body")
	return string(data)
}

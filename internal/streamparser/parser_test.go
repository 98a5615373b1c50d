package streamparser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/tabs"
)

func collectEvents(t *testing.T, chunks []string, timeout time.Duration) []Event {
	t.Helper()
	p := New(nil, nil, zap.NewNop())
	frames := make(chan tabs.Frame, len(chunks)+1)
	for _, c := range chunks {
		frames <- tabs.Frame{RequestID: "r1", Data: c}
	}
	close(frames)

	out := make(chan Event, 32)
	p.Run(context.Background(), frames, timeout, out)

	var events []Event
	for e := range out {
		events = append(events, e)
	}
	return events
}

func TestParser_TextToken(t *testing.T) {
	events := collectEvents(t, []string{`a0:"hello"` + "\n", "[DONE]"}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "hello", events[0].Text)
}

func TestParser_TextBToken(t *testing.T) {
	events := collectEvents(t, []string{`b0:"from b"` + "\n", "[DONE]"}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "from b", events[0].Text)
}

func TestParser_TokenSplitAcrossFrames(t *testing.T) {
	events := collectEvents(t, []string{`a0:"hel`, `lo world"` + "\n", "[DONE]"}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "hello world", events[0].Text)
}

func TestParser_CompleteTokenThenPartialTailSurvives(t *testing.T) {
	events := collectEvents(t, []string{
		`a0:"first" a0:"sec`,
		`ond"` + "\n",
		"[DONE]",
	}, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Text)
	assert.Equal(t, "second", events[1].Text)
}

func TestParser_MixedKindsPreserveWireOrder(t *testing.T) {
	events := collectEvents(t, []string{
		`ag:"think" a0:"answer" ag:"late"` + "\n",
		"[DONE]",
	}, time.Second)

	require.Len(t, events, 4)
	assert.Equal(t, EventReasoning, events[0].Kind)
	assert.Equal(t, EventReasoningEnd, events[1].Kind)
	assert.Equal(t, EventContent, events[2].Kind)
	assert.Equal(t, "answer", events[2].Text)
	assert.Equal(t, EventReasoning, events[3].Kind)
}

func TestParser_ReasoningThenContentEmitsReasoningEnd(t *testing.T) {
	events := collectEvents(t, []string{
		`ag:"thinking..."` + "\n",
		`a0:"final answer"` + "\n",
		"[DONE]",
	}, time.Second)

	require.Len(t, events, 3)
	assert.Equal(t, EventReasoning, events[0].Kind)
	assert.Equal(t, "thinking...", events[0].Text)
	assert.Equal(t, EventReasoningEnd, events[1].Kind)
	assert.Equal(t, EventContent, events[2].Kind)
	assert.Equal(t, "final answer", events[2].Text)
}

func TestParser_ReasoningBufferRetained(t *testing.T) {
	p := New(nil, nil, zap.NewNop())
	frames := make(chan tabs.Frame, 3)
	frames <- tabs.Frame{RequestID: "r1", Data: `ag:"part one "` + "\n"}
	frames <- tabs.Frame{RequestID: "r1", Data: `ag:"part two"` + "\n"}
	frames <- tabs.Frame{RequestID: "r1", Data: "[DONE]"}
	close(frames)

	out := make(chan Event, 8)
	p.Run(context.Background(), frames, time.Second, out)
	for range out {
	}

	assert.Equal(t, "part one part two", p.ReasoningText())
}

func TestParser_FinishWithUsage(t *testing.T) {
	events := collectEvents(t, []string{
		`ad:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":5,"totalTokens":15}}` + "\n",
		"[DONE]",
	}, time.Second)

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, EventFinish, e.Kind)
	assert.Equal(t, "stop", e.FinishReason)
	require.NotNil(t, e.Usage)
	assert.Equal(t, 10, e.Usage.PromptTokens)
	assert.Equal(t, 5, e.Usage.CompletionTokens)
	assert.Equal(t, 15, e.Usage.TotalTokens)
}

func TestParser_FinishBToken(t *testing.T) {
	events := collectEvents(t, []string{`bd:{"finishReason":"length"}` + "\n", "[DONE]"}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventFinish, events[0].Kind)
	assert.Equal(t, "length", events[0].FinishReason)
}

func TestParser_DropsControlPrefixes(t *testing.T) {
	events := collectEvents(t, []string{
		"a3:some control frame\n" + `a0:"kept"` + "\n",
		"[DONE]",
	}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Text)
}

func TestParser_LenientFinalDrainSalvagesUnterminatedText(t *testing.T) {
	events := collectEvents(t, []string{`a0:"cut off mid-stre`, "[DONE]"}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "cut off mid-stre", events[0].Text)
}

func TestParser_GraceWindowConsumesFramesAfterDone(t *testing.T) {
	p := New(nil, nil, zap.NewNop())
	frames := make(chan tabs.Frame, 4)
	frames <- tabs.Frame{RequestID: "r1", Data: "[DONE]"}
	frames <- tabs.Frame{RequestID: "r1", Data: `a0:"late frame"` + "\n"}
	close(frames)

	out := make(chan Event, 8)
	p.Run(context.Background(), frames, time.Second, out)

	var events []Event
	for e := range out {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "late frame", events[0].Text)
}

func TestParser_ErrorFrame(t *testing.T) {
	events := collectEvents(t, []string{`{"error": "upstream exploded"}`}, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

func TestParser_ChallengeDetectionNotifiesVerifier(t *testing.T) {
	v := &fakeVerifier{}
	p := New(nil, v, zap.NewNop())
	frames := make(chan tabs.Frame, 2)
	frames <- tabs.Frame{RequestID: "r1", Data: "Just a moment...please wait"}
	close(frames)

	out := make(chan Event, 8)
	p.Run(context.Background(), frames, time.Second, out)

	var events []Event
	for e := range out {
		events = append(events, e)
	}

	assert.Equal(t, 1, v.calls)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

func TestParser_ChallengeDetectionCookiesPhrase(t *testing.T) {
	v := &fakeVerifier{}
	p := New(nil, v, zap.NewNop())
	frames := make(chan tabs.Frame, 2)
	frames <- tabs.Frame{RequestID: "r1", Data: "<noscript>Enable JavaScript and cookies to continue</noscript>"}
	close(frames)

	out := make(chan Event, 8)
	p.Run(context.Background(), frames, time.Second, out)
	for range out {
	}

	assert.Equal(t, 1, v.calls)
}

type fakeVerifier struct{ calls int }

func (f *fakeVerifier) OnChallengeDetected() { f.calls++ }

func TestParser_ImageEventUsesHandler(t *testing.T) {
	h := &fakeImageHandler{result: "data:image/png;base64,XYZ"}
	p := New(h, nil, zap.NewNop())
	frames := make(chan tabs.Frame, 2)
	frames <- tabs.Frame{RequestID: "r1", Data: `a2:[{"image":"http://upstream/img.png"}]` + "\n"}
	frames <- tabs.Frame{RequestID: "r1", Data: "[DONE]"}
	close(frames)

	out := make(chan Event, 8)
	p.Run(context.Background(), frames, time.Second, out)

	var events []Event
	for e := range out {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventImage, events[0].Kind)
	assert.Equal(t, h.result, events[0].ImageURL)
	assert.Equal(t, 1, h.calls)
}

type fakeImageHandler struct {
	result string
	calls  int
}

func (f *fakeImageHandler) HandleImage(ctx context.Context, url string) (string, error) {
	f.calls++
	return f.result, nil
}

func TestParser_StreamTimeout(t *testing.T) {
	p := New(nil, nil, zap.NewNop())
	frames := make(chan tabs.Frame)
	out := make(chan Event, 4)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), frames, 10*time.Millisecond, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parser did not return after stream timeout")
	}

	var events []Event
	for e := range out {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

func TestParser_ContextCancellationStopsRun(t *testing.T) {
	p := New(nil, nil, zap.NewNop())
	frames := make(chan tabs.Frame)
	out := make(chan Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, frames, time.Minute, out)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parser did not return after context cancellation")
	}
}

func TestParser_UnescapeJSONEscapes(t *testing.T) {
	got := unescapeJSON(`line1\nline2\ttabbed\"quoted\\backslash`)
	assert.Equal(t, "line1\nline2\ttabbed\"quoted\\backslash", got)
}

func TestParseFinishPayload_DefaultsToStopWithoutReason(t *testing.T) {
	reason, usage := parseFinishPayload(`{}`)
	assert.Equal(t, "stop", reason)
	assert.Nil(t, usage)
}

func TestParseFinishPayload_ReasoningTokens(t *testing.T) {
	reason, usage := parseFinishPayload(`{"finishReason":"stop","usage":{"promptTokens":1,"completionTokens":2,"totalTokens":3,"reasoningTokens":4}}`)
	assert.Equal(t, "stop", reason)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.ReasoningTokens)
}

// Package streamparser recognizes the upstream browser-tab wire format
// inside a stream of Frame chunks: text/reasoning/image/finish/error
// tokens, the [DONE] sentinel, dropped control prefixes, and
// human-verification challenge detection.
package streamparser

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/tabs"
)

// EventKind identifies one parsed event emitted to the responder.
type EventKind string

const (
	EventContent      EventKind = "content"
	EventReasoning    EventKind = "reasoning"
	EventReasoningEnd EventKind = "reasoning_end"
	EventImage        EventKind = "image"
	EventFinish       EventKind = "finish"
	EventError        EventKind = "error"
)

// Event is one unit of parsed output.
type Event struct {
	Kind         EventKind
	Text         string
	ImageURL     string
	FinishReason string
	Usage        *entity.Usage
	Err          error
}

// ImageHandler resolves an inbound image url to either an immediate
// Markdown link (possibly spawning a background save) or a downloaded,
// cached data URI.
type ImageHandler interface {
	HandleImage(ctx context.Context, url string) (markdownOrDataURI string, err error)
}

// Verifier is notified when a challenge pattern is detected.
type Verifier interface {
	OnChallengeDetected()
}

var (
	textRe      = regexp.MustCompile(`(?s)(?:a0|b0):"((?:[^"\\]|\\.)*)"`)
	reasoningRe = regexp.MustCompile(`(?s)ag:"((?:[^"\\]|\\.)*)"`)
	imageRe     = regexp.MustCompile(`(?s)(?:a2|b2):(\[.*?\])`)
	finishRe    = regexp.MustCompile(`(?s)(?:ad|bd):(\{.*?\})`)
	errorRe     = regexp.MustCompile(`^\s*\{\s*"error"\s*:`)
	controlRe   = regexp.MustCompile(`(?:a3|ae|b3|be):[^\n]*\n`)

	// Lenient terminal sweep: a text/reasoning token whose closing quote
	// never arrived, salvaged only during the forced final drain.
	lenientTextRe      = regexp.MustCompile(`(?s)(?:a0|b0):"((?:[^"\\]|\\.)*)\\?$`)
	lenientReasoningRe = regexp.MustCompile(`(?s)ag:"((?:[^"\\]|\\.)*)\\?$`)

	challengeRe = regexp.MustCompile(`(?i)just a moment|checking your browser|cf-browser-verification|verify you are human|enable javascript and cookies to continue`)
)

// Parser consumes wire-format frames for one request and emits Events.
type Parser struct {
	logger   *zap.Logger
	images   ImageHandler
	verifier Verifier

	buf              strings.Builder
	reasoningBuf     strings.Builder
	sawReasoning     bool
	sawContentAfterReasoning bool
}

// New constructs a Parser. images and verifier may be nil in tests that
// don't exercise those paths.
func New(images ImageHandler, verifier Verifier, logger *zap.Logger) *Parser {
	return &Parser{
		logger:   logger.With(zap.String("component", "stream-parser")),
		images:   images,
		verifier: verifier,
	}
}

// ReasoningText returns everything the stream emitted as reasoning,
// retained regardless of whether the configured output mode surfaces
// it to the caller.
func (p *Parser) ReasoningText() string {
	return p.reasoningBuf.String()
}

// Run consumes frames until the channel closes, [DONE] is seen, or the
// stream-response timeout elapses with no frame, emitting Events on out.
// Run closes out before returning.
func (p *Parser) Run(ctx context.Context, frames <-chan tabs.Frame, timeout time.Duration, out chan<- Event) {
	defer close(out)
	if timeout <= 0 {
		timeout = 360 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				p.scan(ctx, out, true)
				return
			}
			if p.handleFrame(ctx, f, out) {
				p.drainFinal(ctx, frames, out)
				return
			}
		case <-time.After(timeout):
			out <- Event{Kind: EventError, Err: errStreamTimeout{}}
			return
		}
	}
}

type errStreamTimeout struct{}

func (errStreamTimeout) Error() string { return "no upstream frame received within the stream timeout" }

// handleFrame processes one frame; returns true if the stream is done
// ([DONE] seen).
func (p *Parser) handleFrame(ctx context.Context, f tabs.Frame, out chan<- Event) bool {
	switch data := f.Data.(type) {
	case string:
		if data == "[DONE]" {
			return true
		}
		p.appendAndDrain(ctx, data, out, false)
		return false
	case map[string]interface{}:
		if msg, ok := data["error"]; ok {
			p.emitError(out, toString(msg))
			return false
		}
		// retry_info and other structured frames are observational only.
		return false
	default:
		return false
	}
}

func (p *Parser) appendAndDrain(ctx context.Context, chunk string, out chan<- Event, final bool) {
	p.buf.WriteString(chunk)
	p.scan(ctx, out, final)
}

// drainFinal keeps consuming frames for a short grace window after
// [DONE] — a tab's last data frames can cross the sentinel on the wire —
// then runs one forced final scan with the lenient terminal sweep.
func (p *Parser) drainFinal(ctx context.Context, frames <-chan tabs.Frame, out chan<- Event) {
	grace := time.NewTimer(200 * time.Millisecond)
	defer grace.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				p.scan(ctx, out, true)
				return
			}
			p.handleFrame(ctx, f, out)
		case <-grace.C:
			p.scan(ctx, out, true)
			return
		}
	}
}

// tokenClass identifies which wire token a scan position matched.
type tokenClass int

const (
	tokText tokenClass = iota
	tokReasoning
	tokImage
	tokFinish
)

var tokenRes = []struct {
	class tokenClass
	re    *regexp.Regexp
}{
	{tokText, textRe},
	{tokReasoning, reasoningRe},
	{tokImage, imageRe},
	{tokFinish, finishRe},
}

// scan walks the buffer left to right, emitting each complete token in
// the order it appeared on the wire, and retains any unconsumed tail
// (a token split across frames) for the next chunk. The final pass
// additionally salvages an unterminated trailing token with the lenient
// regexes and discards whatever remains.
func (p *Parser) scan(ctx context.Context, out chan<- Event, final bool) {
	raw := p.buf.String()

	if errorRe.MatchString(raw) {
		p.emitError(out, raw)
		p.buf.Reset()
		return
	}

	if p.verifier != nil && challengeRe.MatchString(raw) {
		p.verifier.OnChallengeDetected()
		p.emitError(out, "human verification required, retrying shortly")
		p.buf.Reset()
		return
	}

	// Complete control lines are recognized and dropped; a control line
	// still awaiting its newline stays in the tail.
	raw = controlRe.ReplaceAllString(raw, "")

	pos := 0
	for {
		class, loc := nextToken(raw, pos)
		if loc == nil {
			break
		}
		payload := raw[loc[2]:loc[3]]
		switch class {
		case tokText:
			p.emitContent(out, unescapeJSON(payload))
		case tokReasoning:
			p.sawReasoning = true
			p.reasoningBuf.WriteString(unescapeJSON(payload))
			out <- Event{Kind: EventReasoning, Text: unescapeJSON(payload)}
		case tokImage:
			p.emitImages(ctx, out, payload)
		case tokFinish:
			reason, usage := parseFinishPayload(payload)
			out <- Event{Kind: EventFinish, FinishReason: reason, Usage: usage}
		}
		pos = loc[1]
	}

	tail := raw[pos:]
	p.buf.Reset()
	if !final {
		p.buf.WriteString(tail)
		return
	}

	if m := lenientReasoningRe.FindStringSubmatch(tail); m != nil && m[1] != "" {
		p.sawReasoning = true
		p.reasoningBuf.WriteString(unescapeJSON(m[1]))
		out <- Event{Kind: EventReasoning, Text: unescapeJSON(m[1])}
	} else if m := lenientTextRe.FindStringSubmatch(tail); m != nil && m[1] != "" {
		p.emitContent(out, unescapeJSON(m[1]))
	} else if strings.TrimSpace(tail) != "" {
		p.logger.Debug("dropping unrecognized trailing bytes after final drain",
			zap.Int("len", len(tail)))
	}
}

// nextToken returns the class and FindStringSubmatchIndex result of the
// earliest complete token at or after pos, or nil if none matches.
func nextToken(raw string, pos int) (tokenClass, []int) {
	var bestClass tokenClass
	var best []int
	for _, tk := range tokenRes {
		loc := tk.re.FindStringSubmatchIndex(raw[pos:])
		if loc == nil {
			continue
		}
		if best == nil || loc[0] < best[0] {
			bestClass = tk.class
			best = loc
		}
	}
	if best == nil {
		return 0, nil
	}
	for i := range best {
		if best[i] >= 0 {
			best[i] += pos
		}
	}
	return bestClass, best
}

func (p *Parser) emitContent(out chan<- Event, text string) {
	if p.sawReasoning && !p.sawContentAfterReasoning {
		p.sawContentAfterReasoning = true
		out <- Event{Kind: EventReasoningEnd}
	}
	out <- Event{Kind: EventContent, Text: text}
}

func (p *Parser) emitImages(ctx context.Context, out chan<- Event, arrayJSON string) {
	for _, url := range extractImageURLs(arrayJSON) {
		resolved := url
		if p.images != nil {
			if r, err := p.images.HandleImage(ctx, url); err == nil {
				resolved = r
			}
		}
		out <- Event{Kind: EventImage, ImageURL: resolved}
	}
}

func (p *Parser) emitError(out chan<- Event, msg string) {
	out <- Event{Kind: EventError, Err: plainError(msg)}
}

type plainError string

func (e plainError) Error() string { return string(e) }

func unescapeJSON(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				out.WriteByte('\n')
			case 't':
				out.WriteByte('\t')
			case '"':
				out.WriteByte('"')
			case '\\':
				out.WriteByte('\\')
			default:
				out.WriteByte(s[i])
			}
			continue
		}
		out.WriteByte(s[i])
	}
	return out.String()
}

var imageURLRe = regexp.MustCompile(`"image"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func extractImageURLs(arrayJSON string) []string {
	matches := imageURLRe.FindAllStringSubmatch(arrayJSON, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, unescapeJSON(m[1]))
	}
	return out
}

var finishReasonRe = regexp.MustCompile(`"finishReason"\s*:\s*"([^"]*)"`)
var usageRe = regexp.MustCompile(`"usage"\s*:\s*\{([^}]*)\}`)
var usageFieldRe = regexp.MustCompile(`"(\w+)"\s*:\s*(\d+)`)

func parseFinishPayload(obj string) (string, *entity.Usage) {
	reason := "stop"
	if m := finishReasonRe.FindStringSubmatch(obj); m != nil {
		reason = m[1]
	}

	um := usageRe.FindStringSubmatch(obj)
	if um == nil {
		return reason, nil
	}

	usage := &entity.Usage{}
	for _, fm := range usageFieldRe.FindAllStringSubmatch(um[1], -1) {
		n, _ := strconv.Atoi(fm[2])
		switch fm[1] {
		case "promptTokens", "prompt_tokens":
			usage.PromptTokens = n
		case "completionTokens", "completion_tokens":
			usage.CompletionTokens = n
		case "totalTokens", "total_tokens":
			usage.TotalTokens = n
		case "reasoningTokens", "reasoning_tokens":
			usage.ReasoningTokens = n
		}
	}
	return reason, usage
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

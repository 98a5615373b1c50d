package responder

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TiktokenCounter estimates token counts with github.com/pkoukk/tiktoken-go,
// used whenever an upstream response omits its own usage block. Encodings
// are resolved lazily per tag and cached, since constructing one re-parses
// its BPE rank file.
type TiktokenCounter struct {
	mu         sync.Mutex
	encodings  map[string]*tiktoken.Tiktoken
	encodingOf func(model string) string
	logger     *zap.Logger
}

// NewTiktokenCounter builds a counter. encodingOf resolves a model name to
// a tiktoken encoding tag (e.g. "cl100k_base"), mirroring
// config.Store.GetTokenizer.
func NewTiktokenCounter(encodingOf func(model string) string, logger *zap.Logger) *TiktokenCounter {
	return &TiktokenCounter{
		encodings:  make(map[string]*tiktoken.Tiktoken),
		encodingOf: encodingOf,
		logger:     logger.With(zap.String("component", "tokenizer")),
	}
}

// Count estimates the token length of text under model's configured
// encoding, falling back to a rune-count estimate (runes/4 + 1) if the
// encoding can't be loaded.
func (t *TiktokenCounter) Count(model, text string) int {
	tag := "cl100k_base"
	if t.encodingOf != nil {
		if got := t.encodingOf(model); got != "" {
			tag = got
		}
	}

	enc := t.encodingFor(tag)
	if enc == nil {
		// Rough ~4 chars/token estimate when no encoding is available.
		return len([]rune(text))/4 + 1
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) encodingFor(tag string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encodings[tag]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(tag)
	if err != nil {
		t.logger.Warn("tiktoken encoding unavailable, falling back to estimate", zap.String("encoding", tag), zap.Error(err))
		t.encodings[tag] = nil
		return nil
	}
	t.encodings[tag] = enc
	return enc
}

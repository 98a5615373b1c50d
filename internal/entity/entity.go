// Package entity holds the shared data types that flow between the
// gateway's components: request correlation ids, session bindings, tab
// state, and the records the lifecycle and observability layers keep
// around a request from admission to terminal event.
package entity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewRequestID mints a process-unique correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// BattleTarget identifies which side of a battle-mode session a message
// belongs to.
type BattleTarget string

const (
	BattleTargetA BattleTarget = "a"
	BattleTargetB BattleTarget = "b"
)

// SessionMode is the upstream arena's conversation mode.
type SessionMode string

const (
	SessionModeDirectChat SessionMode = "direct_chat"
	SessionModeBattle     SessionMode = "battle"
)

// SessionType selects the capability class of a session binding.
type SessionType string

const (
	SessionTypeText   SessionType = "text"
	SessionTypeImage  SessionType = "image"
	SessionTypeSearch SessionType = "search"
)

// APIType distinguishes a direct-upstream binding's wire protocol.
type APIType string

const (
	APITypeDirectAPI    APIType = "direct_api"
	APITypeGeminiNative APIType = "gemini_native"
)

// ImageCompressionConfig overrides the global image-optimization defaults
// for one binding.
type ImageCompressionConfig struct {
	Enabled       bool   `json:"enabled"`
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
	TargetFormat  string `json:"target_format"` // png|jpeg|webp, empty = keep original
	TargetSizeKB  int    `json:"target_size_kb"`
	JPEGQuality   int    `json:"jpeg_quality"`
	WebPQuality   int    `json:"webp_quality"`
	MinQuality    int    `json:"min_quality"`
}

// Pricing describes per-token cost for a direct-upstream binding.
type Pricing struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Unit     float64 `json:"unit"` // tokens per priced unit, e.g. 1_000_000
	Currency string  `json:"currency"`
}

// SessionBinding is one entry a model name can resolve to: either a
// browser-tab session or a direct-upstream binding.
type SessionBinding struct {
	SessionID      string       `json:"session_id"`
	Mode           SessionMode  `json:"mode"`
	BattleTarget   BattleTarget `json:"battle_target,omitempty"`
	Type           SessionType  `json:"type"`
	MaxTemperature *float64     `json:"max_temperature,omitempty"`
	ImageCfg       *ImageCompressionConfig `json:"image_compression,omitempty"`

	// Direct-upstream fields; non-zero APIType marks this as a direct
	// binding rather than a browser-tab session.
	APIType     APIType  `json:"api_type,omitempty"`
	APIBaseURL  string   `json:"api_base_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	ModelID     string   `json:"model_id,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Pricing     *Pricing `json:"pricing,omitempty"`

	EnablePrefix         bool   `json:"enable_prefix,omitempty"`
	EnableThinking       bool   `json:"enable_thinking,omitempty"`
	ThinkingBudget       int    `json:"thinking_budget,omitempty"`
	ThinkingSeparator    string `json:"thinking_separator,omitempty"`
	Passthrough          bool   `json:"passthrough,omitempty"`
	CustomParams         map[string]interface{} `json:"custom_params,omitempty"`
}

// IsDirect reports whether this binding is served by the direct-upstream
// connector rather than a browser tab.
func (b SessionBinding) IsDirect() bool {
	return b.APIType != ""
}

// TabState tracks one connected browser tab's WebSocket and in-flight
// accounting. Mutation happens exclusively through the owning registry's
// mutex; this struct carries no lock of its own.
type TabState struct {
	TabID         string
	ConnectedAt   time.Time
	InFlightCount int
}

// PendingRequest is the bookkeeping record for one admitted browser-tab
// request, from admission through any reassignment to its terminal event.
type PendingRequest struct {
	RequestID       string
	OpenAIRequest   interface{}
	SessionBinding  SessionBinding
	TabID           string
	OriginalTabID   string
	TransferCount   int
	CreatedAt       time.Time
	TransferAllowed bool

	// TranslateOptions is the same options bag used to build the
	// envelope at admission time, kept around so a reassignment rebuilds
	// the envelope with the request's own bypass-preset/reasoning-mode
	// settings instead of defaults. Stored as interface{} to avoid an
	// entity -> translator import cycle; the lifecycle package type
	//-asserts it back to translator.Options before reuse.
	TranslateOptions interface{}
}

// RoundRobinCursor is a per-model monotonic index guarded by its own
// mutex, advanced at enqueue time rather than on success (see design
// notes on liveness).
type RoundRobinCursor struct {
	mu    sync.Mutex
	index int
}

// Next returns the index to use for this call and advances the cursor
// mod n. Returns 0 if n <= 0.
func (c *RoundRobinCursor) Next(n int) int {
	if n <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index % n
	c.index++
	return i
}

// ImageCacheEntry is one resolved-image cache record.
type ImageCacheEntry struct {
	Key      string
	Value    string // processed URL or data URI
	StoredAt time.Time
}

// FilebedEndpoint is one configured image-host upload target.
type FilebedEndpoint struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key"`
	Enabled bool   `json:"enabled"`
}

// VerificationPhase is one state of the process-wide human-verification
// cool-down FSM.
type VerificationPhase string

const (
	VerificationIdle       VerificationPhase = "IDLE"
	VerificationRefreshing VerificationPhase = "REFRESHING"
	VerificationCooldown   VerificationPhase = "COOLDOWN"
)

// Usage mirrors OpenAI's token accounting block, extended with the
// reasoning token count Gemini reports separately.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// CostInfo is the full cost breakdown attached to a RequestEnd event.
type CostInfo struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Currency   string  `json:"currency"`
	Pricing    Pricing `json:"pricing"`
}

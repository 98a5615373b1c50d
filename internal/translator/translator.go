// Package translator converts an OpenAI-shaped chat completion request
// into the upstream browser-tab envelope (message templates plus session
// routing), applying role normalization, reasoning-history stripping,
// attachment decomposition, role-conversion policy, Tavern-style system
// merge, and bypass-preset injection.
package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/llmbridge/gateway/internal/entity"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
)

// ChatMessage mirrors one OpenAI chat message. Content is either a plain
// string or a slice of ContentPart for multimodal messages.
type ChatMessage struct {
	Role                string        `json:"role"`
	Content             interface{}   `json:"content"`
	ParticipantPosition string        `json:"participantPosition,omitempty"`
}

// ContentPart is one multimodal content entry.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps the url field of an image content part (may be a
// remote URL or a data URI).
type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionRequest is the inbound OpenAI-shaped request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

// Attachment is one file/image reference carried on a message template.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url"`
}

// MessageTemplate is one entry of the upstream envelope's
// message_templates array.
type MessageTemplate struct {
	Role                    string       `json:"role"`
	Content                 string       `json:"content"`
	Attachments             []Attachment `json:"attachments,omitempty"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments,omitempty"`
	ParticipantPosition     string       `json:"participantPosition,omitempty"`
}

// Envelope is the full payload sent to a browser tab for one request.
type Envelope struct {
	MessageTemplates []MessageTemplate   `json:"message_templates"`
	TargetModelID    string              `json:"target_model_id,omitempty"`
	SessionID        string              `json:"session_id"`
	BattleTarget     entity.BattleTarget `json:"battle_target,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
}

// RoleConversionPolicy selects how system messages are folded into the
// conversation before being sent upstream.
type RoleConversionPolicy string

const (
	PolicyNone              RoleConversionPolicy = "none"
	PolicySystemToUser      RoleConversionPolicy = "system_to_user"
	PolicySystemMerge       RoleConversionPolicy = "system_merge"
	PolicySystemSmartMerge  RoleConversionPolicy = "system_smart_merge"
)

// BypassPreset is one entry of the bypass-injection preset catalogue —
// a fixed list of messages appended to every request when bypass is
// active, preserving any caller-supplied participantPosition.
type BypassPreset struct {
	Name     string
	Messages []ChatMessage
}

// Options configures one Translate call, assembled by the caller from
// the config store's current snapshot plus the resolved binding.
type Options struct {
	RoleConversionPolicy    RoleConversionPolicy
	PreserveRoleLabels      bool
	StripReasoningHistory   bool
	ReasoningOutputMode     string // "openai" | "think_tag"
	TavernModeEnabled       bool
	BypassEnabled           bool
	BypassEnabledForType    bool
	BypassPreset            *BypassPreset
	SplitAttachmentMessages bool

	// TargetModelID is the upstream arena's model id for this request's
	// model name, resolved from the fallback model map; empty leaves the
	// session's default model in charge.
	TargetModelID string
}

// ImageProcessor is the subset of the image pipeline the translator
// needs; kept as an interface here to avoid an import cycle between
// translator and imagepipeline.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, payload, roleContext string, modelCfg *entity.ImageCompressionConfig) (string, error)
}

// Translator builds upstream envelopes from OpenAI requests.
type Translator struct {
	images ImageProcessor
}

// New constructs a Translator. images may be nil if image attachments
// are never expected to appear (tests, text-only deployments).
func New(images ImageProcessor) *Translator {
	return &Translator{images: images}
}

// Translate performs the full request-shaping pipeline and returns the envelope to
// send to a browser tab, or an AttachmentError if it could not be built.
func (t *Translator) Translate(ctx context.Context, req *ChatCompletionRequest, binding entity.SessionBinding, opts Options) (*Envelope, error) {
	messages := make([]ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	// 1. Role normalization: developer -> system.
	for i := range messages {
		if messages[i].Role == "developer" {
			messages[i].Role = "system"
		}
	}

	// 2. History reasoning strip.
	if opts.StripReasoningHistory && opts.ReasoningOutputMode == "think_tag" {
		for i := range messages {
			if messages[i].Role != "assistant" {
				continue
			}
			if text, ok := messages[i].Content.(string); ok {
				messages[i].Content = StripThinkTags(text)
			}
		}
	}

	// 3/4.5. Attachment decomposition (+ optional bypass split).
	templates, err := t.decomposeMessages(ctx, messages, binding, opts)
	if err != nil {
		return nil, apperrors.NewAttachmentErrorf("failed to decompose attachments: %v", err)
	}

	// 4. Role-conversion policy.
	templates = applyRoleConversion(templates, opts.RoleConversionPolicy, opts.PreserveRoleLabels)

	// 5. Tavern merge.
	if opts.TavernModeEnabled {
		templates = tavernMerge(templates)
	}

	// 6. Bypass injection.
	if opts.BypassEnabled && opts.BypassEnabledForType && opts.BypassPreset != nil {
		templates = append(templates, presetToTemplates(opts.BypassPreset)...)
	}

	// 7. Participant-position assignment.
	envelopeBattleTarget := assignParticipantPositions(templates, binding.Mode, binding.BattleTarget)

	return &Envelope{
		MessageTemplates: templates,
		TargetModelID:    opts.TargetModelID,
		SessionID:        binding.SessionID,
		BattleTarget:     envelopeBattleTarget,
		Temperature:      clampTemperature(req.Temperature, binding.MaxTemperature),
	}, nil
}

// clampTemperature caps a caller-supplied temperature at the binding's
// max_temperature; a nil request temperature stays unset.
func clampTemperature(requested, max *float64) *float64 {
	if requested == nil {
		return nil
	}
	if max != nil && *requested > *max {
		capped := *max
		return &capped
	}
	value := *requested
	return &value
}

func (t *Translator) decomposeMessages(ctx context.Context, messages []ChatMessage, binding entity.SessionBinding, opts Options) ([]MessageTemplate, error) {
	var out []MessageTemplate

	for _, msg := range messages {
		text, parts := splitContent(msg.Content)

		var attachments []Attachment
		for _, p := range parts {
			if p.Type != "image_url" || p.ImageURL == nil {
				continue
			}
			url := p.ImageURL.URL
			if t.images != nil {
				processed, err := t.images.ProcessImage(ctx, url, msg.Role, binding.ImageCfg)
				if err != nil {
					return nil, err
				}
				url = processed
			}
			attachments = append(attachments, Attachment{URL: url})
		}

		tmpl := MessageTemplate{
			Role:                msg.Role,
			Content:             text,
			ParticipantPosition: msg.ParticipantPosition,
		}

		if len(attachments) > 0 {
			if msg.Role == "assistant" {
				tmpl.ExperimentalAttachments = attachments
			} else {
				tmpl.Attachments = attachments
				tmpl.ExperimentalAttachments = attachments
			}
		}

		if opts.SplitAttachmentMessages && binding.Type == entity.SessionTypeImage &&
			msg.Role == "user" && len(attachments) > 0 && strings.TrimSpace(text) != "" {
			// Upstream censorship-evasion behavior: emit the attachment alone
			// first, then the text as its own message, instead of one
			// combined template.
			out = append(out,
				MessageTemplate{Role: msg.Role, Attachments: attachments, ExperimentalAttachments: attachments, ParticipantPosition: msg.ParticipantPosition},
				MessageTemplate{Role: msg.Role, Content: text, ParticipantPosition: msg.ParticipantPosition},
			)
			continue
		}

		out = append(out, tmpl)
	}

	return out, nil
}

// ContentParts exposes splitContent's parsing of an OpenAI message's
// content field (string, []ContentPart, or JSON-decoded []interface{})
// for callers outside this package, such as the direct-upstream
// connector's Gemini translation.
func ContentParts(content interface{}) (string, []ContentPart) {
	return splitContent(content)
}

func splitContent(content interface{}) (string, []ContentPart) {
	switch v := content.(type) {
	case string:
		return v, nil
	case []ContentPart:
		var text strings.Builder
		var rest []ContentPart
		for _, p := range v {
			if p.Type == "text" {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(p.Text)
			} else {
				rest = append(rest, p)
			}
		}
		return text.String(), rest
	case []interface{}:
		// JSON-decoded multimodal content arrives as []interface{} of
		// map[string]interface{} when unmarshaled into `interface{}`.
		var text strings.Builder
		var rest []ContentPart
		for _, raw := range v {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			typ, _ := m["type"].(string)
			switch typ {
			case "text":
				if s, ok := m["text"].(string); ok {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(s)
				}
			case "image_url":
				if iu, ok := m["image_url"].(map[string]interface{}); ok {
					if url, ok := iu["url"].(string); ok {
						rest = append(rest, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
					}
				}
			}
		}
		return text.String(), rest
	default:
		return "", nil
	}
}

func applyRoleConversion(templates []MessageTemplate, policy RoleConversionPolicy, preserveLabels bool) []MessageTemplate {
	switch policy {
	case PolicySystemToUser:
		return systemToUser(templates, preserveLabels)
	case PolicySystemMerge:
		return mergeSystemMessages(templates, preserveLabels)
	case PolicySystemSmartMerge:
		return smartMergeSystem(templates, preserveLabels)
	}
	return templates
}

// labelContent renders a message as a single-line JSON-style role label
// ("role": "content"), escaping backslashes and quotes.
func labelContent(role, content string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(content)
	return fmt.Sprintf(`"%s": "%s"`, role, escaped)
}

// mergeLabeled joins a run of system messages into one string, either
// as a plain "\n\n"-joined block or, when preserveLabels is set, as
// comma-joined JSON-style labels, one per message.
func mergeLabeled(msgs []MessageTemplate, preserveLabels bool) string {
	if !preserveLabels {
		parts := make([]string, len(msgs))
		for i, m := range msgs {
			parts[i] = m.Content
		}
		return strings.Join(parts, "\n\n")
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = labelContent(m.Role, m.Content)
	}
	return strings.Join(parts, ",")
}

// systemToUser implements message_role_conversion_mode "system_to_user":
// every system message becomes a user turn, optionally labeled with its
// original role before the conversion.
func systemToUser(templates []MessageTemplate, preserveLabels bool) []MessageTemplate {
	out := make([]MessageTemplate, len(templates))
	copy(out, templates)
	for i := range out {
		if out[i].Role != "system" {
			continue
		}
		if preserveLabels {
			out[i].Content = labelContent("system", out[i].Content)
		}
		out[i].Role = "user"
	}
	return out
}

// mergeSystemMessages implements "system_merge": every system message
// before the first user/assistant turn is folded into one leading
// system message (left as role "system", never converted further); any
// system message after that point is individually converted to a user
// turn. If every message is a system message, they are all merged into
// one plain, unlabeled system message and the conversion stops there.
func mergeSystemMessages(templates []MessageTemplate, preserveLabels bool) []MessageTemplate {
	firstNonSystem := -1
	for i, t := range templates {
		if t.Role == "user" || t.Role == "assistant" {
			firstNonSystem = i
			break
		}
	}

	if firstNonSystem == -1 {
		var parts []string
		for _, t := range templates {
			if t.Role == "system" {
				parts = append(parts, t.Content)
			}
		}
		if len(parts) == 0 {
			return templates
		}
		return []MessageTemplate{{Role: "system", Content: strings.Join(parts, "\n\n")}}
	}

	var before []MessageTemplate
	var after []MessageTemplate
	for i, t := range templates {
		if i < firstNonSystem {
			before = append(before, t)
			continue
		}
		after = append(after, t)
	}

	out := make([]MessageTemplate, 0, len(after)+1)
	if len(before) > 0 {
		out = append(out, MessageTemplate{Role: "system", Content: mergeLabeled(before, preserveLabels)})
	}
	for _, t := range after {
		if t.Role == "system" {
			if preserveLabels {
				t.Content = labelContent("system", t.Content)
			}
			t.Role = "user"
		}
		out = append(out, t)
	}
	return out
}

// mergeSmartPrefix merges every system message at or before upTo into
// one message, inserted at upTo's original position; it is built with
// role "user" directly since system_smart_merge always converts the
// merged node by the time it returns. Everything else keeps its place.
func mergeSmartPrefix(templates []MessageTemplate, upTo int, preserveLabels bool) []MessageTemplate {
	var toMerge []MessageTemplate
	for i := 0; i <= upTo; i++ {
		if templates[i].Role == "system" {
			toMerge = append(toMerge, templates[i])
		}
	}
	merged := MessageTemplate{Role: "user", Content: mergeLabeled(toMerge, preserveLabels)}

	out := make([]MessageTemplate, 0, len(templates)-len(toMerge)+1)
	inserted := false
	for i, t := range templates {
		if i == upTo && !inserted {
			out = append(out, merged)
			inserted = true
		}
		if i > upTo || (i < upTo && t.Role != "system") {
			out = append(out, t)
		}
	}
	if !inserted {
		out = append([]MessageTemplate{merged}, out...)
	}
	return out
}

// smartMergeSystem implements "system_smart_merge": walk back from the
// first "user" message to the nearest preceding system message
// (system1), then from system1 to the next nearest preceding system
// message (system2); every system message up to and including system2
// is merged into one message inserted at system2's original position.
// Regardless of whether a merge happened, every system message still
// present afterward is unconditionally coerced to a user turn.
func smartMergeSystem(templates []MessageTemplate, preserveLabels bool) []MessageTemplate {
	out := make([]MessageTemplate, len(templates))
	copy(out, templates)

	firstUser := -1
	for i, t := range out {
		if t.Role == "user" {
			firstUser = i
			break
		}
	}

	if firstUser > 0 {
		system1 := -1
		for i := firstUser - 1; i >= 0; i-- {
			if out[i].Role == "system" {
				system1 = i
				break
			}
		}
		if system1 >= 0 {
			system2 := -1
			for i := system1 - 1; i >= 0; i-- {
				if out[i].Role == "system" {
					system2 = i
					break
				}
			}
			if system2 >= 0 {
				out = mergeSmartPrefix(out, system2, preserveLabels)
			}
		}
	}

	for i := range out {
		if out[i].Role != "system" {
			continue
		}
		if preserveLabels {
			out[i].Content = labelContent("system", out[i].Content)
		}
		out[i].Role = "user"
	}
	return out
}

// tavernMerge concatenates every system message into one leading
// system message, unconditionally and without labels — the Tavern-mode
// merge, distinct from the role-conversion policy's system_merge.
func tavernMerge(templates []MessageTemplate) []MessageTemplate {
	var systemParts []string
	var rest []MessageTemplate
	for _, tmpl := range templates {
		if tmpl.Role == "system" {
			systemParts = append(systemParts, tmpl.Content)
			continue
		}
		rest = append(rest, tmpl)
	}
	if len(systemParts) == 0 {
		return rest
	}
	merged := MessageTemplate{Role: "system", Content: strings.Join(systemParts, "\n\n")}
	return append([]MessageTemplate{merged}, rest...)
}

func presetToTemplates(preset *BypassPreset) []MessageTemplate {
	out := make([]MessageTemplate, 0, len(preset.Messages))
	for _, m := range preset.Messages {
		text, _ := splitContent(m.Content)
		out = append(out, MessageTemplate{Role: m.Role, Content: text, ParticipantPosition: m.ParticipantPosition})
	}
	return out
}

// assignParticipantPositions assigns battle participant roles and returns the battle
// target the envelope itself should carry.
func assignParticipantPositions(templates []MessageTemplate, mode entity.SessionMode, battleTarget entity.BattleTarget) entity.BattleTarget {
	if mode == entity.SessionModeBattle {
		// Systems and non-systems alike use battle_target.
		for i := range templates {
			if templates[i].ParticipantPosition == "" {
				templates[i].ParticipantPosition = string(battleTarget)
			}
		}
		return battleTarget
	}

	// direct_chat: systems use "b"; everything else uses "a"; the
	// envelope's overall battle_target is forced to "a" regardless of
	// the binding's configured value.
	for i := range templates {
		if templates[i].ParticipantPosition != "" {
			continue
		}
		if templates[i].Role == "system" {
			templates[i].ParticipantPosition = string(entity.BattleTargetB)
		} else {
			templates[i].ParticipantPosition = string(entity.BattleTargetA)
		}
	}
	return entity.BattleTargetA
}

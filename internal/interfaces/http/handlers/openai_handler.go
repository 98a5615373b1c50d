// Package handlers implements the gateway's HTTP surface: the OpenAI and
// Gemini-compatible chat endpoints, model listings, and the internal
// control endpoints used by the tab-side id-capture helper.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/config"
	"github.com/llmbridge/gateway/internal/directupstream"
	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/imagepipeline"
	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
	"github.com/llmbridge/gateway/internal/lifecycle"
	"github.com/llmbridge/gateway/internal/responder"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/tabs"
	"github.com/llmbridge/gateway/internal/translator"
	apperrors "github.com/llmbridge/gateway/pkg/errors"
	"github.com/llmbridge/gateway/pkg/safego"
)

// OpenAIHandler serves the OpenAI- and Gemini-compatible chat completion
// surface, branching per request between the browser-tab arena and the
// direct-upstream connector.
type OpenAIHandler struct {
	store      *config.Store
	registry   *tabs.Registry
	broker     *tabs.Broker
	hub        *tabs.Hub
	translate  *translator.Translator
	images     *imagepipeline.Pipeline
	verifier   *lifecycle.VerificationFSM
	queue      *lifecycle.PendingRequestQueue
	watchdog   *lifecycle.IdleRestartWatchdog
	capture    *lifecycle.CaptureState
	connector  *directupstream.Connector
	respond    *responder.Responder
	obs        *monitoring.Observability
	logger     *zap.Logger
}

// New constructs the handler with every collaborator it needs; all are
// required except images (nil disables image attachment processing) and
// watchdog (nil disables idle-activity tracking).
func New(
	store *config.Store,
	registry *tabs.Registry,
	broker *tabs.Broker,
	hub *tabs.Hub,
	translate *translator.Translator,
	images *imagepipeline.Pipeline,
	verifier *lifecycle.VerificationFSM,
	queue *lifecycle.PendingRequestQueue,
	watchdog *lifecycle.IdleRestartWatchdog,
	capture *lifecycle.CaptureState,
	connector *directupstream.Connector,
	respond *responder.Responder,
	obs *monitoring.Observability,
	logger *zap.Logger,
) *OpenAIHandler {
	return &OpenAIHandler{
		store:     store,
		registry:  registry,
		broker:    broker,
		hub:       hub,
		translate: translate,
		images:    images,
		verifier:  verifier,
		queue:     queue,
		watchdog:  watchdog,
		capture:   capture,
		connector: connector,
		respond:   respond,
		obs:       obs,
		logger:    logger.With(zap.String("component", "openai-handler")),
	}
}

// openAIModel mirrors one entry of the /v1/models and /v1beta/models
// listing response.
type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	names := h.store.ListModels()
	data := make([]openAIModel, 0, len(names))
	now := time.Now().Unix()
	for _, name := range names {
		data = append(data, openAIModel{ID: name, Object: "model", Created: now, OwnedBy: "LMArenaBridge"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ListGeminiModels handles GET /v1beta/models, restricted to bindings
// whose api_type is gemini_native.
func (h *OpenAIHandler) ListGeminiModels(c *gin.Context) {
	names := h.store.ListDirectModels(entity.APITypeGeminiNative)
	data := make([]openAIModel, 0, len(names))
	now := time.Now().Unix()
	for _, name := range names {
		data = append(data, openAIModel{ID: name, Object: "model", Created: now, OwnedBy: "LMArenaBridge"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req translator.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, http.StatusBadRequest, "messages array must not be empty", "invalid_request_error")
		return
	}

	binding, ok := h.store.GetEndpoint(req.Model)
	if !ok {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("unknown model %q", req.Model), "invalid_request_error")
		return
	}

	// The global API key guards browser-tab models only; direct-API
	// bindings carry their own upstream credential.
	if !binding.IsDirect() {
		if key := h.store.GetConfig().APIKey; key != "" && bearerToken(c) != key {
			writeError(c, http.StatusUnauthorized, "invalid or missing API key", "authentication_error")
			return
		}
	}

	if h.watchdog != nil {
		h.watchdog.Touch()
	}

	requestID := entity.NewRequestID()
	h.obs.RequestStart(requestID, req.Model, len(req.Messages))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, _, err := h.dispatch(ctx, requestID, &req, binding)
	if err != nil {
		h.finishWithError(requestID, err)
		writeAppError(c, err)
		return
	}

	promptTokens := h.respond.CountPromptTokens(req.Model, req.Messages)

	var outcome responder.Outcome
	if req.Stream {
		outcome = h.respond.StreamSSE(ctx, c, req.Model, requestID, promptTokens, events, h.reasoningMode(), cancel)
	} else {
		outcome = h.respond.Collect(ctx, c, req.Model, requestID, promptTokens, events, cancel)
	}

	h.finishOutcome(requestID, binding, outcome)
}

// dispatch routes one already-validated request to either the
// direct-upstream connector or the browser-tab arena, shared by the
// OpenAI and Gemini-native inbound surfaces alike.
func (h *OpenAIHandler) dispatch(ctx context.Context, requestID string, req *translator.ChatCompletionRequest, binding entity.SessionBinding) (<-chan streamparser.Event, string, error) {
	if binding.IsDirect() {
		events, err := h.connector.Dispatch(ctx, req, binding)
		return events, "", err
	}
	return h.dispatchTabPath(ctx, requestID, req, binding)
}

// dispatchTabPath implements the browser-tab admission path: verification
// gating, optional auto-retry queueing, tab selection, translation, and
// dispatch, returning the parser's event stream.
func (h *OpenAIHandler) dispatchTabPath(ctx context.Context, requestID string, req *translator.ChatCompletionRequest, binding entity.SessionBinding) (<-chan streamparser.Event, string, error) {
	if admissible, remaining := h.verifier.Admissible(); !admissible {
		return nil, "", apperrors.NewVerificationChallengeError(fmt.Sprintf("human verification in progress, retry in %ds", remaining))
	}

	settings := h.store.GetConfig()

	if !h.registry.AnyConnected() {
		if !settings.AutoRetryEnabled {
			return nil, "", apperrors.NewNoTabConnectedError("no browser tab connected")
		}
		item := h.queue.Enqueue(req, requestID)
		deadline := time.Duration(settings.ActiveRequestTimeoutSec) * time.Second
		if err := item.Await(ctx, deadline); err != nil {
			return nil, "", err
		}
	}

	tabID, sender, err := h.registry.SelectBestTab(ctx)
	if err != nil {
		return nil, "", err
	}

	opts := h.translateOptions(settings, req.Model, binding)
	envelope, err := h.translate.Translate(ctx, req, binding, opts)
	if err != nil {
		h.registry.Release(tabID)
		return nil, "", err
	}

	pending := &entity.PendingRequest{
		RequestID:        requestID,
		OpenAIRequest:    req,
		SessionBinding:   binding,
		TabID:            tabID,
		OriginalTabID:    tabID,
		CreatedAt:        time.Now(),
		TransferAllowed:  true,
		TranslateOptions: opts,
	}
	frames := h.broker.Open(pending, 0)

	out := tabs.OutboundRequest{
		RequestID: requestID,
		Payload:   *envelope,
		RetryConfig: map[string]interface{}{
			"auto_retry_enabled":    settings.AutoRetryEnabled,
			"max_request_transfers": settings.MaxRequestTransfers,
		},
	}
	if err := sender.Send(out); err != nil {
		// CloseNow releases the tab counter through the broker's
		// release hook.
		h.broker.CloseNow(requestID)
		return nil, "", apperrors.NewUpstreamError("failed to dispatch to browser tab", err)
	}

	images := h.imageHandlerFor(binding.ImageCfg)
	parser := streamparser.New(images, h.verifier, h.logger)

	events := make(chan streamparser.Event, 16)
	streamTimeout := time.Duration(settings.StreamResponseTimeoutSec) * time.Second
	safego.Go(h.logger, "stream-parser", func() {
		parser.Run(ctx, frames, streamTimeout, events)
		if ctx.Err() != nil {
			// Client went away: tell whichever tab currently owns the
			// request to stop generating, then tear down immediately
			// rather than waiting out the grace window.
			if owner, ok := h.broker.Owner(requestID); ok {
				if sender, ok := h.registry.Sender(owner); ok {
					_ = sender.Send(tabs.OutboundCommand{Command: "cancel_request", RequestID: requestID})
				}
			}
			h.broker.CloseNow(requestID)
			return
		}
		h.broker.CloseAfterGrace(requestID)
	})

	return events, tabID, nil
}

// imageHandlerFor wires the image pipeline into the parser for one
// request's assistant-authored image attachments.
func (h *OpenAIHandler) imageHandlerFor(imageCfg *entity.ImageCompressionConfig) streamparser.ImageHandler {
	if h.images == nil {
		return nil
	}
	return &imageHandlerAdapter{pipeline: h.images, role: "assistant", imageCfg: imageCfg}
}

func (h *OpenAIHandler) translateOptions(settings config.Settings, model string, binding entity.SessionBinding) translator.Options {
	opts := translator.Options{
		RoleConversionPolicy:    translator.RoleConversionPolicy(settings.RoleConversionPolicy),
		PreserveRoleLabels:      settings.MergePreserveRoleLabels,
		StripReasoningHistory:   settings.StripReasoningHistory,
		ReasoningOutputMode:     settings.ReasoningOutputMode,
		TavernModeEnabled:       settings.TavernModeEnabled,
		BypassEnabled:           settings.BypassEnabled,
		BypassEnabledForType:    bypassEnabledForType(settings, binding.Type),
		SplitAttachmentMessages: settings.SplitAttachmentMessages,
	}
	if mi, ok := h.store.GetModelInfo(model); ok {
		opts.TargetModelID = mi.ID
	}
	if opts.BypassEnabled && opts.BypassEnabledForType {
		if preset, ok := h.store.GetBypassPreset(settings.ActiveBypassPreset); ok {
			opts.BypassPreset = &preset
		}
	}
	return opts
}

func bypassEnabledForType(settings config.Settings, t entity.SessionType) bool {
	switch t {
	case entity.SessionTypeImage:
		return settings.BypassEnabledImage
	case entity.SessionTypeSearch:
		return settings.BypassEnabledSearch
	default:
		return true
	}
}

func (h *OpenAIHandler) reasoningMode() responder.ReasoningMode {
	if h.store.GetConfig().ReasoningOutputMode == "think_tag" {
		return responder.ReasoningModeThinkTag
	}
	return responder.ReasoningModeOpenAI
}

func (h *OpenAIHandler) finishWithError(requestID string, err error) {
	h.obs.RequestEnd(requestID, monitoring.RequestEndParams{Success: false, Err: err})
}

func (h *OpenAIHandler) finishOutcome(requestID string, binding entity.SessionBinding, outcome responder.Outcome) {
	params := monitoring.RequestEndParams{
		Success:          outcome.Success,
		InputTokens:      outcome.Usage.PromptTokens,
		OutputTokens:     outcome.Usage.CompletionTokens,
		ResponseContent:  outcome.ResponseContent,
		ReasoningContent: outcome.ReasoningContent,
		Err:              outcome.Err,
	}
	if binding.IsDirect() && binding.Pricing != nil {
		cost := directupstream.ComputeCost(outcome.Usage, *binding.Pricing)
		params.Cost = &cost
	}
	h.obs.RequestEnd(requestID, params)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, responder.ErrorResponse{Error: responder.ErrorBody{Message: message, Type: errType}})
}

// writeAppError maps a typed AppError (or a bare error) to its HTTP
// status, falling back to a generic 500 for untyped errors.
func writeAppError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		writeError(c, appErr.Status(), appErr.Message, string(appErr.Code))
		return
	}
	writeError(c, http.StatusInternalServerError, err.Error(), "server_error")
}

package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/tabs"
	"github.com/llmbridge/gateway/internal/translator"
)

// Reassigner implements ReassignPending: when a tab disconnects,
// every request it owned is either transferred to the next least-loaded
// tab or, once max_request_transfers is exhausted, terminated.
type Reassigner struct {
	registry     *tabs.Registry
	broker       *tabs.Broker
	translate    *translator.Translator
	maxTransfers int
	autoRetry    func() bool
	logger       *zap.Logger
}

// NewReassigner wires the registry, broker, and translator needed to
// rebuild and resend an envelope to a new tab. autoRetry reports the
// current auto_retry_enabled setting: when it is on and the last tab
// disconnects, orphaned requests are left waiting for RecoverOrphaned
// instead of being terminated.
func NewReassigner(registry *tabs.Registry, broker *tabs.Broker, translate *translator.Translator, maxTransfers int, autoRetry func() bool, logger *zap.Logger) *Reassigner {
	if maxTransfers <= 0 {
		maxTransfers = 3
	}
	return &Reassigner{
		registry:     registry,
		broker:       broker,
		translate:    translate,
		maxTransfers: maxTransfers,
		autoRetry:    autoRetry,
		logger:       logger.With(zap.String("component", "reassigner")),
	}
}

// ReassignPending is the callback installed via Hub.SetReassigner.
func (r *Reassigner) ReassignPending(ctx context.Context, deadTabID string) {
	for _, pending := range r.broker.OwnedBy(deadTabID) {
		r.reassignOne(ctx, pending)
	}
}

// RecoverOrphaned transfers every still-open request whose owning tab is
// gone — the request-recovery pass run on each fresh WebSocket accept,
// picking up requests stranded while no tab at all was connected.
func (r *Reassigner) RecoverOrphaned(ctx context.Context) {
	for _, pending := range r.broker.All() {
		if r.registry.Connected(pending.TabID) {
			continue
		}
		r.reassignOne(ctx, pending)
	}
}

func (r *Reassigner) reassignOne(ctx context.Context, pending *entity.PendingRequest) {
	if pending.TransferCount >= r.maxTransfers {
		r.broker.PushTerminal(pending.RequestID, "request could not be completed: all browser tabs disconnected")
		r.logger.Warn("reassignment exhausted", zap.String("request_id", pending.RequestID))
		return
	}

	newTabID, sender, err := r.registry.SelectBestTab(ctx)
	if err != nil {
		if r.autoRetry != nil && r.autoRetry() && !r.registry.AnyConnected() {
			// No tab left at all: keep the channel open so the next
			// WebSocket accept can recover the request, bounded by the
			// stale sweeper if no tab ever returns.
			r.logger.Info("no tab available, holding request for recovery",
				zap.String("request_id", pending.RequestID))
			return
		}
		r.broker.PushTerminal(pending.RequestID, "no browser tab available for reassignment")
		return
	}

	opts, _ := pending.TranslateOptions.(translator.Options)
	envelope, err := r.translate.Translate(ctx, pending.OpenAIRequest.(*translator.ChatCompletionRequest), pending.SessionBinding, opts)
	if err != nil {
		r.registry.Release(newTabID)
		r.broker.PushTerminal(pending.RequestID, "failed to rebuild request for transfer")
		return
	}

	pending.TransferCount++
	out := tabs.OutboundRequest{
		RequestID:     pending.RequestID,
		Payload:       *envelope,
		IsTransfer:    true,
		OriginalTabID: pending.OriginalTabID,
		TransferCount: pending.TransferCount,
	}

	if err := sender.Send(out); err != nil {
		r.registry.Release(newTabID)
		r.broker.PushTerminal(pending.RequestID, "failed to deliver transfer to new tab")
		return
	}

	r.broker.Reassign(pending.RequestID, newTabID)
	r.logger.Info("request reassigned",
		zap.String("request_id", pending.RequestID),
		zap.String("new_tab", newTabID),
		zap.Int("transfer_count", pending.TransferCount),
	)
}

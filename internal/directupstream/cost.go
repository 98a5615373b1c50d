package directupstream

import (
	"github.com/llmbridge/gateway/internal/entity"
)

// ComputeCost applies a binding's per-token pricing to a resolved usage
// block: a flat per-side rate scaled by the priced unit. A binding that
// omits the unit is priced per million tokens, the convention every
// upstream quotes rates in.
func ComputeCost(usage entity.Usage, pricing entity.Pricing) entity.CostInfo {
	unit := pricing.Unit
	if unit <= 0 {
		unit = 1_000_000
	}

	inputCost := round6((float64(usage.PromptTokens) / unit) * pricing.Input)
	outputCost := round6((float64(usage.CompletionTokens) / unit) * pricing.Output)

	return entity.CostInfo{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  round6(inputCost + outputCost),
		Currency:   pricing.Currency,
		Pricing:    pricing,
	}
}

func round6(v float64) float64 {
	const scale = 1e6
	if v == 0 {
		return 0
	}
	return float64(int64(v*scale+sign(v)*0.5)) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

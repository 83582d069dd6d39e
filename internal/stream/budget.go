package stream

import (
	"log"

	"github.com/awsl-project/agproxy/internal/domain"
)

const (
	// HardCap bounds thinking budget plus output headroom; going past it
	// trips rate limits on some backends.
	HardCap = 32000
	// MinMaxTokens floors max_tokens for thinking-enabled requests so
	// long outputs are not truncated early.
	MinMaxTokens = 16384
	// MinOutputTokens is the headroom reserved for visible output after
	// the thinking budget is spent.
	MinOutputTokens = 1024
)

// ClampThinkingBudget adjusts the thinking budget and max_tokens in
// place so that budget + MinOutputTokens fits under HardCap. The budget
// is lowered rather than max_tokens raised past the cap; max_tokens is
// raised to at least budget + MinOutputTokens and floored at
// MinMaxTokens for thinking requests.
func ClampThinkingBudget(req *domain.Request) {
	if req.Thinking == nil || !req.Thinking.Enabled {
		return
	}

	budget := req.Thinking.BudgetTokens
	if budget <= 0 {
		if req.MaxTokens > 0 && req.MaxTokens < MinMaxTokens {
			req.MaxTokens = MinMaxTokens
		}
		return
	}

	if budget+MinOutputTokens > HardCap {
		clamped := HardCap - MinOutputTokens
		log.Printf("[Budget] thinking budget %d exceeds cap, clamped to %d", budget, clamped)
		budget = clamped
		req.Thinking.BudgetTokens = budget
	}

	if req.MaxTokens < budget+MinOutputTokens {
		req.MaxTokens = budget + MinOutputTokens
	}
	if req.MaxTokens < MinMaxTokens {
		req.MaxTokens = MinMaxTokens
	}
}

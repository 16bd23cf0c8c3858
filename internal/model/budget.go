package model

import "sync"

// BudgetAccumulator tracks per-agent cumulative usage. It is updated
// on every `usage` AgentEvent and consulted by the supervisor/loop to
// decide whether to transition to `stopped` with a budget error.
//
// Persisted alongside the agent registry entry so a restarted
// supervisor resumes with the correct spend-to-date.
type BudgetAccumulator struct {
	mu sync.Mutex

	InputTokens  int64   `yaml:"inputTokens" json:"inputTokens"`
	OutputTokens int64   `yaml:"outputTokens" json:"outputTokens"`
	USDCost      float64 `yaml:"usdCost" json:"usdCost"`
	Turns        int     `yaml:"turns" json:"turns"`
}

// Add applies a usage delta and increments the turn counter.
func (b *BudgetAccumulator) Add(delta BudgetDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InputTokens += delta.InputTokens
	b.OutputTokens += delta.OutputTokens
	b.USDCost += delta.USDCost
	b.Turns++
}

// Snapshot returns a copy safe to read or serialize without holding
// the accumulator's lock.
func (b *BudgetAccumulator) Snapshot() BudgetAccumulator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetAccumulator{
		InputTokens:  b.InputTokens,
		OutputTokens: b.OutputTokens,
		USDCost:      b.USDCost,
		Turns:        b.Turns,
	}
}

// Exceeded reports whether the accumulated spend has crossed either
// configured budget. A nil limit means "unbounded" for that dimension.
func (b *BudgetAccumulator) Exceeded(tokenBudget *int64, costBudgetUSD *float64) bool {
	snap := b.Snapshot()
	if tokenBudget != nil && snap.InputTokens+snap.OutputTokens > *tokenBudget {
		return true
	}
	if costBudgetUSD != nil && snap.USDCost > *costBudgetUSD {
		return true
	}
	return false
}

// Absorb folds a subworker's final usage into the parent's
// accumulator when the subworker finishes. Deliberately does not
// increment Turns — a subworker's turns are its own, not the
// parent's.
func (b *BudgetAccumulator) Absorb(sub BudgetAccumulator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InputTokens += sub.InputTokens
	b.OutputTokens += sub.OutputTokens
	b.USDCost += sub.USDCost
}

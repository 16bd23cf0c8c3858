package model

import "testing"

func TestBudgetAccumulatorExceeded(t *testing.T) {
	b := &BudgetAccumulator{}
	b.Add(BudgetDelta{InputTokens: 100, OutputTokens: 50, USDCost: 0.0105})

	cost := 0.01
	if !b.Exceeded(nil, &cost) {
		t.Fatal("expected cost budget to be exceeded")
	}

	tokens := int64(1000)
	if b.Exceeded(&tokens, nil) {
		t.Fatal("did not expect token budget to be exceeded")
	}
}

func TestBudgetAccumulatorAbsorb(t *testing.T) {
	parent := &BudgetAccumulator{}
	parent.Add(BudgetDelta{InputTokens: 10, OutputTokens: 10, USDCost: 0.01})

	sub := BudgetAccumulator{InputTokens: 5, OutputTokens: 5, USDCost: 0.02}
	parent.Absorb(sub)

	snap := parent.Snapshot()
	if snap.InputTokens != 15 || snap.OutputTokens != 15 {
		t.Fatalf("unexpected token totals after absorb: %+v", snap)
	}
	if snap.USDCost < 0.029 || snap.USDCost > 0.031 {
		t.Fatalf("unexpected cost after absorb: %v", snap.USDCost)
	}
	// Absorb must not bump Turns — the parent's own turn count is
	// independent of subworker turns.
	if snap.Turns != 1 {
		t.Fatalf("expected Turns to remain 1, got %d", snap.Turns)
	}
}

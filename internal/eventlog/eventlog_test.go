package eventlog

import (
	"strings"
	"testing"
)

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		Seq:       1,
		Timestamp: "2026-02-12T10:00:00Z",
		Agent:     "agent-1",
		Kind:      "state_change",
		Decision:  "info",
		PrevHash:  "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}

	hash1 := computeHash(e)
	hash2 := computeHash(e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
}

func TestComputeHash_DifferentEntries(t *testing.T) {
	e1 := &Entry{Seq: 1, Agent: "a", Kind: "state_change", Decision: "info", PrevHash: "sha256:00"}
	e2 := &Entry{Seq: 2, Agent: "a", Kind: "state_change", Decision: "info", PrevHash: "sha256:00"}

	if computeHash(e1) == computeHash(e2) {
		t.Error("different seq should produce different hashes")
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		Seq: 1, Timestamp: "2026-02-12T10:00:00Z", Agent: "agent1",
		Kind: "correlation", Decision: "response", PrevHash: "sha256:abc",
	}
	baseHash := computeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00Z" }},
		{"agent", func(e *Entry) { e.Agent = "different" }},
		{"kind", func(e *Entry) { e.Kind = "budget" }},
		{"decision", func(e *Entry) { e.Decision = "timeout" }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestVerifyEntry_Valid(t *testing.T) {
	e := &Entry{
		Seq: 0, Timestamp: "2026-02-12T10:00:00Z", Decision: "info",
		PrevHash: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	e.Hash = computeHash(e)

	if !verifyEntry(e) {
		t.Error("entry with correct hash should verify as true")
	}
}

func TestVerifyEntry_TamperedHash(t *testing.T) {
	e := &Entry{Seq: 1, Agent: "a", Kind: "correlation", Decision: "response", PrevHash: "sha256:00"}
	e.Hash = "sha256:tampered"

	if verifyEntry(e) {
		t.Error("entry with tampered hash should verify as false")
	}
}

func TestVerifyEntry_TamperedField(t *testing.T) {
	e := &Entry{Seq: 1, Agent: "a", Kind: "correlation", Decision: "response", PrevHash: "sha256:00"}
	e.Hash = computeHash(e)

	e.Decision = "timeout"

	if verifyEntry(e) {
		t.Error("entry with tampered field should verify as false")
	}
}

func TestHashChain_Integrity(t *testing.T) {
	genesis := "0000000000000000000000000000000000000000000000000000000000000000"

	e1 := &Entry{Seq: 0, Timestamp: "t0", Decision: "info", PrevHash: genesis}
	e1.Hash = computeHash(e1)

	e2 := &Entry{Seq: 1, Timestamp: "t1", Agent: "a", Kind: "state_change", Decision: "info", PrevHash: e1.Hash}
	e2.Hash = computeHash(e2)

	e3 := &Entry{Seq: 2, Timestamp: "t2", Agent: "a", Kind: "budget", Decision: "stop", PrevHash: e2.Hash}
	e3.Hash = computeHash(e3)

	if !verifyEntry(e1) || !verifyEntry(e2) || !verifyEntry(e3) {
		t.Error("all three untampered entries should verify")
	}

	e2.Agent = "tampered"
	if verifyEntry(e2) {
		t.Error("tampered e2 should not verify")
	}
}

func TestLog_AppendAndTail(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Close()

	log.LogStateChange("agent-1", "anthropic", "claude", "pending", "running", "start() called")
	log.LogCorrelation("agent-1", "tool", "response", map[string]any{"name": "runjs"}, 1200)
	log.LogBudget("agent-1", map[string]any{"tokens": 5000})

	entries, err := log.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[len(entries)-1].Kind != "budget" {
		t.Errorf("expected last entry kind=budget, got %q", entries[len(entries)-1].Kind)
	}
}

func TestLog_VerifyChain(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Close()

	log.LogStateChange("agent-1", "", "", "pending", "running", "")
	log.LogStateChange("agent-1", "", "", "running", "stopped", "")

	result, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got broken at %d", result.BrokenAt)
	}
}

func TestLog_QueryByAgentAndKind(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Close()

	log.LogStateChange("agent-1", "", "", "pending", "running", "")
	log.LogStateChange("agent-2", "", "", "pending", "running", "")
	log.LogBudget("agent-1", nil)

	entries, err := log.Query(QueryParams{Agent: "agent-1", Kind: "state_change"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 matching entry, got %d", len(entries))
	}
}

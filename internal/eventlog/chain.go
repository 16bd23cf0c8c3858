// Package eventlog implements the fabric event log: a tamper-evident,
// hash-chained, append-only record of every state transition,
// correlated request outcome, and budget event across every
// supervised agent.
//
// Entry.Kind carries "state_change", "correlation", and "budget", and
// Agent identifies a supervised agent id. The hash chain, daily JSONL
// rotation, and SQLite query index are domain-agnostic mechanics that
// need no change to provide tamper-evidence over this event vocabulary.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeHash calculates the SHA-256 hash for an event log entry. The
// hash depends on the previous entry's hash, forming a chain where
// modifying any entry invalidates every subsequent entry.
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s",
		e.PrevHash, e.Seq, e.Timestamp,
		e.Agent, e.Kind, e.Decision)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry reports whether an entry's stored hash matches its
// recomputed hash.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}

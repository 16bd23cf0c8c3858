package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshrun/meshd/internal/model"
)

// correlation is a single pending request/response pairing: one id
// mapped to a result channel and a timeout timer, settled exactly
// once. Grounded on the mutex-guarded map idiom in
// internal/agent.Registry and internal/agent.KillSwitch, and on
// clawinfra-evoclaw's waitForToolResult/RegisterResultHandler pattern
// (buffered result channel + timer).
type correlation struct {
	id        string
	kind      model.CorrelationKind
	origin    string // originating worker id
	result    chan correlationResult
	timer     *time.Timer
	fulfilled bool
}

type correlationResult struct {
	envelope Envelope
	err      error
}

// correlationTable is the relay's map of in-flight correlated
// requests, keyed by id. Every emitted id eventually receives exactly
// one response or times out; CancelOrigin and CancelAll implement the
// "eventually" half for shutdown and stop_agent.
type correlationTable struct {
	mu    sync.Mutex
	byID  map[string]*correlation
	byOrg map[string]map[string]bool // originWorkerId -> set of ids, for CancelOrigin
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{
		byID:  make(map[string]*correlation),
		byOrg: make(map[string]map[string]bool),
	}
}

// register creates a new correlation id, starts its timeout timer, and
// returns the record. onTimeout is invoked exactly once if no
// Resolve/Reject happens before the deadline.
func (t *correlationTable) register(kind model.CorrelationKind, origin string, timeout time.Duration, onTimeout func(id string)) *correlation {
	id := string(kind) + "-" + uuid.NewString()

	c := &correlation{
		id:     id,
		kind:   kind,
		origin: origin,
		result: make(chan correlationResult, 1),
	}

	t.mu.Lock()
	t.byID[id] = c
	if t.byOrg[origin] == nil {
		t.byOrg[origin] = make(map[string]bool)
	}
	t.byOrg[origin][id] = true
	t.mu.Unlock()

	c.timer = time.AfterFunc(timeout, func() {
		if t.settle(id, correlationResult{err: model.NewErrorf(model.ErrTimeout, "correlated request %s timed out", id)}) {
			onTimeout(id)
		}
	})

	return c
}

// settle delivers a result to the correlation's channel exactly once.
// Returns true if this call is the one that fulfilled it (false if it
// was already fulfilled by a prior response, timeout, or cancellation).
func (t *correlationTable) settle(id string, res correlationResult) bool {
	t.mu.Lock()
	c, ok := t.byID[id]
	if !ok || c.fulfilled {
		t.mu.Unlock()
		return false
	}
	c.fulfilled = true
	delete(t.byID, id)
	if ids := t.byOrg[c.origin]; ids != nil {
		delete(ids, id)
	}
	t.mu.Unlock()

	c.timer.Stop()
	c.result <- res
	return true
}

// resolve fulfils a pending correlation with a successful response.
func (t *correlationTable) resolve(id string, env Envelope) bool {
	return t.settle(id, correlationResult{envelope: env})
}

// reject fulfils a pending correlation with an error.
func (t *correlationTable) reject(id string, err error) bool {
	return t.settle(id, correlationResult{err: err})
}

// cancelOrigin rejects every pending correlation owned by originWorkerId
// with model.ErrCancelled. Used by stop_agent to atomically cancel
// every correlation owned by the target worker.
func (t *correlationTable) cancelOrigin(originWorkerID string) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.byOrg[originWorkerID]))
	for id := range t.byOrg[originWorkerID] {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.reject(id, model.NewError(model.ErrCancelled, "cancelled: stop_agent"))
	}
}

// cancelAll rejects every pending correlation with model.ErrCancelled.
// Called on supervisor shutdown.
func (t *correlationTable) cancelAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.reject(id, model.NewError(model.ErrCancelled, "cancelled: shutdown"))
	}
}

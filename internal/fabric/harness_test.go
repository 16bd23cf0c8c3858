// Package fabric drives the supervisor, relay, sandbox document, and
// agentic loop together the way a running meshd process wires them,
// substituting a scripted provider stream for the network so each
// scenario below runs deterministically and entirely in-process.
//
// There is no non-test source in this package: it exists only to
// exercise the seams between packages that each package's own tests
// necessarily stub out.
package fabric

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meshrun/meshd/internal/hooks"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
)

// passthroughAdapter skips real vendor wire parsing: ParseSSEEvent
// JSON-decodes SSEEvent.Data directly into a model.AgentEvent. Every
// scenario below scripts the stream it wants a turn to produce
// instead of scripting vendor SSE syntax, so only the loop/supervisor/
// relay plumbing is under test, not any one vendor's wire format
// (already covered by provider/anthropic and provider/openai's own
// tests).
type passthroughAdapter struct{}

func (passthroughAdapter) Name() string { return "fake" }

func (passthroughAdapter) BuildRequest(_ []model.Message, _ []provider.ToolSchema, _ model.AgentConfig) (provider.Request, error) {
	return provider.Request{URL: "/api/fake/v1/messages"}, nil
}

func (passthroughAdapter) ParseSSEEvent(ev provider.SSEEvent) ([]model.AgentEvent, error) {
	var ae model.AgentEvent
	if err := json.Unmarshal([]byte(ev.Data), &ae); err != nil {
		return nil, err
	}
	return []model.AgentEvent{ae}, nil
}

func (passthroughAdapter) ResetState() {}

func (passthroughAdapter) ExtractUsage(_ []byte) (model.BudgetDelta, error) {
	return model.BudgetDelta{}, nil
}

func (passthroughAdapter) EstimateCost(_ string, delta model.BudgetDelta) float64 {
	return delta.USDCost
}

func (passthroughAdapter) Models() []provider.ModelInfo { return nil }

// scriptedStream returns a Deps.Stream substitute that hands back one
// turn's worth of pre-scripted events, already JSON-encoded, each time
// the loop opens a new stream. A call past the end of the script
// returns a synthesized end_turn rather than hanging, so a test that
// miscounts turns fails fast instead of timing out.
func scriptedStream(turns [][]model.AgentEvent) func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error) {
		mu.Lock()
		var turn []model.AgentEvent
		if i < len(turns) {
			turn = turns[i]
		} else {
			turn = []model.AgentEvent{{Kind: model.EventTurnEnd, StopReason: model.StopEndTurn}}
		}
		i++
		mu.Unlock()

		ch := make(chan provider.SSEEvent, len(turn))
		for _, ev := range turn {
			data, err := json.Marshal(ev)
			if err != nil {
				return nil, err
			}
			ch <- provider.SSEEvent{Data: string(data)}
		}
		close(ch)
		return ch, nil
	}
}

// newHooks builds a hook engine against a rules file that doesn't
// exist yet, matching how a freshly provisioned agent's hooks.yaml
// starts out: no rules beyond the builtins.
func newHooks(t *testing.T) *hooks.Engine {
	t.Helper()
	e, err := hooks.New(filepath.Join(t.TempDir(), "hooks.yaml"))
	if err != nil {
		t.Fatalf("hooks.New: %v", err)
	}
	return e
}

// drain reads events until until(ev) reports true, returning every
// event observed up to and including that one. Fails the test if
// timeout elapses first.
func drain(t *testing.T, events <-chan model.AgentEvent, timeout time.Duration, until func(model.AgentEvent) bool) []model.AgentEvent {
	t.Helper()
	var collected []model.AgentEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			collected = append(collected, ev)
			if until(ev) {
				return collected
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event; collected %d events: %+v", len(collected), collected)
		}
	}
}

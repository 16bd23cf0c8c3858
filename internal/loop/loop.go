// Package loop implements the agentic think→act cycle for one
// (sub)agent: assemble prompt → build provider request → stream →
// accumulate events → execute tool calls → append results → check
// stop conditions → iterate.
//
// Grounded on other_examples' clawinfra-evoclaw toolloop.go
// (ToolLoop.Execute, executeParallel's errgroup.SetLimit fan-out,
// consecutive-error tracking) — the closest real analogue in the
// whole corpus to a think-act cycle — adapted from a single in-process
// orchestrator method into one goroutine-per-worker peer that drives
// itself over a relay.Relay channel.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshrun/meshd/internal/hooks"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
	"github.com/meshrun/meshd/internal/relay"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// maxParallelTools bounds bounded-parallel execution of side-effect-free
// tool calls within one turn — the Go rendition of ToolLoop's
// maxParallel=5 fan-out limit.
const maxParallelTools = 5

// ToolExecutor executes one tool call and returns its result body (or
// an error). The loop calls this after resolving a tool's execution
// context via the registry; the concrete implementation lives in
// package sandbox/supervisor, which know how to round-trip a
// tool_call through the relay.
type ToolExecutor func(ctx context.Context, call model.AgentEvent) (result string, isError bool, err error)

// Deps bundles the collaborators a Worker needs. Each Worker owns its
// own Adapter instance (stateful across one turn's stream) and its own
// relay peer inbox.
type Deps struct {
	AgentID    string
	Config     model.AgentConfig
	Adapter    provider.Adapter
	Tools      *toolregistry.Registry
	Hooks      *hooks.Engine
	Relay      *relay.Relay
	Budget     *model.BudgetAccumulator
	Execute    ToolExecutor
	// StreamFunc issues req against the interceptor and returns a
	// channel of provider.SSEEvent; normally backed by provider.ScanSSE
	// fed from an http.Response.Body. Substitutable in tests.
	StreamFunc func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error)
	// ActiveSkills names the skills whose instructions are currently
	// part of the prompt — hook rules scoped to a skill apply only
	// while that skill is active.
	ActiveSkills []string
}

// Worker drives one agent's (or subagent's) agentic loop. One Worker
// runs on exactly one goroutine: single-threaded, cooperative per peer.
type Worker struct {
	deps        Deps
	messages    []model.Message
	paused      bool
	pauseCh     chan struct{}
	cancelTurn  context.CancelFunc
	stopped     bool
}

// New constructs a Worker seeded with the initial conversation.
func New(deps Deps, seed []model.Message) *Worker {
	return &Worker{deps: deps, messages: append([]model.Message(nil), seed...), pauseCh: make(chan struct{}, 1)}
}

// Run drives the loop until a stop condition is reached: budget
// exhaustion, end_turn, cancellation, or a hook-induced stop. It emits
// every AgentEvent it produces onto out, matching the uniform stream
// the supervisor/dashboard observe.
func (w *Worker) Run(ctx context.Context, out chan<- model.AgentEvent) error {
	for {
		if w.stopped {
			return nil
		}
		if w.paused {
			select {
			case <-w.pauseCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		stop, err := w.runTurn(ctx, out)
		if err != nil {
			emit(out, model.AgentEvent{Kind: model.EventError, AgentID: w.deps.AgentID, ErrorKind: errKind(err), ErrorMsg: err.Error()})
			emit(out, model.AgentEvent{Kind: model.EventTurnEnd, AgentID: w.deps.AgentID, StopReason: model.StopError})
			return err
		}
		if stop {
			return nil
		}
	}
}

// Pause blocks the worker before its next provider stream, after the
// current tool call (if any) finishes — a cooperative pause.
func (w *Worker) Pause() { w.paused = true }

// Resume wakes a paused worker.
func (w *Worker) Resume() {
	w.paused = false
	select {
	case w.pauseCh <- struct{}{}:
	default:
	}
}

// Stop cancels the in-flight stream/tool correlations and marks the
// worker to exit its loop after the current iteration.
func (w *Worker) Stop() {
	w.stopped = true
	if w.cancelTurn != nil {
		w.cancelTurn()
	}
	w.deps.Relay.CancelOrigin("worker:" + w.deps.AgentID)
}

// runTurn executes exactly one think→act cycle: stream the model's
// response, execute any accumulated tool calls, append results. It
// returns stop=true when the loop should not iterate again.
func (w *Worker) runTurn(ctx context.Context, out chan<- model.AgentEvent) (stop bool, err error) {
	turnCtx, cancel := context.WithCancel(ctx)
	w.cancelTurn = cancel
	defer cancel()

	if w.deps.Budget.Exceeded(w.deps.Config.TokenBudget, w.deps.Config.CostBudgetUSD) {
		emit(out, model.AgentEvent{Kind: model.EventTurnEnd, AgentID: w.deps.AgentID, StopReason: model.StopBudget})
		return true, nil
	}

	if d := w.deps.Hooks.Evaluate(hooks.Event{Phase: hooks.PhaseTurnStart, AgentID: w.deps.AgentID}, w.deps.ActiveSkills...); d.Action == "deny" {
		emit(out, model.AgentEvent{Kind: model.EventTurnEnd, AgentID: w.deps.AgentID, StopReason: model.StopCancelled})
		return true, nil
	}

	w.deps.Adapter.ResetState()

	toolSchemas := toolSchemasFor(w.deps.Tools, w.deps.Config.Tools)
	req, err := w.deps.Adapter.BuildRequest(w.messages, toolSchemas, w.deps.Config)
	if err != nil {
		return false, err
	}

	events, err := w.deps.StreamFunc(turnCtx, req)
	if err != nil {
		return false, model.NewErrorf(model.ErrNetwork, "loop: opening provider stream").WithWrapped(err)
	}

	var (
		textAccum   string
		toolCalls   []model.AgentEvent // tool_use_done events, in model-emitted order
		turnEnded   bool
		stopReason  model.StopReason
	)

	for sseEvt := range events {
		agentEvents, perr := w.deps.Adapter.ParseSSEEvent(sseEvt)
		if perr != nil {
			return false, perr
		}
		for _, ae := range agentEvents {
			ae.AgentID = w.deps.AgentID
			switch ae.Kind {
			case model.EventTextDelta:
				textAccum += ae.Text
			case model.EventToolUseDone:
				toolCalls = append(toolCalls, ae)
			case model.EventUsage:
				w.deps.Budget.Add(*ae.Usage)
			case model.EventTurnEnd:
				turnEnded = true
				stopReason = ae.StopReason
			}
			emit(out, ae)
		}
	}

	if !turnEnded {
		// A provider stream that ends without turn_end yields a
		// synthesized turn_end with stopReason error.
		stopReason = model.StopError
		emit(out, model.AgentEvent{Kind: model.EventTurnEnd, AgentID: w.deps.AgentID, StopReason: stopReason})
	}

	assistantMsg := model.Message{Role: model.RoleAssistant}
	if textAccum != "" {
		assistantMsg.Content = append(assistantMsg.Content, model.ContentBlock{Type: model.BlockText, Text: textAccum})
	}
	for _, tc := range toolCalls {
		assistantMsg.Content = append(assistantMsg.Content, model.ContentBlock{Type: model.BlockToolUse, ToolUseID: tc.ToolUseID, ToolName: tc.ToolName, ToolInput: tc.ToolInput})
	}
	if len(assistantMsg.Content) > 0 {
		w.messages = append(w.messages, assistantMsg)
	}

	switch stopReason {
	case model.StopToolUse:
		if len(toolCalls) == 0 {
			return true, nil
		}
		results := w.executeTools(turnCtx, toolCalls, out)
		resultMsg := model.Message{Role: model.RoleUser}
		for _, r := range results {
			resultMsg.Content = append(resultMsg.Content, model.ContentBlock{
				Type: model.BlockToolResult, ToolResultForID: r.ToolResultForID,
				ToolResultBody: r.ToolResultBody, IsError: r.IsError,
			})
			emit(out, r)
		}
		w.messages = append(w.messages, resultMsg)

		if w.deps.Budget.Exceeded(w.deps.Config.TokenBudget, w.deps.Config.CostBudgetUSD) {
			emit(out, model.AgentEvent{Kind: model.EventTurnEnd, AgentID: w.deps.AgentID, StopReason: model.StopBudget})
			return true, nil
		}
		return false, nil // loop again
	case model.StopEndTurn:
		return true, nil
	case model.StopCancelled, model.StopBudget:
		return true, nil
	default:
		return true, nil
	}
}

// executeTools runs every accumulated tool call in model-emitted
// order. A hook-denied call is converted into a synthetic error result
// without executing. Execution itself is sequential unless every call
// in the batch is marked side-effect-free by the registry, in which
// case a bounded-parallel errgroup fan-out runs them concurrently —
// directly mirroring executeParallel's fast-path-for-one /
// bounded-fan-out-otherwise shape.
func (w *Worker) executeTools(ctx context.Context, calls []model.AgentEvent, out chan<- model.AgentEvent) []model.AgentEvent {
	results := make([]model.AgentEvent, len(calls))

	allParallelSafe := len(calls) > 1
	for _, c := range calls {
		if !w.deps.Tools.IsSideEffectFree(c.ToolName) {
			allParallelSafe = false
			break
		}
	}

	run := func(i int, call model.AgentEvent) model.AgentEvent {
		preEvt := hooks.Event{Phase: hooks.PhaseBeforeToolUse, AgentID: w.deps.AgentID, ToolName: call.ToolName, Arguments: call.ToolInput}
		if d := w.deps.Hooks.Evaluate(preEvt, w.deps.ActiveSkills...); d.Action == "deny" {
			return model.AgentEvent{Kind: model.EventToolResult, AgentID: w.deps.AgentID, ToolResultForID: call.ToolUseID, ToolResultBody: denyMessage(d), IsError: true}
		}
		if err := w.deps.Tools.Validate(call.ToolName, call.ToolInput); err != nil {
			return model.AgentEvent{Kind: model.EventToolResult, AgentID: w.deps.AgentID, ToolResultForID: call.ToolUseID, ToolResultBody: err.Error(), IsError: true}
		}

		body, isError, err := w.deps.Execute(ctx, call)
		if err != nil {
			body, isError = err.Error(), true
		}
		result := model.AgentEvent{Kind: model.EventToolResult, AgentID: w.deps.AgentID, ToolResultForID: call.ToolUseID, ToolResultBody: body, IsError: isError}

		postEvt := hooks.Event{Phase: hooks.PhaseAfterToolUse, AgentID: w.deps.AgentID, ToolName: call.ToolName, Arguments: call.ToolInput}
		w.deps.Hooks.Evaluate(postEvt, w.deps.ActiveSkills...)
		return result
	}

	if !allParallelSafe {
		for i, c := range calls {
			results[i] = run(i, c)
		}
		return results
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				results[i] = model.AgentEvent{Kind: model.EventToolResult, AgentID: w.deps.AgentID, ToolResultForID: c.ToolUseID, ToolResultBody: "cancelled", IsError: true}
				return nil
			default:
			}
			results[i] = run(i, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func denyMessage(d hooks.Decision) string {
	if d.Message != "" {
		return d.Message
	}
	return "denied by hook rule " + d.Rule
}

func errKind(err error) model.ErrorKind {
	var fe *model.FabricError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return model.ErrInternal
}

func emit(out chan<- model.AgentEvent, ev model.AgentEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case out <- ev:
	default:
		// Backpressure: the consumer is expected to buffer with a
		// bound and drop with an error event if exceeded. The dropped
		// event itself is unrecoverable, but dropping is preferable to
		// blocking the worker's single goroutine.
	}
}

func toolSchemasFor(reg *toolregistry.Registry, names []string) []provider.ToolSchema {
	defs := reg.List()
	byName := make(map[string]toolregistry.Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	schemas := make([]provider.ToolSchema, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			continue
		}
		schemas = append(schemas, provider.ToolSchema{Name: d.Name, InputSchema: json.RawMessage(d.SchemaJSON)})
	}
	return schemas
}

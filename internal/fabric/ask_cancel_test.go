package fabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
	"github.com/meshrun/meshd/internal/relay"
	"github.com/meshrun/meshd/internal/supervisor"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// TestSubworkerAsk simulates a subworker's flo.ask(...) call: a bare
// relay peer (standing in for a subworker's loop, which forwards
// agent_ask through the relay the same way the executor forwards a
// tool_call) issues a correlated agent_ask straight at the sandbox
// document, which forwards it up to the supervisor. The registered
// AskHandler answers it and the reply routes back to exactly this
// peer's pending request, not broadcast to anyone else.
func TestSubworkerAsk(t *testing.T) {
	tools := toolregistry.New()
	providers := provider.NewRegistry()
	providers.RegisterFactory("fake", func() provider.Adapter { return passthroughAdapter{} })

	var gotEvent string
	var gotAgentID string
	askHandler := func(ctx context.Context, agentID, event string, data map[string]any) (map[string]any, error) {
		gotAgentID = agentID
		gotEvent = event
		return map[string]any{"approved": true, "note": data["reason"]}, nil
	}

	events := make(chan model.AgentEvent, 64)
	cfg := model.AgentConfig{ID: "agent-ask", Provider: "fake"}
	sup := supervisor.New(cfg, supervisor.Deps{
		Tools:              tools,
		Hooks:              newHooks(t),
		Providers:          providers,
		LocalHandlers:      map[string]supervisor.LocalHandler{},
		SupervisorHandlers: map[string]supervisor.SupervisorHandler{},
		AskHandler:         askHandler,
		Stream:             scriptedStream([][]model.AgentEvent{{{Kind: model.EventTurnEnd, StopReason: model.StopEndTurn}}}),
		Events:             events,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Kill()

	r := sup.Relay()
	subPeerID := "worker:agent-ask-sub"
	r.Register(subPeerID)

	payload, _ := json.Marshal(map[string]any{"event": "confirm_purchase", "data": map[string]any{"reason": "checkout"}})
	resp, err := r.Request(ctx, relay.Envelope{
		Type: relay.MsgAgentAsk, AgentID: cfg.ID, From: subPeerID, To: "sandbox:" + cfg.ID, Payload: payload,
	}, model.CorrelationAsk, 2*time.Second)
	if err != nil {
		t.Fatalf("agent_ask request: %v", err)
	}

	if gotEvent != "confirm_purchase" {
		t.Fatalf("ask handler saw event %q, want confirm_purchase", gotEvent)
	}
	if gotAgentID != cfg.ID {
		t.Fatalf("ask handler saw agent %q, want %q", gotAgentID, cfg.ID)
	}

	var answer struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note"`
	}
	if err := json.Unmarshal(resp.Payload, &answer); err != nil {
		t.Fatalf("decoding agent_ask_response payload: %v", err)
	}
	if !answer.Approved || answer.Note != "checkout" {
		t.Fatalf("unexpected answer payload: %+v", answer)
	}
}

// TestCancellationDuringTool checks that stopping an agent while a
// supervisor-routed tool call is in flight rejects the pending
// correlation and surfaces an error tool_result, rather than hanging
// or silently dropping the call.
func TestCancellationDuringTool(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Register(toolregistry.Definition{Name: "slow", Context: toolregistry.ContextSupervisor}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	providers := provider.NewRegistry()
	providers.RegisterFactory("fake", func() provider.Adapter { return passthroughAdapter{} })

	turns := [][]model.AgentEvent{{
		{Kind: model.EventToolUseDone, ToolUseID: "t-5", ToolName: "slow", ToolInput: map[string]any{}},
		{Kind: model.EventTurnEnd, StopReason: model.StopToolUse},
	}}

	events := make(chan model.AgentEvent, 64)
	cfg := model.AgentConfig{ID: "agent-cancel", Provider: "fake", Tools: []string{"slow"}}
	sup := supervisor.New(cfg, supervisor.Deps{
		Tools:         tools,
		Hooks:         newHooks(t),
		Providers:     providers,
		LocalHandlers: map[string]supervisor.LocalHandler{},
		SupervisorHandlers: map[string]supervisor.SupervisorHandler{
			"slow": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
				select {
				case <-time.After(2 * time.Second):
					return "too-late", false, nil
				case <-ctx.Done():
					return "", true, ctx.Err()
				}
			},
		},
		Stream: scriptedStream(turns),
		Events: events,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Kill()

	// Give the tool_call enough time to reach the supervisor and start
	// blocking inside the handler before interrupting it.
	time.Sleep(150 * time.Millisecond)
	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	collected := drain(t, events, 3*time.Second, func(ev model.AgentEvent) bool {
		return ev.Kind == model.EventToolResult
	})

	result := collected[len(collected)-1]
	if !result.IsError {
		t.Fatalf("expected the cancelled tool call to surface as an error result, got body %q", result.ToolResultBody)
	}
	if result.ToolResultForID != "t-5" {
		t.Fatalf("error result correlated to %q, want t-5", result.ToolResultForID)
	}
}

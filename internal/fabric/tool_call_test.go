package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
	"github.com/meshrun/meshd/internal/supervisor"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// TestToolCallCorrelation drives a worker-local tool call through the
// full loop -> executor -> result path and checks the tool_result
// event correlates back to the exact tool_use_id the model emitted,
// not merely "some" result.
func TestToolCallCorrelation(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Register(toolregistry.Definition{Name: "add", Context: toolregistry.ContextWorkerLocal}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	providers := provider.NewRegistry()
	providers.RegisterFactory("fake", func() provider.Adapter { return passthroughAdapter{} })

	turns := [][]model.AgentEvent{
		{
			{Kind: model.EventToolUseDone, ToolUseID: "t-1", ToolName: "add", ToolInput: map[string]any{"a": 2, "b": 2}},
			{Kind: model.EventTurnEnd, StopReason: model.StopToolUse},
		},
		{
			{Kind: model.EventTextDelta, Text: "4"},
			{Kind: model.EventTurnEnd, StopReason: model.StopEndTurn},
		},
	}

	events := make(chan model.AgentEvent, 64)
	cfg := model.AgentConfig{ID: "agent-tool-call", Provider: "fake", Tools: []string{"add"}}
	sup := supervisor.New(cfg, supervisor.Deps{
		Tools:     tools,
		Hooks:     newHooks(t),
		Providers: providers,
		LocalHandlers: map[string]supervisor.LocalHandler{
			"add": func(ctx context.Context, input map[string]any) (string, bool, error) {
				return "4", false, nil
			},
		},
		SupervisorHandlers: map[string]supervisor.SupervisorHandler{},
		Stream:             scriptedStream(turns),
		Events:             events,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Kill()

	collected := drain(t, events, 3*time.Second, func(ev model.AgentEvent) bool {
		return ev.Kind == model.EventTurnEnd && ev.StopReason == model.StopEndTurn
	})

	var result *model.AgentEvent
	for i := range collected {
		if collected[i].Kind == model.EventToolResult {
			result = &collected[i]
		}
	}
	if result == nil {
		t.Fatal("expected a tool_result event")
	}
	if result.ToolResultForID != "t-1" {
		t.Fatalf("tool_result correlated to %q, want t-1", result.ToolResultForID)
	}
	if result.IsError {
		t.Fatalf("unexpected tool-level error: %s", result.ToolResultBody)
	}
	if result.ToolResultBody != "4" {
		t.Fatalf("unexpected tool result body: %q", result.ToolResultBody)
	}
}

// TestBudgetStop checks that exceeding the configured token budget
// mid-turn stops the loop with stopReason budget rather than letting
// it open another stream.
func TestBudgetStop(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Register(toolregistry.Definition{Name: "noop", Context: toolregistry.ContextWorkerLocal}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	providers := provider.NewRegistry()
	providers.RegisterFactory("fake", func() provider.Adapter { return passthroughAdapter{} })

	budget := int64(100)
	cfg := model.AgentConfig{ID: "agent-budget-stop", Provider: "fake", Tools: []string{"noop"}, TokenBudget: &budget}

	turns := [][]model.AgentEvent{
		{
			{Kind: model.EventToolUseDone, ToolUseID: "t-9", ToolName: "noop", ToolInput: map[string]any{}},
			{Kind: model.EventUsage, Usage: &model.BudgetDelta{InputTokens: 80, OutputTokens: 80}},
			{Kind: model.EventTurnEnd, StopReason: model.StopToolUse},
		},
	}

	events := make(chan model.AgentEvent, 64)
	sup := supervisor.New(cfg, supervisor.Deps{
		Tools:     tools,
		Hooks:     newHooks(t),
		Providers: providers,
		LocalHandlers: map[string]supervisor.LocalHandler{
			"noop": func(ctx context.Context, input map[string]any) (string, bool, error) {
				return "ok", false, nil
			},
		},
		SupervisorHandlers: map[string]supervisor.SupervisorHandler{},
		Stream:             scriptedStream(turns),
		Events:             events,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Kill()

	drain(t, events, 3*time.Second, func(ev model.AgentEvent) bool {
		return ev.Kind == model.EventTurnEnd && ev.StopReason == model.StopBudget
	})

	snapshot := sup.BudgetSnapshot()
	if snapshot.InputTokens+snapshot.OutputTokens < 160 {
		t.Fatalf("expected budget accumulator to have absorbed the usage event, got %+v", snapshot)
	}
	if got := sup.State(); got != model.StateStopped {
		t.Fatalf("expected supervisor state stopped after budget overage, got %s", got)
	}
}

// Package openai implements the provider.Adapter contract for the
// OpenAI-compatible Chat Completions API (/v1/chat/completions), the
// wire format shared by OpenAI, Moonshot, Qwen, MiniMax, and Zhipu.
//
// Grounded on internal/extractor/openai.go's tool-call shape and
// internal/proxy/buffered_stream.go's reconstructOpenAI accumulate-
// by-index logic, turned from post-hoc reconstruction into live
// per-chunk AgentEvent emission. Function declarations are sent the
// way this vendor family expects (a "tools" array whose entries are
// {"type":"function","function":{...}}), in contrast to
// Anthropic's raw input_schema — the adapter boundary is exactly
// where that difference is absorbed.
package openai

import (
	"encoding/json"
	"time"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
)

const Name = "openai"

type pendingCall struct {
	index     int
	id        string
	name      string
	arguments string
}

// Adapter is one stateful OpenAI-compatible streaming session. Not
// safe for concurrent use — Registry.New returns a fresh instance per
// turn.
type Adapter struct {
	calls       map[int]*pendingCall
	textStarted bool
	emittedDone map[int]bool
}

func New() provider.Adapter {
	return &Adapter{calls: make(map[int]*pendingCall), emittedDone: make(map[int]bool)}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ResetState() {
	a.calls = make(map[int]*pendingCall)
	a.emittedDone = make(map[int]bool)
	a.textStarted = false
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (a *Adapter) BuildRequest(messages []model.Message, tools []provider.ToolSchema, cfg model.AgentConfig) (provider.Request, error) {
	wireMessages := make([]wireMessage, 0, len(messages)+1)
	if cfg.SystemPrompt != "" {
		wireMessages = append(wireMessages, wireMessage{Role: "system", Content: cfg.SystemPrompt})
	}

	// OpenAI's wire shape splits a canonical Message differently than
	// Anthropic's: tool_result blocks each become their own top-level
	// "tool" message, while text and tool_use blocks from the same
	// Message stay combined into a single assistant/user message.
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case model.BlockText:
				wm.Content += b.Text
			case model.BlockToolUse:
				args, err := json.Marshal(b.ToolInput)
				if err != nil {
					return provider.Request{}, model.NewErrorf(model.ErrInternal, "openai: marshaling tool_use input").WithWrapped(err)
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID: b.ToolUseID, Type: "function",
					Function: wireCallFunction{Name: b.ToolName, Arguments: string(args)},
				})
			case model.BlockToolResult:
				wireMessages = append(wireMessages, wireMessage{
					Role: "tool", Content: b.ToolResultBody, ToolCallID: b.ToolResultForID,
				})
			}
		}
		if wm.Content != "" || len(wm.ToolCalls) > 0 {
			wireMessages = append(wireMessages, wm)
		}
	}

	wireTools := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wireTools = append(wireTools, wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}})
	}

	body := map[string]any{
		"model":      cfg.Model,
		"messages":   wireMessages,
		"stream":     true,
		"max_tokens": cfg.MaxTokens,
	}
	if len(wireTools) > 0 {
		body["tools"] = wireTools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Request{}, model.NewErrorf(model.ErrInternal, "openai: marshaling request body").WithWrapped(err)
	}

	return provider.Request{
		URL:     "/api/openai/v1/chat/completions",
		Headers: map[string]string{"content-type": "application/json"},
		Body:    payload,
	}, nil
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function *struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function,omitempty"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// ParseSSEEvent consumes one OpenAI-compatible chunk. Because this
// wire format frequently splits a single tool call's name, id and
// arguments across many chunks and only signals completion via the
// choice-level finish_reason (not a per-block stop event the way
// Anthropic emits content_block_stop), the adapter buffers tool_use
// accumulation by index and emits tool_use_done for every
// accumulated call exactly once, when finish_reason arrives —
// deterministically, before the synthesized turn_end.
func (a *Adapter) ParseSSEEvent(evt provider.SSEEvent) ([]model.AgentEvent, error) {
	if evt.Data == "" || evt.Data == "[DONE]" {
		return nil, nil
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(evt.Data), &chunk); err != nil {
		return nil, model.NewErrorf(model.ErrParse, "openai: malformed SSE chunk").WithWrapped(err)
	}

	now := time.Now()
	var events []model.AgentEvent

	if chunk.Usage != nil {
		events = append(events, model.AgentEvent{
			Kind: model.EventUsage, Timestamp: now,
			Usage: &model.BudgetDelta{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens},
		})
	}

	if len(chunk.Choices) == 0 {
		return events, nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if !a.textStarted {
			a.textStarted = true
		}
		events = append(events, model.AgentEvent{Kind: model.EventTextDelta, Timestamp: now, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		call, ok := a.calls[tc.Index]
		if !ok {
			call = &pendingCall{index: tc.Index}
			a.calls[tc.Index] = call
			startID := tc.ID
			startName := ""
			if tc.Function != nil {
				startName = tc.Function.Name
			}
			call.id = startID
			call.name = startName
			events = append(events, model.AgentEvent{Kind: model.EventToolUseStart, Timestamp: now, ToolUseID: call.id, ToolName: call.name})
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function != nil {
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.arguments += tc.Function.Arguments
				events = append(events, model.AgentEvent{Kind: model.EventToolUseInputDelta, Timestamp: now, ToolUseID: call.id, ToolInputJSON: tc.Function.Arguments})
			}
		}
	}

	if choice.FinishReason != nil {
		if a.textStarted {
			events = append(events, model.AgentEvent{Kind: model.EventTextDone, Timestamp: now})
		}
		for i := 0; i < len(a.calls); i++ {
			call, ok := a.calls[i]
			if !ok || a.emittedDone[i] {
				continue
			}
			input := map[string]any{}
			if call.arguments != "" {
				if err := json.Unmarshal([]byte(call.arguments), &input); err != nil {
					return nil, model.NewErrorf(model.ErrParse, "openai: tool call %s arguments did not parse", call.id).WithWrapped(err)
				}
			}
			events = append(events, model.AgentEvent{Kind: model.EventToolUseDone, Timestamp: now, ToolUseID: call.id, ToolName: call.name, ToolInput: input})
			a.emittedDone[i] = true
		}
		events = append(events, model.AgentEvent{Kind: model.EventTurnEnd, Timestamp: now, StopReason: mapStopReason(*choice.FinishReason)})
	}

	return events, nil
}

func mapStopReason(wire string) model.StopReason {
	switch wire {
	case "tool_calls", "function_call":
		return model.StopToolUse
	case "stop":
		return model.StopEndTurn
	default:
		return model.StopError
	}
}

func (a *Adapter) ExtractUsage(finalBody []byte) (model.BudgetDelta, error) {
	var body struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(finalBody, &body); err != nil {
		return model.BudgetDelta{}, model.NewErrorf(model.ErrParse, "openai: extracting usage from final body").WithWrapped(err)
	}
	delta := model.BudgetDelta{InputTokens: body.Usage.PromptTokens, OutputTokens: body.Usage.CompletionTokens}
	delta.USDCost = a.EstimateCost(body.Model, delta)
	return delta, nil
}

func (a *Adapter) EstimateCost(modelID string, delta model.BudgetDelta) float64 {
	for _, m := range models {
		if m.ID == modelID {
			return float64(delta.InputTokens)/1_000_000*m.InputPricePerMTok + float64(delta.OutputTokens)/1_000_000*m.OutputPricePerMTok
		}
	}
	return 0
}

var models = []provider.ModelInfo{
	{ID: "gpt-5.1", DisplayName: "GPT-5.1", ContextWindow: 272_000, MaxOutputTokens: 32_000, InputPricePerMTok: 2.5, OutputPricePerMTok: 10},
	{ID: "gpt-5.1-mini", DisplayName: "GPT-5.1 Mini", ContextWindow: 272_000, MaxOutputTokens: 32_000, InputPricePerMTok: 0.4, OutputPricePerMTok: 1.6},
	{ID: "moonshot-v1-128k", DisplayName: "Moonshot v1 128k", ContextWindow: 128_000, MaxOutputTokens: 8_000, InputPricePerMTok: 0.6, OutputPricePerMTok: 0.6},
}

func (a *Adapter) Models() []provider.ModelInfo { return models }

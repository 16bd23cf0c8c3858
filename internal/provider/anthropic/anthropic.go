// Package anthropic implements the provider.Adapter contract for the
// Anthropic Messages API (/v1/messages).
//
// Grounded on internal/extractor/anthropic.go's content-block shape
// and internal/proxy/buffered_stream.go's reconstructAnthropic logic,
// repurposed from post-hoc buffer-then-reconstruct into live per-chunk
// AgentEvent emission: ParseSSEEvent is called once per SSE event as
// it arrives off the wire, not after the whole stream has been read.
package anthropic

import (
	"encoding/json"
	"time"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
)

const Name = "anthropic"

// pendingBlock tracks one in-flight content block across
// content_block_start / content_block_delta / content_block_stop.
type pendingBlock struct {
	index     int
	blockType string // "text", "thinking", "tool_use"
	toolUseID string
	toolName  string
	inputJSON string // accumulated partial_json for tool_use blocks
}

// Adapter is one stateful Anthropic streaming session. Not safe for
// concurrent use across workers — Registry.New returns a fresh
// instance per turn.
type Adapter struct {
	blocks map[int]*pendingBlock
}

func New() provider.Adapter {
	return &Adapter{blocks: make(map[int]*pendingBlock)}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ResetState() {
	a.blocks = make(map[int]*pendingBlock)
}

// wireTool is the Anthropic tool schema shape: name, description, and
// input_schema verbatim (Anthropic's wire format is raw JSON Schema,
// unlike OpenAI's {"type":"function","function":{...}} wrapping).
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content []wireContent   `json:"content"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (a *Adapter) BuildRequest(messages []model.Message, tools []provider.ToolSchema, cfg model.AgentConfig) (provider.Request, error) {
	wireMessages := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case model.BlockText:
				wm.Content = append(wm.Content, wireContent{Type: "text", Text: b.Text})
			case model.BlockToolUse:
				input, err := json.Marshal(b.ToolInput)
				if err != nil {
					return provider.Request{}, model.NewErrorf(model.ErrInternal, "anthropic: marshaling tool_use input").WithWrapped(err)
				}
				wireMessages = append(wireMessages, wm)
				wm = wireMessage{Role: string(m.Role)}
				wm.Content = append(wm.Content, wireContent{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: input})
			case model.BlockToolResult:
				wm.Content = append(wm.Content, wireContent{
					Type: "tool_result", ToolUseID: b.ToolResultForID,
					Content: b.ToolResultBody, IsError: b.IsError,
				})
			}
		}
		if len(wm.Content) > 0 {
			wireMessages = append(wireMessages, wm)
		}
	}

	wireTools := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wireTools = append(wireTools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	body := map[string]any{
		"model":      cfg.Model,
		"max_tokens": cfg.MaxTokens,
		"messages":   wireMessages,
		"stream":     true,
	}
	if cfg.SystemPrompt != "" {
		body["system"] = cfg.SystemPrompt
	}
	if len(wireTools) > 0 {
		body["tools"] = wireTools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Request{}, model.NewErrorf(model.ErrInternal, "anthropic: marshaling request body").WithWrapped(err)
	}

	return provider.Request{
		URL:     "/api/anthropic/v1/messages",
		Headers: map[string]string{"content-type": "application/json", "anthropic-version": "2023-06-01"},
		Body:    payload,
	}, nil
}

func (a *Adapter) ParseSSEEvent(evt provider.SSEEvent) ([]model.AgentEvent, error) {
	if evt.Data == "" || evt.Data == "[DONE]" {
		return nil, nil
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(evt.Data), &envelope); err != nil {
		return nil, model.NewErrorf(model.ErrParse, "anthropic: malformed SSE payload").WithWrapped(err)
	}

	now := time.Now()
	switch envelope.Type {
	case "content_block_start":
		var start struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id,omitempty"`
				Name string `json:"name,omitempty"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &start); err != nil {
			return nil, model.NewErrorf(model.ErrParse, "anthropic: content_block_start").WithWrapped(err)
		}
		a.blocks[start.Index] = &pendingBlock{index: start.Index, blockType: start.ContentBlock.Type, toolUseID: start.ContentBlock.ID, toolName: start.ContentBlock.Name}
		if start.ContentBlock.Type == "tool_use" {
			return []model.AgentEvent{{Kind: model.EventToolUseStart, Timestamp: now, ToolUseID: start.ContentBlock.ID, ToolName: start.ContentBlock.Name}}, nil
		}
		return nil, nil

	case "content_block_delta":
		var delta struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text,omitempty"`
				PartialJSON string `json:"partial_json,omitempty"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &delta); err != nil {
			return nil, model.NewErrorf(model.ErrParse, "anthropic: content_block_delta").WithWrapped(err)
		}
		block, ok := a.blocks[delta.Index]
		if !ok {
			return nil, nil
		}
		switch delta.Delta.Type {
		case "text_delta":
			return []model.AgentEvent{{Kind: model.EventTextDelta, Timestamp: now, Text: delta.Delta.Text}}, nil
		case "input_json_delta":
			block.inputJSON += delta.Delta.PartialJSON
			return []model.AgentEvent{{Kind: model.EventToolUseInputDelta, Timestamp: now, ToolUseID: block.toolUseID, ToolInputJSON: delta.Delta.PartialJSON}}, nil
		}
		return nil, nil

	case "content_block_stop":
		var stop struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &stop); err != nil {
			return nil, model.NewErrorf(model.ErrParse, "anthropic: content_block_stop").WithWrapped(err)
		}
		block, ok := a.blocks[stop.Index]
		if !ok {
			return nil, nil
		}
		if block.blockType == "tool_use" {
			input := map[string]any{}
			if block.inputJSON != "" {
				if err := json.Unmarshal([]byte(block.inputJSON), &input); err != nil {
					return nil, model.NewErrorf(model.ErrParse, "anthropic: tool_use %s input JSON did not parse", block.toolUseID).WithWrapped(err)
				}
			}
			return []model.AgentEvent{{Kind: model.EventToolUseDone, Timestamp: now, ToolUseID: block.toolUseID, ToolName: block.toolName, ToolInput: input}}, nil
		}
		if block.blockType == "text" {
			return []model.AgentEvent{{Kind: model.EventTextDone, Timestamp: now}}, nil
		}
		return nil, nil

	case "message_delta":
		var md struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &md); err != nil {
			return nil, model.NewErrorf(model.ErrParse, "anthropic: message_delta").WithWrapped(err)
		}
		events := []model.AgentEvent{{Kind: model.EventUsage, Timestamp: now, Usage: &model.BudgetDelta{OutputTokens: md.Usage.OutputTokens}}}
		if md.Delta.StopReason != "" {
			events = append(events, model.AgentEvent{Kind: model.EventTurnEnd, Timestamp: now, StopReason: mapStopReason(md.Delta.StopReason)})
		}
		return events, nil

	case "message_start":
		var ms struct {
			Message struct {
				Usage struct {
					InputTokens int64 `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &ms); err != nil {
			return nil, nil
		}
		return []model.AgentEvent{{Kind: model.EventUsage, Timestamp: now, Usage: &model.BudgetDelta{InputTokens: ms.Message.Usage.InputTokens}}}, nil

	case "message_stop":
		return nil, nil

	case "error":
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal([]byte(evt.Data), &e)
		return []model.AgentEvent{{Kind: model.EventError, Timestamp: now, ErrorKind: model.ErrProvider, ErrorMsg: e.Error.Message}}, nil

	default:
		return nil, nil
	}
}

func mapStopReason(wire string) model.StopReason {
	switch wire {
	case "tool_use":
		return model.StopToolUse
	case "end_turn", "stop_sequence":
		return model.StopEndTurn
	default:
		return model.StopError
	}
}

func (a *Adapter) ExtractUsage(finalBody []byte) (model.BudgetDelta, error) {
	var body struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(finalBody, &body); err != nil {
		return model.BudgetDelta{}, model.NewErrorf(model.ErrParse, "anthropic: extracting usage from final body").WithWrapped(err)
	}
	delta := model.BudgetDelta{InputTokens: body.Usage.InputTokens, OutputTokens: body.Usage.OutputTokens}
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
	{ID: "claude-opus-4-5-20251101", DisplayName: "Claude Opus 4.5", ContextWindow: 200_000, MaxOutputTokens: 64_000, InputPricePerMTok: 5, OutputPricePerMTok: 25},
	{ID: "claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200_000, MaxOutputTokens: 64_000, InputPricePerMTok: 3, OutputPricePerMTok: 15},
	{ID: "claude-haiku-4-5-20251001", DisplayName: "Claude Haiku 4.5", ContextWindow: 200_000, MaxOutputTokens: 64_000, InputPricePerMTok: 1, OutputPricePerMTok: 5},
}

func (a *Adapter) Models() []provider.ModelInfo { return models }

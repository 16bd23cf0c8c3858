// Package model defines the canonical, provider-independent data types
// shared by every component of the fabric: agent configuration,
// messages, the uniform agent event stream, correlation records, the
// supervisor state machine, the subworker registry, and the budget
// accumulator.
package model

import (
	"time"
)

// NetworkMode controls how a worker's outbound fetches are routed.
type NetworkMode string

const (
	NetworkAllowAll   NetworkMode = "allow-all"
	NetworkAllowlist  NetworkMode = "allowlist"
	NetworkBlocklist  NetworkMode = "blocklist"
)

// NetworkPolicy governs which hosts an agent's tools may reach, and
// whether matching requests should be routed through the hub instead
// of fetched directly.
type NetworkPolicy struct {
	Mode           NetworkMode `yaml:"mode" json:"mode"`
	Domains        []string    `yaml:"domains,omitempty" json:"domains,omitempty"`
	UseHubProxy    bool        `yaml:"useHubProxy,omitempty" json:"useHubProxy,omitempty"`
	HubProxyGlobs  []string    `yaml:"hubProxyGlobs,omitempty" json:"hubProxyGlobs,omitempty"`
}

// SandboxPermissions mirror the restricted permission set granted to a
// sandbox document.
type SandboxPermissions struct {
	Camera      bool `yaml:"camera,omitempty" json:"camera,omitempty"`
	Microphone  bool `yaml:"microphone,omitempty" json:"microphone,omitempty"`
	Geolocation bool `yaml:"geolocation,omitempty" json:"geolocation,omitempty"`
}

// AgentConfig is the full, mutable configuration of one agent. It is
// updated through Supervisor.UpdateConfig, which merges a partial
// update and fans the result out to all live workers as a
// config_update broadcast.
type AgentConfig struct {
	ID                 string             `yaml:"id" json:"id"`
	Name               string             `yaml:"name" json:"name"`
	Provider           string             `yaml:"provider" json:"provider"`
	Model              string             `yaml:"model" json:"model"`
	SystemPrompt       string             `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	Tools              []string           `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxTokens          int                `yaml:"maxTokens" json:"maxTokens"`
	TokenBudget        *int64             `yaml:"tokenBudget,omitempty" json:"tokenBudget,omitempty"`
	CostBudgetUSD      *float64           `yaml:"costBudgetUsd,omitempty" json:"costBudgetUsd,omitempty"`
	NetworkPolicy      NetworkPolicy      `yaml:"networkPolicy" json:"networkPolicy"`
	SandboxPermissions SandboxPermissions `yaml:"sandboxPermissions,omitempty" json:"sandboxPermissions,omitempty"`
	HubConnectionID    string             `yaml:"hubConnectionId,omitempty" json:"hubConnectionId,omitempty"`
	HubSandboxPath     string             `yaml:"hubSandboxPath,omitempty" json:"hubSandboxPath,omitempty"`
	ViewState          map[string]any     `yaml:"viewState,omitempty" json:"viewState,omitempty"`
	// AskTimeoutOverride lets each nesting level of a subagent chain
	// set its own ask timeout rather than inherit a flat value from
	// the root agent.
	AskTimeoutOverride *time.Duration `yaml:"askTimeoutOverride,omitempty" json:"askTimeoutOverride,omitempty"`
}

// Clone returns a deep-enough copy of the config suitable for merging
// a partial update without mutating the original.
func (c AgentConfig) Clone() AgentConfig {
	clone := c
	clone.Tools = append([]string(nil), c.Tools...)
	clone.NetworkPolicy.Domains = append([]string(nil), c.NetworkPolicy.Domains...)
	clone.NetworkPolicy.HubProxyGlobs = append([]string(nil), c.NetworkPolicy.HubProxyGlobs...)
	if c.ViewState != nil {
		clone.ViewState = make(map[string]any, len(c.ViewState))
		for k, v := range c.ViewState {
			clone.ViewState[k] = v
		}
	}
	return clone
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies a content block's shape within a Message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one ordered element of a Message's content. Only the
// fields relevant to Type are populated; this mirrors the
// discriminated-by-Type content block shape an SSE reconstruction
// layer produces, generalized to the canonical (not wire-specific)
// model.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID string         `json:"id,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolResultBody  string `json:"content,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`
}

// Message is the canonical, provider-independent conversation unit.
// Provider adapters translate to/from this shape; nothing outside an
// adapter should construct provider-specific wire JSON directly.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// EventKind enumerates the uniform AgentEvent discriminated union that
// every provider adapter normalizes its stream into.
type EventKind string

const (
	EventTextDelta          EventKind = "text_delta"
	EventTextDone           EventKind = "text_done"
	EventToolUseStart       EventKind = "tool_use_start"
	EventToolUseInputDelta  EventKind = "tool_use_input_delta"
	EventToolUseDone        EventKind = "tool_use_done"
	EventToolResult         EventKind = "tool_result"
	EventUsage              EventKind = "usage"
	EventTurnEnd            EventKind = "turn_end"
	EventError              EventKind = "error"
	EventStateChange        EventKind = "state_change"
	EventViewStateChange    EventKind = "view_state_change"
	EventVisibilityChange   EventKind = "visibility_change"
)

// StopReason is the terminal reason carried by a turn_end event.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopError     StopReason = "error"
	StopCancelled StopReason = "cancelled"
	StopBudget    StopReason = "budget"
)

// AgentEvent is the uniform event emitted by provider adapters and
// workers. Only the fields relevant to Kind are populated.
type AgentEvent struct {
	Kind      EventKind  `json:"kind"`
	AgentID   string     `json:"agentId,omitempty"`
	Timestamp time.Time  `json:"timestamp"`

	// text_delta / text_done
	Text string `json:"text,omitempty"`

	// tool_use_start / tool_use_input_delta / tool_use_done
	ToolUseID     string         `json:"toolUseId,omitempty"`
	ToolName      string         `json:"toolName,omitempty"`
	ToolInputJSON string         `json:"toolInputJson,omitempty"` // accumulated raw JSON for input_delta
	ToolInput     map[string]any `json:"toolInput,omitempty"`     // fully parsed, set on tool_use_done

	// tool_result
	ToolResultForID string `json:"toolResultForId,omitempty"`
	ToolResultBody  string `json:"toolResultBody,omitempty"`
	IsError         bool   `json:"isError,omitempty"`

	// usage
	Usage *BudgetDelta `json:"usage,omitempty"`

	// turn_end
	StopReason StopReason `json:"stopReason,omitempty"`

	// error
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	ErrorMsg  string    `json:"errorMessage,omitempty"`

	// state_change
	FromState SupervisorState `json:"fromState,omitempty"`
	ToState   SupervisorState `json:"toState,omitempty"`

	// view_state_change
	ViewState map[string]any `json:"viewState,omitempty"`

	// visibility_change
	Visible bool `json:"visible,omitempty"`
}

// BudgetDelta is the per-turn usage increment carried by a usage event.
type BudgetDelta struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	USDCost      float64 `json:"usdCost"`
}

// CorrelationKind is the prefix family for a correlation id, used both
// for readability and to pick the right default timeout.
type CorrelationKind string

const (
	CorrelationDOM   CorrelationKind = "dom"
	CorrelationFile  CorrelationKind = "file"
	CorrelationState CorrelationKind = "state"
	CorrelationTool  CorrelationKind = "tool"
	CorrelationAsk   CorrelationKind = "ask"
)

// DefaultTimeout returns the default wait before a correlated request
// of this kind times out if never answered.
func (k CorrelationKind) DefaultTimeout() time.Duration {
	switch k {
	case CorrelationTool:
		return 30 * time.Second
	case CorrelationDOM:
		return 10 * time.Second
	case CorrelationFile:
		return 30 * time.Second
	case CorrelationState:
		return 5 * time.Second
	case CorrelationAsk:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// CorrelationRecord is the bookkeeping entry for one in-flight
// cross-boundary request. The live resolve/reject machinery lives in
// package relay; this struct is the serializable/observable shape used
// for logging and the dashboard.
type CorrelationRecord struct {
	ID             string          `json:"id"`
	OriginWorkerID string          `json:"originWorkerId"`
	Kind           CorrelationKind `json:"kind"`
	CreatedAt      time.Time       `json:"createdAt"`
	TimeoutAt      time.Time       `json:"timeoutAt"`
}

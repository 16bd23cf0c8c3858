// Package provider defines the uniform contract every LLM vendor
// adapter implements: build a wire request from the canonical message
// model, parse that vendor's streaming wire format one SSE event at a
// time into the canonical AgentEvent stream, and report usage/cost.
//
// A worker never sees a provider's wire format directly — it drives an
// Adapter and only ever observes model.AgentEvent values.
package provider

import (
	"encoding/json"

	"github.com/meshrun/meshd/internal/model"
)

// Request is the outbound HTTP shape an adapter's BuildRequest
// produces. URL is always under /api/<provider>/ — authentication is
// the interceptor's job, never the adapter's.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// ToolSchema is a tool definition in the shape an adapter converts to
// its provider's wire format (uppercased types for one vendor,
// functionDeclarations grouping for another, raw JSON Schema for a
// third) without leaking those differences past the adapter boundary.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ModelInfo is one entry in a provider's model registry.
type ModelInfo struct {
	ID                 string
	DisplayName        string
	ContextWindow      int
	MaxOutputTokens    int
	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// SSEEvent is one parsed Server-Sent Event, vendor-agnostic: Event is
// the "event:" line's value (empty for vendors that don't send one)
// and Data is the "data:" line's payload.
type SSEEvent struct {
	Event string
	Data  string
}

// Adapter is the per-vendor streaming contract. One Adapter instance
// is stateful across a single turn's stream: ParseSSEEvent accumulates
// partial tool-use input across deltas, and ResetState clears that
// accumulation before the next turn begins.
type Adapter interface {
	// Name identifies the provider, matching the path segment under
	// /api/<provider>/ and the AgentConfig.Provider field.
	Name() string

	// BuildRequest converts the canonical conversation and enabled
	// tools into this provider's wire request.
	BuildRequest(messages []model.Message, tools []ToolSchema, cfg model.AgentConfig) (Request, error)

	// ParseSSEEvent consumes one vendor SSE event and returns zero or
	// more canonical AgentEvents. When the model signals a tool use,
	// the adapter emits exactly one tool_use_start, zero or more
	// tool_use_input_delta, and exactly one tool_use_done (with the
	// fully assembled input) before any turn_end with stopReason
	// tool_use — deterministic ordering the loop depends on.
	ParseSSEEvent(event SSEEvent) ([]model.AgentEvent, error)

	// ResetState clears per-turn accumulation (in-flight tool_use
	// blocks, text buffers). Must be called before starting a new
	// stream with this same Adapter instance.
	ResetState()

	// ExtractUsage parses a non-streaming final response body into a
	// usage delta, with cost already estimated against this adapter's
	// model registry. Used for non-streaming fallbacks and for
	// reconciling a stream that never emitted a usage event.
	ExtractUsage(finalBody []byte) (model.BudgetDelta, error)

	// EstimateCost computes a dollar cost for a usage delta against
	// this provider's model registry.
	EstimateCost(modelID string, delta model.BudgetDelta) float64

	// Models returns this provider's model registry.
	Models() []ModelInfo
}

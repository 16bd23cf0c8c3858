// Package relay implements the four-tier message bus: typed delivery
// between worker, sandbox document, supervisor, and external parties
// (interceptor, hub), with request/response correlation, broadcast,
// and table-driven capability gating.
package relay

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the direction-typed message surface that
// flows between a worker and its sandbox document, and outward from
// the supervisor to the hub.
type MessageType string

const (
	// Worker -> Sandbox
	MsgAPIRequest       MessageType = "api_request"
	MsgToolCall         MessageType = "tool_call"
	MsgDOMCommand       MessageType = "dom_command"
	MsgDOMListen        MessageType = "dom_listen"
	MsgDOMUnlisten      MessageType = "dom_unlisten"
	MsgDOMWait          MessageType = "dom_wait"
	MsgDOMGetListeners  MessageType = "dom_get_listeners"
	MsgFileRequest      MessageType = "file_request"
	MsgStateRequest     MessageType = "state_request"
	MsgAgentNotify      MessageType = "agent_notify"
	MsgAgentAsk         MessageType = "agent_ask"
	MsgAgentAskResponse MessageType = "agent_ask_response"
	MsgWorkerMessage    MessageType = "worker_message"
	MsgSpawnSubworker   MessageType = "spawn_subworker"
	MsgKillSubworker    MessageType = "kill_subworker"
	MsgStopAgent        MessageType = "stop_agent"
	MsgConfigUpdate     MessageType = "config_update"
	MsgHooksConfig      MessageType = "hooks_config"

	// Sandbox -> Worker
	MsgAPIResponse      MessageType = "api_response"
	MsgToolResult       MessageType = "tool_result"
	MsgDOMResult        MessageType = "dom_result"
	MsgFileResult       MessageType = "file_result"
	MsgStateResult      MessageType = "state_result"
	MsgUserMessage      MessageType = "user_message"
	MsgPause            MessageType = "pause"
	MsgResume           MessageType = "resume"
	MsgSetViewState     MessageType = "set_view_state"
	MsgSubworkerMessage MessageType = "subworker_message"

	// Supervisor <-> Hub (see package hub for the wire frame shapes)
	MsgHubFrame MessageType = "hub_frame"
)

// Envelope is the single message shape that flows through the relay.
// Payload carries the type-specific body as raw JSON; handlers decode
// the shape they expect for env.Type.
type Envelope struct {
	Type    MessageType     `json:"type"`
	AgentID string          `json:"agentId,omitempty"`
	From    string          `json:"from"`           // sending peer id
	To      string          `json:"to,omitempty"`   // destination peer id; empty = broadcast
	ID      string          `json:"id,omitempty"`   // correlation id, present on correlated messages
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// IsCorrelated reports whether this envelope carries a correlation id.
func (e Envelope) IsCorrelated() bool { return e.ID != "" }

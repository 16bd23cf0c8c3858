package supervisor

import (
	"context"
	"encoding/json"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/relay"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// LocalHandler executes a worker-local tool entirely in-process: no
// relay hop, no correlation bookkeeping. Used for pure-computation
// tools (string/math helpers, schema-validated formatting) that never
// need to touch sandbox or supervisor state.
type LocalHandler func(ctx context.Context, input map[string]any) (string, bool, error)

// SupervisorHandler executes a tool that must run with supervisor
// authority (subworker registry inspection, budget queries, eventlog
// queries) — anything a sandbox document does not have standing to do
// on its own.
type SupervisorHandler func(ctx context.Context, agentID string, input map[string]any) (string, bool, error)

// newExecutor builds the loop.ToolExecutor closure for one worker. It
// resolves each call's execution context via the shared tool registry
// and dispatches accordingly: worker-local calls never touch the
// relay; sandbox-document calls round-trip as a dom_command; anything
// else, including a call the registry resolves to ContextHub,
// round-trips as a tool_call that the worker's owning sandbox document
// forwards up to the supervisor. No call is forwarded to the hub.
func newExecutor(r *relay.Relay, workerPeerID, sandboxPeerID string, tools *toolregistry.Registry, local map[string]LocalHandler) func(ctx context.Context, call model.AgentEvent) (string, bool, error) {
	return func(ctx context.Context, call model.AgentEvent) (string, bool, error) {
		ctxKind, err := tools.Resolve(call.ToolName)
		if err != nil {
			return "", false, err
		}

		switch ctxKind {
		case toolregistry.ContextWorkerLocal:
			h, ok := local[call.ToolName]
			if !ok {
				return "", false, model.NewErrorf(model.ErrPolicy, "supervisor: no local handler registered for %q", call.ToolName)
			}
			return h(ctx, call.ToolInput)

		case toolregistry.ContextSandboxDocument:
			payload, _ := json.Marshal(map[string]any{"command": call.ToolName, "args": call.ToolInput})
			resp, err := r.Request(ctx, relay.Envelope{
				Type: relay.MsgDOMCommand, AgentID: call.AgentID, From: workerPeerID, To: sandboxPeerID, Payload: payload,
			}, model.CorrelationDOM, 0)
			if err != nil {
				return "", true, err
			}
			return string(resp.Payload), false, nil

		case toolregistry.ContextSupervisor, toolregistry.ContextHub:
			payload, _ := json.Marshal(map[string]any{"name": call.ToolName, "input": call.ToolInput})
			resp, err := r.Request(ctx, relay.Envelope{
				Type: relay.MsgToolCall, AgentID: call.AgentID, From: workerPeerID, To: sandboxPeerID, Payload: payload,
			}, model.CorrelationTool, 0)
			if err != nil {
				return "", true, err
			}
			var result struct {
				Body    string `json:"body"`
				IsError bool   `json:"isError"`
			}
			if err := json.Unmarshal(resp.Payload, &result); err != nil {
				return string(resp.Payload), false, nil
			}
			return result.Body, result.IsError, nil

		default:
			return "", false, model.NewErrorf(model.ErrPolicy, "supervisor: tool %q resolved to unhandled context %q", call.ToolName, ctxKind)
		}
	}
}

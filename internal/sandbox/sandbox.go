// Package sandbox implements the sandbox document peer: the relay
// endpoint that owns one agent's main worker and any subworkers,
// executes DOM/page-API tool calls locally, and forwards everything
// else up to the supervisor.
//
// There is no literal DOM in a server-side Go port; "DOM command" is
// realized as an abstract key/value view-state store with listener
// registration (DOMExecutor below) — the same shape a headless
// rendering surface would expose in place of a real browser document.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/relay"
)

// DOMExecutor is the minimal page-side command surface a sandbox
// document exposes: get/set/listen over a flat key/value view state,
// standing in for a literal browser DOM. Exactly one DOMExecutor is
// resident per Document and is the only thing that mutates the shared
// view state — workers mutate only by sending dom_command envelopes.
type DOMExecutor interface {
	Exec(cmd string, args map[string]any) (any, error)
	Listen(event string, workerID string)
	Unlisten(event string, workerID string)
	Listeners(event string) []string
	Snapshot() map[string]any
}

// WorkerHandle is everything the Document needs to know about one
// attached worker (main or subworker) to route messages to it.
type WorkerHandle struct {
	ID        string
	PeerID    string // relay peer id this worker registered under
	IsMain    bool
	CreatedAt time.Time
	Config    model.AgentConfig
	Cancel    context.CancelFunc
}

// Document is the sandbox-document relay peer for exactly one agent.
// It runs on one goroutine draining its relay inbox — the Go
// rendition of "freshly constructed document hosting workers."
type Document struct {
	agentID string
	peerID  string
	r       *relay.Relay
	dom     DOMExecutor

	mu      sync.Mutex
	workers map[string]*WorkerHandle

	inbox <-chan relay.Envelope

	onSpawnSubworker func(parentID string, cfg model.AgentConfig) (*WorkerHandle, error)
}

// New constructs a Document and registers it with the relay under
// peer id "sandbox:<agentID>".
func New(agentID string, r *relay.Relay, dom DOMExecutor, onSpawn func(string, model.AgentConfig) (*WorkerHandle, error)) *Document {
	peerID := "sandbox:" + agentID
	inbox := r.Register(peerID)
	r.SetOwner(agentID, peerID)
	return &Document{
		agentID:          agentID,
		peerID:           peerID,
		r:                r,
		dom:              dom,
		workers:          make(map[string]*WorkerHandle),
		inbox:            inbox,
		onSpawnSubworker: onSpawn,
	}
}

// AttachMain registers the agent's main worker.
func (d *Document) AttachMain(h *WorkerHandle) {
	h.IsMain = true
	d.mu.Lock()
	d.workers[h.ID] = h
	d.mu.Unlock()
}

// Run drains the document's inbox until ctx is cancelled. One
// goroutine, matching the single-threaded-cooperative-per-peer model.
func (d *Document) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.inbox:
			if !ok {
				return
			}
			d.handle(ctx, env)
		}
	}
}

func (d *Document) handle(ctx context.Context, env relay.Envelope) {
	switch env.Type {
	case relay.MsgDOMCommand:
		d.handleDOMCommand(env)
	case relay.MsgDOMListen:
		var p struct{ Event string }
		_ = json.Unmarshal(env.Payload, &p)
		d.dom.Listen(p.Event, env.From)
	case relay.MsgDOMUnlisten:
		var p struct{ Event string }
		_ = json.Unmarshal(env.Payload, &p)
		d.dom.Unlisten(p.Event, env.From)
	case relay.MsgDOMGetListeners:
		var p struct{ Event string }
		_ = json.Unmarshal(env.Payload, &p)
		listeners := d.dom.Listeners(p.Event)
		payload, _ := json.Marshal(listeners)
		d.respond(env, relay.MsgDOMResult, payload)

	case relay.MsgToolCall, relay.MsgFileRequest, relay.MsgStateRequest, relay.MsgAgentAsk, relay.MsgAPIRequest:
		// Not resolvable locally: forward up to the supervisor,
		// preserving the correlation id so the response routes back
		// through the relay's source table to the originating worker.
		env.From = d.peerID
		env.To = "supervisor:" + d.agentID
		if err := d.r.Send(env); err != nil {
			slog.Warn("sandbox: forwarding to supervisor failed", "agent", d.agentID, "error", err)
		}

	case relay.MsgSpawnSubworker:
		d.handleSpawnSubworker(env)

	case relay.MsgKillSubworker:
		d.handleKillSubworker(env)

	case relay.MsgStopAgent, relay.MsgConfigUpdate, relay.MsgHooksConfig:
		d.broadcastToWorkers(env)

	case relay.MsgWorkerMessage, relay.MsgAgentAskResponse:
		d.routeToWorker(env)

	default:
		slog.Debug("sandbox: unhandled envelope type", "type", env.Type, "agent", d.agentID)
	}
}

func (d *Document) handleDOMCommand(env relay.Envelope) {
	var p struct {
		Command string         `json:"command"`
		Args    map[string]any `json:"args"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.respondError(env, model.NewErrorf(model.ErrParse, "sandbox: malformed dom_command").WithWrapped(err))
		return
	}
	result, err := d.dom.Exec(p.Command, p.Args)
	if err != nil {
		d.respondError(env, err)
		return
	}
	payload, _ := json.Marshal(result)
	d.respond(env, relay.MsgDOMResult, payload)
}

// handleSpawnSubworker is handled entirely inside the sandbox: it
// constructs a worker from the inline config, wires it into the
// workers table, and responds upward so the parent supervisor's
// subworker registry updates.
func (d *Document) handleSpawnSubworker(env relay.Envelope) {
	var p struct {
		Config model.AgentConfig `json:"config"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.respondError(env, model.NewErrorf(model.ErrParse, "sandbox: malformed spawn_subworker").WithWrapped(err))
		return
	}
	if p.Config.ID == "" {
		p.Config.ID = uuid.NewString()
	}

	handle, err := d.onSpawnSubworker(env.From, p.Config)
	if err != nil {
		d.respondError(env, err)
		return
	}

	d.mu.Lock()
	d.workers[handle.ID] = handle
	d.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"id": handle.ID})
	// Notify both the originating worker (its correlated request) and
	// the supervisor (subworker registry update).
	d.respond(env, relay.MsgSubworkerMessage, payload)
	d.r.Send(relay.Envelope{Type: relay.MsgSpawnSubworker, AgentID: d.agentID, From: d.peerID, To: "supervisor:" + d.agentID, Payload: payload})
}

func (d *Document) handleKillSubworker(env relay.Envelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.respondError(env, model.NewErrorf(model.ErrParse, "sandbox: malformed kill_subworker").WithWrapped(err))
		return
	}

	d.mu.Lock()
	handle, ok := d.workers[p.ID]
	if ok {
		delete(d.workers, p.ID)
	}
	d.mu.Unlock()

	if !ok {
		// Idempotent: killing an already-removed subworker is a no-op,
		// not an error.
		d.respond(env, relay.MsgSubworkerMessage, nil)
		return
	}
	if handle.Cancel != nil {
		handle.Cancel()
	}
	d.r.CancelOrigin(handle.PeerID)
	payload, _ := json.Marshal(map[string]string{"id": p.ID})
	d.respond(env, relay.MsgSubworkerMessage, payload)
	d.r.Send(relay.Envelope{Type: relay.MsgKillSubworker, AgentID: d.agentID, From: d.peerID, To: "supervisor:" + d.agentID, Payload: payload})
}

// broadcastToWorkers delivers an uncorrelated event to every attached
// worker: config_update, hooks_config, stop_agent all fan out this
// way rather than addressing one worker.
func (d *Document) broadcastToWorkers(env relay.Envelope) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.workers))
	for _, h := range d.workers {
		ids = append(ids, h.PeerID)
	}
	d.mu.Unlock()

	for _, peerID := range ids {
		out := env
		out.From = d.peerID
		out.To = peerID
		_ = d.r.Send(out)
	}
}

// routeToWorker delivers a directed message to the worker named by
// env.To (already set by the caller) or, for an ask-response, to the
// worker recorded in the relay's source table for env.ID.
func (d *Document) routeToWorker(env relay.Envelope) {
	to := env.To
	if to == "" && env.ID != "" {
		to = d.r.SourceOf(env.ID)
	}
	if to == "" {
		return
	}
	out := env
	out.From = d.peerID
	out.To = to
	_ = d.r.Send(out)
}

func (d *Document) respond(env relay.Envelope, t relay.MessageType, payload json.RawMessage) {
	if env.ID == "" {
		return
	}
	d.r.Respond(relay.Envelope{Type: t, AgentID: d.agentID, ID: env.ID, From: d.peerID, Payload: payload})
}

func (d *Document) respondError(env relay.Envelope, err error) {
	if env.ID == "" {
		slog.Warn("sandbox: uncorrelated request failed", "agent", d.agentID, "error", err)
		return
	}
	d.r.RespondError(env.ID, err)
}

// Workers returns a snapshot of currently attached worker handles, for
// the dashboard and for captureDomState.
func (d *Document) Workers() []WorkerHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		out = append(out, *h)
	}
	return out
}

// CaptureState returns the current DOM/listener snapshot, used by
// Supervisor.CaptureDomState.
func (d *Document) CaptureState() map[string]any {
	return d.dom.Snapshot()
}

// Close detaches every worker and unregisters the document from the
// relay. Called by Supervisor.Kill.
func (d *Document) Close() {
	d.mu.Lock()
	handles := make([]*WorkerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		handles = append(handles, h)
	}
	d.workers = make(map[string]*WorkerHandle)
	d.mu.Unlock()

	for _, h := range handles {
		if h.Cancel != nil {
			h.Cancel()
		}
	}
	d.r.Unregister(d.peerID)
}

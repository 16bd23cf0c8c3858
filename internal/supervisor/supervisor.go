// Package supervisor implements the per-agent lifecycle state machine
// and the supervisor tier of the relay: the peer that answers every
// tool_call, file_request, state_request, and agent_ask a sandbox
// document forwards up from its workers, and that owns the nested
// subworker registry.
//
// Grounded on internal/agent/registry.go (auto-discovery + YAML
// persistence idiom) and internal/agent/killswitch.go (idempotent
// state mutation persisted to disk), generalized from "track stats for
// an agent id seen on the proxy" to "own the full lifecycle state
// machine, relay wiring, and subworker registry for one agent."
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshrun/meshd/internal/hooks"
	"github.com/meshrun/meshd/internal/loop"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/provider"
	"github.com/meshrun/meshd/internal/relay"
	"github.com/meshrun/meshd/internal/sandbox"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// Supervisor owns one agent's relay, sandbox document, main worker,
// and nested subworker registry, and enforces model.CanTransition on
// every lifecycle operation.
type Supervisor struct {
	mu sync.Mutex

	id     string
	config model.AgentConfig
	state  model.SupervisorState

	r       *relay.Relay
	peerID  string
	inbox   <-chan relay.Envelope
	doc     *sandbox.Document
	dom     *sandbox.ViewState
	budget  *model.BudgetAccumulator
	tools   *toolregistry.Registry
	hooksE  *hooks.Engine
	providers *provider.Registry

	localHandlers      map[string]LocalHandler
	supervisorHandlers map[string]SupervisorHandler
	askHandler         AskHandler
	stream             func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error)

	mainWorker *loop.Worker
	mainCancel context.CancelFunc

	subworkers map[string]*model.SubworkerRegistryEntry

	events chan<- model.AgentEvent // fabric-wide event sink (eventlog + dashboard)

	runCancel context.CancelFunc
}

// Deps bundles the fabric-wide collaborators shared by every
// Supervisor, injected by the owning Manager.
type Deps struct {
	Tools              *toolregistry.Registry
	Hooks              *hooks.Engine
	Providers          *provider.Registry
	LocalHandlers      map[string]LocalHandler
	SupervisorHandlers map[string]SupervisorHandler
	// AskHandler answers an agent_ask forwarded up from a (sub)worker's
	// flo.ask(...) call. Deciding *what* to answer is model-side
	// reasoning and stays out of scope here; this only guarantees the
	// ask is delivered exactly once and its answer is routed back to
	// exactly the asking worker.
	AskHandler AskHandler
	Stream     func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error)
	Events     chan<- model.AgentEvent
}

// AskHandler answers one agent_ask {event, data} originating from a
// (sub)worker, returning the result that resolves the asker's
// flo.ask(...) promise.
type AskHandler func(ctx context.Context, agentID string, event string, data map[string]any) (map[string]any, error)

// New constructs a Supervisor in state pending. It does not start the
// agent's worker — call Start for that.
func New(cfg model.AgentConfig, deps Deps) *Supervisor {
	r := relay.New()
	peerID := "supervisor:" + cfg.ID
	inbox := r.Register(peerID)

	s := &Supervisor{
		id:                 cfg.ID,
		config:             cfg.Clone(),
		state:              model.StatePending,
		r:                  r,
		peerID:             peerID,
		inbox:              inbox,
		dom:                sandbox.NewViewState(),
		budget:             &model.BudgetAccumulator{},
		tools:              deps.Tools,
		hooksE:             deps.Hooks,
		providers:          deps.Providers,
		localHandlers:      deps.LocalHandlers,
		supervisorHandlers: deps.SupervisorHandlers,
		askHandler:         deps.AskHandler,
		stream:             deps.Stream,
		subworkers:         make(map[string]*model.SubworkerRegistryEntry),
		events:             deps.Events,
	}
	s.doc = sandbox.New(cfg.ID, r, s.dom, s.spawnSubworker)
	return s
}

// ID returns the agent id this supervisor manages.
func (s *Supervisor) ID() string { return s.id }

// Relay returns the relay instance backing this supervisor's agent.
// Exported for collaborators that must register an auxiliary peer
// directly against it (the hub link; integration tests driving a
// simulated subworker).
func (s *Supervisor) Relay() *relay.Relay { return s.r }

// State returns the current lifecycle state.
func (s *Supervisor) State() model.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a copy of the current configuration.
func (s *Supervisor) Config() model.AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

func (s *Supervisor) transition(to model.SupervisorState) error {
	if !model.CanTransition(s.state, to) {
		return &model.ErrInvalidTransition{From: s.state, To: to}
	}
	from := s.state
	s.state = to
	s.emit(model.AgentEvent{Kind: model.EventStateChange, AgentID: s.id, FromState: from, ToState: to})
	return nil
}

func (s *Supervisor) emit(ev model.AgentEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Start transitions pending -> running, launches the supervisor's own
// relay-draining goroutine, the sandbox document's, and the main
// worker's.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(model.StateRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	go s.runSupervisorLoop(runCtx)
	go s.doc.Run(runCtx)

	workerPeerID := "worker:" + s.id
	workerInbox := s.r.Register(workerPeerID)

	executor := newExecutor(s.r, workerPeerID, "sandbox:"+s.id, s.tools, s.localHandlers)
	adapter, err := s.providers.New(s.config.Provider)
	if err != nil {
		return err
	}

	worker := loop.New(loop.Deps{
		AgentID: s.id, Config: s.config, Adapter: adapter, Tools: s.tools, Hooks: s.hooksE,
		Relay: s.r, Budget: s.budget, Execute: executor, StreamFunc: s.stream,
	}, []model.Message{})
	s.mainWorker = worker

	workerCtx, workerCancel := context.WithCancel(runCtx)
	s.mainCancel = workerCancel

	s.doc.AttachMain(&sandbox.WorkerHandle{ID: s.id, PeerID: workerPeerID, CreatedAt: time.Now(), Config: s.config, Cancel: workerCancel})

	go runWorkerInbox(workerCtx, workerInbox, worker)
	go func() {
		out := make(chan model.AgentEvent, 64)
		go s.forwardWorkerEvents(runCtx, out)
		if err := worker.Run(workerCtx, out); err != nil {
			slog.Warn("supervisor: main worker exited with error", "agent", s.id, "error", err)
			s.transitionOnWorkerFailure(err)
		}
		close(out)
	}()

	return nil
}

// forwardWorkerEvents relays a worker's AgentEvent stream into the
// fabric-wide event sink, and additionally watches for a budget-induced
// turn_end so the supervisor's own lifecycle state reflects it: per §3
// ("Budget-exceeded transitions supervisor to stopped with a terminal
// error"), the loop stopping itself is not enough — the state machine
// must observe the stop too.
func (s *Supervisor) forwardWorkerEvents(ctx context.Context, in <-chan model.AgentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Kind == model.EventTurnEnd && ev.StopReason == model.StopBudget {
				s.safeTransition(model.StateStopped)
			}
			s.emit(ev)
		}
	}
}

// transitionOnWorkerFailure moves the supervisor to the error state when
// a worker's Run loop exits with a genuine failure rather than a
// cooperative cancellation (Stop/Kill already cancel the worker's
// context, which surfaces here as context.Canceled and must not be
// treated as an unhandled exception).
func (s *Supervisor) transitionOnWorkerFailure(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.safeTransition(model.StateError)
}

// safeTransition attempts a lifecycle transition outside of a caller-held
// lock, swallowing ErrInvalidTransition: a concurrent Stop/Kill may have
// already moved the state machine past the edge this caller observed,
// and that race is not itself an error.
func (s *Supervisor) safeTransition(to model.SupervisorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.transition(to)
}

// runSupervisorLoop drains envelopes forwarded up from the sandbox
// document: tool_call, file_request, state_request, agent_ask, and
// api_request, plus spawn/kill_subworker notifications that keep the
// nested subworker registry current.
func (s *Supervisor) runSupervisorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.inbox:
			if !ok {
				return
			}
			s.handle(ctx, env)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, env relay.Envelope) {
	switch env.Type {
	case relay.MsgToolCall:
		s.handleToolCall(ctx, env)
	case relay.MsgSpawnSubworker:
		s.recordSubworkerSpawn(env)
	case relay.MsgKillSubworker:
		s.recordSubworkerKill(env)
	case relay.MsgAgentAsk:
		s.handleAgentAsk(ctx, env)
	case relay.MsgFileRequest, relay.MsgStateRequest, relay.MsgAPIRequest:
		// Default policy when no dedicated handler is wired: respond
		// with a typed policy error rather than leaving the correlation
		// to time out silently.
		if env.ID != "" {
			s.r.RespondError(env.ID, model.NewErrorf(model.ErrPolicy, "supervisor: no handler registered for %s", env.Type))
		}
	default:
		slog.Debug("supervisor: unhandled envelope type", "type", env.Type, "agent", s.id)
	}
}

func (s *Supervisor) handleToolCall(ctx context.Context, env relay.Envelope) {
	var req struct {
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		if env.ID != "" {
			s.r.RespondError(env.ID, model.NewErrorf(model.ErrParse, "supervisor: malformed tool_call").WithWrapped(err))
		}
		return
	}

	h, ok := s.supervisorHandlers[req.Name]
	if !ok {
		if env.ID != "" {
			s.r.RespondError(env.ID, model.NewErrorf(model.ErrPolicy, "supervisor: unknown supervisor tool %q", req.Name))
		}
		return
	}

	body, isError, err := h(ctx, s.id, req.Input)
	if err != nil {
		body, isError = err.Error(), true
	}
	payload, _ := json.Marshal(map[string]any{"body": body, "isError": isError})
	if env.ID != "" {
		s.r.Respond(relay.Envelope{Type: relay.MsgToolCall, ID: env.ID, From: s.peerID, Payload: payload})
	}
}

// handleAgentAsk answers an agent_ask forwarded up from a (sub)worker
// via the registered AskHandler and routes the answer back as
// agent_ask_response, correlated by env.ID so it resolves exactly the
// asker's pending flo.ask promise and no other worker's.
func (s *Supervisor) handleAgentAsk(ctx context.Context, env relay.Envelope) {
	var req struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		if env.ID != "" {
			s.r.RespondError(env.ID, model.NewErrorf(model.ErrParse, "supervisor: malformed agent_ask").WithWrapped(err))
		}
		return
	}

	s.mu.Lock()
	handler := s.askHandler
	s.mu.Unlock()
	if handler == nil {
		if env.ID != "" {
			s.r.RespondError(env.ID, model.NewErrorf(model.ErrPolicy, "supervisor: no ask handler registered for agent %q", s.id))
		}
		return
	}

	result, err := handler(ctx, s.id, req.Event, req.Data)
	if err != nil {
		if env.ID != "" {
			s.r.RespondError(env.ID, err)
		}
		return
	}
	payload, _ := json.Marshal(result)
	if env.ID != "" {
		s.r.Respond(relay.Envelope{Type: relay.MsgAgentAskResponse, ID: env.ID, From: s.peerID, Payload: payload})
	}
}

func (s *Supervisor) recordSubworkerSpawn(env relay.Envelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		return
	}
	s.mu.Lock()
	s.subworkers[p.ID] = &model.SubworkerRegistryEntry{ID: p.ID, CreatedAt: time.Now(), State: model.StateRunning}
	s.mu.Unlock()
}

func (s *Supervisor) recordSubworkerKill(env relay.Envelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		return
	}
	s.mu.Lock()
	delete(s.subworkers, p.ID)
	s.mu.Unlock()
}

// spawnSubworker is the sandbox document's callback for
// spawn_subworker: it constructs a nested worker entirely inside this
// supervisor's relay, sharing the parent's tool registry, hooks, and a
// budget accumulator that folds into the parent's via Absorb.
func (s *Supervisor) spawnSubworker(parentWorkerID string, cfg model.AgentConfig) (*sandbox.WorkerHandle, error) {
	s.mu.Lock()
	parentCtx := context.Background()
	_ = parentWorkerID
	adapter, err := s.providers.New(cfg.Provider)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	peerID := "worker:" + cfg.ID
	workerInbox := s.r.Register(peerID)
	subBudget := &model.BudgetAccumulator{}

	executor := newExecutor(s.r, peerID, "sandbox:"+s.id, s.tools, s.localHandlers)
	worker := loop.New(loop.Deps{
		AgentID: cfg.ID, Config: cfg, Adapter: adapter, Tools: s.tools, Hooks: s.hooksE,
		Relay: s.r, Budget: subBudget, Execute: executor, StreamFunc: s.stream,
	}, []model.Message{})

	workerCtx, cancel := context.WithCancel(parentCtx)
	go runWorkerInbox(workerCtx, workerInbox, worker)
	go func() {
		out := make(chan model.AgentEvent, 64)
		go s.forwardWorkerEvents(workerCtx, out)
		if err := worker.Run(workerCtx, out); err != nil {
			slog.Warn("supervisor: subworker exited with error", "agent", cfg.ID, "error", err)
			s.transitionOnWorkerFailure(err)
		}
		s.budget.Absorb(subBudget.Snapshot())
		close(out)
	}()

	return &sandbox.WorkerHandle{ID: cfg.ID, PeerID: peerID, CreatedAt: time.Now(), Config: cfg, Cancel: cancel}, nil
}

// Pause transitions running -> paused and cooperatively pauses the
// main worker.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(model.StatePaused); err != nil {
		return err
	}
	if s.mainWorker != nil {
		s.mainWorker.Pause()
	}
	return nil
}

// Resume transitions paused -> running and wakes the main worker.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(model.StateRunning); err != nil {
		return err
	}
	if s.mainWorker != nil {
		s.mainWorker.Resume()
	}
	return nil
}

// Stop transitions running|paused -> stopped and cancels every worker
// (main and subworkers). The sandbox document is left open; only Kill
// closes it.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(model.StateStopped); err != nil {
		return err
	}
	s.stopWorkersLocked()
	for _, h := range s.doc.Workers() {
		if h.Cancel != nil {
			h.Cancel()
		}
	}
	return nil
}

// Kill is the idempotent, any-state terminal transition: it stops
// everything unconditionally and tears down the relay.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(model.StateKilled); err != nil {
		return err
	}
	s.stopWorkersLocked()
	s.doc.Close()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.r.Shutdown()
	return nil
}

// Restart transitions stopped|error|killed -> pending. The caller is
// expected to call Start again afterward.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(model.StatePending)
}

func (s *Supervisor) stopWorkersLocked() {
	if s.mainWorker != nil {
		s.mainWorker.Stop()
	}
	if s.mainCancel != nil {
		s.mainCancel()
	}
}

// UpdateConfig merges a partial update into the live config and
// broadcasts config_update to every attached worker (main + every
// subworker), a pure-function merge over the cloned base.
func (s *Supervisor) UpdateConfig(patch model.AgentConfig) {
	s.mu.Lock()
	merged := s.config.Clone()
	if patch.Name != "" {
		merged.Name = patch.Name
	}
	if patch.SystemPrompt != "" {
		merged.SystemPrompt = patch.SystemPrompt
	}
	if patch.Model != "" {
		merged.Model = patch.Model
	}
	if patch.Tools != nil {
		merged.Tools = patch.Tools
	}
	if patch.MaxTokens != 0 {
		merged.MaxTokens = patch.MaxTokens
	}
	if patch.TokenBudget != nil {
		merged.TokenBudget = patch.TokenBudget
	}
	if patch.CostBudgetUSD != nil {
		merged.CostBudgetUSD = patch.CostBudgetUSD
	}
	s.config = merged
	s.mu.Unlock()

	payload, _ := json.Marshal(merged)
	s.r.Broadcast(relay.Envelope{Type: relay.MsgConfigUpdate, AgentID: s.id, From: s.peerID, Payload: payload}, s.peerID)
}

// CaptureDomState returns the current sandbox view-state snapshot.
func (s *Supervisor) CaptureDomState() map[string]any {
	return s.doc.CaptureState()
}

// ShowInPane and HideFromPane toggle dashboard visibility, emitted as
// visibility_change events rather than a lifecycle state transition.
func (s *Supervisor) ShowInPane() { s.emit(model.AgentEvent{Kind: model.EventVisibilityChange, AgentID: s.id, Visible: true}) }
func (s *Supervisor) HideFromPane() {
	s.emit(model.AgentEvent{Kind: model.EventVisibilityChange, AgentID: s.id, Visible: false})
}

// Subworkers returns a snapshot of the nested subworker registry.
func (s *Supervisor) Subworkers() []model.SubworkerRegistryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SubworkerRegistryEntry, 0, len(s.subworkers))
	for _, e := range s.subworkers {
		out = append(out, *e)
	}
	return out
}

// KillSubworker asks the sandbox document to tear down one subworker.
func (s *Supervisor) KillSubworker(ctx context.Context, id string) error {
	payload, _ := json.Marshal(map[string]string{"id": id})
	_, err := s.r.Request(ctx, relay.Envelope{
		Type: relay.MsgKillSubworker, AgentID: s.id, From: s.peerID, To: "sandbox:" + s.id, Payload: payload,
	}, model.CorrelationTool, 10*time.Second)
	return err
}

// BudgetSnapshot returns the current accumulated usage for this agent
// (main worker plus every subworker folded in via Absorb).
func (s *Supervisor) BudgetSnapshot() model.BudgetAccumulator {
	return s.budget.Snapshot()
}

func runWorkerInbox(ctx context.Context, inbox <-chan relay.Envelope, w *loop.Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbox:
			if !ok {
				return
			}
			switch env.Type {
			case relay.MsgPause:
				w.Pause()
			case relay.MsgResume:
				w.Resume()
			case relay.MsgStopAgent:
				w.Stop()
			}
		}
	}
}

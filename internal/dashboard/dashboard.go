// Package dashboard serves the meshd web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ on the same port as
// the interceptor. It provides:
//
//   - Web UI:     GET /dashboard          — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws       — Live activity feed
//   - REST API:   GET /api/status         — Fabric status
//                 GET /api/agents         — Agent list with lifecycle state
//                 GET /api/events         — Recent event log entries
//                 GET /api/rules          — List all hook rules
//                 POST /api/rules         — Add a custom rule
//                 POST /api/rules/delete  — Remove a custom rule
//                 POST /api/kill          — Kill an agent
//                 POST /api/revive        — Restart a killed/stopped agent
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/meshrun/meshd/internal/eventlog"
	"github.com/meshrun/meshd/internal/hooks"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/supervisor"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	EventLog  *eventlog.Log
	Manager   *supervisor.Manager
	Hooks     *hooks.Engine
	RulesPath string // Path to hooks.yaml for saving after modifications.
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	eventLog  *eventlog.Log
	manager   *supervisor.Manager
	hooks     *hooks.Engine
	rulesPath string
	wsHub     *wsHub
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		eventLog:  opts.EventLog,
		manager:   opts.Manager,
		hooks:     opts.Hooks,
		rulesPath: opts.RulesPath,
		wsHub:     newWSHub(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive real-time event log entries.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
// Routes requests to the appropriate handler based on path and method.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/agents", d.handleAPIAgents)
	mux.HandleFunc("/api/events", d.handleAPIEvents)
	mux.HandleFunc("/api/rules", d.handleAPIRules)
	mux.HandleFunc("/api/rules/delete", d.handleAPIRulesDelete)
	mux.HandleFunc("/api/kill", d.handleAPIKill)
	mux.HandleFunc("/api/revive", d.handleAPIRevive)

	return mux
}

// BroadcastEvent sends an event log entry to all connected WebSocket
// clients. Non-blocking — if no clients are connected, the entry is
// dropped.
func (d *Dashboard) BroadcastEvent(e eventlog.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// agentSummary is the JSON shape returned by /api/agents — flattened
// from the live supervisor rather than a stored registry row, so the
// state always reflects what's actually running.
type agentSummary struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Provider string                  `json:"provider"`
	Model    string                  `json:"model"`
	State    model.SupervisorState   `json:"state"`
	Budget   model.BudgetAccumulator `json:"budget"`
}

// handleAPIStatus returns fabric status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"status":        "running",
		"total_rules":   d.hooks.TotalRules(),
		"builtin_rules": d.hooks.BuiltinCount(),
		"custom_rules":  d.hooks.CustomCount(),
		"agents":        len(d.manager.List()),
	}

	writeJSON(w, http.StatusOK, status)
}

// handleAPIAgents returns the list of all known agents with their
// current lifecycle state and budget.
// GET /api/agents
func (d *Dashboard) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	supervisors := d.manager.List()
	agents := make([]agentSummary, 0, len(supervisors))
	for _, s := range supervisors {
		cfg := s.Config()
		agents = append(agents, agentSummary{
			ID:       s.ID(),
			Name:     cfg.Name,
			Provider: cfg.Provider,
			Model:    cfg.Model,
			State:    s.State(),
			Budget:   s.BudgetSnapshot(),
		})
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAPIEvents returns recent event log entries.
// GET /api/events?limit=50&agent=main&decision=block
func (d *Dashboard) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := eventlog.QueryParams{
		Agent:    r.URL.Query().Get("agent"),
		Kind:     r.URL.Query().Get("kind"),
		Decision: r.URL.Query().Get("decision"),
		Limit:    limit,
	}

	entries, err := d.eventLog.Query(params)
	if err != nil {
		slog.Error("event log query failed", "error", err)
		http.Error(w, "event log query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleAPIRules handles rule listing and creation.
// GET  /api/rules              — List all rules
// POST /api/rules  { "yaml": "..." }  — Add a custom rule
func (d *Dashboard) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules := d.hooks.ListRules()
		writeJSON(w, http.StatusOK, rules)

	case http.MethodPost:
		var req struct {
			YAML string `json:"yaml"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.YAML == "" {
			http.Error(w, "yaml field required", http.StatusBadRequest)
			return
		}
		if err := d.hooks.AddRule(req.YAML); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.rulesPath != "" {
			if err := d.hooks.Save(d.rulesPath); err != nil {
				slog.Error("failed to save rules after add", "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "added"})

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleAPIRulesDelete removes a custom rule by name.
// POST /api/rules/delete  { "name": "my_rule" }
func (d *Dashboard) handleAPIRulesDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name field required", http.StatusBadRequest)
		return
	}

	if err := d.hooks.RemoveRule(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.rulesPath != "" {
		if err := d.hooks.Save(d.rulesPath); err != nil {
			slog.Error("failed to save rules after remove", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": req.Name})
}

// handleAPIKill kills an agent via the REST API.
// POST /api/kill  { "agent": "main" }
func (d *Dashboard) handleAPIKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Agent == "" {
		http.Error(w, "agent field required", http.StatusBadRequest)
		return
	}

	s, err := d.manager.Get(req.Agent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.Kill()
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "agent": req.Agent})
}

// handleAPIRevive restarts a killed, stopped, or errored agent via the
// REST API.
// POST /api/revive  { "agent": "main" }
func (d *Dashboard) handleAPIRevive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Agent == "" {
		http.Error(w, "agent field required", http.StatusBadRequest)
		return
	}

	s, err := d.manager.Get(req.Agent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.Restart(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.Start(context.Background()); err != nil {
		slog.Error("revive via API failed to restart run loop", "agent", req.Agent, "error", err)
		http.Error(w, "revive failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revived", "agent": req.Agent})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the dashboard. Minimal
// single-page UI that shows fabric status, agent list, and the live
// event feed. Refreshes via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>meshd</title>
<style>
  body { background: #0d1117; color: #c9d1d9; font-family: ui-monospace, monospace; margin: 0; padding: 24px; }
  h1 { font-size: 18px; color: #58a6ff; }
  h2 { font-size: 14px; color: #8b949e; margin-top: 32px; border-bottom: 1px solid #30363d; padding-bottom: 4px; }
  table { width: 100%; border-collapse: collapse; margin-top: 8px; font-size: 13px; }
  th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #21262d; }
  th { color: #8b949e; font-weight: normal; }
  .state-running { color: #3fb950; }
  .state-paused { color: #d29922; }
  .state-stopped, .state-killed { color: #f85149; }
  .state-error { color: #f85149; }
  .state-pending { color: #8b949e; }
  button { background: #21262d; color: #c9d1d9; border: 1px solid #30363d; border-radius: 4px; padding: 3px 10px; cursor: pointer; font-family: inherit; font-size: 12px; }
  button:hover { background: #30363d; }
  #feed { height: 260px; overflow-y: auto; background: #161b22; border: 1px solid #30363d; border-radius: 4px; padding: 8px; font-size: 12px; }
  #feed div { padding: 2px 0; border-bottom: 1px solid #21262d; }
  #status { color: #8b949e; font-size: 13px; }
</style>
</head>
<body>
<h1>meshd</h1>
<div id="status">connecting...</div>

<h2>Agents</h2>
<table id="agents"><thead><tr><th>ID</th><th>Name</th><th>Provider</th><th>Model</th><th>State</th><th>Tokens</th><th>Cost</th><th></th></tr></thead><tbody></tbody></table>

<h2>Rules</h2>
<table id="rules"><thead><tr><th>Name</th><th>Scope</th><th>Action</th><th>Builtin</th></tr></thead><tbody></tbody></table>

<h2>Live Event Feed</h2>
<div id="feed"></div>

<script>
function fmtState(s) { return '<span class="state-' + s + '">' + s + '</span>'; }

function killAgent(id) {
  fetch('/api/kill', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({agent: id})}).then(refreshAgents);
}
function reviveAgent(id) {
  fetch('/api/revive', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({agent: id})}).then(refreshAgents);
}

function refreshStatus() {
  fetch('/api/status').then(r => r.json()).then(s => {
    document.getElementById('status').textContent =
      s.status + ' — ' + s.agents + ' agents, ' + s.total_rules + ' rules (' + s.builtin_rules + ' builtin, ' + s.custom_rules + ' custom)';
  });
}

function refreshAgents() {
  fetch('/api/agents').then(r => r.json()).then(agents => {
    const tbody = document.querySelector('#agents tbody');
    tbody.innerHTML = '';
    (agents || []).forEach(a => {
      const tr = document.createElement('tr');
      const canRevive = a.state === 'stopped' || a.state === 'killed' || a.state === 'error';
      tr.innerHTML = '<td>' + a.id + '</td><td>' + a.name + '</td><td>' + a.provider + '</td><td>' + a.model + '</td>' +
        '<td>' + fmtState(a.state) + '</td><td>' + (a.budget.inputTokens + a.budget.outputTokens) + '</td>' +
        '<td>$' + a.budget.usdCost.toFixed(4) + '</td>' +
        '<td>' + (canRevive
          ? '<button onclick="reviveAgent(\'' + a.id + '\')">revive</button>'
          : '<button onclick="killAgent(\'' + a.id + '\')">kill</button>') + '</td>';
      tbody.appendChild(tr);
    });
  });
}

function refreshRules() {
  fetch('/api/rules').then(r => r.json()).then(rules => {
    const tbody = document.querySelector('#rules tbody');
    tbody.innerHTML = '';
    (rules || []).forEach(r => {
      const tr = document.createElement('tr');
      tr.innerHTML = '<td>' + r.Name + '</td><td>' + r.Scope + '</td><td>' + r.Action + '</td><td>' + (r.Builtin ? 'yes' : 'no') + '</td>';
      tbody.appendChild(tr);
    });
  });
}

function appendFeed(entry) {
  const feed = document.getElementById('feed');
  const div = document.createElement('div');
  div.textContent = '[' + entry.ts + '] ' + entry.agent + ' ' + entry.kind + ' ' + (entry.subject || '') + ' ' + entry.decision;
  feed.insertBefore(div, feed.firstChild);
  while (feed.children.length > 200) feed.removeChild(feed.lastChild);
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = e => appendFeed(JSON.parse(e.data));
  ws.onclose = () => setTimeout(connectWS, 2000);
}

connectWS();
refreshStatus();
refreshAgents();
refreshRules();
setInterval(refreshStatus, 5000);
setInterval(refreshAgents, 5000);
</script>
</body>
</html>`

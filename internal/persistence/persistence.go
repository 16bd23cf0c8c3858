// Package persistence implements the fabric's durable-state surface:
// settings, per-agent records and their conversation history, the
// cross-agent registry snapshot, and export/import/clearAll — a
// server-side rendition of what a browser-resident fabric would keep
// in IndexedDB.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"gopkg.in/yaml.v3"

	"github.com/meshrun/meshd/internal/model"
)

// AgentRecord is one persisted agent: its config plus free-form
// metadata the caller wants to survive a restart (last-used label,
// pinned status, UI position) that doesn't belong on AgentConfig
// itself.
type AgentRecord struct {
	ID        string         `yaml:"id" json:"id"`
	Config    model.AgentConfig `yaml:"config" json:"config"`
	Metadata  map[string]any `yaml:"metadata" json:"metadata"`
	CreatedAt time.Time      `yaml:"createdAt" json:"createdAt"`
	UpdatedAt time.Time      `yaml:"updatedAt" json:"updatedAt"`
}

// ExportBundle is the top-level JSON shape produced by ExportData and
// consumed by ImportData — one flat object with one array per
// concern, so import is a straightforward structural replace rather
// than a merge.
type ExportBundle struct {
	Settings      map[string]any        `json:"settings"`
	Agents        []AgentRecord          `json:"agents"`
	Conversations []ConversationSnapshot `json:"conversations"`
	AgentRegistry json.RawMessage        `json:"agentRegistry,omitempty"`
}

// ConversationSnapshot is one agent's full message history, as
// returned by LoadConversation and embedded in an export bundle.
type ConversationSnapshot struct {
	AgentID  string          `json:"agentId"`
	Messages []model.Message `json:"messages"`
}

// Layer is the durable-state surface a supervisor or CLI command
// reads and writes. Every method is safe to call concurrently.
type Layer interface {
	GetSettings() (map[string]any, error)
	SaveSettings(settings map[string]any) error

	SaveAgent(rec AgentRecord) error
	LoadAgent(id string) (AgentRecord, error)
	ListAgents() ([]AgentRecord, error)
	UpdateAgentMetadata(id string, patch map[string]any) error
	DeleteAgent(id string) error

	AppendConversationEntry(agentID string, msg model.Message) error
	LoadConversation(agentID string) ([]model.Message, error)

	SaveAgentRegistry(snapshot json.RawMessage) error
	LoadAgentRegistry() (json.RawMessage, error)
	ClearAgentRegistry() error

	ExportData() ([]byte, error)
	ImportData(data []byte) error
	ClearAll() error

	Close() error
}

// fileLayer is the default Layer: settings and agent records persist
// to YAML files, conversation history persists to a SQLite table
// (WAL mode), and the agent registry snapshot persists to one JSON
// blob file.
type fileLayer struct {
	mu  sync.Mutex
	dir string
	db  *sql.DB
}

// New opens (or creates) a persistence layer rooted at dir.
func New(dir string) (Layer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewErrorf(model.ErrInternal, "persistence: creating %s", dir).WithWrapped(err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "conversations.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, model.NewErrorf(model.ErrInternal, "persistence: opening conversations db").WithWrapped(err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_entries (
			agent_id TEXT NOT NULL,
			seq      INTEGER NOT NULL,
			message  TEXT NOT NULL,
			ts       TEXT NOT NULL,
			PRIMARY KEY (agent_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_conversation_agent ON conversation_entries(agent_id);
	`); err != nil {
		db.Close()
		return nil, model.NewErrorf(model.ErrInternal, "persistence: creating conversation schema").WithWrapped(err)
	}

	return &fileLayer{dir: dir, db: db}, nil
}

func (l *fileLayer) settingsPath() string      { return filepath.Join(l.dir, "settings.yaml") }
func (l *fileLayer) agentsPath() string        { return filepath.Join(l.dir, "agents.yaml") }
func (l *fileLayer) agentRegistryPath() string { return filepath.Join(l.dir, "agent_registry.json") }

// GetSettings returns the persisted settings map, or an empty map if
// none have been saved yet.
func (l *fileLayer) GetSettings() (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, model.NewErrorf(model.ErrInternal, "persistence: reading settings").WithWrapped(err)
	}
	var settings map[string]any
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, model.NewErrorf(model.ErrParse, "persistence: parsing settings").WithWrapped(err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// SaveSettings overwrites the persisted settings map.
func (l *fileLayer) SaveSettings(settings map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeYAML(l.settingsPath(), settings)
}

type agentsFile struct {
	Agents map[string]AgentRecord `yaml:"agents"`
}

func (l *fileLayer) loadAgentsFile() (agentsFile, error) {
	var af agentsFile
	data, err := os.ReadFile(l.agentsPath())
	if err != nil {
		if os.IsNotExist(err) {
			af.Agents = make(map[string]AgentRecord)
			return af, nil
		}
		return af, model.NewErrorf(model.ErrInternal, "persistence: reading agents").WithWrapped(err)
	}
	if err := yaml.Unmarshal(data, &af); err != nil {
		return af, model.NewErrorf(model.ErrParse, "persistence: parsing agents").WithWrapped(err)
	}
	if af.Agents == nil {
		af.Agents = make(map[string]AgentRecord)
	}
	return af, nil
}

// SaveAgent inserts or overwrites one agent record.
func (l *fileLayer) SaveAgent(rec AgentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	af, err := l.loadAgentsFile()
	if err != nil {
		return err
	}
	now := time.Now()
	if existing, ok := af.Agents[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	af.Agents[rec.ID] = rec
	return l.writeYAML(l.agentsPath(), af)
}

// LoadAgent returns one agent record by id.
func (l *fileLayer) LoadAgent(id string) (AgentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	af, err := l.loadAgentsFile()
	if err != nil {
		return AgentRecord{}, err
	}
	rec, ok := af.Agents[id]
	if !ok {
		return AgentRecord{}, model.NewErrorf(model.ErrConfig, "persistence: agent %q not found", id)
	}
	return rec, nil
}

// ListAgents returns every persisted agent record, sorted by id.
func (l *fileLayer) ListAgents() ([]AgentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	af, err := l.loadAgentsFile()
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(af.Agents))
	for _, rec := range af.Agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAgentMetadata merges patch into an existing agent's metadata
// without touching its config.
func (l *fileLayer) UpdateAgentMetadata(id string, patch map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	af, err := l.loadAgentsFile()
	if err != nil {
		return err
	}
	rec, ok := af.Agents[id]
	if !ok {
		return model.NewErrorf(model.ErrConfig, "persistence: agent %q not found", id)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	for k, v := range patch {
		rec.Metadata[k] = v
	}
	rec.UpdatedAt = time.Now()
	af.Agents[id] = rec
	return l.writeYAML(l.agentsPath(), af)
}

// DeleteAgent removes an agent record and its conversation history.
func (l *fileLayer) DeleteAgent(id string) error {
	l.mu.Lock()
	af, err := l.loadAgentsFile()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	delete(af.Agents, id)
	if err := l.writeYAML(l.agentsPath(), af); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if _, err := l.db.Exec(`DELETE FROM conversation_entries WHERE agent_id = ?`, id); err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: deleting conversation for %s", id).WithWrapped(err)
	}
	return nil
}

// AppendConversationEntry appends one message to an agent's
// conversation history.
func (l *fileLayer) AppendConversationEntry(agentID string, msg model.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: marshaling message").WithWrapped(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var seq int64
	row := l.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM conversation_entries WHERE agent_id = ?`, agentID)
	if err := row.Scan(&seq); err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: allocating seq").WithWrapped(err)
	}

	_, err = l.db.Exec(`INSERT INTO conversation_entries (agent_id, seq, message, ts) VALUES (?, ?, ?, ?)`,
		agentID, seq, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: appending conversation entry").WithWrapped(err)
	}
	return nil
}

// LoadConversation returns an agent's full message history in order.
func (l *fileLayer) LoadConversation(agentID string) ([]model.Message, error) {
	rows, err := l.db.Query(`SELECT message FROM conversation_entries WHERE agent_id = ? ORDER BY seq ASC`, agentID)
	if err != nil {
		return nil, model.NewErrorf(model.ErrInternal, "persistence: querying conversation").WithWrapped(err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, model.NewErrorf(model.ErrInternal, "persistence: scanning conversation row").WithWrapped(err)
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, model.NewErrorf(model.ErrParse, "persistence: parsing conversation row").WithWrapped(err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveAgentRegistry overwrites the cross-agent registry snapshot — an
// opaque blob from this package's point of view (the caller, e.g.
// supervisor.Manager, owns its shape).
func (l *fileLayer) SaveAgentRegistry(snapshot json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.WriteFile(l.agentRegistryPath(), snapshot, 0o644); err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: writing agent registry").WithWrapped(err)
	}
	return nil
}

// LoadAgentRegistry returns the last-saved registry snapshot, or nil
// if none has been saved.
func (l *fileLayer) LoadAgentRegistry() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.agentRegistryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.NewErrorf(model.ErrInternal, "persistence: reading agent registry").WithWrapped(err)
	}
	return data, nil
}

// ClearAgentRegistry removes the saved registry snapshot.
func (l *fileLayer) ClearAgentRegistry() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.agentRegistryPath()); err != nil && !os.IsNotExist(err) {
		return model.NewErrorf(model.ErrInternal, "persistence: clearing agent registry").WithWrapped(err)
	}
	return nil
}

// ExportData serializes every persisted concern into one JSON bundle.
func (l *fileLayer) ExportData() ([]byte, error) {
	settings, err := l.GetSettings()
	if err != nil {
		return nil, err
	}
	agents, err := l.ListAgents()
	if err != nil {
		return nil, err
	}
	registry, err := l.LoadAgentRegistry()
	if err != nil {
		return nil, err
	}

	conversations := make([]ConversationSnapshot, 0, len(agents))
	for _, rec := range agents {
		msgs, err := l.LoadConversation(rec.ID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, ConversationSnapshot{AgentID: rec.ID, Messages: msgs})
	}

	bundle := ExportBundle{
		Settings:      settings,
		Agents:        agents,
		Conversations: conversations,
		AgentRegistry: registry,
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, model.NewErrorf(model.ErrInternal, "persistence: marshaling export bundle").WithWrapped(err)
	}
	return data, nil
}

// ImportData replaces all persisted state with the contents of a
// previously exported bundle. Always clears first — an import is a
// structural replace, not a merge, so partial state from a previous
// run never leaks into the imported snapshot.
func (l *fileLayer) ImportData(data []byte) error {
	var bundle ExportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return model.NewErrorf(model.ErrParse, "persistence: parsing import bundle").WithWrapped(err)
	}

	if err := l.ClearAll(); err != nil {
		return err
	}

	if bundle.Settings != nil {
		if err := l.SaveSettings(bundle.Settings); err != nil {
			return err
		}
	}
	for _, rec := range bundle.Agents {
		if err := l.SaveAgent(rec); err != nil {
			return err
		}
	}
	for _, conv := range bundle.Conversations {
		for _, msg := range conv.Messages {
			if err := l.AppendConversationEntry(conv.AgentID, msg); err != nil {
				return err
			}
		}
	}
	if len(bundle.AgentRegistry) > 0 {
		if err := l.SaveAgentRegistry(bundle.AgentRegistry); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll wipes every persisted concern: settings, agent records,
// conversation history, and the registry snapshot.
func (l *fileLayer) ClearAll() error {
	l.mu.Lock()
	for _, p := range []string{l.settingsPath(), l.agentsPath(), l.agentRegistryPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			l.mu.Unlock()
			return model.NewErrorf(model.ErrInternal, "persistence: clearing %s", p).WithWrapped(err)
		}
	}
	l.mu.Unlock()

	if _, err := l.db.Exec(`DELETE FROM conversation_entries`); err != nil {
		return model.NewErrorf(model.ErrInternal, "persistence: clearing conversation history").WithWrapped(err)
	}
	return nil
}

// Close releases the underlying SQLite handle.
func (l *fileLayer) Close() error {
	return l.db.Close()
}

func (l *fileLayer) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

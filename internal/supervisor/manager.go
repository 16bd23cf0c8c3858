package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/meshrun/meshd/internal/model"
)

// Manager is the Agent Manager root: it owns the set of live
// Supervisors and persists enough of each one's configuration and
// accumulated budget to resurrect it on restart.
//
// Grounded on internal/agent.Registry's load-on-construct,
// save-on-shutdown YAML persistence idiom, generalized from per-agent
// request counters to full AgentConfig + budget snapshots.
type Manager struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	deps        Deps
	path        string
}

type persistedAgent struct {
	Config model.AgentConfig       `yaml:"config"`
	Budget model.BudgetAccumulator `yaml:"budget"`
}

type registryFile struct {
	Agents map[string]persistedAgent `yaml:"agents"`
}

// NewManager loads any previously persisted agent configs from path
// (a missing file is not an error, matching NewRegistry) as pending
// Supervisors and returns the Manager; further agents are added with
// Spawn.
func NewManager(path string, deps Deps) (*Manager, error) {
	m := &Manager{supervisors: make(map[string]*Supervisor), deps: deps, path: path}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("supervisor: stat agent registry %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reading agent registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("supervisor: parsing agent registry %s: %w", path, err)
	}
	for id, pa := range file.Agents {
		pa.Config.ID = id
		sup := New(pa.Config, deps)
		sup.budget = &model.BudgetAccumulator{
			InputTokens: pa.Budget.InputTokens, OutputTokens: pa.Budget.OutputTokens,
			USDCost: pa.Budget.USDCost, Turns: pa.Budget.Turns,
		}
		m.supervisors[id] = sup
	}
	slog.Info("supervisor: resurrected agents from registry", "count", len(m.supervisors), "path", path)
	return m, nil
}

// Spawn registers a brand-new agent in state pending and returns its
// Supervisor without starting it.
func (m *Manager) Spawn(cfg model.AgentConfig) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.supervisors[cfg.ID]; exists {
		return nil, model.NewErrorf(model.ErrConfig, "supervisor: agent %q already exists", cfg.ID)
	}
	sup := New(cfg, m.deps)
	m.supervisors[cfg.ID] = sup
	return sup, nil
}

// Get returns the named agent's Supervisor, or an error if unknown.
func (m *Manager) Get(id string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[id]
	if !ok {
		return nil, model.NewErrorf(model.ErrConfig, "supervisor: no such agent %q", id)
	}
	return sup, nil
}

// List returns every tracked agent's Supervisor, sorted by id.
func (m *Manager) List() []*Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Remove kills (if needed) and forgets an agent entirely. Unlike Stop,
// this removes it from the registry — used when an agent is deleted,
// not merely stopped.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.supervisors[id]
	if !ok {
		return nil
	}
	if sup.State() != model.StateKilled {
		if err := sup.Kill(); err != nil {
			return err
		}
	}
	delete(m.supervisors, id)
	return nil
}

// Save persists every tracked agent's config and budget to disk,
// called on graceful shutdown so a restart resurrects exactly where it
// left off.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file := registryFile{Agents: make(map[string]persistedAgent, len(m.supervisors))}
	for id, sup := range m.supervisors {
		file.Agents[id] = persistedAgent{Config: sup.Config(), Budget: sup.BudgetSnapshot()}
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("supervisor: marshaling agent registry: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("supervisor: writing agent registry %s: %w", m.path, err)
	}
	return nil
}

// Shutdown stops every running or paused agent and persists the
// registry.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	for _, sup := range sups {
		if sup.State() == model.StateRunning || sup.State() == model.StatePaused {
			if err := sup.Stop(); err != nil {
				slog.Warn("supervisor: stop during shutdown failed", "agent", sup.ID(), "error", err)
			}
		}
	}
	return m.Save()
}

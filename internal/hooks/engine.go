package hooks

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// Engine holds the agent-level rule set (built-in plus custom) and
// evaluates agentic-loop events against it. Skill-level rules are
// supplied per-call by the caller and merged in without ever mutating
// the agent-level set, so the effective rule set at any moment is a
// pure function of (agent rules, active skill rules, event).
//
// Thread-safe: Evaluate is called from every worker goroutine's loop
// at every hook point, while Reload runs from the config watcher.
type Engine struct {
	mu             sync.RWMutex
	agentRules     []Rule // built-in + custom agent-scoped, in evaluation order
	customRules    []Rule
	builtinToggles map[string]bool
	builtinCount   int
	customCount    int

	skillsMu sync.RWMutex
	skills   map[string][]Rule // skillID -> that skill's rules
}

// New loads custom rules from rulesPath and merges them with built-ins.
// A missing file is not an error.
func New(rulesPath string) (*Engine, error) {
	e := &Engine{skills: make(map[string][]Rule)}
	if err := e.load(rulesPath); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterSkillRules installs the hook rules carried by a skill package,
// keyed by skill id. They take effect only for Evaluate calls that pass
// that skill id in activeSkills.
func (e *Engine) RegisterSkillRules(skillID string, rules []Rule) error {
	for i := range rules {
		rules[i].Scope = "skill"
		rules[i].SkillID = skillID
		if err := compileMatcher(&rules[i]); err != nil {
			return err
		}
	}
	e.skillsMu.Lock()
	e.skills[skillID] = rules
	e.skillsMu.Unlock()
	return nil
}

// effectiveRules computes agent rules followed by the rules of every
// currently active skill, without mutating either source set.
func (e *Engine) effectiveRules(activeSkills []string) []Rule {
	e.mu.RLock()
	combined := make([]Rule, len(e.agentRules))
	copy(combined, e.agentRules)
	e.mu.RUnlock()

	if len(activeSkills) == 0 {
		return combined
	}
	e.skillsMu.RLock()
	defer e.skillsMu.RUnlock()
	for _, id := range activeSkills {
		combined = append(combined, e.skills[id]...)
	}
	return combined
}

// Evaluate checks event against the effective rule set (agent rules
// plus the rules of every skill named in activeSkills). First matching
// rule wins; no match defaults to allow.
func (e *Engine) Evaluate(event Event, activeSkills ...string) Decision {
	for _, rule := range e.effectiveRules(activeSkills) {
		if matchesRule(&rule, event) {
			return Decision{Action: rule.Action, Rule: rule.Name, Message: rule.Message}
		}
	}
	return Decision{Action: "allow"}
}

// TotalRules returns the number of active agent-level rules (builtin + custom).
func (e *Engine) TotalRules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.agentRules)
}

// BuiltinCount returns the number of active built-in rules.
func (e *Engine) BuiltinCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtinCount
}

// CustomCount returns the number of custom agent-level rules.
func (e *Engine) CustomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.customCount
}

// ListRules returns summary info for every active agent-level rule.
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	infos := make([]RuleInfo, 0, len(e.agentRules))
	for _, r := range e.agentRules {
		infos = append(infos, RuleInfo{Name: r.Name, Scope: "agent", Builtin: r.Builtin, Action: r.Action, Message: r.Message})
	}
	return infos
}

// AddRule parses a rule from YAML and adds it to the custom agent-level set.
func (e *Engine) AddRule(yamlStr string) error {
	var rule Rule
	if err := yaml.Unmarshal([]byte(yamlStr), &rule); err != nil {
		return fmt.Errorf("parsing hook rule YAML: %w", err)
	}
	if rule.Name == "" {
		return fmt.Errorf("hook rule must have a name")
	}
	if rule.Action == "" {
		rule.Action = "deny"
	}
	if err := compileMatcher(&rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.customRules = append(e.customRules, rule)
	e.rebuild()
	return nil
}

// RemoveRule removes a custom agent-level rule by name.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	filtered := make([]Rule, 0, len(e.customRules))
	for _, r := range e.customRules {
		if r.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, r)
	}
	if !found {
		return fmt.Errorf("custom hook rule %q not found (built-ins can only be toggled)", name)
	}
	e.customRules = filtered
	e.rebuild()
	return nil
}

// Save persists the custom agent-level rules and builtin toggles.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return saveRulesToFile(path, e.customRules, e.builtinToggles)
}

// Reload re-reads rules from path, called by the config watcher on change.
func (e *Engine) Reload(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadUnlocked(path); err != nil {
		return err
	}
	slog.Info("hook rules reloaded", "total", len(e.agentRules), "builtin", e.builtinCount, "custom", e.customCount)
	return nil
}

func (e *Engine) load(rulesPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadUnlocked(rulesPath)
}

func (e *Engine) loadUnlocked(rulesPath string) error {
	customRules, builtinToggles, err := loadRulesFromFile(rulesPath)
	if err != nil {
		return err
	}

	defaults := defaultBuiltinToggles()
	if builtinToggles == nil {
		builtinToggles = defaults
	} else {
		for name, defaultVal := range defaults {
			if _, exists := builtinToggles[name]; !exists {
				builtinToggles[name] = defaultVal
			}
		}
	}

	for i := range customRules {
		customRules[i].Scope = "agent"
		if err := compileMatcher(&customRules[i]); err != nil {
			return err
		}
	}

	e.customRules = customRules
	e.builtinToggles = builtinToggles
	e.rebuild()
	return nil
}

// rebuild merges built-in and custom agent-level rules in evaluation
// order: built-ins first, then custom. Caller must hold the write lock.
func (e *Engine) rebuild() {
	var combined []Rule

	for _, r := range builtinRules() {
		enabled, exists := e.builtinToggles[r.Name]
		if !exists {
			enabled = true
		}
		if !enabled {
			continue
		}
		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in hook rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
	}

	combined = append(combined, e.customRules...)
	e.agentRules = combined
	e.builtinCount = len(combined) - len(e.customRules)
	e.customCount = len(e.customRules)
}

// Package hooks implements the hook rule engine evaluated at each
// agentic-loop boundary: before and after a tool use, at turn start,
// and at stop. A hook rule has a matcher (regex over the tool name
// plus optional argument predicates) and an action of allow, deny,
// log, or script. A deny turns the tool call into a synthetic error
// result without ever invoking the handler.
//
// Rules merge in two scopes: agent-level rules always apply; skill-level
// rules apply only while that skill's instructions are part of the
// current prompt. The merge is computed fresh on every Evaluate call —
// the base rule sets are never mutated by an active-skill selection.
package hooks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Phase identifies where in the agentic loop a rule may fire.
type Phase string

const (
	PhaseBeforeToolUse Phase = "before_tool_use"
	PhaseAfterToolUse  Phase = "after_tool_use"
	PhaseTurnStart     Phase = "turn_start"
	PhaseStop          Phase = "stop"
)

// Rule is a single hook rule: a match condition and an action to take
// when it fires.
type Rule struct {
	Name    string    `yaml:"name"`
	Scope   string    `yaml:"scope"` // "agent" or "skill"; empty means "agent"
	SkillID string    `yaml:"skill_id,omitempty"`
	Match   RuleMatch `yaml:"match"`
	Action  string    `yaml:"action"`  // allow | deny | log | script
	Message string    `yaml:"message"` // shown in the synthetic error result on deny
	Script  string    `yaml:"script,omitempty"`
	Builtin bool      `yaml:"-"`

	compiled *compiledMatcher
}

// RuleMatch defines the conditions under which a rule fires. All
// non-empty fields must match (AND logic); within a list field, any
// one value matching is sufficient (OR logic).
type RuleMatch struct {
	Phase       stringOrList `yaml:"phase"`
	Tool        stringOrList `yaml:"tool"`        // exact tool names, case-insensitive (OR)
	ToolRegex   string       `yaml:"tool_regex"`  // regex over the tool name
	Agent       string       `yaml:"agent"`       // exact agent id
	ArgContains stringOrList `yaml:"arg_contains"` // substring in the raw argument JSON (OR)
	ArgRegex    string       `yaml:"arg_regex"`   // regex against the "command" argument field
	URLRegex    string       `yaml:"url_regex"`   // regex against "url"/"targetUrl" argument fields
	PathGlob    stringOrList `yaml:"path_glob"`   // glob against the "path" argument field (OR)
}

// stringOrList accepts either a single YAML scalar or a sequence.
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// Decision is the outcome of evaluating an event against a rule set.
type Decision struct {
	Action  string
	Rule    string
	Message string
}

// Deny reports whether this decision converts the tool call into a
// synthetic error result.
func (d Decision) Deny() bool { return d.Action == "deny" }

// RuleInfo summarizes a rule for display.
type RuleInfo struct {
	Name    string
	Scope   string
	SkillID string
	Builtin bool
	Action  string
	Message string
}

type rulesFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// loadRulesFromFile reads custom rules from path. A missing file is
// not an error — it yields an empty rule set.
func loadRulesFromFile(path string) ([]Rule, map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading hook rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing hook rules %s: %w", path, err)
	}
	return file.Rules, file.Builtin, nil
}

func saveRulesToFile(path string, customRules []Rule, builtinToggles map[string]bool) error {
	file := rulesFile{Rules: customRules, Builtin: builtinToggles}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling hook rules: %w", err)
	}
	header := "# hook rules — evaluated before/after each tool use, at turn start, at stop\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultRules writes a hooks.yaml with every built-in rule at its
// default toggle (see defaultBuiltinToggles).
func WriteDefaultRules(path string) error {
	return saveRulesToFile(path, nil, defaultBuiltinToggles())
}

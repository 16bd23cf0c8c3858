package hooks

import "testing"

func TestBuiltinDenyEnvFile(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	d := e.Evaluate(Event{
		Phase:     PhaseBeforeToolUse,
		ToolName:  "fs.write",
		Arguments: map[string]any{"path": "/home/user/project/.env"},
	})
	if !d.Deny() {
		t.Fatalf("expected .env write to be denied, got %+v", d)
	}
}

func TestDefaultAllow(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	d := e.Evaluate(Event{Phase: PhaseBeforeToolUse, ToolName: "fs.read", Arguments: map[string]any{"path": "/tmp/x"}})
	if d.Action != "allow" {
		t.Fatalf("expected default allow, got %+v", d)
	}
}

func TestSkillRulesOnlyApplyWhenActive(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterSkillRules("no-network", []Rule{
		{Name: "deny_fetch", Match: RuleMatch{Tool: stringOrList{"network.fetch"}}, Action: "deny", Message: "this skill forbids network access"},
	}); err != nil {
		t.Fatal(err)
	}

	without := e.Evaluate(Event{Phase: PhaseBeforeToolUse, ToolName: "network.fetch"})
	if without.Action != "allow" {
		t.Fatalf("expected allow with skill inactive, got %+v", without)
	}

	with := e.Evaluate(Event{Phase: PhaseBeforeToolUse, ToolName: "network.fetch"}, "no-network")
	if !with.Deny() {
		t.Fatalf("expected deny with skill active, got %+v", with)
	}
}

func TestCustomRuleAddAndRemove(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddRule(`
name: deny_exec_curl
match:
  tool: exec
  arg_regex: curl
action: deny
message: no curl
`); err != nil {
		t.Fatal(err)
	}
	d := e.Evaluate(Event{Phase: PhaseBeforeToolUse, ToolName: "exec", Arguments: map[string]any{"command": "curl http://x"}})
	if !d.Deny() {
		t.Fatalf("expected custom rule to deny, got %+v", d)
	}

	if err := e.RemoveRule("deny_exec_curl"); err != nil {
		t.Fatal(err)
	}
	d2 := e.Evaluate(Event{Phase: PhaseBeforeToolUse, ToolName: "exec", Arguments: map[string]any{"command": "curl http://x"}})
	if d2.Action != "allow" {
		t.Fatalf("expected allow after rule removed, got %+v", d2)
	}
}

func TestReloadPicksUpBuiltinToggleChange(t *testing.T) {
	path := t.TempDir() + "/hooks.yaml"
	if err := WriteDefaultRules(path); err != nil {
		t.Fatal(err)
	}
	e, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveRule("nonexistent"); err == nil {
		t.Fatal("expected error removing a nonexistent custom rule")
	}
	if e.BuiltinCount() == 0 {
		t.Fatal("expected default rules file to enable some built-ins")
	}

	before := e.BuiltinCount()
	toggles := defaultBuiltinToggles()
	toggles["deny_env_files"] = false
	if err := saveRulesToFile(path, nil, toggles); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(path); err != nil {
		t.Fatal(err)
	}
	if got := e.BuiltinCount(); got != before-1 {
		t.Fatalf("expected %d built-ins after disabling one, got %d", before-1, got)
	}
}

package hooks

// builtinRules returns the always-loaded built-in guardrails, each
// individually toggleable via the "builtin" section of hooks.yaml.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:    "deny_ssh_private_keys",
			Match:   RuleMatch{Tool: stringOrList{"fs.read", "exec"}, ArgContains: stringOrList{".ssh/id_"}},
			Action:  "deny",
			Message: "cannot access SSH private keys",
			Builtin: true,
		},
		{
			Name:    "deny_env_files",
			Match:   RuleMatch{Tool: stringOrList{"fs.read", "fs.write"}, PathGlob: stringOrList{"**/.env"}},
			Action:  "deny",
			Message: "cannot access .env files",
			Builtin: true,
		},
		{
			Name:    "deny_credential_files",
			Match:   RuleMatch{Tool: stringOrList{"fs.read", "fs.write"}, ArgContains: stringOrList{".aws/credentials"}},
			Action:  "deny",
			Message: "cannot access credential files",
			Builtin: true,
		},
		{
			Name:    "deny_private_key_content",
			Match:   RuleMatch{Tool: stringOrList{"fs.write", "exec"}, ArgContains: stringOrList{"PRIVATE KEY-----"}},
			Action:  "deny",
			Message: "cannot write or transmit private key content",
			Builtin: true,
		},
		{
			Name:    "deny_destructive_exec",
			Match:   RuleMatch{Tool: stringOrList{"exec"}, ArgRegex: `rm\s+-rf\s+/|mkfs|dd\s+if=|:\(\)\{\s*:\|:&\s*\};:`},
			Action:  "deny",
			Message: "destructive command blocked",
			Builtin: true,
		},
		{
			Name:    "deny_credential_exfiltration",
			Match:   RuleMatch{Tool: stringOrList{"exec", "network.fetch"}, URLRegex: `\.(env|pem|key|credentials)(\?|$)`},
			Action:  "deny",
			Message: "credential exfiltration attempt blocked",
			Builtin: true,
		},
		{
			Name:    "deny_storage_wipe",
			Match:   RuleMatch{Tool: stringOrList{"storage.delete"}, ArgContains: stringOrList{"*"}},
			Action:  "deny",
			Message: "wildcard storage deletion blocked",
			Builtin: true,
		},
		{
			Name:    "log_subworker_spawn",
			Match:   RuleMatch{Tool: stringOrList{"subworker.spawn"}},
			Action:  "log",
			Message: "subworker spawned",
			Builtin: true,
		},
	}
}

// defaultBuiltinToggles returns each built-in rule's default enabled state.
func defaultBuiltinToggles() map[string]bool {
	return map[string]bool{
		"deny_ssh_private_keys":        true,
		"deny_env_files":               true,
		"deny_credential_files":        true,
		"deny_private_key_content":     true,
		"deny_destructive_exec":        true,
		"deny_credential_exfiltration": true,
		"deny_storage_wipe":            true,
		"log_subworker_spawn":          false,
	}
}

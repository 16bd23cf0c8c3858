package hooks

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// compiledMatcher holds the pre-compiled patterns for a rule, built
// once at load time so Evaluate stays cheap on the loop's hot path.
type compiledMatcher struct {
	toolRegex *regexp.Regexp
	argRegex  *regexp.Regexp
	urlRegex  *regexp.Regexp
	pathGlobs []glob.Glob
}

func compileMatcher(r *Rule) error {
	r.compiled = &compiledMatcher{}

	if r.Match.ToolRegex != "" {
		re, err := regexp.Compile(r.Match.ToolRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid tool_regex: %w", r.Name, err)
		}
		r.compiled.toolRegex = re
	}
	if r.Match.ArgRegex != "" {
		re, err := regexp.Compile(r.Match.ArgRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid arg_regex: %w", r.Name, err)
		}
		r.compiled.argRegex = re
	}
	if r.Match.URLRegex != "" {
		re, err := regexp.Compile(r.Match.URLRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid url_regex: %w", r.Name, err)
		}
		r.compiled.urlRegex = re
	}
	for _, p := range r.Match.PathGlob {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid path_glob %q: %w", r.Name, p, err)
		}
		r.compiled.pathGlobs = append(r.compiled.pathGlobs, g)
	}
	return nil
}

// Event is one agentic-loop boundary being evaluated against the rule
// set: a tool use, a turn start, or a stop.
type Event struct {
	Phase     Phase
	AgentID   string
	ToolName  string
	Arguments map[string]any
	RawJSON   []byte // raw argument JSON, for arg_contains/arg_regex matching
}

// matchesRule reports whether a rule's conditions are all satisfied by
// event. Non-empty fields are ANDed; within a list field, any match is
// sufficient (OR).
func matchesRule(r *Rule, event Event) bool {
	m := r.Match

	if len(m.Phase) > 0 {
		matched := false
		for _, p := range m.Phase {
			if Phase(p) == event.Phase {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if m.Agent != "" && m.Agent != event.AgentID {
		return false
	}

	if len(m.Tool) > 0 {
		matched := false
		for _, t := range m.Tool {
			if strings.EqualFold(t, event.ToolName) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if r.compiled != nil && r.compiled.toolRegex != nil {
		if !r.compiled.toolRegex.MatchString(event.ToolName) {
			return false
		}
	}

	if len(m.ArgContains) > 0 {
		rawStr := string(event.RawJSON)
		if rawStr == "" {
			if data, err := json.Marshal(event.Arguments); err == nil {
				rawStr = string(data)
			}
		}
		rawLower := strings.ToLower(rawStr)
		matched := false
		for _, s := range m.ArgContains {
			if strings.Contains(rawLower, strings.ToLower(s)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(m.PathGlob) > 0 && r.compiled != nil && len(r.compiled.pathGlobs) > 0 {
		pathVal := getStringArg(event.Arguments, "path")
		if pathVal == "" {
			return false
		}
		matched := false
		for _, g := range r.compiled.pathGlobs {
			if g.Match(pathVal) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if r.compiled != nil && r.compiled.argRegex != nil {
		cmdVal := getStringArg(event.Arguments, "command")
		if cmdVal == "" || !r.compiled.argRegex.MatchString(cmdVal) {
			return false
		}
	}

	if r.compiled != nil && r.compiled.urlRegex != nil {
		urlVal := getStringArg(event.Arguments, "url")
		if urlVal == "" {
			urlVal = getStringArg(event.Arguments, "targetUrl")
		}
		if urlVal == "" || !r.compiled.urlRegex.MatchString(urlVal) {
			return false
		}
	}

	return true
}

func getStringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	val, ok := args[key]
	if !ok {
		return ""
	}
	s, ok := val.(string)
	if !ok {
		return ""
	}
	return s
}

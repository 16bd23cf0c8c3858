// Package toolregistry implements the in-process mapping from tool
// name to execution context: each tool runs in exactly one of
// worker-local, sandbox-document, or supervisor context, optionally
// forwarded to the hub. The mapping is table-driven and explicit
// rather than a conditional cascade, directly generalizing the
// internal/engine rule-matching machinery from "block/allow an HTTP
// tool call" to "route a tool call to its execution site."
package toolregistry

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/meshrun/meshd/internal/model"
)

// Context identifies which of the three execution sites handles a
// tool call.
type Context string

const (
	ContextWorkerLocal     Context = "worker-local"
	ContextSandboxDocument Context = "sandbox-document"
	ContextSupervisor      Context = "supervisor"
	ContextHub             Context = "hub" // supervisor-forwarded, resolved via hub capability discovery
)

// Definition is one registered tool's routing and validation metadata.
type Definition struct {
	Name    string
	Context Context
	// SideEffectFree marks a tool eligible for the bounded-parallel
	// execution path in the agentic loop: parallel execution is
	// allowed only for side-effect-free tools marked as such here.
	SideEffectFree bool
	// SchemaJSON is the tool's declared JSON Schema for its input, or
	// empty if the tool takes no validated input.
	SchemaJSON string

	compiled *compiledSchema
}

// Registry is the capability routing table. Safe for concurrent use:
// Resolve is called on every tool_call the agentic loop emits.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Definition
	// hubGlobs are name patterns the hub has announced it can serve,
	// compiled with gobwas/glob the same way engine/matcher.go
	// compiles path globs.
	hubGlobs []glob.Glob
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*Definition)}
}

// Register adds or replaces a tool definition. If SchemaJSON is set,
// it is compiled immediately so a malformed schema fails at
// registration time rather than at first dispatch.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return model.NewError(model.ErrConfig, "toolregistry: tool name must not be empty")
	}
	if def.SchemaJSON != "" {
		compiled, err := compileSchema(def.Name, def.SchemaJSON)
		if err != nil {
			return model.NewErrorf(model.ErrConfig, "toolregistry: compiling schema for %q", def.Name).WithWrapped(err)
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.byName[def.Name] = &d
	return nil
}

// AnnounceHubTools records the tool-name patterns a connected hub has
// advertised on connection. A tool name matching one of these patterns
// resolves to ContextHub when it has no local Definition or its
// Definition.Context is ContextSupervisor; worker-local and
// sandbox-document tools keep their local context.
func (r *Registry) AnnounceHubTools(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return model.NewErrorf(model.ErrConfig, "toolregistry: invalid hub tool pattern %q", p).WithWrapped(err)
		}
		compiled = append(compiled, g)
	}
	r.mu.Lock()
	r.hubGlobs = compiled
	r.mu.Unlock()
	return nil
}

// RevertToLocal clears hub capability routing — called on hub
// disconnection, reverting capability routing to local-only.
func (r *Registry) RevertToLocal() {
	r.mu.Lock()
	r.hubGlobs = nil
	r.mu.Unlock()
}

// hubServes reports whether name matches an announced hub pattern.
// Caller must hold at least a read lock.
func (r *Registry) hubServes(name string) bool {
	for _, g := range r.hubGlobs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Resolve looks up the execution context for a tool call. A disallowed
// combination never falls through silently: an unknown tool name is a
// policy error, rejected with an error result and never silently
// executed.
func (r *Registry) Resolve(name string) (Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		if r.hubServes(name) {
			return ContextHub, nil
		}
		return "", model.NewErrorf(model.ErrPolicy, "toolregistry: unknown tool %q", name).
			WithHint("no handler is registered for this tool in any execution context")
	}
	if def.Context == ContextSupervisor && r.hubServes(name) {
		return ContextHub, nil
	}
	return def.Context, nil
}

// IsSideEffectFree reports whether name is marked safe for bounded
// parallel execution. Unknown tools are conservatively not parallel.
func (r *Registry) IsSideEffectFree(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return ok && def.SideEffectFree
}

// Validate checks a tool call's arguments against its declared JSON
// Schema, if any. A tool with no schema always validates.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	def, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return model.NewErrorf(model.ErrPolicy, "toolregistry: unknown tool %q", name)
	}
	if def.compiled == nil {
		return nil
	}
	if err := def.compiled.Validate(args); err != nil {
		return model.NewErrorf(model.ErrPolicy, "toolregistry: arguments for %q failed schema validation", name).WithWrapped(err)
	}
	return nil
}

// List returns every registered tool's name and context, for the
// dashboard and for tests.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, *d)
	}
	return out
}

// MustContext is a convenience for callers that already know a tool
// is registered (e.g. tests); it panics on error so misuse is caught
// immediately rather than silently routing nowhere.
func (r *Registry) MustContext(name string) Context {
	ctx, err := r.Resolve(name)
	if err != nil {
		panic(fmt.Sprintf("toolregistry: MustContext(%q): %v", name, err))
	}
	return ctx
}

package provider

import "github.com/meshrun/meshd/internal/model"

// Registry holds one Adapter factory per configured provider. The
// supervisor calls New with an AgentConfig.Provider each time it starts
// a worker or spawns a subworker; the Adapter itself is stateful across
// a stream (ParseSSEEvent
// accumulates, ResetState clears), so callers must not share one
// Adapter instance across concurrently-streaming workers.
type Registry struct {
	factories map[string]func() Adapter
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Adapter)}
}

// RegisterFactory installs a constructor for the named provider. A
// factory, not a shared instance, because Adapter carries per-turn
// accumulation state that must not be shared across workers.
func (r *Registry) RegisterFactory(name string, factory func() Adapter) {
	r.factories[name] = factory
}

// New returns a fresh Adapter instance for the named provider.
func (r *Registry) New(name string) (Adapter, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, model.NewErrorf(model.ErrConfig, "provider: unknown provider %q", name).
			WithHint("check the provider field in the agent's configuration")
	}
	return factory(), nil
}

// Names lists every registered provider name, for the dashboard and CLI.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

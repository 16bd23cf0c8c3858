package model

import "time"

// SubworkerRegistryEntry records one subworker nested inside a parent
// supervisor's registry. Lifecycle is strictly nested inside the
// parent: a subworker cannot outlive its parent supervisor, and it is
// addressed only through the parent.
type SubworkerRegistryEntry struct {
	ID        string          `json:"id"`
	Config    AgentConfig     `json:"config"`
	CreatedAt time.Time       `json:"createdAt"`
	State     SupervisorState `json:"state"`
}

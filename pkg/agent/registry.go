package agent

import (
	"github.com/fractalhq/fractal/pkg/registry"
)

// Registry maps node IDs to live agents.
type Registry struct {
	*registry.BaseRegistry[*Agent]
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Agent]()}
}

// Add registers an agent under its node ID.
func (r *Registry) Add(a *Agent) error {
	return r.Register(a.NodeID(), a)
}

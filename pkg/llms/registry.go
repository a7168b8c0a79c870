package llms

import (
	"errors"
	"fmt"

	"github.com/fractalhq/fractal/pkg/registry"
)

// Registry holds the configured LLM providers under stable keys.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig builds a provider from cfg and registers it under name.
func (r *Registry) CreateFromConfig(name string, cfg Config) (Provider, error) {
	p, err := New(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	if err := r.Register(name, p); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close shuts down every registered provider.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.List() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %q: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

package llm

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Router picks a provider and model per challenge, falling back to the
// configured defaults.
type Router struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	defaultModel    string
}

// NewRouter creates an empty router with the given defaults.
func NewRouter(defaultProvider, defaultModel string) *Router {
	return &Router{
		providers:       make(map[string]Provider),
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

// Register adds or replaces a provider under its Name.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Names returns the registered provider names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// Resolve returns the provider and model for a challenge's override pair.
// Empty values take the defaults.
func (r *Router) Resolve(provider, model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := provider
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	if model == "" {
		model = r.defaultModel
	}
	return p, model, nil
}

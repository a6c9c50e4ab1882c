package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/njoerd114/eventsync/internal/model"
)

// Factory builds a fresh, uninitialised adapter.
type Factory func() Adapter

// Registry maps provider types to adapter factories. Registration happens
// once at process start; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.ProviderType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.ProviderType]Factory)}
}

// Register installs the factory for t, replacing any previous one.
func (r *Registry) Register(t model.ProviderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New returns a fresh adapter for t. Unknown types fail with a
// [*ConfigError].
func (r *Registry) New(t model.ProviderType) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Provider: t, Field: "provider_type", Reason: "has no registered adapter"}
	}
	return f(), nil
}

// Capabilities returns the declared capabilities of t without initialising
// an adapter.
func (r *Registry) Capabilities(t model.ProviderType) (Capabilities, error) {
	a, err := r.New(t)
	if err != nil {
		return Capabilities{}, err
	}
	return a.Capabilities(), nil
}

// Types lists the registered provider types in a stable order.
func (r *Registry) Types() []model.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ProviderType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Open builds the adapter for cfg and initialises it.
func (r *Registry) Open(ctx context.Context, cfg *model.SyncConfiguration) (Adapter, error) {
	a, err := r.New(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("initializing %s adapter: %w", cfg.ProviderType, err)
	}
	return a, nil
}

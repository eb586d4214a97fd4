package provider

import (
	"log/slog"
	"sync"

	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// Registry holds the priority-ordered provider chain. The head of the chain
// is the preferred provider; set_model reorders at runtime.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log.With("component", "provider-registry")}
}

// Register appends an adapter to the chain.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
	r.log.Info("provider registered", "provider", a.Name(), "rate_class", string(a.RateClass()), "position", len(r.adapters)-1)
}

// Chain returns a copy of the current adapter ordering.
func (r *Registry) Chain() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Names returns the provider names in chain order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		out[i] = a.Name()
	}
	return out
}

// Len reports the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Prefer moves the named adapter to the head of the chain. Idempotent: a
// provider already at the head stays there.
func (r *Registry) Prefer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, a := range r.adapters {
		if a.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.Newf(errs.Validation, "unknown provider %q", name)
	}
	if idx == 0 {
		return nil
	}

	preferred := r.adapters[idx]
	r.adapters = append(r.adapters[:idx], r.adapters[idx+1:]...)
	r.adapters = append([]Adapter{preferred}, r.adapters...)
	r.log.Info("provider preference changed", "provider", name)
	return nil
}

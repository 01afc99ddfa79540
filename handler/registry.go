package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nomis52/phaseflow/workflow"
)

// Key identifies a handler by phase and activity kind.
type Key struct {
	Phase string
	Kind  string
}

// String returns "phase:kind".
func (k Key) String() string {
	return k.Phase + ":" + k.Kind
}

// KeyFor returns the handler key of a template.
func KeyFor(t workflow.Template) Key {
	return Key{Phase: t.ID.Phase, Kind: t.Kind}
}

// Registry maps handler keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Key]Handler),
	}
}

// Register adds a handler for (phase, kind).
// Returns ErrDuplicateRegistration if the key is taken, and ErrRegistrySealed once
// the registry has been sealed.
func (r *Registry) Register(phase, kind string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s:%s: nil handler", phase, kind)
	}
	if phase == "" || kind == "" {
		return fmt.Errorf("register %q:%q: phase and kind are required", phase, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Phase: phase, Kind: kind}
	if r.sealed {
		return fmt.Errorf("register %s: %w", key, workflow.ErrRegistrySealed)
	}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("register %s: %w", key, workflow.ErrDuplicateRegistration)
	}

	r.handlers[key] = h
	return nil
}

// Lookup returns the handler for (phase, kind) or ErrHandlerNotFound.
func (r *Registry) Lookup(phase, kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := Key{Phase: phase, Kind: kind}
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", key, workflow.ErrHandlerNotFound)
	}
	return h, nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Keys returns all registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/readwell/chorus/pkg/synth"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps synthesis backend names to their constructor functions. The
// worker binary registers the backends it links at startup, then builds its
// adapter chain from the configured [BackendEntry] values. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(BackendEntry) (synth.Adapter, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(BackendEntry) (synth.Adapter, error)),
	}
}

// Register registers a backend factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(BackendEntry) (synth.Adapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a synthesis adapter using the factory registered under
// entry.Name. Returns [ErrBackendNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(entry BackendEntry) (synth.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered backend names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

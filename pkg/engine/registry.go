// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package engine

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the configured engine instances by name. Instances are
// registered once at startup and read-only thereafter.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		engines: map[string]Engine{},
	}
}

// Add registers an engine instance under its name.
func (r *Registry) Add(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.Name()]; exists {
		return Error.New("engine %q already registered", e.Name())
	}
	r.engines[e.Name()] = e
	r.log.Info("engine registered",
		zap.String("name", e.Name()),
		zap.String("kind", string(e.Kind())))
	return nil
}

// Lookup returns the engine instance registered under name.
func (r *Registry) Lookup(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, Error.New("no engine named %q", name)
	}
	return e, nil
}

// Names lists the registered instance names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

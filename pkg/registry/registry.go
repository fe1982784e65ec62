// Package registry is the in-memory source of truth for function
// configuration on the invocation hot path, write-through backed by
// persistent storage so registrations survive a restart.
package registry

import (
	"fmt"
	"sync"

	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

// Registry holds every registered function's configuration in memory,
// consulting its backing store only at startup and on mutation — never on
// the invocation hot path.
type Registry struct {
	store storage.Store

	mu        sync.RWMutex
	functions map[string]*types.FunctionConfig
}

// New creates a Registry backed by store and loads its full catalog into
// memory. Loaded configs are not validated, and an error listing or decoding
// any stored function fails New.
func New(store storage.Store) (*Registry, error) {
	r := &Registry{store: store, functions: make(map[string]*types.FunctionConfig)}

	configs, err := store.ListFunctions()
	if err != nil {
		return nil, fmt.Errorf("load function catalog: %w", err)
	}
	for _, cfg := range configs {
		r.functions[cfg.Name] = cfg
	}
	log.WithComponent("registry").Info().Int("count", len(r.functions)).Msg("loaded function catalog")
	return r, nil
}

// Register adds a new function. code is optional; pass nil to register a
// function whose source will be supplied separately.
func (r *Registry) Register(cfg types.FunctionConfig, code []byte) error {
	cfg = cfg.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", types.ErrFunctionExists, cfg.Name)
	}

	if err := r.store.CreateFunction(&cfg); err != nil {
		return err
	}
	if code != nil {
		if err := r.store.PutCode(&types.FunctionCode{FunctionName: cfg.Name, Source: code}); err != nil {
			return err
		}
	}

	r.functions[cfg.Name] = &cfg
	log.WithFunction(cfg.Name).Info().Msg("registered function")
	return nil
}

// Get returns the current configuration for name.
func (r *Registry) Get(name string) (*types.FunctionConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
	}
	return cfg, nil
}

// GetCode returns the source blob registered for name.
func (r *Registry) GetCode(name string) (*types.FunctionCode, error) {
	r.mu.RLock()
	_, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
	}
	return r.store.GetCode(name)
}

// List returns every registered function's name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	return names
}

// ListConfigs returns every registered function's current configuration.
func (r *Registry) ListConfigs() []*types.FunctionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	configs := make([]*types.FunctionConfig, 0, len(r.functions))
	for _, cfg := range r.functions {
		configs = append(configs, cfg)
	}
	return configs
}

// Update replaces name's configuration and/or code. Either argument may be
// nil to leave that half unchanged.
func (r *Registry) Update(name string, cfg *types.FunctionConfig, code []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.functions[name]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrFunctionNotFound, name)
	}

	next := existing
	if cfg != nil {
		merged := cfg.WithDefaults()
		next = &merged
		if err := r.store.UpdateFunction(next); err != nil {
			return err
		}
	}
	if code != nil {
		if err := r.store.PutCode(&types.FunctionCode{FunctionName: name, Source: code}); err != nil {
			return err
		}
	}

	r.functions[name] = next
	log.WithFunction(name).Info().Msg("updated function")
	return nil
}

// Remove deletes name's registration and code. Returns true if name existed.
func (r *Registry) Remove(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.functions[name]; !ok {
		return false, nil
	}

	if err := r.store.DeleteFunction(name); err != nil {
		return false, err
	}
	_ = r.store.DeleteCode(name)

	delete(r.functions, name)
	log.WithFunction(name).Info().Msg("removed function")
	return true, nil
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps LLM provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]LLMFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{llm: make(map[string]LLMFactory)}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// LLMNames returns the registered names in sorted order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for n := range r.llm {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

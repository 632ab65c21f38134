// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Config contains the settings needed to construct a provider instance.
type Config struct {
	// Name selects the provider implementation ("anthropic", "openai",
	// "bedrock").
	Name string `yaml:"name" json:"name"`

	// APIKey authenticates against the provider API. Bedrock leaves this
	// empty and relies on the ambient AWS credential chain.
	APIKey string `yaml:"api_key" json:"api_key,omitempty"`

	// Endpoint overrides the provider's default API endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`

	// Model is the default model when a request does not name one.
	Model string `yaml:"model" json:"model,omitempty"`

	// Region is the cloud region, used by Bedrock.
	Region string `yaml:"region" json:"region,omitempty"`

	// TimeoutSeconds bounds each provider HTTP call. 0 uses adapter defaults.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Constructor builds a Provider from its configuration.
type Constructor func(cfg Config) (Provider, error)

// Factory creates providers by name. It is an explicitly constructed value
// passed to the wiring code, not package-global mutable state, so tests can
// build isolated factories with fakes.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register associates a constructor with a provider name. Registering the
// same name twice overwrites the previous constructor.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// Known returns the registered provider names, sorted.
func (f *Factory) Known() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds a provider from config. Returns an error when no constructor
// is registered for cfg.Name or the constructor rejects the config.
func (f *Factory) Create(cfg Config) (Provider, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[cfg.Name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (known: %v)", cfg.Name, f.Known())
	}
	provider, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", cfg.Name, err)
	}
	return provider, nil
}

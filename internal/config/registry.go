package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from the live section and the resolved
// API key.
type LiveFactory func(cfg LiveConfig, apiKey string) (live.Provider, error)

// AudioFactory builds audio devices from the audio section.
type AudioFactory func(cfg AudioConfig) (audio.Devices, error)

// Registry maps names to constructor functions for live providers and audio
// backends. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]LiveFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]LiveFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLive instantiates the live provider named by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(cfg LiveConfig, apiKey string) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg, apiKey)
}

// CreateAudio instantiates the audio backend named by cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Devices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

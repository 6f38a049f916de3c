package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/MrWong99/drillcycle/internal/kvstore"
	"github.com/MrWong99/drillcycle/pkg/audio"
)

// ErrBackendNotRegistered is returned by the Create methods when no factory
// is registered under the configured backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// AudioBackend is a constructed playback backend.
type AudioBackend struct {
	Sink audio.Sink

	// Element exposes the playhead. Nil disables stall detection.
	Element audio.Element

	// Closer releases the device. May be nil.
	Closer io.Closer

	// Check probes the backend for readiness. May be nil.
	Check func() error
}

// StoreFactory builds a store for the storage section.
type StoreFactory func(ctx context.Context, cfg StorageConfig) (kvstore.Store, error)

// AudioFactory builds a playback backend for the audio section.
type AudioFactory func(cfg AudioConfig) (AudioBackend, error)

// Registry maps backend names to constructors. It is safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
	audio  map[string]AudioFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]StoreFactory),
		audio:  make(map[string]AudioFactory),
	}
}

// RegisterStore registers a storage backend. A later registration under the
// same name replaces the earlier one.
func (r *Registry) RegisterStore(name string, f StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = f
}

// RegisterAudio registers a playback backend.
func (r *Registry) RegisterAudio(name string, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = f
}

// CreateStore builds the store named by cfg.Backend.
func (r *Registry) CreateStore(ctx context.Context, cfg StorageConfig) (kvstore.Store, error) {
	r.mu.RLock()
	f, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: storage %q", ErrBackendNotRegistered, cfg.Backend)
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create storage %q: %w", cfg.Backend, err)
	}
	return s, nil
}

// CreateAudio builds the playback backend named by cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioBackend, error) {
	r.mu.RLock()
	f, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioBackend{}, fmt.Errorf("%w: audio %q", ErrBackendNotRegistered, cfg.Backend)
	}
	b, err := f(cfg)
	if err != nil {
		return AudioBackend{}, fmt.Errorf("config: create audio %q: %w", cfg.Backend, err)
	}
	if b.Sink == nil {
		return AudioBackend{}, fmt.Errorf("config: create audio %q: factory returned no sink", cfg.Backend)
	}
	return b, nil
}

// StoreNames lists the registered storage backends, sorted.
func (r *Registry) StoreNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/recognizer"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps recognizer and capture platform names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]func(RecognizerConfig) (recognizer.Provider, error)
	platforms   map[string]func() (capture.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]func(RecognizerConfig) (recognizer.Provider, error)),
		platforms:   make(map[string]func() (capture.Platform, error)),
	}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(RecognizerConfig) (recognizer.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterPlatform registers a capture platform factory under name.
func (r *Registry) RegisterPlatform(name string, factory func() (capture.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[name] = factory
}

// CreateRecognizer instantiates a recognizer using the factory registered
// under entry.Name. Returns [ErrNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateRecognizer(entry RecognizerConfig) (recognizer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlatform instantiates a capture platform using the factory
// registered under name.
func (r *Registry) CreatePlatform(name string) (capture.Platform, error) {
	r.mu.RLock()
	factory, ok := r.platforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: platform/%q", ErrNotRegistered, name)
	}
	return factory()
}

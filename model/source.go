package model

import (
	"reflect"
	"sync"

	"github.com/jacentio/doccontext/driver"
)

// ConfigurationSource pairs a live client with the model of T.
type ConfigurationSource[T any] struct {
	mu     sync.RWMutex
	client driver.Client
	model  *Model
}

// NewConfigurationSource returns a source for T.
func NewConfigurationSource[T any](client driver.Client, m Model) *ConfigurationSource[T] {
	m = m.clone()
	return &ConfigurationSource[T]{client: client, model: &m}
}

// Resolve returns the source of T: the model declared in b, or the default
// model when b declares nothing for T. b may be nil.
func Resolve[T any](client driver.Client, b *Builder) *ConfigurationSource[T] {
	t := reflect.TypeFor[T]()
	m, ok := b.Lookup(t)
	if !ok {
		m = DefaultModel(t)
	}
	return NewConfigurationSource[T](client, m)
}

// Client returns the client, nil once the source is closed.
func (s *ConfigurationSource[T]) Client() driver.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Model returns the model. A closed source returns the zero model.
func (s *ConfigurationSource[T]) Model() Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return Model{}
	}
	return s.model.clone()
}

// Closed reports whether Close was called.
func (s *ConfigurationSource[T]) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client == nil && s.model == nil
}

// Close drops the client and model references. It does not disconnect the
// client.
func (s *ConfigurationSource[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.model = nil
}

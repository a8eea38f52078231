// Package credentials provides pluggable credential stores consumed by
// tool invocation. Raw values are never logged.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNotFound is returned for unknown keys.
var ErrNotFound = errors.New("credential not found")

// Store is a pluggable credential backend identified by id.
type Store interface {
	ID() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
}

// Registry holds the configured stores.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry builds a registry with the given stores.
func NewRegistry(stores ...Store) *Registry {
	r := &Registry{stores: make(map[string]Store)}
	for _, s := range stores {
		r.stores[s.ID()] = s
	}
	return r
}

// Register adds a store, replacing any store with the same id.
func (r *Registry) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.ID()] = s
}

// Get returns the store with the given id.
func (r *Registry) Get(id string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	if !ok {
		return nil, fmt.Errorf("credential store %q not configured", id)
	}
	return s, nil
}

// MemoryStore is an in-memory store, used in development and tests.
type MemoryStore struct {
	id   string
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore builds an in-memory store.
func NewMemoryStore(id string) *MemoryStore {
	return &MemoryStore{id: id, data: make(map[string]string)}
}

func (s *MemoryStore) ID() string { return s.id }

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// EnvStore reads credentials from environment variables. Writes and
// deletes are rejected; the process environment is not a secret sink.
type EnvStore struct {
	id string
}

// NewEnvStore builds an environment-backed store.
func NewEnvStore(id string) *EnvStore {
	return &EnvStore{id: id}
}

func (s *EnvStore) ID() string { return s.id }

func (s *EnvStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *EnvStore) Set(_ context.Context, _, _ string) error {
	return errors.New("env credential store is read-only")
}

func (s *EnvStore) Delete(_ context.Context, _ string) error {
	return errors.New("env credential store is read-only")
}

func (s *EnvStore) Has(_ context.Context, key string) (bool, error) {
	_, ok := os.LookupEnv(key)
	return ok, nil
}

// Package memory provides a process-local receiver.Store, used for tests and
// for embedding the bridge where nothing needs to survive a restart.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewStore() *Store {
	return &Store{values: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string, dest any) error {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return receiver.ErrNotFound
	}
	return json.Unmarshal(raw, dest)
}

func (s *Store) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

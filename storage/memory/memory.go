// Package memory implements storage.KV in process memory.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/projecteru2/agentvm/storage"
)

var _ storage.KV = (*KV)(nil)

// KV is a map guarded by a mutex.
type KV struct {
	mu   sync.Mutex
	data map[string]string
}

// New returns an empty KV.
func New() *KV {
	return &KV{data: make(map[string]string)}
}

func (s *KV) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *KV) Set(_ context.Context, key, value string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *KV) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

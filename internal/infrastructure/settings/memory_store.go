package settings

import (
	"context"
	"sync"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
)

// MemoryStore is the in-process settings backend used when no external
// key-value store is configured.
type MemoryStore struct {
	data map[string]string
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	if !exists {
		return "", domain.ErrSettingNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

var _ ports.SettingsStore = (*MemoryStore)(nil)

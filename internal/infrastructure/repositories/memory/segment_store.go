package memory

import (
	"context"
	"sync"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
)

// MemorySegmentStore keeps segment bodies in process memory. It backs tests
// and deployments that do not need the cache to survive a restart.
type MemorySegmentStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewMemorySegmentStore() ports.SegmentStore {
	return &MemorySegmentStore{
		data: make(map[string][]byte),
	}
}

func (s *MemorySegmentStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy so callers cannot mutate the stored body afterwards.
	body := make([]byte, len(data))
	copy(body, data)
	s.data[key] = body
	return nil
}

func (s *MemorySegmentStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, exists := s.data[key]
	if !exists {
		return nil, domain.ErrSegmentNotFound
	}
	return body, nil
}

func (s *MemorySegmentStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		return domain.ErrSegmentNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *MemorySegmentStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *MemorySegmentStore) Close() error {
	return nil
}

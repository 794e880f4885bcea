package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
)

// MemorySegmentMetaRepository is the in-process metadata index over the
// segment byte store.
type MemorySegmentMetaRepository struct {
	entries map[string]*domain.CachedSegmentMeta
	mu      sync.RWMutex
}

func NewMemorySegmentMetaRepository() ports.SegmentMetaRepository {
	return &MemorySegmentMetaRepository{
		entries: make(map[string]*domain.CachedSegmentMeta),
	}
}

func (r *MemorySegmentMetaRepository) Put(ctx context.Context, meta *domain.CachedSegmentMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *meta
	r.entries[meta.URI] = &clone
	return nil
}

func (r *MemorySegmentMetaRepository) Get(ctx context.Context, uri string) (*domain.CachedSegmentMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, exists := r.entries[uri]
	if !exists {
		return nil, domain.ErrSegmentNotFound
	}
	clone := *meta
	return &clone, nil
}

func (r *MemorySegmentMetaRepository) Delete(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[uri]; !exists {
		return domain.ErrSegmentNotFound
	}
	delete(r.entries, uri)
	return nil
}

func (r *MemorySegmentMetaRepository) All(ctx context.Context) ([]*domain.CachedSegmentMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(*domain.CachedSegmentMeta) bool { return true }), nil
}

// LeastRecentlyUsed returns up to n entries ordered oldest access first.
func (r *MemorySegmentMetaRepository) LeastRecentlyUsed(ctx context.Context, n int) ([]*domain.CachedSegmentMeta, error) {
	r.mu.RLock()
	all := r.snapshot(func(*domain.CachedSegmentMeta) bool { return true })
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastAccessed.Before(all[j].LastAccessed)
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (r *MemorySegmentMetaRepository) ByContent(ctx context.Context, contentID string) ([]*domain.CachedSegmentMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(m *domain.CachedSegmentMeta) bool {
		return m.ContentID == contentID
	}), nil
}

func (r *MemorySegmentMetaRepository) TotalSize(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, meta := range r.entries {
		total += meta.Size
	}
	return total, nil
}

func (r *MemorySegmentMetaRepository) Touch(ctx context.Context, uri string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, exists := r.entries[uri]
	if !exists {
		return domain.ErrSegmentNotFound
	}
	meta.LastAccessed = at
	return nil
}

func (r *MemorySegmentMetaRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*domain.CachedSegmentMeta)
	return nil
}

// snapshot copies matching entries; callers must hold at least a read lock.
func (r *MemorySegmentMetaRepository) snapshot(match func(*domain.CachedSegmentMeta) bool) []*domain.CachedSegmentMeta {
	out := make([]*domain.CachedSegmentMeta, 0, len(r.entries))
	for _, meta := range r.entries {
		if match(meta) {
			clone := *meta
			out = append(out, &clone)
		}
	}
	return out
}

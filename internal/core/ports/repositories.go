package ports

import (
	"context"
	"time"

	"hybridcast/internal/core/domain"
)

// SegmentStore holds segment and chunk bodies keyed by URI. Implementations
// must return domain.ErrSegmentNotFound for missing keys.
type SegmentStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// SegmentMetaRepository is the metadata index over the byte store. Eviction
// reasons about this index only; bodies are deleted through SegmentStore.
type SegmentMetaRepository interface {
	Put(ctx context.Context, meta *domain.CachedSegmentMeta) error
	Get(ctx context.Context, uri string) (*domain.CachedSegmentMeta, error)
	Delete(ctx context.Context, uri string) error
	All(ctx context.Context) ([]*domain.CachedSegmentMeta, error)
	// LeastRecentlyUsed returns up to n entries ordered oldest access first.
	LeastRecentlyUsed(ctx context.Context, n int) ([]*domain.CachedSegmentMeta, error)
	ByContent(ctx context.Context, contentID string) ([]*domain.CachedSegmentMeta, error)
	TotalSize(ctx context.Context) (int64, error)
	Touch(ctx context.Context, uri string, at time.Time) error
	Clear(ctx context.Context) error
}

// SettingsStore is the narrow persistence capability the engine depends on
// for operator policy. The concrete mechanism is an external collaborator.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

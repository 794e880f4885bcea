package preload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
	"hybridcast/pkg/m3u8"
)

// Config tunes the preload window and the cache byte budget.
type Config struct {
	CeilingBytes int64
	// PreloadSeconds is the duration target of the initial preload window.
	PreloadSeconds float64
	// PreloadMaxSegments caps the window regardless of segment durations.
	PreloadMaxSegments int
	// NextAssetSegments is the fixed prefetch depth for a queued next asset.
	NextAssetSegments int
	// EvictionCandidates bounds how many LRU entries one eviction pass
	// considers.
	EvictionCandidates int
	// SegmentCostBytes sizes eviction before the real segment sizes are
	// known.
	SegmentCostBytes int64
}

func DefaultConfig() Config {
	return Config{
		CeilingBytes:       500 * 1024 * 1024,
		PreloadSeconds:     10,
		PreloadMaxSegments: 5,
		NextAssetSegments:  3,
		EvictionCandidates: 50,
		SegmentCostBytes:   2_000_000,
	}
}

// StatusFunc observes preload progress. Called outside internal locks.
type StatusFunc func(domain.PreloadStatus)

// Manager warms upcoming segments into the shared byte store and enforces
// the cache ceiling through LRU eviction. It also serves as the eviction-
// aware chunk cache for the peer mesh; every write lands through the same
// budgeted put path.
type Manager struct {
	cfg     Config
	store   ports.SegmentStore
	meta    ports.SegmentMetaRepository
	fetcher ports.SegmentFetcher
	logger  *zap.SugaredLogger

	// now is injectable so LRU ordering is deterministic in tests.
	now func() time.Time

	mu            sync.Mutex
	status        domain.PreloadStatus
	generation    int
	initialCancel context.CancelFunc
	nextCancel    context.CancelFunc

	// evictMu serializes eviction passes; a concurrent pass could
	// double-count freed bytes.
	evictMu sync.Mutex
}

func NewManager(
	cfg Config,
	store ports.SegmentStore,
	meta ports.SegmentMetaRepository,
	fetcher ports.SegmentFetcher,
	logger *zap.SugaredLogger,
) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		meta:    meta,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		status:  domain.PreloadStatus{State: domain.PreloadIdle},
	}
}

// PreloadInitial warms the opening window of the asset at manifestURL. The
// window accumulates segments until the duration target is reached or the
// segment cap is hit; the segment that crosses the target is still taken.
// A previous initial preload is cancelled first. Cancellation between
// segment fetches returns the status to idle.
func (m *Manager) PreloadInitial(ctx context.Context, manifestURL, contentID string, onStatus StatusFunc) error {
	m.mu.Lock()
	if m.initialCancel != nil {
		m.initialCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.initialCancel = cancel
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	manifest, err := m.fetcher.FetchManifest(ctx, manifestURL)
	if err != nil {
		m.setStatus(gen, domain.PreloadStatus{State: domain.PreloadError}, onStatus)
		return fmt.Errorf("preload manifest fetch failed: %w", err)
	}

	window := preloadWindow(
		m3u8.ParseMediaPlaylist(manifest, manifestURL),
		m.cfg.PreloadSeconds,
		m.cfg.PreloadMaxSegments,
	)

	status := domain.PreloadStatus{
		State:         domain.PreloadLoading,
		TotalSegments: len(window),
	}
	m.setStatus(gen, status, onStatus)

	// Make room for the whole window up front using the per-segment cost
	// estimate; the put path re-checks against real sizes.
	if err := m.evictIfNeeded(ctx, m.cfg.SegmentCostBytes*int64(len(window))); err != nil {
		m.setStatus(gen, domain.PreloadStatus{State: domain.PreloadError, TotalSegments: len(window)}, onStatus)
		return err
	}

	for _, seg := range window {
		if ctx.Err() != nil {
			m.setStatus(gen, domain.PreloadStatus{State: domain.PreloadIdle}, onStatus)
			return nil
		}

		if _, err := m.meta.Get(ctx, seg.URI); err == nil {
			// Already cached: counts as loaded, refresh its LRU position.
			_ = m.meta.Touch(ctx, seg.URI, m.now())
			status.LoadedSegments++
			m.setStatus(gen, status, onStatus)
			continue
		}

		data, err := m.fetcher.Fetch(ctx, seg.URI)
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(gen, domain.PreloadStatus{State: domain.PreloadIdle}, onStatus)
				return nil
			}
			m.setStatus(gen, domain.PreloadStatus{
				State:          domain.PreloadError,
				LoadedSegments: status.LoadedSegments,
				TotalSegments:  status.TotalSegments,
				LoadedBytes:    status.LoadedBytes,
			}, onStatus)
			return fmt.Errorf("preload segment fetch failed: %w", err)
		}

		if err := m.putEntry(ctx, seg.URI, contentID, data); err != nil {
			if errors.Is(err, domain.ErrEntryTooLarge) {
				m.logger.Warnw("segment larger than cache ceiling, skipping",
					"uri", seg.URI,
					"size", len(data),
				)
				continue
			}
			m.setStatus(gen, domain.PreloadStatus{State: domain.PreloadError}, onStatus)
			return err
		}

		status.LoadedSegments++
		status.LoadedBytes += int64(len(data))
		m.setStatus(gen, status, onStatus)
	}

	status.State = domain.PreloadComplete
	m.setStatus(gen, status, onStatus)

	m.logger.Infow("initial preload complete",
		"content_id", contentID,
		"segments", status.LoadedSegments,
		"bytes", status.LoadedBytes,
	)
	return nil
}

// PreloadNext prefetches a fixed number of opening segments of a queued
// next asset. It runs independently of the initial preload and cancels only
// a previous next-asset preload.
func (m *Manager) PreloadNext(ctx context.Context, manifestURL, contentID string) error {
	m.mu.Lock()
	if m.nextCancel != nil {
		m.nextCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.nextCancel = cancel
	m.mu.Unlock()

	manifest, err := m.fetcher.FetchManifest(ctx, manifestURL)
	if err != nil {
		return fmt.Errorf("next-asset manifest fetch failed: %w", err)
	}

	segments := m3u8.ParseMediaPlaylist(manifest, manifestURL)
	if len(segments) > m.cfg.NextAssetSegments {
		segments = segments[:m.cfg.NextAssetSegments]
	}

	if err := m.evictIfNeeded(ctx, m.cfg.SegmentCostBytes*int64(len(segments))); err != nil {
		return err
	}

	loaded := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := m.meta.Get(ctx, seg.URI); err == nil {
			_ = m.meta.Touch(ctx, seg.URI, m.now())
			loaded++
			continue
		}

		data, err := m.fetcher.Fetch(ctx, seg.URI)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next-asset segment fetch failed: %w", err)
		}
		if err := m.putEntry(ctx, seg.URI, contentID, data); err != nil {
			if errors.Is(err, domain.ErrEntryTooLarge) {
				continue
			}
			return err
		}
		loaded++
	}

	m.logger.Infow("next-asset preload complete", "content_id", contentID, "segments", loaded)
	return nil
}

// preloadWindow takes segments greedily until the duration target is met or
// the cap is hit, whichever comes first. The target is best effort: the
// crossing segment may overshoot.
func preloadWindow(segments []domain.SegmentDescriptor, targetSeconds float64, maxSegments int) []domain.SegmentDescriptor {
	var window []domain.SegmentDescriptor
	var accumulated float64
	for _, seg := range segments {
		if len(window) >= maxSegments {
			break
		}
		window = append(window, seg)
		accumulated += seg.Duration
		if accumulated >= targetSeconds {
			break
		}
	}
	return window
}

// GetSegment serves the streaming manager's warm read path. A hit refreshes
// the entry's LRU position.
func (m *Manager) GetSegment(ctx context.Context, uri string) ([]byte, bool) {
	data, err := m.store.Get(ctx, uri)
	if err != nil {
		return nil, false
	}
	_ = m.meta.Touch(ctx, uri, m.now())
	return data, true
}

// chunkKey addresses mesh chunks in the shared store.
func chunkKey(contentID string, index int) string {
	return contentID + ":" + strconv.Itoa(index)
}

// PutChunk stores one peer-exchanged chunk through the budgeted put path.
// Re-seeding an existing chunk only refreshes its LRU position.
func (m *Manager) PutChunk(ctx context.Context, contentID string, index int, data []byte) error {
	return m.putEntry(ctx, chunkKey(contentID, index), contentID, data)
}

// GetChunk reads one chunk, refreshing its LRU position on hit.
func (m *Manager) GetChunk(ctx context.Context, contentID string, index int) ([]byte, bool) {
	return m.GetSegment(ctx, chunkKey(contentID, index))
}

// ChunkIndices lists the chunk indices held locally for a content id.
// Preloaded segment entries for the same content are keyed by URI and do
// not parse as chunk keys.
func (m *Manager) ChunkIndices(ctx context.Context, contentID string) []int {
	entries, err := m.meta.ByContent(ctx, contentID)
	if err != nil {
		return nil
	}

	prefix := contentID + ":"
	var indices []int
	for _, entry := range entries {
		if !strings.HasPrefix(entry.URI, prefix) {
			continue
		}
		if idx, err := strconv.Atoi(entry.URI[len(prefix):]); err == nil {
			indices = append(indices, idx)
		}
	}
	return indices
}

// putEntry is the single eviction-aware write path shared by preload and
// the mesh chunk cache. Entries larger than the whole ceiling are rejected.
func (m *Manager) putEntry(ctx context.Context, key, contentID string, data []byte) error {
	size := int64(len(data))
	if size > m.cfg.CeilingBytes {
		return domain.ErrEntryTooLarge
	}

	if existing, err := m.meta.Get(ctx, key); err == nil {
		// Idempotent re-put: the body is already here, just refresh.
		return m.meta.Touch(ctx, existing.URI, m.now())
	}

	if err := m.evictIfNeeded(ctx, size); err != nil {
		return err
	}
	if err := m.store.Put(ctx, key, data); err != nil {
		return err
	}

	now := m.now()
	return m.meta.Put(ctx, &domain.CachedSegmentMeta{
		URI:          key,
		Size:         size,
		LastAccessed: now,
		CreatedAt:    now,
		ContentID:    contentID,
	})
}

// evictIfNeeded frees room for neededBytes by deleting least-recently-used
// entries. Passes are serialized; after a pass completes the stored total
// never exceeds the ceiling.
func (m *Manager) evictIfNeeded(ctx context.Context, neededBytes int64) error {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	total, err := m.meta.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total+neededBytes <= m.cfg.CeilingBytes {
		return nil
	}

	bytesToFree := total + neededBytes - m.cfg.CeilingBytes
	candidates, err := m.meta.LeastRecentlyUsed(ctx, m.cfg.EvictionCandidates)
	if err != nil {
		return err
	}

	var freed int64
	evicted := 0
	for _, entry := range candidates {
		if freed >= bytesToFree {
			break
		}
		if err := m.meta.Delete(ctx, entry.URI); err != nil {
			continue
		}
		_ = m.store.Delete(ctx, entry.URI)
		freed += entry.Size
		evicted++
	}

	m.logger.Infow("cache eviction pass",
		"needed", neededBytes,
		"freed", freed,
		"evicted", evicted,
	)
	return nil
}

// CacheInfo derives the cache summary from stored metadata on demand.
func (m *Manager) CacheInfo(ctx context.Context) (domain.CacheInfo, error) {
	entries, err := m.meta.All(ctx)
	if err != nil {
		return domain.CacheInfo{}, err
	}

	var total int64
	for _, entry := range entries {
		total += entry.Size
	}

	usage := 0
	if m.cfg.CeilingBytes > 0 {
		usage = int(math.Round(float64(total) * 100 / float64(m.cfg.CeilingBytes)))
	}
	return domain.CacheInfo{
		TotalBytes:   total,
		SegmentCount: len(entries),
		CeilingBytes: m.cfg.CeilingBytes,
		UsagePercent: usage,
	}, nil
}

// ClearContent removes every entry belonging to one content id.
func (m *Manager) ClearContent(ctx context.Context, contentID string) error {
	entries, err := m.meta.ByContent(ctx, contentID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := m.meta.Delete(ctx, entry.URI); err != nil {
			continue
		}
		_ = m.store.Delete(ctx, entry.URI)
	}
	m.logger.Infow("cleared content from cache", "content_id", contentID, "entries", len(entries))
	return nil
}

// ClearAll removes every entry and the underlying bodies.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.meta.Clear(ctx); err != nil {
		return err
	}
	return m.store.Clear(ctx)
}

// Status returns the live initial-preload status.
func (m *Manager) Status() domain.PreloadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stop cancels any in-flight preloads.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialCancel != nil {
		m.initialCancel()
		m.initialCancel = nil
	}
	if m.nextCancel != nil {
		m.nextCancel()
		m.nextCancel = nil
	}
}

// setStatus applies a status update only if the originating preload is
// still the current one; a superseded preload must not clobber its
// replacement's status.
func (m *Manager) setStatus(gen int, status domain.PreloadStatus, onStatus StatusFunc) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.mu.Unlock()

	if onStatus != nil {
		onStatus(status)
	}
}

var (
	_ ports.SegmentCache = (*Manager)(nil)
	_ ports.ChunkCache   = (*Manager)(nil)
)

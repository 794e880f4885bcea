package preload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/infrastructure/repositories/memory"
	"hybridcast/pkg/logger"
)

const episodeURL = "https://cdn.test/show/ep1/media.m3u8"

// fourByFour is four segments of four seconds each: a ten second target
// window must stop after the third.
const fourByFour = `#EXTM3U
#EXTINF:4.0,
s0.ts
#EXTINF:4.0,
s1.ts
#EXTINF:4.0,
s2.ts
#EXTINF:4.0,
s3.ts
`

type fakeFetcher struct {
	mu         sync.Mutex
	manifests  map[string]string
	body       []byte
	fetchCalls int
	gate       chan struct{}
}

func (f *fakeFetcher) FetchManifest(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manifests[url]
	if !ok {
		return "", fmt.Errorf("no manifest for %s", url)
	}
	return m, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.gate:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.body, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func newTestManager(cfg Config, f *fakeFetcher) *Manager {
	m := NewManager(
		cfg,
		memory.NewMemorySegmentStore(),
		memory.NewMemorySegmentMetaRepository(),
		f,
		logger.Nop().Sugar(),
	)

	// Deterministic, strictly increasing clock.
	tick := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return m
}

func TestPreloadWindow(t *testing.T) {
	segs := func(durations ...float64) []domain.SegmentDescriptor {
		out := make([]domain.SegmentDescriptor, len(durations))
		for i, d := range durations {
			out[i] = domain.SegmentDescriptor{URI: fmt.Sprintf("s%d.ts", i), Duration: d}
		}
		return out
	}

	// The segment crossing the target is included.
	assert.Len(t, preloadWindow(segs(4, 4, 4, 4), 10, 5), 3)
	// The cap wins over the duration target.
	assert.Len(t, preloadWindow(segs(1, 1, 1, 1, 1, 1, 1, 1, 1, 1), 10, 5), 5)
	// Exact boundary stops the window.
	assert.Len(t, preloadWindow(segs(5, 5, 5), 10, 5), 2)
	assert.Empty(t, preloadWindow(nil, 10, 5))
}

func TestPreloadInitialLoadsWindow(t *testing.T) {
	f := &fakeFetcher{
		manifests: map[string]string{episodeURL: fourByFour},
		body:      []byte("segmentbody"),
	}
	m := newTestManager(DefaultConfig(), f)

	var statuses []domain.PreloadStatus
	err := m.PreloadInitial(context.Background(), episodeURL, "ep1", func(s domain.PreloadStatus) {
		statuses = append(statuses, s)
	})
	require.NoError(t, err)

	final := m.Status()
	assert.Equal(t, domain.PreloadComplete, final.State)
	assert.Equal(t, 3, final.LoadedSegments)
	assert.Equal(t, 3, final.TotalSegments)
	assert.Equal(t, int64(3*len("segmentbody")), final.LoadedBytes)
	assert.Equal(t, 3, f.calls())

	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.PreloadLoading, statuses[0].State)

	// Bodies are readable through the warm path.
	data, ok := m.GetSegment(context.Background(), "https://cdn.test/show/ep1/s0.ts")
	require.True(t, ok)
	assert.Equal(t, []byte("segmentbody"), data)
}

func TestPreloadInitialSkipsCachedSegments(t *testing.T) {
	f := &fakeFetcher{
		manifests: map[string]string{episodeURL: fourByFour},
		body:      []byte("segmentbody"),
	}
	m := newTestManager(DefaultConfig(), f)

	require.NoError(t, m.PreloadInitial(context.Background(), episodeURL, "ep1", nil))
	require.Equal(t, 3, f.calls())

	// Second pass finds everything cached: no new fetches, still complete.
	require.NoError(t, m.PreloadInitial(context.Background(), episodeURL, "ep1", nil))
	assert.Equal(t, 3, f.calls())

	final := m.Status()
	assert.Equal(t, domain.PreloadComplete, final.State)
	assert.Equal(t, 3, final.LoadedSegments)
	assert.Zero(t, final.LoadedBytes)
}

func TestPreloadNextTakesFixedDepth(t *testing.T) {
	manifest := `#EXTM3U
#EXTINF:6.0,
n0.ts
#EXTINF:6.0,
n1.ts
#EXTINF:6.0,
n2.ts
#EXTINF:6.0,
n3.ts
#EXTINF:6.0,
n4.ts
#EXTINF:6.0,
n5.ts
`
	nextURL := "https://cdn.test/show/ep2/media.m3u8"
	f := &fakeFetcher{
		manifests: map[string]string{nextURL: manifest},
		body:      []byte("next"),
	}
	m := newTestManager(DefaultConfig(), f)

	require.NoError(t, m.PreloadNext(context.Background(), nextURL, "ep2"))
	assert.Equal(t, 3, f.calls())

	_, ok := m.GetSegment(context.Background(), "https://cdn.test/show/ep2/n2.ts")
	assert.True(t, ok)
	_, ok = m.GetSegment(context.Background(), "https://cdn.test/show/ep2/n3.ts")
	assert.False(t, ok)
}

func TestPreloadCancelReturnsIdle(t *testing.T) {
	f := &fakeFetcher{
		manifests: map[string]string{episodeURL: fourByFour},
		body:      []byte("segmentbody"),
		gate:      make(chan struct{}),
	}
	m := newTestManager(DefaultConfig(), f)

	done := make(chan error, 1)
	go func() {
		done <- m.PreloadInitial(context.Background(), episodeURL, "ep1", nil)
	}()

	assert.Eventually(t, func() bool {
		return m.Status().State == domain.PreloadLoading
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, domain.PreloadIdle, m.Status().State)
}

func TestEvictionKeepsTotalUnderCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CeilingBytes = 10
	m := newTestManager(cfg, &fakeFetcher{})
	ctx := context.Background()

	chunk := []byte("aaaa")
	require.NoError(t, m.PutChunk(ctx, "ep1", 0, chunk))
	require.NoError(t, m.PutChunk(ctx, "ep1", 1, chunk))

	// Third chunk would put the total at 12: the oldest entry goes.
	require.NoError(t, m.PutChunk(ctx, "ep1", 2, chunk))

	_, ok := m.GetChunk(ctx, "ep1", 0)
	assert.False(t, ok, "oldest chunk should be evicted")
	_, ok = m.GetChunk(ctx, "ep1", 1)
	assert.True(t, ok)
	_, ok = m.GetChunk(ctx, "ep1", 2)
	assert.True(t, ok)

	info, err := m.CacheInfo(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.TotalBytes, cfg.CeilingBytes)
	assert.Equal(t, 2, info.SegmentCount)
}

func TestReadHitProtectsEntryFromEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CeilingBytes = 10
	m := newTestManager(cfg, &fakeFetcher{})
	ctx := context.Background()

	chunk := []byte("aaaa")
	require.NoError(t, m.PutChunk(ctx, "ep1", 0, chunk))
	require.NoError(t, m.PutChunk(ctx, "ep1", 1, chunk))

	// Touching chunk 0 makes chunk 1 the LRU victim.
	_, ok := m.GetChunk(ctx, "ep1", 0)
	require.True(t, ok)

	require.NoError(t, m.PutChunk(ctx, "ep1", 2, chunk))

	_, ok = m.GetChunk(ctx, "ep1", 0)
	assert.True(t, ok)
	_, ok = m.GetChunk(ctx, "ep1", 1)
	assert.False(t, ok)
}

func TestOversizedEntryRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CeilingBytes = 4
	m := newTestManager(cfg, &fakeFetcher{})
	ctx := context.Background()

	err := m.PutChunk(ctx, "ep1", 0, []byte("toolarge"))
	assert.ErrorIs(t, err, domain.ErrEntryTooLarge)

	info, err := m.CacheInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.SegmentCount)
}

func TestReseedIsIdempotent(t *testing.T) {
	m := newTestManager(DefaultConfig(), &fakeFetcher{})
	ctx := context.Background()

	require.NoError(t, m.PutChunk(ctx, "ep1", 0, []byte("chunkbody")))
	require.NoError(t, m.PutChunk(ctx, "ep1", 0, []byte("chunkbody")))

	info, err := m.CacheInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.SegmentCount)
	assert.Equal(t, int64(len("chunkbody")), info.TotalBytes)
}

func TestChunkIndicesIgnoreSegmentEntries(t *testing.T) {
	f := &fakeFetcher{
		manifests: map[string]string{episodeURL: fourByFour},
		body:      []byte("segmentbody"),
	}
	m := newTestManager(DefaultConfig(), f)
	ctx := context.Background()

	require.NoError(t, m.PreloadInitial(ctx, episodeURL, "ep1", nil))
	require.NoError(t, m.PutChunk(ctx, "ep1", 0, []byte("chunk")))
	require.NoError(t, m.PutChunk(ctx, "ep1", 5, []byte("chunk")))

	assert.ElementsMatch(t, []int{0, 5}, m.ChunkIndices(ctx, "ep1"))
}

func TestClearContentIsTargeted(t *testing.T) {
	m := newTestManager(DefaultConfig(), &fakeFetcher{})
	ctx := context.Background()

	require.NoError(t, m.PutChunk(ctx, "ep1", 0, []byte("chunk")))
	require.NoError(t, m.PutChunk(ctx, "ep2", 0, []byte("chunk")))

	require.NoError(t, m.ClearContent(ctx, "ep1"))

	_, ok := m.GetChunk(ctx, "ep1", 0)
	assert.False(t, ok)
	_, ok = m.GetChunk(ctx, "ep2", 0)
	assert.True(t, ok)

	require.NoError(t, m.ClearAll(ctx))
	info, err := m.CacheInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.SegmentCount)
}

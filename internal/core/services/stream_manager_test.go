package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
	apperrors "hybridcast/pkg/errors"
	"hybridcast/pkg/logger"
)

const masterURL = "https://cdn.test/vod/master.m3u8"

func testManifests() map[string]string {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
v1080.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
v720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
v360.m3u8
`
	manifests := map[string]string{masterURL: master}
	for _, name := range []string{"v1080", "v720", "v360"} {
		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for i := 0; i < 10; i++ {
			fmt.Fprintf(&b, "#EXTINF:4.0,\n%s/seg%d.ts\n", name, i)
		}
		manifests["https://cdn.test/vod/"+name+".m3u8"] = b.String()
	}
	return manifests
}

type fakeFetcher struct {
	mu        sync.Mutex
	manifests map[string]string
	segment   []byte
	gate      chan struct{} // when set, Fetch blocks until a token arrives
	fetched   []string
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
	f.fetched = append(f.fetched, url)
	return f.segment, nil
}

type fakePipeline struct {
	mu        sync.Mutex
	appended  float64
	pos       float64
	paused    bool
	ended     bool
	recovered int
	closed    bool
	sought    float64
	playCalls int
}

func (p *fakePipeline) AppendSegment(ctx context.Context, data []byte, duration float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended += duration
	return nil
}

func (p *fakePipeline) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePipeline) BufferedRanges() [][2]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.appended == 0 {
		return nil
	}
	return [][2]float64{{0, p.appended}}
}

func (p *fakePipeline) Paused() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.paused }
func (p *fakePipeline) Ended() bool  { p.mu.Lock(); defer p.mu.Unlock(); return p.ended }

func (p *fakePipeline) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playCalls++
	p.paused = false
	return nil
}

func (p *fakePipeline) Pause() { p.mu.Lock(); defer p.mu.Unlock(); p.paused = true }

func (p *fakePipeline) Seek(position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sought = position
	p.pos = position
}

func (p *fakePipeline) RecoverMedia() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovered++
	return nil
}

func (p *fakePipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type pipelineFactory struct {
	mu       sync.Mutex
	created  []*fakePipeline
	createFn func() *fakePipeline
}

func (f *pipelineFactory) new() (ports.MediaPipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePipeline{}
	if f.createFn != nil {
		p = f.createFn()
	}
	f.created = append(f.created, p)
	return p, nil
}

func newTestManager(t *testing.T, f *fakeFetcher, cfg StreamConfig) (*StreamManager, *pipelineFactory) {
	t.Helper()
	factory := &pipelineFactory{}
	m := NewStreamManager(cfg, f, factory.new, nil, logger.Nop().Sugar())
	t.Cleanup(m.Destroy)
	return m, factory
}

func TestInitializePublishesLevelsAndPlays(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, factory := newTestManager(t, f, DefaultStreamConfig())

	var levels []domain.QualityLevel
	manifestParsed := false
	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{
		OnQualityLevelsReady: func(l []domain.QualityLevel) { levels = l },
		OnManifestParsed:     func() { manifestParsed = true },
	})
	require.NoError(t, err)

	require.Len(t, levels, 3)
	assert.Equal(t, 1080, levels[0].Height)
	assert.Equal(t, 360, levels[2].Height)
	assert.True(t, manifestParsed)
	assert.Equal(t, StatePlaying, m.State())
	assert.True(t, m.IsAutoQuality())

	// Conservative bootstrap: start on the lowest-bitrate rung.
	current, ok := m.GetCurrentQuality()
	require.True(t, ok)
	assert.Equal(t, 2, current.Index)

	// Autoplay was attempted on the fresh pipeline.
	require.Len(t, factory.created, 1)
	assert.Eventually(t, func() bool {
		factory.created[0].mu.Lock()
		defer factory.created[0].mu.Unlock()
		return factory.created[0].playCalls > 0
	}, time.Second, 5*time.Millisecond)
}

func TestInitializeManifestFailure(t *testing.T) {
	f := &fakeFetcher{manifests: map[string]string{}}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{})
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, m.State())
}

func TestInitializeRejectsMasterWithoutVariants(t *testing.T) {
	// A stream-variants tag with no URI line yields no usable variants; that
	// must surface as a fatal network error, never a crash.
	f := &fakeFetcher{manifests: map[string]string{
		masterURL: "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\n",
	}}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, apperrors.CategoryNetwork, apperrors.CategoryOf(err))
	assert.Equal(t, StateUninitialized, m.State())
}

func TestBufferConfigThrottlesLoader(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, factory := newTestManager(t, f, DefaultStreamConfig())

	m.SetBufferConfig(8, 30)
	require.NoError(t, m.Initialize(context.Background(), masterURL, StreamCallbacks{}))

	// 4s segments against an 8s bound: the loader stops after two.
	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.fetched) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	f.mu.Lock()
	held := len(f.fetched)
	f.mu.Unlock()
	assert.Equal(t, 2, held)

	// Advancing the playhead frees room and loading resumes.
	require.Len(t, factory.created, 1)
	factory.created[0].mu.Lock()
	factory.created[0].pos = 6
	factory.created[0].mu.Unlock()

	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.fetched) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestBufferConfigClampsToCeiling(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	m.SetBufferConfig(60, 30)
	m.mu.Lock()
	limit := m.bufferLimit
	m.mu.Unlock()
	assert.Equal(t, 30.0, limit)
}

func TestSegmentLoadCallbackReportsNetworkFetches(t *testing.T) {
	f := &fakeFetcher{
		manifests: testManifests(),
		segment:   []byte("chunkchunk"),
		gate:      make(chan struct{}),
	}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	loads := make(chan int64, 4)
	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{
		OnSegmentLoaded: func(bytes int64, duration time.Duration) { loads <- bytes },
	})
	require.NoError(t, err)

	f.gate <- struct{}{}
	select {
	case got := <-loads:
		assert.Equal(t, int64(10), got)
	case <-time.After(time.Second):
		t.Fatal("segment load never reported")
	}
}

func TestRetryBackoffScheduleAndAbort(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	var delays []time.Duration
	var attempts []int
	fatalCalls := 0

	m.mu.Lock()
	m.callbacks = StreamCallbacks{
		OnRecovery:   func(attempt, max int) { attempts = append(attempts, attempt) },
		OnFatalError: func() { fatalCalls++ },
	}
	m.schedule = func(d time.Duration, fn func()) { delays = append(delays, d) }
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		m.HandleError(apperrors.NewFatalNetwork("segment load failed", nil))
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, delays)
	assert.Equal(t, StateRecovering, m.State())
	assert.Zero(t, fatalCalls)

	// Fourth fatal error exhausts the budget.
	m.HandleError(apperrors.NewFatalNetwork("segment load failed", nil))
	assert.Equal(t, StateAborted, m.State())
	assert.Equal(t, 1, fatalCalls)

	// Aborted sessions absorb further errors; the callback never re-fires.
	m.HandleError(apperrors.NewFatalNetwork("segment load failed", nil))
	assert.Equal(t, 1, fatalCalls)
	assert.Len(t, attempts, 3)
}

func TestNonFatalErrorsAreCounted(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	m.HandleError(apperrors.NewNonFatal(apperrors.CategoryNetwork, "frag gap", nil))
	m.HandleError(apperrors.NewNonFatal(apperrors.CategoryMedia, "decode hiccup", nil))

	assert.Equal(t, 2, m.Stats().RecoveredErrors)
	assert.NotEqual(t, StateAborted, m.State())
}

func TestMediaRecoveryRunsInPlace(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	fp := &fakePipeline{}
	m.mu.Lock()
	m.pipeline = fp
	m.schedule = func(d time.Duration, fn func()) { fn() }
	m.mu.Unlock()

	m.HandleError(apperrors.NewFatalMedia("decode failure", nil))

	fp.mu.Lock()
	recovered := fp.recovered
	fp.mu.Unlock()
	assert.Equal(t, 1, recovered)
	assert.Equal(t, StatePlaying, m.State())
}

func TestUnknownErrorRecreatesPipeline(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, factory := newTestManager(t, f, DefaultStreamConfig())

	old := &fakePipeline{pos: 42.5}
	m.mu.Lock()
	m.pipeline = old
	m.schedule = func(d time.Duration, fn func()) { fn() }
	m.mu.Unlock()

	m.HandleError(apperrors.NewFatalUnknown("internal failure", nil))

	old.mu.Lock()
	assert.True(t, old.closed)
	old.mu.Unlock()

	require.Len(t, factory.created, 1)
	fresh := factory.created[0]
	fresh.mu.Lock()
	assert.Equal(t, 42.5, fresh.sought)
	assert.Equal(t, 1, fresh.playCalls)
	fresh.mu.Unlock()
	assert.Equal(t, StatePlaying, m.State())
}

func TestQualityPinAppliesAtSegmentBoundary(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests(), gate: make(chan struct{})}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	var switched []domain.QualityLevel
	var switchedMu sync.Mutex
	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{
		OnQualityChanged: func(l domain.QualityLevel) {
			switchedMu.Lock()
			switched = append(switched, l)
			switchedMu.Unlock()
		},
	})
	require.NoError(t, err)

	m.SetQualityLevel(0)
	assert.False(t, m.IsAutoQuality())

	// The pin must not take effect while the current segment is in flight.
	current, ok := m.GetCurrentQuality()
	require.True(t, ok)
	assert.Equal(t, 2, current.Index)

	// Release the in-flight segment; the next boundary applies the pin.
	f.gate <- struct{}{}
	assert.Eventually(t, func() bool {
		cur, ok := m.GetCurrentQuality()
		return ok && cur.Index == 0
	}, time.Second, 5*time.Millisecond)

	switchedMu.Lock()
	require.NotEmpty(t, switched)
	assert.Equal(t, 0, switched[0].Index)
	switchedMu.Unlock()

	// Returning to auto clears the pin.
	m.SetAutoQuality()
	assert.True(t, m.IsAutoQuality())
}

func TestSetQualityByHeightPicksNearest(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests(), gate: make(chan struct{})}
	m, _ := newTestManager(t, f, DefaultStreamConfig())

	require.NoError(t, m.Initialize(context.Background(), masterURL, StreamCallbacks{}))

	m.SetQualityByHeight(700) // nearest is 720
	assert.Equal(t, domain.QualityManual, m.QualityMode())
	assert.Equal(t, 1, m.Stats().LoadingLevel)
}

func TestBufferingFlagFlipsWhenStarved(t *testing.T) {
	cfg := DefaultStreamConfig()
	cfg.StatsInterval = 10 * time.Millisecond

	f := &fakeFetcher{manifests: testManifests(), gate: make(chan struct{})}
	m, _ := newTestManager(t, f, cfg)

	bufferingCh := make(chan bool, 8)
	err := m.Initialize(context.Background(), masterURL, StreamCallbacks{
		OnBuffering: func(b bool) { bufferingCh <- b },
	})
	require.NoError(t, err)

	// No segments ever complete, the pipeline is playing with an empty
	// buffer: the stats timer must report a stall.
	select {
	case b := <-bufferingCh:
		assert.True(t, b)
	case <-time.After(time.Second):
		t.Fatal("buffering callback never fired")
	}
	assert.True(t, m.Stats().Buffering)
}

func TestDestroyIsIdempotentAndInert(t *testing.T) {
	f := &fakeFetcher{manifests: testManifests()}
	m, factory := newTestManager(t, f, DefaultStreamConfig())

	require.NoError(t, m.Initialize(context.Background(), masterURL, StreamCallbacks{}))
	m.Destroy()
	m.Destroy()

	require.Len(t, factory.created, 1)
	factory.created[0].mu.Lock()
	assert.True(t, factory.created[0].closed)
	factory.created[0].mu.Unlock()

	// Further calls are no-ops.
	m.SetQualityLevel(1)
	_, ok := m.GetCurrentQuality()
	assert.False(t, ok)
	m.HandleError(apperrors.NewFatalNetwork("late error", nil))
	assert.NotEqual(t, StateAborted, m.State())
}

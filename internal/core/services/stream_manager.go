package services

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
	apperrors "hybridcast/pkg/errors"
	"hybridcast/pkg/m3u8"
	"hybridcast/pkg/retry"
)

// StreamState is the lifecycle of one playback session.
type StreamState string

const (
	StateUninitialized StreamState = "uninitialized"
	StateLoading       StreamState = "loading"
	StatePlaying       StreamState = "playing"
	StateRecovering    StreamState = "recovering"
	StateAborted       StreamState = "aborted"
)

// StreamCallbacks is the host surface. All callbacks are optional and are
// invoked without holding internal locks.
type StreamCallbacks struct {
	OnQualityLevelsReady func(levels []domain.QualityLevel)
	OnQualityChanged     func(level domain.QualityLevel)
	OnStatsUpdate        func(stats domain.StreamStats)
	OnManifestParsed     func()
	OnError              func(fatal bool, details string)
	OnRecovery           func(attempt, maxAttempts int)
	OnFatalError         func()
	OnBuffering          func(buffering bool)
	// OnSegmentLoaded reports each completed network fetch with its size and
	// wall-clock duration. Cache hits are not reported.
	OnSegmentLoaded func(bytes int64, duration time.Duration)
}

// StreamConfig tunes the streaming manager.
type StreamConfig struct {
	MaxRetryAttempts int
	RetryDelay       time.Duration
	StatsInterval    time.Duration
	SafetyFactor     float64
	// LowBufferThreshold is the buffered-seconds floor under which playback
	// counts as stalled.
	LowBufferThreshold float64
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxRetryAttempts:   3,
		RetryDelay:         2 * time.Second,
		StatsInterval:      2 * time.Second,
		SafetyFactor:       DefaultSafetyFactor,
		LowBufferThreshold: 0.5,
	}
}

const noPendingLevel = -1

// bufferPollInterval paces the loader's wait while the buffered window is
// full.
const bufferPollInterval = 50 * time.Millisecond

// StreamManager owns the adaptive-bitrate loop, the error-recovery state
// machine and manual/auto quality switching for one playback pipeline.
// Hosts construct one manager per session; there is no shared instance.
type StreamManager struct {
	cfg         StreamConfig
	fetcher     ports.SegmentFetcher
	newPipeline ports.PipelineFactory
	cache       ports.SegmentCache // optional warm read path, may be nil
	estimator   *SpeedEstimator
	logger      *zap.SugaredLogger

	mu           sync.Mutex
	state        StreamState
	url          string
	callbacks    StreamCallbacks
	levels       []domain.QualityLevel
	variantURIs  map[int]string
	segments     []domain.SegmentDescriptor
	segIndex     int
	currentLevel int
	pendingLevel int
	qualityMode  domain.QualityMode

	retryCount       int
	recoveredErrors  int
	totalBytesLoaded int64
	buffering        bool
	destroyed        bool

	// bufferLimit bounds buffered seconds ahead of the playhead; zero means
	// unbounded. Survives re-initialization.
	bufferLimit float64

	pipeline   ports.MediaPipeline
	cancel     context.CancelFunc
	loadCancel context.CancelFunc

	// schedule defers a recovery action; tests substitute a synchronous
	// implementation to observe backoff delays.
	schedule func(d time.Duration, fn func())
}

// NewStreamManager wires a manager. cache may be nil when no local segment
// cache is available.
func NewStreamManager(
	cfg StreamConfig,
	fetcher ports.SegmentFetcher,
	factory ports.PipelineFactory,
	cache ports.SegmentCache,
	logger *zap.SugaredLogger,
) *StreamManager {
	estimator := NewSpeedEstimator()
	estimator.SetSafetyFactor(cfg.SafetyFactor)

	return &StreamManager{
		cfg:          cfg,
		fetcher:      fetcher,
		newPipeline:  factory,
		cache:        cache,
		estimator:    estimator,
		logger:       logger,
		state:        StateUninitialized,
		pendingLevel: noPendingLevel,
		qualityMode:  domain.QualityAuto,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Initialize loads the manifest at url, publishes the quality ladder and
// starts playback. A previous session on the same manager is torn down
// first.
func (m *StreamManager) Initialize(ctx context.Context, url string, callbacks StreamCallbacks) error {
	m.teardown(false)

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.state = StateLoading
	m.url = url
	m.callbacks = callbacks
	m.cancel = cancel
	m.destroyed = false
	m.retryCount = 0
	m.recoveredErrors = 0
	m.totalBytesLoaded = 0
	m.buffering = false
	m.qualityMode = domain.QualityAuto
	m.pendingLevel = noPendingLevel
	m.levels = nil
	m.variantURIs = nil
	m.segments = nil
	m.segIndex = 0
	m.currentLevel = 0
	m.estimator.Reset()
	m.mu.Unlock()

	if err := m.loadManifest(ctx, url); err != nil {
		cancel()
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		return err
	}

	pipeline, err := m.newPipeline()
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.pipeline = pipeline
	m.state = StatePlaying
	levels := append([]domain.QualityLevel(nil), m.levels...)
	m.mu.Unlock()

	if callbacks.OnQualityLevelsReady != nil {
		callbacks.OnQualityLevelsReady(levels)
	}
	if callbacks.OnManifestParsed != nil {
		callbacks.OnManifestParsed()
	}

	// Autoplay attempt; a refusal is not an error.
	if err := pipeline.Play(); err != nil {
		m.logger.Debugw("autoplay refused", "error", err)
	}

	m.startLoading()
	go m.statsLoop(sessionCtx)

	m.logger.Infow("stream initialized",
		"url", url,
		"levels", len(levels),
	)
	return nil
}

// loadManifest resolves the url into a quality ladder and a segment list.
// Master playlists pick a conservative starting variant; media playlists
// play as a single implicit level.
func (m *StreamManager) loadManifest(ctx context.Context, url string) error {
	manifest, err := m.fetcher.FetchManifest(ctx, url)
	if err != nil {
		return apperrors.NewFatalNetwork("manifest load failed", err)
	}

	if !m3u8.IsMasterPlaylist(manifest) {
		segments := m3u8.ParseMediaPlaylist(manifest, url)
		m.mu.Lock()
		m.segments = segments
		m.segIndex = 0
		m.mu.Unlock()
		return nil
	}

	variants, err := m3u8.ParseMasterPlaylist(manifest, url)
	if err != nil {
		return apperrors.NewFatalNetwork("master playlist parse failed", err)
	}
	if len(variants) == 0 {
		return apperrors.NewFatalNetwork("master playlist has no usable variants", nil)
	}

	levels := make([]domain.QualityLevel, 0, len(variants))
	uris := make(map[int]string, len(variants))
	start := 0
	for i, v := range variants {
		levels = append(levels, v.Level)
		uris[v.Level.Index] = v.URI
		if v.Level.Bitrate < levels[start].Bitrate {
			start = i
		}
	}

	m.mu.Lock()
	m.levels = levels
	m.variantURIs = uris
	m.currentLevel = levels[start].Index
	m.mu.Unlock()

	return m.loadVariant(ctx, levels[start].Index)
}

// loadVariant fetches and parses the media playlist of one level.
func (m *StreamManager) loadVariant(ctx context.Context, level int) error {
	m.mu.Lock()
	uri, ok := m.variantURIs[level]
	m.mu.Unlock()
	if !ok {
		return apperrors.NewFatalUnknown("unknown quality level", nil)
	}

	manifest, err := m.fetcher.FetchManifest(ctx, uri)
	if err != nil {
		return apperrors.NewFatalNetwork("variant playlist load failed", err)
	}

	segments := m3u8.ParseMediaPlaylist(manifest, uri)
	m.mu.Lock()
	m.segments = segments
	m.currentLevel = level
	m.mu.Unlock()
	return nil
}

// startLoading (re)launches the segment acquisition loop, cancelling any
// previous loop first. Network-class recovery resumes through here.
func (m *StreamManager) startLoading() {
	m.mu.Lock()
	if m.destroyed || m.state == StateAborted {
		m.mu.Unlock()
		return
	}
	if m.loadCancel != nil {
		m.loadCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loadCancel = cancel
	m.state = StatePlaying
	m.mu.Unlock()

	go m.loadLoop(ctx)
}

// loadLoop downloads segments sequentially, applying pinned or ABR level
// switches only at segment boundaries.
func (m *StreamManager) loadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.waitForBufferRoom(ctx) {
			return
		}

		if switched, err := m.applyLevelSwitch(ctx); err != nil {
			m.HandleError(err)
			return
		} else if switched {
			continue
		}

		m.mu.Lock()
		if m.segIndex >= len(m.segments) {
			m.mu.Unlock()
			return // end of VOD playlist
		}
		seg := m.segments[m.segIndex]
		m.segIndex++
		pipeline := m.pipeline
		m.mu.Unlock()

		data, fromCache, err := m.fetchSegment(ctx, seg.URI)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.HandleError(apperrors.NewFatalNetwork("segment load failed", err))
			return
		}

		if !fromCache {
			m.mu.Lock()
			m.totalBytesLoaded += int64(len(data))
			m.mu.Unlock()
		}

		if pipeline != nil {
			if err := pipeline.AppendSegment(ctx, data, seg.Duration); err != nil {
				m.HandleError(apperrors.NewFatalMedia("segment append failed", err))
				return
			}
		}
	}
}

// fetchSegment consults the warm cache before the CDN. Only network fetches
// feed the speed estimator.
func (m *StreamManager) fetchSegment(ctx context.Context, uri string) ([]byte, bool, error) {
	if m.cache != nil {
		if data, ok := m.cache.GetSegment(ctx, uri); ok {
			return data, true, nil
		}
	}

	start := time.Now()
	data, err := m.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, false, err
	}
	elapsed := time.Since(start)
	m.estimator.AddSample(int64(len(data)), elapsed)

	m.mu.Lock()
	cb := m.callbacks.OnSegmentLoaded
	m.mu.Unlock()
	if cb != nil {
		cb(int64(len(data)), elapsed)
	}
	return data, false, nil
}

// waitForBufferRoom blocks while the buffered window is at or past the
// configured limit. Reports whether the context was cancelled.
func (m *StreamManager) waitForBufferRoom(ctx context.Context) bool {
	for {
		m.mu.Lock()
		limit := m.bufferLimit
		pipeline := m.pipeline
		m.mu.Unlock()

		if limit <= 0 || pipeline == nil || bufferedAhead(pipeline) < limit {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(bufferPollInterval):
		}
	}
}

// applyLevelSwitch applies a pending manual pin, or in auto mode follows
// the estimator's recommendation. Switches happen between segments, never
// retroactively on queued data.
func (m *StreamManager) applyLevelSwitch(ctx context.Context) (bool, error) {
	m.mu.Lock()
	target := noPendingLevel
	if m.pendingLevel != noPendingLevel {
		target = m.pendingLevel
		m.pendingLevel = noPendingLevel
	} else if m.qualityMode == domain.QualityAuto && len(m.levels) > 1 {
		if rec, ok := m.estimator.RecommendedMaxQuality(m.levels); ok && rec.Index != m.currentLevel {
			target = rec.Index
		}
	}
	current := m.currentLevel
	levels := m.levels
	cb := m.callbacks.OnQualityChanged
	m.mu.Unlock()

	if target == noPendingLevel || target == current {
		return false, nil
	}

	if err := m.loadVariant(ctx, target); err != nil {
		return false, err
	}

	for _, l := range levels {
		if l.Index == target {
			m.logger.Infow("quality switched",
				"label", l.Label,
				"bitrate", domain.FormatBitrate(l.Bitrate),
			)
			if cb != nil {
				cb(l)
			}
			break
		}
	}
	return true, nil
}

// HandleError feeds one stream error through the recovery state machine.
// Non-fatal errors are counted and absorbed. Fatal errors are retried with
// linear backoff keyed by category until the retry budget is exhausted,
// after which the session aborts and the fatal callback fires exactly once.
func (m *StreamManager) HandleError(err error) {
	m.mu.Lock()
	if m.destroyed || m.state == StateAborted {
		m.mu.Unlock()
		return
	}
	fatal := apperrors.IsFatal(err)
	cb := m.callbacks
	m.mu.Unlock()

	details := apperrors.DetailsOf(err)
	m.logger.Warnw("stream error",
		"fatal", fatal,
		"details", details,
	)
	if cb.OnError != nil {
		cb.OnError(fatal, details)
	}

	if !fatal {
		m.mu.Lock()
		m.recoveredErrors++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.retryCount++
	attempt := m.retryCount
	if attempt > m.cfg.MaxRetryAttempts {
		m.state = StateAborted
		m.mu.Unlock()
		m.logger.Errorw("retry budget exhausted", "attempts", m.cfg.MaxRetryAttempts)
		if cb.OnFatalError != nil {
			cb.OnFatalError()
		}
		return
	}
	m.state = StateRecovering
	m.mu.Unlock()

	if cb.OnRecovery != nil {
		cb.OnRecovery(attempt, m.cfg.MaxRetryAttempts)
	}

	delay := retry.Backoff(retry.Config{
		InitialDelay: m.cfg.RetryDelay,
		Strategy:     retry.StrategyLinear,
	}, attempt)
	category := apperrors.CategoryOf(err)

	m.logger.Infow("scheduling recovery",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxRetryAttempts,
		"delay", delay,
		"category", category,
	)
	m.schedule(delay, func() { m.recoverFrom(category) })
}

// recoverFrom runs the recovery action for one error category.
func (m *StreamManager) recoverFrom(category apperrors.Category) {
	m.mu.Lock()
	if m.destroyed || m.state == StateAborted {
		m.mu.Unlock()
		return
	}
	pipeline := m.pipeline
	m.mu.Unlock()

	switch category {
	case apperrors.CategoryNetwork:
		m.startLoading()
	case apperrors.CategoryMedia:
		if pipeline != nil {
			if err := pipeline.RecoverMedia(); err != nil {
				m.HandleError(apperrors.NewFatalUnknown("media recovery failed", err))
				return
			}
		}
		m.mu.Lock()
		m.state = StatePlaying
		m.mu.Unlock()
	default:
		m.recreatePipeline()
	}
}

// recreatePipeline tears the whole pipeline down and rebuilds it, restoring
// playback position and play/pause state. Last-resort recovery.
func (m *StreamManager) recreatePipeline() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	old := m.pipeline
	m.mu.Unlock()

	var position float64
	wasPlaying := false
	if old != nil {
		position = old.Position()
		wasPlaying = !old.Paused()
		_ = old.Close()
	}

	fresh, err := m.newPipeline()
	if err != nil {
		m.HandleError(apperrors.NewFatalUnknown("pipeline recreation failed", err))
		return
	}

	if position > 0 {
		fresh.Seek(position)
	}
	if wasPlaying {
		_ = fresh.Play()
	}

	m.mu.Lock()
	m.pipeline = fresh
	m.segIndex = 0
	m.state = StatePlaying
	m.mu.Unlock()

	m.logger.Infow("pipeline recreated", "position", position, "was_playing", wasPlaying)
	m.startLoading()
}

// statsLoop recomputes the snapshot on a fixed interval and flips the
// buffering flag. Snapshots are best effort, not transactionally consistent
// with in-flight fetches.
func (m *StreamManager) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickStats()
		}
	}
}

func (m *StreamManager) tickStats() {
	m.mu.Lock()
	if m.destroyed || m.pipeline == nil {
		m.mu.Unlock()
		return
	}
	pipeline := m.pipeline
	cb := m.callbacks
	wasBuffering := m.buffering
	m.mu.Unlock()

	buffered := bufferedAhead(pipeline)
	stalled := buffered < m.cfg.LowBufferThreshold && !pipeline.Paused() && !pipeline.Ended()

	m.mu.Lock()
	m.buffering = stalled
	m.mu.Unlock()

	if stalled != wasBuffering && cb.OnBuffering != nil {
		cb.OnBuffering(stalled)
	}

	if cb.OnStatsUpdate != nil {
		cb.OnStatsUpdate(m.Stats())
	}
}

// bufferedAhead computes seconds of media buffered past the playhead.
func bufferedAhead(p ports.MediaPipeline) float64 {
	pos := p.Position()
	for _, r := range p.BufferedRanges() {
		if pos >= r[0] && pos <= r[1] {
			return r[1] - pos
		}
	}
	return 0
}

// Stats assembles a point-in-time snapshot.
func (m *StreamManager) Stats() domain.StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	buffered := 0.0
	if m.pipeline != nil {
		buffered = bufferedAhead(m.pipeline)
	}
	loading := m.currentLevel
	if m.pendingLevel != noPendingLevel {
		loading = m.pendingLevel
	}

	return domain.StreamStats{
		NetworkSpeedMbps: m.estimator.Speed(),
		CurrentLevel:     m.currentLevel,
		LoadingLevel:     loading,
		BufferSeconds:    math.Round(buffered*10) / 10,
		LatencyMs:        m.estimator.LatencyMs(),
		RecoveredErrors:  m.recoveredErrors,
		TotalBytesLoaded: m.totalBytesLoaded,
		AutoQuality:      m.qualityMode == domain.QualityAuto,
		Buffering:        m.buffering,
	}
}

// State returns the current lifecycle state.
func (m *StreamManager) State() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetQualityLevels returns a copy of the parsed ladder.
func (m *StreamManager) GetQualityLevels() []domain.QualityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.QualityLevel(nil), m.levels...)
}

// SetAutoQuality clears any manual pin and returns level arbitration to the
// built-in ladder.
func (m *StreamManager) SetAutoQuality() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.qualityMode = domain.QualityAuto
	m.pendingLevel = noPendingLevel
}

// SetBufferConfig bounds how many seconds of media the loader keeps
// buffered ahead of the playhead. maxSeconds is the working target and is
// clamped to ceilingSeconds when that is set; zero removes the bound.
func (m *StreamManager) SetBufferConfig(maxSeconds, ceilingSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if ceilingSeconds > 0 && maxSeconds > ceilingSeconds {
		maxSeconds = ceilingSeconds
	}
	m.bufferLimit = maxSeconds
}

// SetQualityLevel pins playback to one level starting at the next segment
// boundary; the current segment is never interrupted.
func (m *StreamManager) SetQualityLevel(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if _, ok := m.variantURIs[index]; !ok {
		m.logger.Warnw("unknown quality level", "index", index)
		return
	}
	m.qualityMode = domain.QualityManual
	m.pendingLevel = index
}

// SetQualityByHeight pins the level nearest the target height by absolute
// difference.
func (m *StreamManager) SetQualityByHeight(height int) {
	m.mu.Lock()
	levels := m.levels
	m.mu.Unlock()

	if closest, ok := domain.ClosestLevelByHeight(levels, height); ok {
		m.SetQualityLevel(closest.Index)
	}
}

// GetCurrentQuality returns the active level, or false before a master
// manifest has been parsed.
func (m *StreamManager) GetCurrentQuality() (domain.QualityLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.levels {
		if l.Index == m.currentLevel {
			return l, true
		}
	}
	return domain.QualityLevel{}, false
}

// QualityMode reports auto or manual.
func (m *StreamManager) QualityMode() domain.QualityMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qualityMode
}

// IsAutoQuality reports whether ABR is driving level selection.
func (m *StreamManager) IsAutoQuality() bool {
	return m.QualityMode() == domain.QualityAuto
}

// NetworkSpeed exposes the moving-average estimate in Mbps.
func (m *StreamManager) NetworkSpeed() float64 {
	return m.estimator.Speed()
}

// NetworkClass exposes the four-bucket classification.
func (m *StreamManager) NetworkClass() domain.NetworkClass {
	return m.estimator.Class()
}

// RecommendedMaxQuality returns the highest level the current bandwidth
// estimate supports within the safety margin.
func (m *StreamManager) RecommendedMaxQuality() (domain.QualityLevel, bool) {
	m.mu.Lock()
	levels := m.levels
	m.mu.Unlock()
	return m.estimator.RecommendedMaxQuality(levels)
}

// Destroy stops all timers and loops, closes the pipeline and makes the
// manager inert. Safe to call twice.
func (m *StreamManager) Destroy() {
	m.teardown(true)
}

func (m *StreamManager) teardown(markDestroyed bool) {
	m.mu.Lock()
	if markDestroyed && m.destroyed {
		m.mu.Unlock()
		return
	}
	if markDestroyed {
		m.destroyed = true
	}
	cancel := m.cancel
	loadCancel := m.loadCancel
	pipeline := m.pipeline
	m.cancel = nil
	m.loadCancel = nil
	m.pipeline = nil
	m.levels = nil
	m.variantURIs = nil
	m.segments = nil
	m.callbacks = StreamCallbacks{}
	m.mu.Unlock()

	if loadCancel != nil {
		loadCancel()
	}
	if cancel != nil {
		cancel()
	}
	if pipeline != nil {
		_ = pipeline.Close()
	}
}

package services

import (
	"math"
	"sync"
	"time"

	"hybridcast/internal/core/domain"
)

// NetworkSampleWindow is the number of recent segment downloads kept for
// the moving average.
const NetworkSampleWindow = 5

// DefaultSafetyFactor caps the recommended quality at this fraction of the
// estimated bandwidth. Tunable policy, not a correctness requirement.
const DefaultSafetyFactor = 0.8

// SpeedEstimator keeps a sliding window of observed segment throughput and
// derives quality recommendations from it.
type SpeedEstimator struct {
	mu           sync.RWMutex
	samples      []float64 // Mbps, oldest first
	safetyFactor float64
}

func NewSpeedEstimator() *SpeedEstimator {
	return &SpeedEstimator{safetyFactor: DefaultSafetyFactor}
}

// SetSafetyFactor overrides the bandwidth margin used by
// RecommendedMaxQuality. Values outside (0, 1] are ignored.
func (e *SpeedEstimator) SetSafetyFactor(f float64) {
	if f <= 0 || f > 1 {
		return
	}
	e.mu.Lock()
	e.safetyFactor = f
	e.mu.Unlock()
}

// AddSample records one segment download observation.
func (e *SpeedEstimator) AddSample(bytes int64, elapsed time.Duration) {
	if bytes <= 0 || elapsed <= 0 {
		return
	}
	mbps := (float64(bytes) * 8 / elapsed.Seconds()) / 1_000_000

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, mbps)
	if len(e.samples) > NetworkSampleWindow {
		e.samples = e.samples[len(e.samples)-NetworkSampleWindow:]
	}
}

// Speed returns the moving-average throughput in Mbps, rounded to two
// decimal places. Zero until the first sample arrives.
func (e *SpeedEstimator) Speed() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speedLocked()
}

func (e *SpeedEstimator) speedLocked() float64 {
	if len(e.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range e.samples {
		sum += s
	}
	return math.Round(sum/float64(len(e.samples))*100) / 100
}

// LatencyMs estimates jitter-derived latency from the standard deviation of
// the window. Segment fetches carry no direct RTT, so variance is the best
// available proxy. Needs at least two samples.
func (e *SpeedEstimator) LatencyMs() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) < 2 {
		return 0
	}
	avg := e.speedLocked()
	var variance float64
	for _, s := range e.samples {
		variance += (s - avg) * (s - avg)
	}
	variance /= float64(len(e.samples))
	return math.Round(math.Sqrt(variance) * 100)
}

// Class buckets the current estimate.
func (e *SpeedEstimator) Class() domain.NetworkClass {
	speed := e.Speed()
	switch {
	case speed >= 10:
		return domain.NetworkExcellent
	case speed >= 5:
		return domain.NetworkGood
	case speed >= 2:
		return domain.NetworkFair
	default:
		return domain.NetworkPoor
	}
}

// RecommendedMaxQuality returns the highest level whose bitrate fits within
// the safety margin of the current estimate, falling back to the lowest
// available level. Returns false with no samples or no levels.
func (e *SpeedEstimator) RecommendedMaxQuality(levels []domain.QualityLevel) (domain.QualityLevel, bool) {
	e.mu.RLock()
	speed := e.speedLocked()
	factor := e.safetyFactor
	e.mu.RUnlock()

	if speed <= 0 || len(levels) == 0 {
		return domain.QualityLevel{}, false
	}

	budget := speed * 1_000_000 * factor
	best := domain.QualityLevel{Bitrate: -1}
	lowest := levels[0]
	for _, l := range levels {
		if l.Bitrate < lowest.Bitrate {
			lowest = l
		}
		if float64(l.Bitrate) <= budget && l.Bitrate > best.Bitrate {
			best = l
		}
	}
	if best.Bitrate < 0 {
		return lowest, true
	}
	return best, true
}

// Reset clears the window, e.g. on manifest reload.
func (e *SpeedEstimator) Reset() {
	e.mu.Lock()
	e.samples = nil
	e.mu.Unlock()
}

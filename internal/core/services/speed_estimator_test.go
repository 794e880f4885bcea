package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/core/domain"
)

// sampleMbps records one synthetic download observed at exactly the given
// throughput.
func sampleMbps(e *SpeedEstimator, mbps float64) {
	e.AddSample(int64(mbps*1_000_000/8), time.Second)
}

func TestSpeedMovingAverage(t *testing.T) {
	e := NewSpeedEstimator()
	assert.Equal(t, 0.0, e.Speed())

	sampleMbps(e, 4)
	sampleMbps(e, 8)
	assert.Equal(t, 6.0, e.Speed())
}

func TestSpeedWindowSlides(t *testing.T) {
	e := NewSpeedEstimator()
	for i := 0; i < NetworkSampleWindow; i++ {
		sampleMbps(e, 2)
	}
	assert.Equal(t, 2.0, e.Speed())

	// Push the window full of faster samples; the old ones fall out.
	for i := 0; i < NetworkSampleWindow; i++ {
		sampleMbps(e, 10)
	}
	assert.Equal(t, 10.0, e.Speed())
}

func TestSpeedIgnoresDegenerateSamples(t *testing.T) {
	e := NewSpeedEstimator()
	e.AddSample(0, time.Second)
	e.AddSample(1000, 0)
	assert.Equal(t, 0.0, e.Speed())
}

func TestLatencyNeedsTwoSamples(t *testing.T) {
	e := NewSpeedEstimator()
	assert.Equal(t, 0.0, e.LatencyMs())
	sampleMbps(e, 5)
	assert.Equal(t, 0.0, e.LatencyMs())

	sampleMbps(e, 5)
	// Identical samples mean zero jitter.
	assert.Equal(t, 0.0, e.LatencyMs())

	sampleMbps(e, 9)
	assert.Greater(t, e.LatencyMs(), 0.0)
}

func TestClassBuckets(t *testing.T) {
	cases := []struct {
		mbps float64
		want domain.NetworkClass
	}{
		{12, domain.NetworkExcellent},
		{10, domain.NetworkExcellent},
		{6, domain.NetworkGood},
		{3, domain.NetworkFair},
		{1, domain.NetworkPoor},
	}

	for _, tc := range cases {
		e := NewSpeedEstimator()
		sampleMbps(e, tc.mbps)
		assert.Equal(t, tc.want, e.Class(), "at %.0f Mbps", tc.mbps)
	}
}

func TestRecommendedMaxQuality(t *testing.T) {
	levels := []domain.QualityLevel{
		{Index: 0, Height: 1080, Bitrate: 5_000_000},
		{Index: 1, Height: 720, Bitrate: 2_500_000},
		{Index: 2, Height: 360, Bitrate: 800_000},
	}

	e := NewSpeedEstimator()
	_, ok := e.RecommendedMaxQuality(levels)
	assert.False(t, ok, "no samples yet")

	// 4 Mbps * 0.8 = 3.2 Mbps budget: 720p fits, 1080p does not.
	sampleMbps(e, 4)
	rec, ok := e.RecommendedMaxQuality(levels)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Index)

	// Well above everything: highest rung.
	e.Reset()
	sampleMbps(e, 50)
	rec, ok = e.RecommendedMaxQuality(levels)
	require.True(t, ok)
	assert.Equal(t, 0, rec.Index)

	// Below every rung: fall back to the lowest.
	e.Reset()
	sampleMbps(e, 0.5)
	rec, ok = e.RecommendedMaxQuality(levels)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Index)
}

func TestSetSafetyFactorBoundsChecked(t *testing.T) {
	e := NewSpeedEstimator()
	e.SetSafetyFactor(0)
	e.SetSafetyFactor(1.5)
	e.SetSafetyFactor(0.5)

	levels := []domain.QualityLevel{
		{Index: 0, Bitrate: 4_000_000},
		{Index: 1, Bitrate: 1_000_000},
	}
	// 4 Mbps * 0.5 = 2 Mbps budget: only the 1 Mbps rung fits.
	sampleMbps(e, 4)
	rec, ok := e.RecommendedMaxQuality(levels)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Index)
}

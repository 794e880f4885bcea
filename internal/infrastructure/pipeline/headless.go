package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hybridcast/internal/core/ports"
)

// Headless is a decoder-less media pipeline: it accepts segments, advances
// the playhead on the wall clock while playing and reports buffered ranges
// from appended durations. It stands in for a platform decoder in the host
// binary and in tests.
type Headless struct {
	mu           sync.Mutex
	base         float64 // position when last paused or sought
	playingSince time.Time
	playing      bool
	buffered     float64
	closed       bool
}

func NewHeadless() *Headless {
	return &Headless{}
}

// Factory builds headless pipelines for the streaming manager.
func Factory() ports.PipelineFactory {
	return func() (ports.MediaPipeline, error) {
		return NewHeadless(), nil
	}
}

func (h *Headless) AppendSegment(ctx context.Context, data []byte, duration float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("pipeline closed")
	}
	if duration > 0 {
		h.buffered += duration
	}
	return nil
}

// positionLocked folds wall-clock progress into the playhead; callers hold
// h.mu. The playhead never runs past the buffered end.
func (h *Headless) positionLocked() float64 {
	pos := h.base
	if h.playing {
		pos += time.Since(h.playingSince).Seconds()
	}
	if pos > h.buffered {
		pos = h.buffered
	}
	return pos
}

func (h *Headless) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

func (h *Headless) BufferedRanges() [][2]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.buffered == 0 {
		return nil
	}
	return [][2]float64{{0, h.buffered}}
}

func (h *Headless) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.playing
}

func (h *Headless) Ended() bool {
	return false
}

func (h *Headless) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("pipeline closed")
	}
	if !h.playing {
		h.playing = true
		h.playingSince = time.Now()
	}
	return nil
}

func (h *Headless) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.playing {
		h.base = h.positionLocked()
		h.playing = false
	}
}

func (h *Headless) Seek(position float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.base = position
	if h.playing {
		h.playingSince = time.Now()
	}
}

func (h *Headless) RecoverMedia() error {
	return nil
}

func (h *Headless) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.playing = false
	return nil
}

var _ ports.MediaPipeline = (*Headless)(nil)

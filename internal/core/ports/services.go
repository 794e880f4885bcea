package ports

import (
	"context"
)

// SegmentFetcher retrieves manifests and segment bodies from the CDN.
type SegmentFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	FetchManifest(ctx context.Context, url string) (string, error)
}

// MediaPipeline abstracts the platform decode/render pipeline. Segment
// acquisition and quality arbitration live in the engine; decoding does not.
type MediaPipeline interface {
	// AppendSegment hands one downloaded segment to the decoder.
	AppendSegment(ctx context.Context, data []byte, duration float64) error
	// Position is the current playback position in seconds.
	Position() float64
	// BufferedRanges returns [start, end) second ranges currently buffered.
	BufferedRanges() [][2]float64
	Paused() bool
	Ended() bool
	Play() error
	Pause()
	Seek(position float64)
	// RecoverMedia attempts an in-place recovery after a decode error.
	RecoverMedia() error
	Close() error
}

// PipelineFactory builds a fresh MediaPipeline. Full pipeline recreation
// during error recovery goes through this.
type PipelineFactory func() (MediaPipeline, error)

// SegmentCache is the warm read path the streaming manager consults before
// going to the CDN. Hits must refresh the entry's last-accessed time.
type SegmentCache interface {
	GetSegment(ctx context.Context, uri string) ([]byte, bool)
}

// ChunkCache is the eviction-aware store the mesh uses for peer chunks.
// All writes respect the cache byte ceiling.
type ChunkCache interface {
	PutChunk(ctx context.Context, contentID string, index int, data []byte) error
	GetChunk(ctx context.Context, contentID string, index int) ([]byte, bool)
	// ChunkIndices lists locally held chunk indices for a content id.
	ChunkIndices(ctx context.Context, contentID string) []int
}

// PeerLink is the send side of one peer data channel. The WebRTC channel
// implements it; tests substitute an in-memory fake.
type PeerLink interface {
	SendText(msg string) error
	Send(data []byte) error
	Ready() bool
	Close() error
}

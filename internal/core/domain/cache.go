package domain

import "time"

// CachedSegmentMeta is the metadata record for one cached segment body.
// The body itself lives in the byte store under the same URI key; size is
// tracked explicitly because eviction reasons about byte budgets.
type CachedSegmentMeta struct {
	URI          string
	Size         int64
	LastAccessed time.Time
	CreatedAt    time.Time
	ContentID    string
}

// PreloadState is the lifecycle of one preload operation.
type PreloadState string

const (
	PreloadIdle     PreloadState = "idle"
	PreloadLoading  PreloadState = "loading"
	PreloadComplete PreloadState = "complete"
	PreloadError    PreloadState = "error"
)

// PreloadStatus reports progress of one preload operation. A new preload
// replaces the status rather than mutating the previous one.
type PreloadStatus struct {
	State          PreloadState
	LoadedSegments int
	TotalSegments  int
	LoadedBytes    int64
}

// CacheInfo is an on-demand summary of the segment cache, derived from
// stored metadata instead of a running counter to avoid drift.
type CacheInfo struct {
	TotalBytes   int64 `json:"totalBytes"`
	SegmentCount int   `json:"segmentCount"`
	CeilingBytes int64 `json:"ceilingBytes"`
	UsagePercent int   `json:"usagePercent"`
}

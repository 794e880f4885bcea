package domain

// StreamStats is a point-in-time snapshot of the playback pipeline,
// recomputed on a fixed timer and never persisted.
type StreamStats struct {
	NetworkSpeedMbps float64
	CurrentLevel     int
	LoadingLevel     int
	BufferSeconds    float64
	LatencyMs        float64
	RecoveredErrors  int
	TotalBytesLoaded int64
	AutoQuality      bool
	Buffering        bool
}

// NetworkClass buckets the estimated throughput.
type NetworkClass string

const (
	NetworkExcellent NetworkClass = "excellent" // >= 10 Mbps
	NetworkGood      NetworkClass = "good"      // >= 5 Mbps
	NetworkFair      NetworkClass = "fair"      // >= 2 Mbps
	NetworkPoor      NetworkClass = "poor"
)

// P2PStats aggregates all connected peers of one mesh session.
type P2PStats struct {
	PeersConnected   int          `json:"peersConnected"`
	PeersTotal       int          `json:"peersTotal"`
	DownloadSpeedKBs float64      `json:"downloadSpeed"`
	UploadSpeedKBs   float64      `json:"uploadSpeed"`
	BytesDownloaded  int64        `json:"bytesDownloaded"`
	BytesUploaded    int64        `json:"bytesUploaded"`
	ChunksBuffered   int          `json:"chunksBuffered"`
	Ratio            float64      `json:"ratio"` // peer bytes / total bytes, 0..1
	BandwidthSaved   int64        `json:"bandwidthSaved"`
	Mode             DeliveryMode `json:"mode"`
}

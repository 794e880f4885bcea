package domain

// TurnServer describes one TURN relay endpoint.
type TurnServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// P2PConfig is the operator-tunable peer delivery policy. It is persisted
// as JSON under a single settings key and rehydrated at startup; runtime
// updates apply to new peer negotiations only.
type P2PConfig struct {
	Enabled            bool         `json:"enabled"`
	MaxPeers           int          `json:"maxPeers"`
	MaxUploadSpeedKBs  int          `json:"maxUploadSpeed"` // 0 = unlimited
	ChunkSizeBytes     int          `json:"chunkSize"`
	BufferAheadSeconds int          `json:"bufferAhead"`
	SeedCompleted      bool         `json:"seedCompleted"`
	StunServers        []string     `json:"stunServers"`
	TurnServers        []TurnServer `json:"turnServers"`
	SignalingEndpoints []string     `json:"signalingEndpoints"`
	HybridMode         bool         `json:"hybridMode"`
	CDNFirstSeconds    int          `json:"cdnFirstDuration"`
	MinPeersForSwitch  int          `json:"minPeersForSwitch"`
}

// DefaultP2PConfig returns the stock policy: peer delivery disabled until
// the operator opts in, hybrid mode on, public Google STUN.
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		Enabled:            false,
		MaxPeers:           8,
		MaxUploadSpeedKBs:  0,
		ChunkSizeBytes:     1024 * 1024,
		BufferAheadSeconds: 30,
		SeedCompleted:      true,
		StunServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
		TurnServers:        nil,
		SignalingEndpoints: nil,
		HybridMode:         true,
		CDNFirstSeconds:    5,
		MinPeersForSwitch:  3,
	}
}

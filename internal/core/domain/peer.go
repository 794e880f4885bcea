package domain

import "time"

type PeerID string

// PeerState tracks the connection lifecycle of a mesh peer.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
)

// Peer is the bookkeeping record for one mesh participant. The WebRTC
// connection and data channel handles live in the mesh layer; the domain
// record carries only observable state.
type Peer struct {
	ID               PeerID
	State            PeerState
	LatencyMs        float64
	DownloadSpeedKBs float64
	UploadSpeedKBs   float64
	ChunksReceived   int64
	ChunksSent       int64
	JoinedAt         time.Time
}

// DeliveryMode names the active source arbitration outcome.
type DeliveryMode string

const (
	ModeCDN    DeliveryMode = "cdn"
	ModeP2P    DeliveryMode = "p2p"
	ModeHybrid DeliveryMode = "hybrid"
)

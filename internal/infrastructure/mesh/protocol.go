package mesh

import "encoding/json"

// dataChannelLabel names the single negotiated channel per peer.
const dataChannelLabel = "p2p-stream"

// Control message types exchanged on the data channel. Chunk payloads are
// raw binary frames and always follow a chunk-header control frame on the
// same channel.
const (
	msgPing            = "ping"
	msgPong            = "pong"
	msgRequestChunk    = "request-chunk"
	msgChunkHeader     = "chunk-header"
	msgAvailableChunks = "available-chunks"
)

// controlMessage is the JSON envelope for all control traffic. A pong
// echoes the ping's timestamp unchanged so the sender can compute round-trip
// latency against its own clock.
type controlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts,omitempty"` // unix milliseconds
	ContentID string `json:"contentId,omitempty"`
	Index     int    `json:"index,omitempty"`
	Size      int    `json:"size,omitempty"`
	Chunks    []int  `json:"chunks,omitempty"`
}

func encodeControl(msg controlMessage) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeControl(raw []byte) (controlMessage, error) {
	var msg controlMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

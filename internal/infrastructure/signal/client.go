package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hybridcast/internal/core/domain"
)

// Signaling message types. join/leave flow from the client; peer-joined and
// peer-left are rendezvous notifications from the server; offer/answer/
// candidate are relayed between peers.
const (
	MsgJoin       = "join"
	MsgLeave      = "leave"
	MsgOffer      = "offer"
	MsgAnswer     = "answer"
	MsgCandidate  = "candidate"
	MsgPeerJoined = "peer-joined"
	MsgPeerLeft   = "peer-left"
)

// Message is the signaling envelope.
type Message struct {
	Type      string          `json:"type"`
	PeerID    domain.PeerID   `json:"peer_id,omitempty"`
	ContentID string          `json:"content_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SessionPayload struct {
	SDP        string        `json:"sdp"`
	TargetPeer domain.PeerID `json:"target_peer,omitempty"`
}

type CandidatePayload struct {
	Candidate  string        `json:"candidate"`
	TargetPeer domain.PeerID `json:"target_peer,omitempty"`
}

// Handlers receives signaling events. All callbacks run on the read loop
// goroutine and are optional.
type Handlers struct {
	OnPeerJoined func(peerID domain.PeerID)
	OnPeerLeft   func(peerID domain.PeerID)
	OnOffer      func(from domain.PeerID, sdp string)
	OnAnswer     func(from domain.PeerID, sdp string)
	OnCandidate  func(from domain.PeerID, candidate string)
	OnDisconnect func(err error)
}

// Client maintains one websocket session to a signaling endpoint and relays
// SDP offers, answers and ICE candidates for the mesh.
type Client struct {
	endpoint string
	peerID   domain.PeerID
	handlers Handlers
	logger   *zap.SugaredLogger

	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewClient(endpoint string, peerID domain.PeerID, handlers Handlers, logger *zap.SugaredLogger) *Client {
	return &Client{
		endpoint:     endpoint,
		peerID:       peerID,
		handlers:     handlers,
		logger:       logger,
		writeTimeout: 10 * time.Second,
	}
}

// Connect dials the endpoint, announces the peer for one content id and
// starts the read loop.
func (c *Client) Connect(ctx context.Context, contentID string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("signaling dial failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrManagerDestroyed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(Message{Type: MsgJoin, PeerID: c.peerID, ContentID: contentID}); err != nil {
		_ = conn.Close()
		return err
	}

	go c.readLoop(conn)

	c.logger.Infow("signaling connected", "endpoint", c.endpoint, "content_id", contentID)
	return nil
}

// SendOffer relays a local SDP offer to a target peer.
func (c *Client) SendOffer(target domain.PeerID, sdp string) error {
	return c.sendWithPayload(MsgOffer, SessionPayload{SDP: sdp, TargetPeer: target})
}

// SendAnswer relays a local SDP answer to a target peer.
func (c *Client) SendAnswer(target domain.PeerID, sdp string) error {
	return c.sendWithPayload(MsgAnswer, SessionPayload{SDP: sdp, TargetPeer: target})
}

// SendCandidate relays one trickled ICE candidate to a target peer.
func (c *Client) SendCandidate(target domain.PeerID, candidate string) error {
	return c.sendWithPayload(MsgCandidate, CandidatePayload{Candidate: candidate, TargetPeer: target})
}

func (c *Client) sendWithPayload(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(Message{Type: msgType, PeerID: c.peerID, Payload: raw})
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.closed {
		return fmt.Errorf("signaling connection not established")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warnw("malformed signaling message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MsgPeerJoined:
		if c.handlers.OnPeerJoined != nil {
			c.handlers.OnPeerJoined(msg.PeerID)
		}
	case MsgPeerLeft:
		if c.handlers.OnPeerLeft != nil {
			c.handlers.OnPeerLeft(msg.PeerID)
		}
	case MsgOffer:
		var payload SessionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && c.handlers.OnOffer != nil {
			c.handlers.OnOffer(msg.PeerID, payload.SDP)
		}
	case MsgAnswer:
		var payload SessionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(msg.PeerID, payload.SDP)
		}
	case MsgCandidate:
		var payload CandidatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && c.handlers.OnCandidate != nil {
			c.handlers.OnCandidate(msg.PeerID, payload.Candidate)
		}
	default:
		c.logger.Debugw("unknown signaling message", "type", msg.Type)
	}
}

// Close announces departure and tears the connection down. Safe to call
// twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	m := Message{Type: MsgLeave, PeerID: c.peerID}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = conn.WriteJSON(m)
	return conn.Close()
}

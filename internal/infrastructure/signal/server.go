package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hybridcast/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // restrict per deployment
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// peerConn is one registered websocket with serialized writes.
type peerConn struct {
	id        domain.PeerID
	contentID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (p *peerConn) write(msg Message, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(msg)
}

// Server is the rendezvous point of the mesh: it groups peers by content id
// and relays offers, answers and ICE candidates between them. Only the
// joining peer is told about existing members, so exactly one side of every
// pair initiates and offer glare cannot occur.
type Server struct {
	logger       *zap.SugaredLogger
	writeTimeout time.Duration
	readTimeout  time.Duration

	mu    sync.RWMutex
	rooms map[string]map[domain.PeerID]*peerConn
	peers map[domain.PeerID]*peerConn
}

func NewServer(logger *zap.SugaredLogger) *Server {
	return &Server{
		logger:       logger,
		writeTimeout: 10 * time.Second,
		readTimeout:  60 * time.Second,
		rooms:        make(map[string]map[domain.PeerID]*peerConn),
		peers:        make(map[domain.PeerID]*peerConn),
	}
}

// HandleWebSocket upgrades one connection and serves it until it leaves or
// drops. A peer without a peer_id query parameter is assigned one.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		peerID = domain.PeerID(uuid.NewString())
	}

	peer := &peerConn{id: peerID, conn: conn}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case MsgJoin:
			if msg.PeerID != "" {
				peer.id = msg.PeerID
			}
			s.join(peer, msg.ContentID)
		case MsgLeave:
			s.leave(peer)
			return
		case MsgOffer, MsgAnswer, MsgCandidate:
			s.relay(peer, msg)
		default:
			s.logger.Debugw("unknown signaling message", "peer_id", peerID, "type", msg.Type)
		}
	}

	s.leave(peer)
}

// join registers the peer in its content room and tells it about existing
// members. Existing members learn of the newcomer through its offers.
func (s *Server) join(peer *peerConn, contentID string) {
	s.mu.Lock()
	peer.contentID = contentID
	room, exists := s.rooms[contentID]
	if !exists {
		room = make(map[domain.PeerID]*peerConn)
		s.rooms[contentID] = room
	}

	members := make([]*peerConn, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}
	room[peer.id] = peer
	s.peers[peer.id] = peer
	s.mu.Unlock()

	s.logger.Infow("peer joined", "peer_id", peer.id, "content_id", contentID, "room_size", len(members)+1)

	for _, member := range members {
		if err := peer.write(Message{Type: MsgPeerJoined, PeerID: member.id}, s.writeTimeout); err != nil {
			s.logger.Warnw("failed to announce member", "peer_id", peer.id, "error", err)
		}
	}
}

func (s *Server) leave(peer *peerConn) {
	s.mu.Lock()
	if _, exists := s.peers[peer.id]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.id)

	room := s.rooms[peer.contentID]
	delete(room, peer.id)
	if len(room) == 0 {
		delete(s.rooms, peer.contentID)
	}
	members := make([]*peerConn, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}
	s.mu.Unlock()

	s.logger.Infow("peer left", "peer_id", peer.id, "content_id", peer.contentID)

	for _, member := range members {
		_ = member.write(Message{Type: MsgPeerLeft, PeerID: peer.id}, s.writeTimeout)
	}
}

// relay forwards a session or candidate message to its target peer,
// stamping the sender's id so the receiver knows whom to answer.
func (s *Server) relay(from *peerConn, msg Message) {
	var target struct {
		TargetPeer domain.PeerID `json:"target_peer"`
	}
	if err := json.Unmarshal(msg.Payload, &target); err != nil || target.TargetPeer == "" {
		s.logger.Warnw("relay message without target", "peer_id", from.id, "type", msg.Type)
		return
	}

	s.mu.RLock()
	peer, exists := s.peers[target.TargetPeer]
	s.mu.RUnlock()
	if !exists {
		s.logger.Warnw("relay target not connected", "target", target.TargetPeer, "type", msg.Type)
		return
	}

	msg.PeerID = from.id
	if err := peer.write(msg, s.writeTimeout); err != nil {
		s.logger.Warnw("relay write failed", "target", target.TargetPeer, "error", err)
	}
}

// HealthCheck reports liveness and current occupancy.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	peers := len(s.peers)
	rooms := len(s.rooms)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"peers":  peers,
		"rooms":  rooms,
	})
}

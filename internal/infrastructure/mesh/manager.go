package mesh

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/events"
	"hybridcast/internal/core/ports"
	"hybridcast/internal/core/services"
)

const (
	defaultChunkTimeout = 5 * time.Second
	statsInterval       = 2 * time.Second
)

// meshPeer pairs the domain bookkeeping with the live transport handles.
type meshPeer struct {
	id    domain.PeerID
	state domain.PeerState
	pc    *webrtc.PeerConnection // nil when the link is injected directly
	link  ports.PeerLink

	latencyMs      float64
	chunksReceived int64
	chunksSent     int64
	bytesReceived  int64
	bytesSent      int64
	joinedAt       time.Time

	// pendingHeader is the chunk-header awaiting its binary payload frame.
	pendingHeader *controlMessage
	// available is the peer's advertised chunk inventory; nil means unknown.
	available map[int]bool
}

// Manager runs the peer mesh for one content id: WebRTC peer lifecycle, the
// chunk exchange protocol, upload throttling and periodic stats. Chunks are
// stored through the eviction-aware shared cache, never directly.
type Manager struct {
	cfg    domain.P2PConfig
	cache  ports.ChunkCache
	bus    *events.Bus
	logger *zap.SugaredLogger

	// now is injectable for deterministic latency tests.
	now func() time.Time
	// onCandidate forwards locally gathered ICE candidates to the
	// signaling layer; set before negotiating.
	onCandidate func(peerID domain.PeerID, candidate string)
	// chunkTimeout bounds one peer's chance to answer a chunk request.
	chunkTimeout time.Duration

	limiter *rate.Limiter // nil when upload is unthrottled

	mu        sync.RWMutex
	contentID string
	started   bool
	startedAt time.Time
	destroyed bool
	peers     map[domain.PeerID]*meshPeer
	mode      domain.DeliveryMode
	cancel    context.CancelFunc

	cdnBytes  int64 // reported by the host's CDN path
	peerBytes int64 // received over the mesh

	// waits holds chunk request waiters keyed contentID:index.
	waits map[string][]chan []byte

	// speed window
	lastTick      time.Time
	lastPeerBytes int64
	lastSentBytes int64
	downSpeedKBs  float64
	upSpeedKBs    float64
}

func NewManager(cfg domain.P2PConfig, cache ports.ChunkCache, bus *events.Bus, logger *zap.SugaredLogger) *Manager {
	var limiter *rate.Limiter
	if cfg.MaxUploadSpeedKBs > 0 {
		bytesPerSecond := cfg.MaxUploadSpeedKBs * 1024
		burst := cfg.ChunkSizeBytes
		if burst < bytesPerSecond {
			burst = bytesPerSecond
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}

	return &Manager{
		cfg:          cfg,
		cache:        cache,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
		chunkTimeout: defaultChunkTimeout,
		limiter:      limiter,
		peers:        make(map[domain.PeerID]*meshPeer),
		mode:         domain.ModeCDN,
		waits:        make(map[string][]chan []byte),
	}
}

// SetCandidateHandler installs the callback receiving locally gathered ICE
// candidates. Call before negotiating peers.
func (m *Manager) SetCandidateHandler(fn func(peerID domain.PeerID, candidate string)) {
	m.onCandidate = fn
}

// Start binds the mesh to one content id and launches the stats loop.
func (m *Manager) Start(ctx context.Context, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return domain.ErrManagerDestroyed
	}
	if m.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.contentID = contentID
	m.started = true
	m.startedAt = m.now()
	m.lastTick = m.startedAt
	m.cancel = cancel

	go m.statsLoop(loopCtx)

	m.logger.Infow("mesh started", "content_id", contentID, "max_peers", m.cfg.MaxPeers)
	return nil
}

// ConnectToPeer negotiates one peer. With a nil offer this side initiates:
// it opens the data channel and returns an offer for the signaling layer to
// forward. With a remote offer it answers and adopts the remote channel.
func (m *Manager) ConnectToPeer(ctx context.Context, peerID domain.PeerID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, err
	}

	peer, err := m.registerPeer(peerID, pc, nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil && m.onCandidate != nil {
			m.onCandidate(peerID, candidate.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateConnected:
			m.markConnected(peerID)
		case webrtc.ICEConnectionStateFailed:
			m.removePeer(peerID, "failed")
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			m.removePeer(peerID, "")
		}
	})

	if offer != nil {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.bindChannel(peer, dc)
		})
		if err := pc.SetRemoteDescription(*offer); err != nil {
			m.removePeer(peerID, "")
			return nil, err
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			m.removePeer(peerID, "")
			return nil, err
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			m.removePeer(peerID, "")
			return nil, err
		}
		return &answer, nil
	}

	ordered := false
	var maxRetransmits uint16 = 2
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		m.removePeer(peerID, "")
		return nil, err
	}
	m.bindChannel(peer, dc)

	localOffer, err := pc.CreateOffer(nil)
	if err != nil {
		m.removePeer(peerID, "")
		return nil, err
	}
	if err := pc.SetLocalDescription(localOffer); err != nil {
		m.removePeer(peerID, "")
		return nil, err
	}
	return &localOffer, nil
}

// HandleAnswer applies the remote answer to a negotiation this side
// initiated.
func (m *Manager) HandleAnswer(peerID domain.PeerID, answer webrtc.SessionDescription) error {
	m.mu.RLock()
	peer, exists := m.peers[peerID]
	m.mu.RUnlock()

	if !exists || peer.pc == nil {
		return domain.ErrPeerNotFound
	}
	return peer.pc.SetRemoteDescription(answer)
}

// AddICECandidate feeds one trickled remote candidate into a negotiation.
func (m *Manager) AddICECandidate(peerID domain.PeerID, candidate webrtc.ICECandidateInit) error {
	m.mu.RLock()
	peer, exists := m.peers[peerID]
	m.mu.RUnlock()

	if !exists || peer.pc == nil {
		return domain.ErrPeerNotFound
	}
	return peer.pc.AddICECandidate(candidate)
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, 1+len(m.cfg.TurnServers))
	if len(m.cfg.StunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: m.cfg.StunServers})
	}
	for _, turn := range m.cfg.TurnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn.URLs},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(webrtc.SettingEngine{}))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// registerPeer admits a peer under the capacity and duplicate rules.
func (m *Manager) registerPeer(peerID domain.PeerID, pc *webrtc.PeerConnection, link ports.PeerLink) (*meshPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil, domain.ErrManagerDestroyed
	}
	if _, exists := m.peers[peerID]; exists {
		return nil, domain.ErrPeerExists
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		return nil, domain.ErrPeerCapacityReached
	}

	peer := &meshPeer{
		id:       peerID,
		state:    domain.PeerConnecting,
		pc:       pc,
		link:     link,
		joinedAt: m.now(),
	}
	m.peers[peerID] = peer
	return peer, nil
}

func (m *Manager) bindChannel(peer *meshPeer, dc *webrtc.DataChannel) {
	peerID := peer.id

	dc.OnOpen(func() {
		m.mu.Lock()
		peer.link = &dataChannelLink{dc: dc}
		m.mu.Unlock()

		m.sendControl(peerID, controlMessage{Type: msgPing, Timestamp: m.now().UnixMilli()})
		m.advertiseChunks(peerID)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			m.handleControl(peerID, msg.Data)
		} else {
			m.handleBinary(peerID, msg.Data)
		}
	})
}

func (m *Manager) markConnected(peerID domain.PeerID) {
	m.mu.Lock()
	peer, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		return
	}
	peer.state = domain.PeerConnected
	connected := m.connectedLocked()
	m.mu.Unlock()

	m.logger.Infow("peer connected", "peer_id", peerID, "connected", connected)
	m.bus.Publish(events.PeerConnected{PeerID: peerID, Connected: connected})
}

func (m *Manager) removePeer(peerID domain.PeerID, reason string) {
	m.mu.Lock()
	peer, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerID)
	m.mu.Unlock()

	if peer.link != nil {
		_ = peer.link.Close()
	}
	if peer.pc != nil {
		_ = peer.pc.Close()
	}

	m.logger.Infow("peer removed", "peer_id", peerID, "reason", reason)
	m.bus.Publish(events.PeerDisconnected{PeerID: peerID, Reason: reason})
}

// handleControl dispatches one JSON control frame from a peer.
func (m *Manager) handleControl(peerID domain.PeerID, raw []byte) {
	msg, err := decodeControl(raw)
	if err != nil {
		m.logger.Warnw("malformed control message", "peer_id", peerID, "error", err)
		return
	}

	switch msg.Type {
	case msgPing:
		m.sendControl(peerID, controlMessage{Type: msgPong, Timestamp: msg.Timestamp})
	case msgPong:
		latency := float64(m.now().UnixMilli() - msg.Timestamp)
		if latency < 0 {
			latency = 0
		}
		m.mu.Lock()
		if peer, exists := m.peers[peerID]; exists {
			peer.latencyMs = latency
		}
		m.mu.Unlock()
		m.bus.Publish(events.PeerLatency{PeerID: peerID, LatencyMs: latency})
	case msgRequestChunk:
		go m.serveChunk(peerID, msg.ContentID, msg.Index)
	case msgChunkHeader:
		m.mu.Lock()
		if peer, exists := m.peers[peerID]; exists {
			header := msg
			peer.pendingHeader = &header
		}
		m.mu.Unlock()
	case msgAvailableChunks:
		m.mu.Lock()
		if peer, exists := m.peers[peerID]; exists {
			peer.available = make(map[int]bool, len(msg.Chunks))
			for _, idx := range msg.Chunks {
				peer.available[idx] = true
			}
		}
		m.mu.Unlock()
	default:
		m.logger.Debugw("unknown control message", "peer_id", peerID, "type", msg.Type)
	}
}

// handleBinary pairs a payload frame with the preceding chunk-header, caches
// the chunk and wakes any request waiters.
func (m *Manager) handleBinary(peerID domain.PeerID, data []byte) {
	m.mu.Lock()
	peer, exists := m.peers[peerID]
	if !exists || peer.pendingHeader == nil {
		m.mu.Unlock()
		m.logger.Warnw("binary frame without chunk header", "peer_id", peerID)
		return
	}
	header := *peer.pendingHeader
	peer.pendingHeader = nil
	peer.chunksReceived++
	peer.bytesReceived += int64(len(data))
	m.peerBytes += int64(len(data))

	key := waitKey(header.ContentID, header.Index)
	waiters := m.waits[key]
	delete(m.waits, key)
	m.mu.Unlock()

	if err := m.cache.PutChunk(context.Background(), header.ContentID, header.Index, data); err != nil {
		m.logger.Warnw("failed to cache peer chunk",
			"content_id", header.ContentID,
			"index", header.Index,
			"error", err,
		)
	}

	for _, ch := range waiters {
		select {
		case ch <- data:
		default:
		}
	}

	m.bus.Publish(events.ChunkReceived{PeerID: peerID, Bytes: int64(len(data))})
}

// serveChunk answers one peer's chunk request from the local cache, subject
// to the upload throttle. Misses are silently dropped; the requester's
// timeout moves it on.
func (m *Manager) serveChunk(peerID domain.PeerID, contentID string, index int) {
	data, ok := m.cache.GetChunk(context.Background(), contentID, index)
	if !ok {
		return
	}

	if m.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.chunkTimeout)
		if err := m.limiter.WaitN(ctx, len(data)); err != nil {
			cancel()
			return
		}
		cancel()
	}

	header := controlMessage{
		Type:      msgChunkHeader,
		ContentID: contentID,
		Index:     index,
		Size:      len(data),
	}
	if err := m.sendControl(peerID, header); err != nil {
		return
	}

	m.mu.Lock()
	peer, exists := m.peers[peerID]
	if !exists || peer.link == nil {
		m.mu.Unlock()
		return
	}
	link := peer.link
	m.mu.Unlock()

	if err := link.Send(data); err != nil {
		m.logger.Warnw("chunk upload failed", "peer_id", peerID, "index", index, "error", err)
		return
	}

	m.mu.Lock()
	if peer, exists := m.peers[peerID]; exists {
		peer.chunksSent++
		peer.bytesSent += int64(len(data))
	}
	m.mu.Unlock()

	m.bus.Publish(events.ChunkSent{PeerID: peerID, Bytes: int64(len(data))})
}

// RequestChunk resolves a chunk locally or from peers ordered by ascending
// latency, each bounded by the chunk timeout. During the CDN-first window
// and on a full miss it returns ErrChunkUnavailable so the caller falls back
// to the CDN.
func (m *Manager) RequestChunk(ctx context.Context, index int) ([]byte, error) {
	m.mu.RLock()
	if m.destroyed || !m.started {
		m.mu.RUnlock()
		return nil, domain.ErrManagerDestroyed
	}
	contentID := m.contentID
	inCDNFirst := m.now().Sub(m.startedAt) < time.Duration(m.cfg.CDNFirstSeconds)*time.Second
	m.mu.RUnlock()

	if data, ok := m.cache.GetChunk(ctx, contentID, index); ok {
		return data, nil
	}
	if inCDNFirst {
		return nil, domain.ErrChunkUnavailable
	}

	for _, peerID := range m.candidatePeers(index) {
		data, err := m.requestFromPeer(ctx, peerID, contentID, index)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, domain.ErrChunkUnavailable
}

func (m *Manager) requestFromPeer(ctx context.Context, peerID domain.PeerID, contentID string, index int) ([]byte, error) {
	ch := make(chan []byte, 1)
	key := waitKey(contentID, index)

	m.mu.Lock()
	m.waits[key] = append(m.waits[key], ch)
	m.mu.Unlock()

	err := m.sendControl(peerID, controlMessage{
		Type:      msgRequestChunk,
		ContentID: contentID,
		Index:     index,
	})
	if err != nil {
		m.dropWaiter(key, ch)
		return nil, err
	}

	timer := time.NewTimer(m.chunkTimeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		m.dropWaiter(key, ch)
		return nil, domain.ErrChunkTimeout
	case <-ctx.Done():
		m.dropWaiter(key, ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropWaiter(key string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters := m.waits[key]
	for i, w := range waiters {
		if w == ch {
			m.waits[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.waits[key]) == 0 {
		delete(m.waits, key)
	}
}

// candidatePeers returns connected, ready peers ordered by ascending
// latency. Peers whose advertised inventory lacks the chunk are skipped;
// peers with no inventory yet are still tried.
func (m *Manager) candidatePeers(index int) []domain.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type candidate struct {
		id      domain.PeerID
		latency float64
	}
	var candidates []candidate
	for _, peer := range m.peers {
		if peer.state != domain.PeerConnected || peer.link == nil || !peer.link.Ready() {
			continue
		}
		if peer.available != nil && !peer.available[index] {
			continue
		}
		candidates = append(candidates, candidate{id: peer.id, latency: peer.latencyMs})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].latency < candidates[j].latency
	})

	ids := make([]domain.PeerID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// SeedChunk caches a completed chunk and advertises the updated inventory.
// Seeding is gated on the operator's seedCompleted flag.
func (m *Manager) SeedChunk(ctx context.Context, index int, data []byte) error {
	if !m.cfg.SeedCompleted {
		return nil
	}

	m.mu.RLock()
	contentID := m.contentID
	m.mu.RUnlock()

	if err := m.cache.PutChunk(ctx, contentID, index, data); err != nil {
		return err
	}
	m.broadcastChunks()
	return nil
}

// RecordCDNBytes feeds the host's CDN download volume into the savings
// ratio.
func (m *Manager) RecordCDNBytes(n int64) {
	m.mu.Lock()
	m.cdnBytes += n
	m.mu.Unlock()
}

func (m *Manager) advertiseChunks(peerID domain.PeerID) {
	m.mu.RLock()
	contentID := m.contentID
	m.mu.RUnlock()

	indices := m.cache.ChunkIndices(context.Background(), contentID)
	if len(indices) == 0 {
		return
	}
	_ = m.sendControl(peerID, controlMessage{
		Type:      msgAvailableChunks,
		ContentID: contentID,
		Chunks:    indices,
	})
}

func (m *Manager) broadcastChunks() {
	m.mu.RLock()
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id, peer := range m.peers {
		if peer.state == domain.PeerConnected && peer.link != nil && peer.link.Ready() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.advertiseChunks(id)
	}
}

func (m *Manager) sendControl(peerID domain.PeerID, msg controlMessage) error {
	raw, err := encodeControl(msg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	peer, exists := m.peers[peerID]
	var link ports.PeerLink
	if exists {
		link = peer.link
	}
	m.mu.RUnlock()

	if link == nil {
		return domain.ErrPeerNotFound
	}
	return link.SendText(raw)
}

// statsLoop publishes a mesh snapshot every tick and flips the delivery
// mode through the arbiter.
func (m *Manager) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickStats()
		}
	}
}

func (m *Manager) tickStats() {
	m.mu.Lock()
	now := m.now()
	elapsed := now.Sub(m.lastTick).Seconds()
	var sent int64
	for _, peer := range m.peers {
		sent += peer.bytesSent
	}
	if elapsed > 0 {
		m.downSpeedKBs = float64(m.peerBytes-m.lastPeerBytes) / 1024 / elapsed
		m.upSpeedKBs = float64(sent-m.lastSentBytes) / 1024 / elapsed
	}
	m.lastTick = now
	m.lastPeerBytes = m.peerBytes
	m.lastSentBytes = sent

	connected := m.connectedLocked()
	previous := m.mode
	current := services.ArbitrateMode(connected, m.cfg)
	m.mode = current
	m.mu.Unlock()

	if current != previous {
		m.logger.Infow("delivery mode changed", "from", previous, "to", current)
		m.bus.Publish(events.ModeChange{Previous: previous, Current: current})
	}
	m.bus.Publish(events.StatsUpdate{Stats: m.Stats()})
}

// connectedLocked counts peers in the connected state; callers hold m.mu.
func (m *Manager) connectedLocked() int {
	connected := 0
	for _, peer := range m.peers {
		if peer.state == domain.PeerConnected {
			connected++
		}
	}
	return connected
}

// Stats assembles the current mesh snapshot.
func (m *Manager) Stats() domain.P2PStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var uploaded int64
	var chunks int64
	for _, peer := range m.peers {
		uploaded += peer.bytesSent
		chunks += peer.chunksReceived
	}

	ratio := 0.0
	if total := m.cdnBytes + m.peerBytes; total > 0 {
		ratio = math.Round(float64(m.peerBytes)/float64(total)*100) / 100
	}

	return domain.P2PStats{
		PeersConnected:   m.connectedLocked(),
		PeersTotal:       len(m.peers),
		DownloadSpeedKBs: m.downSpeedKBs,
		UploadSpeedKBs:   m.upSpeedKBs,
		BytesDownloaded:  m.cdnBytes,
		BytesUploaded:    uploaded,
		ChunksBuffered:   int(chunks),
		Ratio:            ratio,
		BandwidthSaved:   m.peerBytes,
		Mode:             m.mode,
	}
}

// Mode returns the last arbitration outcome.
func (m *Manager) Mode() domain.DeliveryMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Peers returns a snapshot of the mesh membership.
func (m *Manager) Peers() []domain.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		out = append(out, domain.Peer{
			ID:               peer.id,
			State:            peer.state,
			LatencyMs:        peer.latencyMs,
			ChunksReceived:   peer.chunksReceived,
			ChunksSent:       peer.chunksSent,
			DownloadSpeedKBs: m.downSpeedKBs,
			UploadSpeedKBs:   m.upSpeedKBs,
			JoinedAt:         peer.joinedAt,
		})
	}
	return out
}

// Stop halts the stats loop and disconnects every peer. The manager can be
// started again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, id := range ids {
		m.removePeer(id, "")
	}
}

// Destroy stops the mesh and makes the manager permanently inert. Safe to
// call twice.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.mu.Unlock()

	m.Stop()
	m.logger.Infow("mesh destroyed")
}

func waitKey(contentID string, index int) string {
	return contentID + ":" + strconv.Itoa(index)
}

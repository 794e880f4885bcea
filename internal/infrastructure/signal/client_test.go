package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/core/domain"
	"hybridcast/pkg/logger"
)

// testServer is a minimal rendezvous endpoint: it records every message it
// receives and can push messages back to the client.
type testServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []Message
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *testServer) push(t *testing.T, msg Message) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(msg))
}

func (s *testServer) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

func startTestServer(t *testing.T) (*testServer, string) {
	t.Helper()
	srv := &testServer{}
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(httpSrv.Close)
	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func TestConnectSendsJoin(t *testing.T) {
	srv, endpoint := startTestServer(t)
	c := NewClient(endpoint, "peer-1", Handlers{}, logger.Nop().Sugar())
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background(), "ep1"))

	assert.Eventually(t, func() bool {
		msgs := srv.messages()
		return len(msgs) == 1 && msgs[0].Type == MsgJoin &&
			msgs[0].PeerID == domain.PeerID("peer-1") && msgs[0].ContentID == "ep1"
	}, time.Second, 10*time.Millisecond)
}

func TestOfferRoundTrip(t *testing.T) {
	srv, endpoint := startTestServer(t)

	offerCh := make(chan string, 1)
	c := NewClient(endpoint, "peer-1", Handlers{
		OnOffer: func(from domain.PeerID, sdp string) {
			if from == "peer-2" {
				offerCh <- sdp
			}
		},
	}, logger.Nop().Sugar())
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "ep1"))

	// Outbound offer carries the target peer.
	require.NoError(t, c.SendOffer("peer-2", "sdp-offer"))
	assert.Eventually(t, func() bool {
		for _, msg := range srv.messages() {
			if msg.Type != MsgOffer {
				continue
			}
			var payload SessionPayload
			if json.Unmarshal(msg.Payload, &payload) == nil {
				return payload.SDP == "sdp-offer" && payload.TargetPeer == domain.PeerID("peer-2")
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Inbound offer is dispatched to the handler.
	payload, err := json.Marshal(SessionPayload{SDP: "remote-sdp"})
	require.NoError(t, err)
	srv.push(t, Message{Type: MsgOffer, PeerID: "peer-2", Payload: payload})

	select {
	case sdp := <-offerCh:
		assert.Equal(t, "remote-sdp", sdp)
	case <-time.After(time.Second):
		t.Fatal("offer handler never fired")
	}
}

func TestPeerLifecycleNotifications(t *testing.T) {
	srv, endpoint := startTestServer(t)

	events := make(chan string, 4)
	c := NewClient(endpoint, "peer-1", Handlers{
		OnPeerJoined: func(id domain.PeerID) { events <- "joined:" + string(id) },
		OnPeerLeft:   func(id domain.PeerID) { events <- "left:" + string(id) },
	}, logger.Nop().Sugar())
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "ep1"))

	srv.push(t, Message{Type: MsgPeerJoined, PeerID: "peer-2"})
	srv.push(t, Message{Type: MsgPeerLeft, PeerID: "peer-2"})

	assert.Equal(t, "joined:peer-2", <-events)
	assert.Equal(t, "left:peer-2", <-events)
}

func TestCloseSendsLeaveAndIsIdempotent(t *testing.T) {
	srv, endpoint := startTestServer(t)
	c := NewClient(endpoint, "peer-1", Handlers{}, logger.Nop().Sugar())
	require.NoError(t, c.Connect(context.Background(), "ep1"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		msgs := srv.messages()
		return len(msgs) == 2 && msgs[1].Type == MsgLeave
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, c.SendOffer("peer-2", "late"), "sends after close must fail")
}

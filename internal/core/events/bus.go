// Package events provides the in-process typed event bus the engine uses to
// notify the host UI. Event kinds form a closed set and each kind carries its
// own payload type.
package events

import (
	"sync"

	"hybridcast/internal/core/domain"
)

// Kind identifies an event type on the bus.
type Kind int

const (
	KindPeerConnected Kind = iota
	KindPeerDisconnected
	KindStatsUpdate
	KindModeChange
	KindChunkReceived
	KindChunkSent
	KindPeerLatency
	KindError
)

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
}

// PeerConnected fires when a mesh peer reaches the connected state.
type PeerConnected struct {
	PeerID    domain.PeerID
	Connected int
}

func (PeerConnected) Kind() Kind { return KindPeerConnected }

// PeerDisconnected fires when a peer leaves the mesh. Reason is empty for
// orderly departures and "failed" for ICE failures.
type PeerDisconnected struct {
	PeerID domain.PeerID
	Reason string
}

func (PeerDisconnected) Kind() Kind { return KindPeerDisconnected }

// StatsUpdate carries the periodic mesh stats snapshot.
type StatsUpdate struct {
	Stats domain.P2PStats
}

func (StatsUpdate) Kind() Kind { return KindStatsUpdate }

// ModeChange fires when source arbitration flips between cdn, hybrid and p2p.
type ModeChange struct {
	Previous domain.DeliveryMode
	Current  domain.DeliveryMode
}

func (ModeChange) Kind() Kind { return KindModeChange }

// ChunkReceived fires when a peer-served chunk payload arrives.
type ChunkReceived struct {
	PeerID domain.PeerID
	Bytes  int64
}

func (ChunkReceived) Kind() Kind { return KindChunkReceived }

// ChunkSent fires after a locally cached chunk is uploaded to a peer.
type ChunkSent struct {
	PeerID domain.PeerID
	Bytes  int64
}

func (ChunkSent) Kind() Kind { return KindChunkSent }

// PeerLatency fires when a pong refreshes a peer's latency estimate.
type PeerLatency struct {
	PeerID    domain.PeerID
	LatencyMs float64
}

func (PeerLatency) Kind() Kind { return KindPeerLatency }

// Error carries non-fatal mesh errors the host may want to display.
type Error struct {
	Err error
}

func (Error) Kind() Kind { return KindError }

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is absorbed.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a thread-safe publish-subscribe dispatcher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers a handler for one event kind and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(kind Kind, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscription{id: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(kind Kind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all handlers registered for its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Kind()]))
	copy(subs, b.subs[ev.Kind()])
	b.mu.RUnlock()

	for _, s := range subs {
		safeDispatch(s.handler, ev)
	}
}

func safeDispatch(h Handler, ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}

// Clear drops all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Kind][]subscription)
}

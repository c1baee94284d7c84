package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

// Hub is an in-process network connecting any number of peers. It powers
// tests and the example clusters, and can simulate lossy or slow links.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*hubPeer

	// DropRate is the probability [0,1) that a broadcast copy is lost on
	// its way to one subscriber.
	DropRate float64

	// Delay, when set, is applied to each delivered broadcast copy.
	Delay time.Duration
}

type hubPeer struct {
	id     string
	source SnapshotSource

	mu   sync.Mutex
	subs map[types.ContextID][]*hubSub
}

// hubSub is one subscription channel with explicit liveness, so delivery
// never races a concurrent close.
type hubSub struct {
	ch chan *dag.Delta

	mu     sync.Mutex
	closed bool
}

// send delivers one copy unless the subscription closed or its buffer is
// full. A subscriber that stopped draining loses copies, consistent with
// the lossy link the hub simulates.
func (s *hubSub) send(d *dag.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
	default:
	}
}

func (s *hubSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*hubPeer)}
}

// Join attaches a peer to the hub and returns its network handle. The
// source answers other peers' state-transfer queries.
func (h *Hub) Join(peerID string, source SnapshotSource) Network {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &hubPeer{
		id:     peerID,
		source: source,
		subs:   make(map[types.ContextID][]*hubSub),
	}
	h.peers[peerID] = p
	return &hubLink{hub: h, peer: p}
}

// SetSource installs or replaces a peer's snapshot source. Used when the
// replica is wired after joining the hub.
func (h *Hub) SetSource(peerID string, source SnapshotSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[peerID]; ok {
		p.source = source
	}
}

// Leave detaches a peer and closes its subscriptions.
func (h *Hub) Leave(peerID string) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	delete(h.peers, peerID)
	h.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, subs := range p.subs {
		for _, s := range subs {
			s.close()
		}
	}
	p.subs = make(map[types.ContextID][]*hubSub)
}

// Peers returns the ids of all attached peers.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) broadcast(from string, d *dag.Delta) {
	h.mu.RLock()
	targets := make([]*hubPeer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != from {
			targets = append(targets, p)
		}
	}
	drop := h.DropRate
	delay := h.Delay
	h.mu.RUnlock()

	for _, p := range targets {
		if drop > 0 && rand.Float64() < drop {
			continue
		}

		p.mu.Lock()
		subs := append([]*hubSub(nil), p.subs[d.ContextID]...)
		p.mu.Unlock()

		for _, s := range subs {
			go func(s *hubSub) {
				if delay > 0 {
					time.Sleep(delay)
				}
				s.send(d)
			}(s)
		}
	}
}

type hubLink struct {
	hub  *Hub
	peer *hubPeer
}

func (l *hubLink) Broadcast(ctx context.Context, d *dag.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.broadcast(l.peer.id, d)
	return nil
}

func (l *hubLink) Subscribe(contextID types.ContextID) (<-chan *dag.Delta, func(), error) {
	sub := &hubSub{ch: make(chan *dag.Delta, 128)}

	l.peer.mu.Lock()
	l.peer.subs[contextID] = append(l.peer.subs[contextID], sub)
	l.peer.mu.Unlock()

	cancel := func() {
		l.peer.mu.Lock()
		subs := l.peer.subs[contextID]
		for i, s := range subs {
			if s == sub {
				l.peer.subs[contextID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		l.peer.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

func (l *hubLink) QueryHasState(ctx context.Context, peerID string, contextID types.ContextID) (bool, types.Hash, error) {
	if err := ctx.Err(); err != nil {
		return false, types.ZeroHash, err
	}

	l.hub.mu.RLock()
	p, ok := l.hub.peers[peerID]
	l.hub.mu.RUnlock()
	if !ok || p.source == nil {
		return false, types.ZeroHash, fmt.Errorf("peer %s: %w", peerID, ErrPeerUnreachable)
	}

	has, root := p.source.HasState(contextID)
	return has, root, nil
}

func (l *hubLink) RequestSnapshot(ctx context.Context, peerID string, contextID types.ContextID) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.hub.mu.RLock()
	p, ok := l.hub.peers[peerID]
	l.hub.mu.RUnlock()
	if !ok || p.source == nil {
		return nil, fmt.Errorf("peer %s: %w", peerID, ErrPeerUnreachable)
	}

	return p.source.SnapshotFor(contextID)
}

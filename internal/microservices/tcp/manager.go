package tcp

import (
	"log/slog"
	"sort"
	"sync"
)

// PeerManager tracks connected peers by id.
type PeerManager struct {
	peers  map[string]*Peer
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewPeerManager(logger *slog.Logger) *PeerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerManager{
		peers:  make(map[string]*Peer),
		logger: logger,
	}
}

func (m *PeerManager) Add(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID] = p
	m.logger.Info("peer_added",
		"peer_id", p.ID,
		"remote_addr", p.RemoteAddr,
	)
}

func (m *PeerManager) Remove(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, p.ID)
	m.logger.Info("peer_removed",
		"peer_id", p.ID,
	)
}

func (m *PeerManager) Get(id string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

func (m *PeerManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Snapshot lists the peers ordered by connection time.
func (m *PeerManager) Snapshot() []PeerInfo {
	m.mu.RLock()
	infos := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		infos = append(infos, p.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Broadcast emits an event to every joined peer except the one with id except.
func (m *PeerManager) Broadcast(action string, data any, except string) int {
	return m.broadcast(action, data, func(p *Peer) bool {
		return p.ID != except && p.Joined()
	})
}

// BroadcastAll emits an event to every connected peer, joined or not.
func (m *PeerManager) BroadcastAll(action string, data any) int {
	return m.broadcast(action, data, func(*Peer) bool { return true })
}

func (m *PeerManager) broadcast(action string, data any, include func(*Peer) bool) int {
	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if include(p) {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.Emit(action, data); err != nil {
			m.logger.Warn("failed_to_send_broadcast",
				"peer_id", p.ID,
				"action", action,
				"error", err.Error(),
			)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes every peer and forgets them.
func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.peers {
		p.Close()
		m.logger.Info("peer_connection_closed",
			"peer_id", id,
		)
	}
	m.peers = make(map[string]*Peer)
}

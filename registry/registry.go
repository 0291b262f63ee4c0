// Package registry tracks every peer the node knows about and its connection
// state. The registry is the single piece of state shared across the node's
// concurrent units: all mutation happens through its methods behind one lock,
// and only copies ever escape.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/identity"
)

// PeerState is the connection state of a peer.
type PeerState string

const (
	// StateDiscovered: seen via discovery, never connected.
	StateDiscovered PeerState = "discovered"
	// StateConnecting: a dial or inbound handshake is in progress.
	StateConnecting PeerState = "connecting"
	// StateConnected: an active, handshaken connection exists.
	StateConnected PeerState = "connected"
	// StateDisconnected: previously connected or failed to connect; still
	// rediscoverable.
	StateDisconnected PeerState = "disconnected"
	// StateBanned is terminal; a banned peer is never reconnected.
	StateBanned PeerState = "banned"
)

// PeerInfo describes a known peer. Values returned by the registry are
// copies; mutating them has no effect on registry state.
type PeerInfo struct {
	PeerID          identity.PeerID `json:"peer_id"`
	DisplayName     string          `json:"display_name"`
	Addr            string          `json:"addr"`
	ProtocolVersion int             `json:"protocol_version"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	State           PeerState       `json:"state"`
	LastSeen        time.Time       `json:"last_seen"`
	ConnectedAt     time.Time       `json:"connected_at,omitzero"`
	// Suspicious marks a peer whose handshake failed identity verification.
	// Suspicious peers are not auto-banned but the flag survives state
	// transitions.
	Suspicious bool `json:"suspicious,omitempty"`
}

// Registry is a concurrent map of PeerID to PeerInfo.
type Registry struct {
	mu       sync.RWMutex
	peers    map[identity.PeerID]*PeerInfo
	maxPeers int
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a registry bounded to maxPeers entries.
func New(maxPeers int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		peers:    make(map[identity.PeerID]*PeerInfo),
		maxPeers: maxPeers,
		logger:   logger.With(zap.String("component", "peer_registry")),
		now:      time.Now,
	}
}

// UpsertSighting records a discovery sighting. A new peer enters as
// Discovered; an existing peer keeps its state and refreshes address and
// last-seen. Banned peers are ignored. Returns the updated copy and whether
// the peer was newly added.
func (r *Registry) UpsertSighting(id identity.PeerID, displayName, addr string, protocolVersion int) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		if p.State == StateBanned {
			return copyInfo(p), false
		}
		p.DisplayName = displayName
		p.Addr = addr
		p.ProtocolVersion = protocolVersion
		p.LastSeen = r.now()
		return copyInfo(p), false
	}

	if len(r.peers) >= r.maxPeers && !r.pruneLocked() {
		r.logger.Warn("registry full, dropping sighting",
			zap.String("peer_id", id.String()),
			zap.Int("max_peers", r.maxPeers))
		return PeerInfo{}, false
	}

	p := &PeerInfo{
		PeerID:          id,
		DisplayName:     displayName,
		Addr:            addr,
		ProtocolVersion: protocolVersion,
		State:           StateDiscovered,
		LastSeen:        r.now(),
	}
	r.peers[id] = p
	r.logger.Debug("peer discovered",
		zap.String("peer_id", id.String()),
		zap.String("addr", addr))
	return copyInfo(p), true
}

// MarkConnecting transitions a peer to Connecting. Unknown peers are created
// on the spot (inbound connections arrive before any sighting). Fails when
// the peer is banned, already connected, or the registry is full and nothing
// can be pruned.
func (r *Registry) MarkConnecting(id identity.PeerID, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		switch p.State {
		case StateBanned:
			return fmt.Errorf("peer %s is banned", id)
		case StateConnected:
			return fmt.Errorf("peer %s already connected", id)
		}
		p.State = StateConnecting
		if addr != "" {
			p.Addr = addr
		}
		p.LastSeen = r.now()
		return nil
	}

	if len(r.peers) >= r.maxPeers && !r.pruneLocked() {
		return fmt.Errorf("registry full (%d peers)", r.maxPeers)
	}
	r.peers[id] = &PeerInfo{
		PeerID:   id,
		Addr:     addr,
		State:    StateConnecting,
		LastSeen: r.now(),
	}
	return nil
}

// MarkConnected transitions a peer to Connected and records its handshake
// identity fields.
func (r *Registry) MarkConnected(id identity.PeerID, displayName string, protocolVersion int, capabilities []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("peer %s not in registry", id)
	}
	if p.State == StateBanned {
		return fmt.Errorf("peer %s is banned", id)
	}
	if p.State != StateConnected {
		p.ConnectedAt = r.now()
	}
	p.State = StateConnected
	p.DisplayName = displayName
	p.ProtocolVersion = protocolVersion
	p.Capabilities = append([]string(nil), capabilities...)
	p.LastSeen = r.now()
	r.logger.Info("peer connected",
		zap.String("peer_id", id.String()),
		zap.String("display_name", displayName))
	return nil
}

// MarkDisconnected transitions a peer to Disconnected. The entry stays in
// the registry so the peer remains rediscoverable. Banned peers keep their
// state.
func (r *Registry) MarkDisconnected(id identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.State == StateBanned {
		return
	}
	if p.State == StateConnected {
		r.logger.Info("peer disconnected", zap.String("peer_id", id.String()))
	}
	p.State = StateDisconnected
}

// Ban marks a peer as banned. Banned is terminal and reachable from any
// state.
func (r *Registry) Ban(id identity.PeerID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		p = &PeerInfo{PeerID: id, LastSeen: r.now()}
		r.peers[id] = p
	}
	p.State = StateBanned
	r.logger.Warn("peer banned",
		zap.String("peer_id", id.String()),
		zap.String("reason", reason))
}

// FlagSuspicious marks a peer whose identity claims failed verification.
func (r *Registry) FlagSuspicious(id identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Suspicious = true
	}
}

// Touch refreshes a peer's last-seen timestamp (any inbound traffic counts
// as liveness).
func (r *Registry) Touch(id identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = r.now()
	}
}

// Get returns a copy of the peer's info.
func (r *Registry) Get(id identity.PeerID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return copyInfo(p), true
}

// Snapshot returns copies of all entries, ordered by PeerID for stable
// iteration.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, copyInfo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out
}

// Connected returns copies of all Connected entries.
func (r *Registry) Connected() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		if p.State == StateConnected {
			out = append(out, copyInfo(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out
}

// ConnectedCount returns the number of Connected peers.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

// Len returns the total number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// EvictStale removes entries whose last-seen exceeds ttl and which are not
// currently Connected. Banned entries are kept so the ban holds. Returns the
// evicted peer IDs.
func (r *Registry) EvictStale(ttl time.Duration) []identity.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var evicted []identity.PeerID
	for id, p := range r.peers {
		if p.State == StateConnected || p.State == StateBanned {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.logger.Debug("evicted stale peers", zap.Int("count", len(evicted)))
	}
	return evicted
}

// pruneLocked removes the least-recently-seen non-connected, non-banned
// entry to make room. Connected peers are never pruned in favor of a new
// entry. Caller holds r.mu.
func (r *Registry) pruneLocked() bool {
	var victim identity.PeerID
	var oldest time.Time
	found := false
	for id, p := range r.peers {
		if p.State == StateConnected || p.State == StateBanned || p.State == StateConnecting {
			continue
		}
		if !found || p.LastSeen.Before(oldest) {
			victim, oldest, found = id, p.LastSeen, true
		}
	}
	if !found {
		return false
	}
	delete(r.peers, victim)
	r.logger.Debug("pruned least-recently-seen peer", zap.String("peer_id", victim.String()))
	return true
}

func copyInfo(p *PeerInfo) PeerInfo {
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	return out
}

// Package statesync keeps a replicated key/value store eventually consistent
// across the mesh. Conflicts resolve per key with last-writer-wins: the
// higher sequence number wins, and a sequence tie goes to the greater origin
// PeerID so every node converges on the same value regardless of delivery
// order.
package statesync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
)

// Engine is the local replica of the shared state. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	entries map[string]protocol.SyncUpdate
	// localSeq numbers this node's own writes; it only moves forward.
	localSeq uint64
	origin   identity.PeerID
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an engine whose local writes carry origin as their author.
func New(origin identity.PeerID, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		entries: make(map[string]protocol.SyncUpdate),
		origin:  origin,
		logger:  logger.With(zap.String("component", "statesync")),
		now:     time.Now,
	}
}

// Set records a local write and returns the update to gossip to peers.
func (e *Engine) Set(key string, value json.RawMessage) protocol.SyncUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.localSeq++
	// A local write must dominate whatever is currently stored, or a node
	// could be unable to overwrite a remote value it just received.
	if cur, ok := e.entries[key]; ok && cur.Seq >= e.localSeq {
		e.localSeq = cur.Seq + 1
	}
	u := protocol.SyncUpdate{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Seq:       e.localSeq,
		Origin:    e.origin,
		UpdatedAt: e.now(),
	}
	e.entries[key] = u
	return u
}

// Apply merges a remote update. Returns true when the update won and the
// stored value changed; stale and duplicate updates return false. Apply is
// idempotent and order-independent: any permutation of the same updates
// leaves every replica in the same state.
func (e *Engine) Apply(u protocol.SyncUpdate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.entries[u.Key]
	if ok && !wins(u, cur) {
		return false
	}
	u.Value = append(json.RawMessage(nil), u.Value...)
	e.entries[u.Key] = u
	e.logger.Debug("sync update applied",
		zap.String("key", u.Key),
		zap.Uint64("seq", u.Seq),
		zap.String("origin", u.Origin.String()))
	return true
}

// wins reports whether candidate should replace incumbent.
func wins(candidate, incumbent protocol.SyncUpdate) bool {
	if candidate.Seq != incumbent.Seq {
		return candidate.Seq > incumbent.Seq
	}
	if candidate.Origin == incumbent.Origin {
		return false
	}
	return incumbent.Origin.Less(candidate.Origin)
}

// Get returns the current value for key.
func (e *Engine) Get(key string) (protocol.SyncUpdate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.entries[key]
	if !ok {
		return protocol.SyncUpdate{}, false
	}
	u.Value = append(json.RawMessage(nil), u.Value...)
	return u, true
}

// Snapshot returns every entry, ordered by key.
func (e *Engine) Snapshot() []protocol.SyncUpdate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]protocol.SyncUpdate, 0, len(e.entries))
	for _, u := range e.entries {
		u.Value = append(json.RawMessage(nil), u.Value...)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of keys held.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Digest summarizes the replica per key: the sequence and origin of the
// stored value. Peers compare digests to work out which entries the other
// side is missing without shipping the whole store. The digest is per key,
// not per origin, so a replica that lost one update from an origin but
// received a later one still shows the hole.
func (e *Engine) Digest() map[string]protocol.DigestEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d := make(map[string]protocol.DigestEntry, len(e.entries))
	for key, u := range e.entries {
		d[key] = protocol.DigestEntry{Seq: u.Seq, Origin: u.Origin}
	}
	return d
}

// MissingFor returns the entries a peer with the given digest has not seen:
// every entry whose key is absent from the digest or whose stored value
// would win the merge against the digest's entry for that key.
func (e *Engine) MissingFor(digest map[string]protocol.DigestEntry) []protocol.SyncUpdate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []protocol.SyncUpdate
	for key, u := range e.entries {
		if d, ok := digest[key]; ok && !dominates(u, d) {
			continue
		}
		u.Value = append(json.RawMessage(nil), u.Value...)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// dominates reports whether the stored update u would win a merge against a
// value summarized by d. Same ordering as wins.
func dominates(u protocol.SyncUpdate, d protocol.DigestEntry) bool {
	if u.Seq != d.Seq {
		return u.Seq > d.Seq
	}
	if u.Origin == d.Origin {
		return false
	}
	return d.Origin.Less(u.Origin)
}

package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/identity"
)

func newPeerID(t *testing.T, name string) identity.PeerID {
	t.Helper()
	id, err := identity.Generate(name)
	require.NoError(t, err)
	return id.PeerID
}

func TestUpsertSightingDedup(t *testing.T) {
	r := New(32, zap.NewNop())
	id := newPeerID(t, "alpha")

	// N duplicate sightings yield exactly one entry.
	for i := 0; i < 10; i++ {
		r.UpsertSighting(id, "alpha", "127.0.0.1:9470", 1)
	}
	assert.Equal(t, 1, r.Len())

	p, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, p.State)
	assert.Equal(t, "127.0.0.1:9470", p.Addr)
}

func TestUpsertSightingRefreshesAddr(t *testing.T) {
	r := New(32, zap.NewNop())
	id := newPeerID(t, "mover")

	_, added := r.UpsertSighting(id, "mover", "10.0.0.1:9470", 1)
	assert.True(t, added)
	_, added = r.UpsertSighting(id, "mover", "10.0.0.2:9470", 1)
	assert.False(t, added)

	p, _ := r.Get(id)
	assert.Equal(t, "10.0.0.2:9470", p.Addr)
}

func TestStateTransitions(t *testing.T) {
	r := New(32, zap.NewNop())
	id := newPeerID(t, "beta")

	r.UpsertSighting(id, "beta", "127.0.0.1:9470", 1)
	require.NoError(t, r.MarkConnecting(id, ""))

	p, _ := r.Get(id)
	assert.Equal(t, StateConnecting, p.State)

	require.NoError(t, r.MarkConnected(id, "beta", 1, []string{"task_relay"}))
	p, _ = r.Get(id)
	assert.Equal(t, StateConnected, p.State)
	assert.False(t, p.ConnectedAt.IsZero())

	r.MarkDisconnected(id)
	p, _ = r.Get(id)
	assert.Equal(t, StateDisconnected, p.State)

	// Disconnected peers may come back.
	require.NoError(t, r.MarkConnecting(id, ""))
	p, _ = r.Get(id)
	assert.Equal(t, StateConnecting, p.State)
}

func TestBanIsTerminal(t *testing.T) {
	r := New(32, zap.NewNop())
	id := newPeerID(t, "rogue")

	r.UpsertSighting(id, "rogue", "127.0.0.1:9470", 1)
	r.Ban(id, "test")

	assert.Error(t, r.MarkConnecting(id, ""))
	assert.Error(t, r.MarkConnected(id, "rogue", 1, nil))
	r.MarkDisconnected(id)

	p, _ := r.Get(id)
	assert.Equal(t, StateBanned, p.State)

	// Sightings cannot resurrect a banned peer.
	r.UpsertSighting(id, "rogue", "127.0.0.1:9999", 1)
	p, _ = r.Get(id)
	assert.Equal(t, StateBanned, p.State)
	assert.Equal(t, "127.0.0.1:9470", p.Addr)
}

func TestMarkConnectedUnknownPeer(t *testing.T) {
	r := New(32, zap.NewNop())
	assert.Error(t, r.MarkConnected(newPeerID(t, "ghost"), "ghost", 1, nil))
}

func TestEvictStale(t *testing.T) {
	r := New(32, zap.NewNop())
	stale := newPeerID(t, "stale")
	fresh := newPeerID(t, "fresh")
	live := newPeerID(t, "live")

	base := time.Now()
	r.now = func() time.Time { return base.Add(-time.Hour) }
	r.UpsertSighting(stale, "stale", "127.0.0.1:1", 1)
	r.UpsertSighting(live, "live", "127.0.0.1:3", 1)
	require.NoError(t, r.MarkConnecting(live, ""))
	require.NoError(t, r.MarkConnected(live, "live", 1, nil))

	r.now = func() time.Time { return base }
	r.UpsertSighting(fresh, "fresh", "127.0.0.1:2", 1)

	evicted := r.EvictStale(10 * time.Minute)
	assert.Equal(t, []identity.PeerID{stale}, evicted)

	// Connected peers are never evicted, regardless of last-seen age.
	_, ok := r.Get(live)
	assert.True(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)
}

func TestMaxPeersPrunesLeastRecentlySeen(t *testing.T) {
	r := New(2, zap.NewNop())
	base := time.Now()

	oldID := newPeerID(t, "old")
	newishID := newPeerID(t, "newish")
	thirdID := newPeerID(t, "third")

	r.now = func() time.Time { return base.Add(-2 * time.Minute) }
	r.UpsertSighting(oldID, "old", "127.0.0.1:1", 1)
	r.now = func() time.Time { return base.Add(-time.Minute) }
	r.UpsertSighting(newishID, "newish", "127.0.0.1:2", 1)

	r.now = func() time.Time { return base }
	_, added := r.UpsertSighting(thirdID, "third", "127.0.0.1:3", 1)
	assert.True(t, added)
	assert.Equal(t, 2, r.Len())

	// The least-recently-seen entry made room.
	_, ok := r.Get(oldID)
	assert.False(t, ok)
	_, ok = r.Get(newishID)
	assert.True(t, ok)
}

func TestMaxPeersNeverDropsConnected(t *testing.T) {
	r := New(2, zap.NewNop())
	a := newPeerID(t, "a")
	b := newPeerID(t, "b")
	c := newPeerID(t, "c")

	for _, id := range []identity.PeerID{a, b} {
		r.UpsertSighting(id, "x", "127.0.0.1:1", 1)
		require.NoError(t, r.MarkConnecting(id, ""))
		require.NoError(t, r.MarkConnected(id, "x", 1, nil))
	}

	// Registry full of Connected peers: a new Connecting entry is rejected
	// rather than displacing one.
	err := r.MarkConnecting(c, "127.0.0.1:3")
	assert.Error(t, err)
	assert.Equal(t, 2, r.ConnectedCount())
}

func TestSnapshotReturnsCopies(t *testing.T) {
	r := New(32, zap.NewNop())
	id := newPeerID(t, "copied")
	r.UpsertSighting(id, "copied", "127.0.0.1:9470", 1)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].DisplayName = "mutated"
	snap[0].State = StateBanned

	p, _ := r.Get(id)
	assert.Equal(t, "copied", p.DisplayName)
	assert.Equal(t, StateDiscovered, p.State)
}

func TestSnapshotOrderedByPeerID(t *testing.T) {
	r := New(32, zap.NewNop())
	for i := 0; i < 5; i++ {
		r.UpsertSighting(newPeerID(t, fmt.Sprintf("n%d", i)), "n", "127.0.0.1:1", 1)
	}
	snap := r.Snapshot()
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i-1].PeerID.Less(snap[i].PeerID))
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New(128, zap.NewNop())
	ids := make([]identity.PeerID, 16)
	for i := range ids {
		ids[i] = newPeerID(t, fmt.Sprintf("c%d", i))
	}

	done := make(chan struct{})
	for _, id := range ids {
		go func(id identity.PeerID) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				r.UpsertSighting(id, "c", "127.0.0.1:1", 1)
				_ = r.MarkConnecting(id, "")
				_ = r.MarkConnected(id, "c", 1, nil)
				r.Touch(id)
				r.MarkDisconnected(id)
				_ = r.Snapshot()
			}
		}(id)
	}
	for range ids {
		<-done
	}
	assert.Equal(t, len(ids), r.Len())
}

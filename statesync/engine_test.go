package statesync

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
)

func newPeerID(t *testing.T, name string) identity.PeerID {
	t.Helper()
	id, err := identity.Generate(name)
	require.NoError(t, err)
	return id.PeerID
}

func TestSetAndGet(t *testing.T) {
	self := newPeerID(t, "self")
	e := New(self, zap.NewNop())

	u := e.Set("agents/count", json.RawMessage(`3`))
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, self, u.Origin)

	got, ok := e.Get("agents/count")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`3`), got.Value)

	u = e.Set("agents/count", json.RawMessage(`4`))
	assert.Equal(t, uint64(2), u.Seq)
}

func TestApplyHigherSeqWins(t *testing.T) {
	e := New(newPeerID(t, "self"), zap.NewNop())
	remote := newPeerID(t, "remote")

	assert.True(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"old"`), Seq: 1, Origin: remote}))
	assert.True(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"new"`), Seq: 5, Origin: remote}))

	// Stale update loses, current value stays.
	assert.False(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"stale"`), Seq: 3, Origin: remote}))

	got, _ := e.Get("k")
	assert.Equal(t, json.RawMessage(`"new"`), got.Value)
	assert.Equal(t, uint64(5), got.Seq)
}

func TestApplyTieBrokenByOrigin(t *testing.T) {
	e := New(newPeerID(t, "self"), zap.NewNop())
	a := newPeerID(t, "a")
	b := newPeerID(t, "b")

	lo, hi := a, b
	if b.Less(a) {
		lo, hi = b, a
	}

	assert.True(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"lo"`), Seq: 7, Origin: lo}))
	assert.True(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"hi"`), Seq: 7, Origin: hi}))
	// The greater origin holds the key; the lesser one cannot take it back.
	assert.False(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"lo"`), Seq: 7, Origin: lo}))

	got, _ := e.Get("k")
	assert.Equal(t, json.RawMessage(`"hi"`), got.Value)
}

func TestApplyIdempotent(t *testing.T) {
	e := New(newPeerID(t, "self"), zap.NewNop())
	u := protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`1`), Seq: 2, Origin: newPeerID(t, "r")}

	assert.True(t, e.Apply(u))
	assert.False(t, e.Apply(u))
	assert.Equal(t, 1, e.Len())
}

func TestLocalWriteDominatesRemoteValue(t *testing.T) {
	e := New(newPeerID(t, "self"), zap.NewNop())
	remote := newPeerID(t, "remote")

	require.True(t, e.Apply(protocol.SyncUpdate{Key: "k", Value: json.RawMessage(`"remote"`), Seq: 40, Origin: remote}))

	u := e.Set("k", json.RawMessage(`"mine"`))
	assert.Greater(t, u.Seq, uint64(40))

	got, _ := e.Get("k")
	assert.Equal(t, json.RawMessage(`"mine"`), got.Value)
}

func TestDigestAndMissingFor(t *testing.T) {
	a := newPeerID(t, "a")
	b := newPeerID(t, "b")
	e := New(a, zap.NewNop())

	e.Set("x", json.RawMessage(`1`))
	e.Set("y", json.RawMessage(`2`))
	require.True(t, e.Apply(protocol.SyncUpdate{Key: "z", Value: json.RawMessage(`3`), Seq: 9, Origin: b}))

	d := e.Digest()
	assert.Equal(t, protocol.DigestEntry{Seq: 1, Origin: a}, d["x"])
	assert.Equal(t, protocol.DigestEntry{Seq: 2, Origin: a}, d["y"])
	assert.Equal(t, protocol.DigestEntry{Seq: 9, Origin: b}, d["z"])

	// A peer that holds x and y but never saw z is missing z.
	missing := e.MissingFor(map[string]protocol.DigestEntry{
		"x": {Seq: 1, Origin: a},
		"y": {Seq: 2, Origin: a},
	})
	require.Len(t, missing, 1)
	assert.Equal(t, "z", missing[0].Key)

	// A peer holding a stale value for y needs the current one.
	missing = e.MissingFor(map[string]protocol.DigestEntry{
		"x": {Seq: 1, Origin: a},
		"y": {Seq: 1, Origin: b},
		"z": {Seq: 9, Origin: b},
	})
	require.Len(t, missing, 1)
	assert.Equal(t, "y", missing[0].Key)

	// An empty digest is missing the whole store.
	assert.Len(t, e.MissingFor(nil), 3)

	// An up-to-date peer is missing nothing.
	assert.Empty(t, e.MissingFor(d))
}

// A replica that lost an earlier update from an origin but received a later
// one still has the hole surfaced by the digest exchange.
func TestMissingForRepairsSkippedUpdate(t *testing.T) {
	a := newPeerID(t, "a")
	b := newPeerID(t, "b")

	src := New(a, zap.NewNop())
	src.Set("k1", json.RawMessage(`1`))
	src.Set("k2", json.RawMessage(`2`))

	// The replica only ever saw the second update; the first was lost in
	// transit.
	dst := New(b, zap.NewNop())
	u2, ok := src.Get("k2")
	require.True(t, ok)
	require.True(t, dst.Apply(u2))

	missing := src.MissingFor(dst.Digest())
	require.Len(t, missing, 1)
	assert.Equal(t, "k1", missing[0].Key)

	require.True(t, dst.Apply(missing[0]))
	assert.Empty(t, src.MissingFor(dst.Digest()))
}

func TestSnapshotOrderedAndCopied(t *testing.T) {
	e := New(newPeerID(t, "self"), zap.NewNop())
	e.Set("b", json.RawMessage(`2`))
	e.Set("a", json.RawMessage(`1`))

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, "b", snap[1].Key)

	snap[0].Value[0] = 'X'
	got, _ := e.Get("a")
	assert.Equal(t, json.RawMessage(`1`), got.Value)
}

// Any permutation of the same update set converges every replica to the same
// state.
func TestConvergenceUnderReordering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		origins := make([]identity.PeerID, 3)
		for i := range origins {
			id, err := identity.Generate(fmt.Sprintf("o%d", i))
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			origins[i] = id.PeerID
		}

		n := rapid.IntRange(1, 20).Draw(t, "n")
		updates := make([]protocol.SyncUpdate, n)
		for i := range updates {
			updates[i] = protocol.SyncUpdate{
				Key:    rapid.SampledFrom([]string{"k1", "k2", "k3"}).Draw(t, fmt.Sprintf("key%d", i)),
				Value:  json.RawMessage(fmt.Sprintf("%d", i)),
				Seq:    rapid.Uint64Range(1, 10).Draw(t, fmt.Sprintf("seq%d", i)),
				Origin: rapid.SampledFrom(origins).Draw(t, fmt.Sprintf("origin%d", i)),
			}
		}

		seed := rapid.Int64().Draw(t, "seed")
		shuffled := append([]protocol.SyncUpdate(nil), updates...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		r1 := New(origins[0], zap.NewNop())
		r2 := New(origins[1], zap.NewNop())
		for _, u := range updates {
			r1.Apply(u)
		}
		for _, u := range shuffled {
			r2.Apply(u)
		}

		s1, s2 := r1.Snapshot(), r2.Snapshot()
		if len(s1) != len(s2) {
			t.Fatalf("replica sizes differ: %d vs %d", len(s1), len(s2))
		}
		for i := range s1 {
			if s1[i].Key != s2[i].Key || s1[i].Seq != s2[i].Seq ||
				s1[i].Origin != s2[i].Origin || string(s1[i].Value) != string(s2[i].Value) {
				t.Fatalf("replicas diverged at %q: %+v vs %+v", s1[i].Key, s1[i], s2[i])
			}
		}
	})
}

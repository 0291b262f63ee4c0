package agentmesh

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/discovery"
	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/protocol"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/transport"
)

// meshTestConfig disables UDP discovery (CI networks rarely carry broadcast)
// and shortens every interval so multi-node behavior is observable in
// milliseconds.
func meshTestConfig() *config.NetworkConfig {
	cfg := config.Defaults()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.DiscoveryEnabled = false
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.MissedHeartbeatThreshold = 5
	cfg.SyncInterval = 50 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	return &cfg
}

func startNode(t *testing.T, ctx context.Context, name string, mutate func(*config.NetworkConfig)) *Node {
	t.Helper()
	id, err := identity.Generate(name)
	require.NoError(t, err)

	cfg := meshTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	node, err := New(id, cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))
	t.Cleanup(node.Stop)
	return node
}

func TestConnectAndRelayTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)

	peerID, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)
	assert.Equal(t, b.ID(), peerID)

	var handled int32
	results := make(chan protocol.TaskResultPayload, 1)

	b.OnMessage(protocol.KindTaskRelay, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		atomic.AddInt32(&handled, 1)
		var task protocol.TaskRelayPayload
		if err := protocol.UnmarshalPayload(env, &task); err != nil {
			return nil, err
		}
		payload, err := protocol.MarshalPayload(protocol.TaskResultPayload{
			TaskID:  task.TaskID,
			Success: true,
			Output:  json.RawMessage(`"done"`),
		})
		if err != nil {
			return nil, err
		}
		return b.transport.Compose(env.Sender, protocol.KindTaskResult, payload), nil
	})
	a.OnMessage(protocol.KindTaskResult, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		var res protocol.TaskResultPayload
		if err := protocol.UnmarshalPayload(env, &res); err != nil {
			return nil, err
		}
		results <- res
		return nil, nil
	})

	taskID, err := a.RelayTask(ctx, b.ID(), protocol.TaskRelayPayload{Description: "summarize logs"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	select {
	case res := <-results:
		assert.Equal(t, taskID, res.TaskID)
		assert.True(t, res.Success)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task result")
	}
	// Exactly one execution per relayed task.
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
}

func TestBootstrapPeersConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := startNode(t, ctx, "b", nil)
	a := startNode(t, ctx, "a", func(cfg *config.NetworkConfig) {
		cfg.BootstrapPeers = []string{b.Addr()}
	})

	assert.Eventually(t, func() bool {
		for _, p := range a.ConnectedPeers() {
			if p.PeerID == b.ID() {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStateSyncConverges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)

	require.NoError(t, a.SetState(ctx, "fleet/model", json.RawMessage(`"sonnet"`)))
	assert.Eventually(t, func() bool {
		u, ok := b.GetState("fleet/model")
		return ok && string(u.Value) == `"sonnet"`
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.SetState(ctx, "fleet/size", json.RawMessage(`2`)))
	assert.Eventually(t, func() bool {
		u, ok := a.GetState("fleet/size")
		return ok && string(u.Value) == `2`
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStateSyncConflictConvergesBothWays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)

	// Concurrent writes to the same key from both sides.
	require.NoError(t, a.SetState(ctx, "k", json.RawMessage(`"from-a"`)))
	require.NoError(t, b.SetState(ctx, "k", json.RawMessage(`"from-b"`)))

	assert.Eventually(t, func() bool {
		ua, okA := a.GetState("k")
		ub, okB := b.GetState("k")
		return okA && okB &&
			string(ua.Value) == string(ub.Value) &&
			ua.Origin == ub.Origin && ua.Seq == ub.Seq
	}, 3*time.Second, 20*time.Millisecond)
}

// A node that joins after updates were made catches up through the digest
// exchange.
func TestStateSyncAntiEntropyCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	require.NoError(t, a.SetState(ctx, "history/1", json.RawMessage(`1`)))
	require.NoError(t, a.SetState(ctx, "history/2", json.RawMessage(`2`)))

	b := startNode(t, ctx, "b", nil)
	_, err := b.Connect(ctx, a.Addr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok1 := b.GetState("history/1")
		_, ok2 := b.GetState("history/2")
		return ok1 && ok2
	}, 3*time.Second, 20*time.Millisecond)
}

// A replica that lost one update but received a later one from the same
// origin is still repaired by the digest exchange.
func TestStateSyncRepairsMissedUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	require.NoError(t, a.SetState(ctx, "k1", json.RawMessage(`1`)))
	require.NoError(t, a.SetState(ctx, "k2", json.RawMessage(`2`)))

	// b holds only the second update, as if the first broadcast was lost on
	// the wire.
	b := startNode(t, ctx, "b", nil)
	u2, ok := a.GetState("k2")
	require.True(t, ok)
	require.True(t, b.Sync().Apply(u2))

	_, err := b.Connect(ctx, a.Addr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		u, ok := b.GetState("k1")
		return ok && string(u.Value) == `1`
	}, 3*time.Second, 20*time.Millisecond)
}

func TestShareLearningReachesAllPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub", nil)
	s1 := startNode(t, ctx, "s1", nil)
	s2 := startNode(t, ctx, "s2", nil)
	_, err := hub.Connect(ctx, s1.Addr())
	require.NoError(t, err)
	_, err = hub.Connect(ctx, s2.Addr())
	require.NoError(t, err)

	insights := make(chan protocol.LearningSharePayload, 2)
	for _, s := range []*Node{s1, s2} {
		s.OnMessage(protocol.KindLearningShare, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
			var ins protocol.LearningSharePayload
			if err := protocol.UnmarshalPayload(env, &ins); err != nil {
				return nil, err
			}
			insights <- ins
			return nil, nil
		})
	}

	reached, err := hub.ShareLearning(ctx, protocol.LearningSharePayload{
		OutcomeType: "tool_success",
		Context:     "code_review",
		Confidence:  0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reached)

	for i := 0; i < 2; i++ {
		select {
		case ins := <-insights:
			assert.Equal(t, "tool_success", ins.OutcomeType)
			assert.False(t, ins.LearnedAt.IsZero())
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for learning share")
		}
	}
}

func TestGoodbyeOnStopDemotesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)

	b.Stop()

	assert.Eventually(t, func() bool {
		info, ok := a.registry.Get(b.ID())
		return ok && info.State == registry.StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBanIsTerminalAcrossReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)

	a.Ban(b.ID(), "misbehaving")

	info, ok := a.registry.Get(b.ID())
	require.True(t, ok)
	assert.Equal(t, registry.StateBanned, info.State)

	// The banned peer cannot come back, no matter who dials.
	_, err = b.Connect(ctx, a.Addr())
	require.Error(t, err)
	assert.False(t, a.transport.IsConnected(b.ID()))
}

func TestHeartbeatsKeepPeersConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)

	// Several liveness windows pass with no application traffic; heartbeats
	// alone keep the link alive.
	time.Sleep(6 * meshTestConfig().HeartbeatInterval)
	assert.True(t, a.transport.IsConnected(b.ID()))
	assert.True(t, b.transport.IsConnected(a.ID()))
}

// Sighting dials run concurrently: one unreachable peer spends the whole
// backoff schedule timing out and must not hold up the sightings behind it.
func TestSightingDialsDoNotBlockEachOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	b := startNode(t, ctx, "b", nil)

	ghost, err := identity.Generate("ghost")
	require.NoError(t, err)

	// 192.0.2.0/24 is TEST-NET: the dial blackholes until ConnectTimeout,
	// far longer than the window b must connect within.
	a.handleSighting(ctx, discovery.Sighting{
		PeerID:          ghost.PeerID,
		Addr:            "192.0.2.1:9470",
		ProtocolVersion: protocol.Version,
	})
	a.handleSighting(ctx, discovery.Sighting{
		PeerID:          b.ID(),
		DisplayName:     "b",
		Addr:            b.Addr(),
		ProtocolVersion: protocol.Version,
	})

	assert.Eventually(t, func() bool {
		return a.transport.IsConnected(b.ID())
	}, time.Second, 10*time.Millisecond)
}

// A peer whose socket stays open but goes completely silent is demoted once
// the liveness window passes without traffic.
func TestSilentPeerDemotedByLivenessMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)

	// A bare transport endpoint that completes the handshake and then never
	// sends anything, heartbeats included.
	silent, err := identity.Generate("silent")
	require.NoError(t, err)
	st := transport.New(silent, meshTestConfig(), transport.Callbacks{}, nil, zap.NewNop())
	require.NoError(t, st.Start(ctx))
	defer st.Stop()
	_, err = st.Dial(ctx, a.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := a.registry.Get(silent.PeerID)
		return ok && info.State == registry.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		info, ok := a.registry.Get(silent.PeerID)
		return ok && info.State == registry.StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
}

// Valid envelopes that no handler subscribes to are counted as dropped.
func TestUnhandledKindCountedAsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector("meshtest", zap.NewNop())
	id, err := identity.Generate("a")
	require.NoError(t, err)
	a, err := New(id, meshTestConfig(), WithMetrics(collector))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(a.Stop)

	b := startNode(t, ctx, "b", nil)
	_, err = b.Connect(ctx, a.Addr())
	require.NoError(t, err)

	// Nothing on a subscribes to task results.
	require.NoError(t, b.Send(ctx, a.ID(), protocol.KindTaskResult, protocol.TaskResultPayload{TaskID: "t1"}))

	assert.Eventually(t, func() bool {
		return droppedCount(t, collector, "unhandled") == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func droppedCount(t *testing.T, c *metrics.Collector, reason string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "meshtest_envelopes_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNodeStartValidatesConfig(t *testing.T) {
	id, err := identity.Generate("bad")
	require.NoError(t, err)

	cfg := meshTestConfig()
	cfg.MaxPeers = 0
	_, err = New(id, cfg)
	require.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, "a", nil)
	a.Stop()
	a.Stop()
}

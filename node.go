package agentmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/discovery"
	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/protocol"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/router"
	"github.com/BaSui01/agentmesh/statesync"
	"github.com/BaSui01/agentmesh/transport"
)

// Node is one federated instance: it owns the transport, discovery, peer
// registry, message router, and sync engine, and runs the background loops
// that keep the mesh alive.
type Node struct {
	id      *identity.NodeIdentity
	cfg     *config.NetworkConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	registry  *registry.Registry
	router    *router.Router
	engine    *statesync.Engine
	transport *transport.Transport
	discovery *discovery.Service

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the node's logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics sets the node's metrics collector. Defaults to a private
// collector; use this to expose the node's registry over HTTP.
func WithMetrics(collector *metrics.Collector) Option {
	return func(n *Node) { n.metrics = collector }
}

// New creates a node from an identity and configuration. The node does
// nothing until Start is called.
func New(id *identity.NodeIdentity, cfg *config.NetworkConfig, opts ...Option) (*Node, error) {
	if id == nil {
		return nil, fmt.Errorf("node identity is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("node config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		id:  id,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	n.logger = n.logger.With(zap.String("node_id", id.PeerID.String()))
	if n.metrics == nil {
		n.metrics = metrics.NewCollector("agentmesh", zap.NewNop())
	}

	n.registry = registry.New(cfg.MaxPeers, n.logger)
	n.router = router.New(n.logger)
	n.engine = statesync.New(id.PeerID, n.logger)
	n.transport = transport.New(id, cfg, transport.Callbacks{
		OnEnvelope:         n.handleEnvelope,
		OnPeerUp:           n.handlePeerUp,
		OnPeerDown:         n.handlePeerDown,
		Authorize:          n.authorizePeer,
		OnHandshakeFailure: n.handleHandshakeFailure,
	}, n.metrics, n.logger)

	n.registerDefaultHandlers()
	return n, nil
}

// Start brings the node online: transport listener, discovery, bootstrap
// dials, and the heartbeat, liveness, and sync loops. Start returns once the
// listener is bound; the loops run until Stop or ctx cancellation.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if err := n.transport.Start(runCtx); err != nil {
		cancel()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	n.mu.Lock()
	n.cancel = cancel
	n.group = group
	n.mu.Unlock()

	if n.cfg.DiscoveryEnabled {
		n.discovery = discovery.New(discovery.Config{
			Self: discovery.Announcement{
				PeerID:          n.id.PeerID,
				DisplayName:     n.id.DisplayName,
				ListenAddr:      n.announceAddr(),
				ProtocolVersion: protocol.Version,
			},
			Port:     n.cfg.DiscoveryPort,
			Interval: n.cfg.DiscoveryInterval,
			DedupTTL: n.cfg.DiscoveryInterval * 2,
		}, n.logger)
		n.discovery.Start(runCtx)
		group.Go(func() error { return n.sightingLoop(groupCtx) })
	}

	group.Go(func() error { return n.heartbeatLoop(groupCtx) })
	group.Go(func() error { return n.livenessLoop(groupCtx) })
	group.Go(func() error { return n.syncLoop(groupCtx) })

	for _, addr := range n.cfg.BootstrapPeers {
		addr := addr
		group.Go(func() error {
			n.dialAddr(groupCtx, "", addr)
			return nil
		})
	}

	n.logger.Info("node started",
		zap.String("listen_addr", n.transport.Addr()),
		zap.String("display_name", n.id.DisplayName),
		zap.Bool("discovery", n.cfg.DiscoveryEnabled))
	return nil
}

// Stop takes the node offline: it says goodbye to connected peers, stops
// discovery and the loops, and closes every connection. Stop blocks until
// the background goroutines exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	cancel := n.cancel
	group := n.group
	n.mu.Unlock()

	// Best-effort goodbye so peers demote us immediately instead of waiting
	// out the liveness window.
	goodbyeCtx, goodbyeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	env := n.transport.Compose(protocol.Broadcast, protocol.KindGoodbye, nil)
	n.transport.Broadcast(goodbyeCtx, env)
	goodbyeCancel()

	if n.discovery != nil {
		n.discovery.Stop()
	}
	if cancel != nil {
		cancel()
	}
	n.transport.Stop()
	if group != nil {
		_ = group.Wait()
	}
	n.logger.Info("node stopped")
}

// announceAddr is the address put in discovery datagrams.
func (n *Node) announceAddr() string {
	if n.cfg.AdvertiseAddr != "" {
		return n.cfg.AdvertiseAddr
	}
	return n.transport.Addr()
}

// sightingLoop turns discovery sightings into registry entries and dials
// new peers.
func (n *Node) sightingLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sighting, ok := <-n.discovery.Sightings():
			if !ok {
				return nil
			}
			n.metrics.RecordSighting()
			n.handleSighting(ctx, sighting)
		}
	}
}

func (n *Node) handleSighting(ctx context.Context, s discovery.Sighting) {
	info, _ := n.registry.UpsertSighting(s.PeerID, s.DisplayName, s.Addr, s.ProtocolVersion)
	if info.PeerID == "" {
		return // registry full, sighting dropped
	}
	switch info.State {
	case registry.StateConnected, registry.StateConnecting, registry.StateBanned:
		return
	}
	if !protocol.VersionSupported(s.ProtocolVersion) {
		n.logger.Debug("ignoring sighting with unsupported protocol version",
			zap.String("peer_id", s.PeerID.String()),
			zap.Int("version", s.ProtocolVersion))
		return
	}
	// Dial off the loop goroutine: one unreachable peer takes the full
	// backoff schedule to give up and must not stall the sightings behind it.
	n.group.Go(func() error {
		n.dialAddr(ctx, s.PeerID, s.Addr)
		return nil
	})
}

// dialAddr connects to a peer address with backoff. peer may be empty for
// bootstrap addresses whose identity is unknown until the handshake.
func (n *Node) dialAddr(ctx context.Context, peer identity.PeerID, addr string) {
	if peer != "" {
		if err := n.registry.MarkConnecting(peer, addr); err != nil {
			n.logger.Debug("not dialing peer",
				zap.String("peer_id", peer.String()),
				zap.Error(err))
			return
		}
	}

	_, err := n.transport.DialWithBackoff(ctx, addr)
	if err != nil && !errors.Is(err, transport.ErrDuplicate) {
		n.logger.Debug("dial exhausted",
			zap.String("addr", addr),
			zap.Error(err))
		if peer != "" {
			n.registry.MarkDisconnected(peer)
		}
	}
}

// heartbeatLoop broadcasts a heartbeat every interval and refreshes peer
// count gauges.
func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			env := n.transport.Compose(protocol.Broadcast, protocol.KindHeartbeat, nil)
			n.transport.Broadcast(ctx, env)
			n.metrics.SetPeerCounts(n.registry.ConnectedCount(), n.registry.Len())
		}
	}
}

// livenessLoop demotes peers that have gone silent past the liveness window
// and evicts stale registry entries.
func (n *Node) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			window := n.cfg.LivenessWindow()
			for _, p := range n.registry.Connected() {
				if time.Since(p.LastSeen) <= window {
					continue
				}
				n.logger.Info("peer silent past liveness window, disconnecting",
					zap.String("peer_id", p.PeerID.String()),
					zap.Duration("silent_for", time.Since(p.LastSeen)))
				n.transport.CloseConn(p.PeerID, "liveness timeout")
			}
			n.registry.EvictStale(n.cfg.PeerTTL)
		}
	}
}

// syncLoop periodically pushes state updates peers have not seen yet,
// together with this node's digest for anti-entropy pulls.
func (n *Node) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SyncInterval)
	defer ticker.Stop()

	pushed := map[string]protocol.DigestEntry{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			updates := n.engine.MissingFor(pushed)
			payload, err := protocol.MarshalPayload(protocol.SyncPayload{
				Updates: updates,
				Digest:  n.engine.Digest(),
			})
			if err != nil {
				n.logger.Warn("encode sync payload", zap.Error(err))
				continue
			}
			env := n.transport.Compose(protocol.Broadcast, protocol.KindStateSync, payload)
			if n.transport.Broadcast(ctx, env) > 0 {
				pushed = n.engine.Digest()
			}
		}
	}
}

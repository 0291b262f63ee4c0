// Package transport maintains authenticated WebSocket connections between
// mesh nodes. Every connection starts with a signed Hello/Welcome exchange
// proving the remote's claimed PeerID; only handshaken connections carry
// envelopes. The transport owns one connection per peer and resolves
// simultaneous-dial races deterministically: the numerically lower PeerID is
// the dialer of record, and both sides keep that connection and drop the
// other.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/protocol"
)

// Subprotocol negotiated on every mesh connection.
const Subprotocol = "agentmesh.v1"

// ErrDuplicate is returned by Dial when a connection to the peer already
// exists and the dial-race rule keeps the existing one.
var ErrDuplicate = errors.New("duplicate connection resolved in favor of existing")

// ErrNotConnected is returned by Send when no connection to the peer exists.
var ErrNotConnected = errors.New("peer not connected")

// Callbacks let the owning node observe transport events. All callbacks may
// be invoked from transport goroutines and must not block.
type Callbacks struct {
	// OnEnvelope delivers every accepted inbound envelope.
	OnEnvelope func(from identity.PeerID, env *protocol.Envelope)
	// OnPeerUp fires when a handshaken connection is installed.
	OnPeerUp func(hello protocol.HelloPayload, outbound bool)
	// OnPeerDown fires when an installed connection is removed.
	OnPeerDown func(peer identity.PeerID)
	// Authorize vets a verified hello before the handshake completes;
	// returning an error rejects the connection (banned peers, full mesh).
	Authorize func(hello protocol.HelloPayload) error
	// OnHandshakeFailure fires for every handshake that did not complete.
	OnHandshakeFailure func(err *HandshakeError)
}

// Transport listens for, dials, and tracks peer connections.
type Transport struct {
	id        *identity.NodeIdentity
	cfg       *config.NetworkConfig
	logger    *zap.Logger
	metrics   *metrics.Collector
	callbacks Callbacks

	// seq numbers every envelope this node originates.
	seq atomic.Uint64

	mu       sync.Mutex
	conns    map[identity.PeerID]*peerConn
	listener net.Listener
	server   *http.Server
	closed   bool
	wg       sync.WaitGroup
}

// New creates a transport. Start must be called before it accepts or dials.
func New(id *identity.NodeIdentity, cfg *config.NetworkConfig, callbacks Callbacks, collector *metrics.Collector, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.NewCollector("agentmesh", zap.NewNop())
	}
	return &Transport{
		id:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "transport")),
		metrics:   collector,
		callbacks: callbacks,
		conns:     make(map[identity.PeerID]*peerConn),
	}
}

// Start binds the listener and begins accepting connections. Unlike
// discovery, a transport bind failure is fatal: a node that cannot accept
// connections cannot participate.
func (t *Transport) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("transport listen on %s: %w", t.cfg.ListenAddr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		t.acceptConn(ctx, w, r)
	})
	server := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		listener.Close()
		return fmt.Errorf("transport is stopped")
	}
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("listener exited", zap.Error(err))
		}
	}()

	t.logger.Info("transport listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// advertiseAddr is the address announced to peers: the configured advertise
// address when set, otherwise the bound listener address.
func (t *Transport) advertiseAddr() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	return t.Addr()
}

// acceptConn upgrades an inbound HTTP request and runs the acceptor-side
// handshake.
func (t *Transport) acceptConn(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		InsecureSkipVerify: true, // LAN peers connect by IP, not origin
	})
	if err != nil {
		t.logger.Debug("websocket accept failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	hello, err := t.handshakeInbound(ctx, ws)
	if err != nil {
		t.failHandshake(ws, r.RemoteAddr, err)
		return
	}
	if err := t.install(ctx, ws, *hello, false); err != nil {
		return
	}
	t.logger.Info("inbound peer connected",
		zap.String("peer_id", hello.PeerID.String()),
		zap.String("remote", r.RemoteAddr))
}

// Dial connects to addr, runs the dialer-side handshake, and installs the
// connection. Returns the peer's hello on success.
func (t *Transport) Dial(ctx context.Context, addr string) (*protocol.HelloPayload, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/mesh", &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	t.metrics.RecordDial(err)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	hello, err := t.handshakeOutbound(ctx, ws)
	if err != nil {
		t.failHandshake(ws, addr, err)
		return nil, err
	}
	if err := t.install(ctx, ws, *hello, true); err != nil {
		return nil, err
	}
	t.logger.Info("outbound peer connected",
		zap.String("peer_id", hello.PeerID.String()),
		zap.String("addr", addr))
	return hello, nil
}

// DialWithBackoff retries Dial with exponential backoff until it succeeds,
// the attempt cap is reached, or ctx is cancelled.
func (t *Transport) DialWithBackoff(ctx context.Context, addr string) (*protocol.HelloPayload, error) {
	delay := t.cfg.ReconnectBaseDelay
	var lastErr error

	for attempt := 1; attempt <= t.cfg.MaxReconnectAttempts; attempt++ {
		hello, err := t.Dial(ctx, addr)
		if err == nil {
			return hello, nil
		}
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		lastErr = err

		t.logger.Debug("dial failed, backing off",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > t.cfg.ReconnectMaxDelay {
			delay = t.cfg.ReconnectMaxDelay
		}
	}
	return nil, fmt.Errorf("dial %s: %d attempts exhausted: %w", addr, t.cfg.MaxReconnectAttempts, lastErr)
}

// failHandshake records and reports a handshake failure, then closes the
// socket.
func (t *Transport) failHandshake(ws *websocket.Conn, remote string, err error) {
	var he *HandshakeError
	if !errors.As(err, &he) {
		he = &HandshakeError{Reason: "protocol", Err: err}
	}
	t.metrics.RecordHandshakeFailure(he.Reason)
	t.logger.Warn("handshake failed",
		zap.String("remote", remote),
		zap.String("reason", he.Reason),
		zap.Error(he.Err))
	if t.callbacks.OnHandshakeFailure != nil {
		t.callbacks.OnHandshakeFailure(he)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, he.Reason)
}

// canonical reports whether c is the connection the dial-race rule keeps:
// the one dialed by the lower PeerID of the pair.
func (t *Transport) canonical(c *peerConn) bool {
	if c.outbound {
		return t.id.PeerID.Less(c.peer)
	}
	return c.peer.Less(t.id.PeerID)
}

// install registers a handshaken connection and starts its read loop. When a
// connection to the same peer already exists, exactly one of the two
// survives, chosen by the dial-race rule; both sides of the race compute the
// same answer.
func (t *Transport) install(ctx context.Context, ws *websocket.Conn, hello protocol.HelloPayload, outbound bool) error {
	ws.SetReadLimit(int64(t.cfg.MaxEnvelopeBytes))
	c := newPeerConn(ws, hello, outbound, t.logger)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.close(websocket.StatusGoingAway, "transport stopped")
		return fmt.Errorf("transport is stopped")
	}

	if existing, ok := t.conns[c.peer]; ok {
		// An existing live connection wins unless the new one is the
		// canonical side of a dial race.
		if t.canonical(existing) && !t.canonical(c) {
			t.mu.Unlock()
			c.close(websocket.StatusPolicyViolation, "duplicate connection")
			t.logger.Debug("dropping duplicate connection",
				zap.String("peer_id", c.peer.String()))
			return ErrDuplicate
		}
		existing.close(websocket.StatusPolicyViolation, "superseded")
	}
	t.conns[c.peer] = c
	t.wg.Add(1)
	t.mu.Unlock()

	go t.readLoop(ctx, c)

	if t.callbacks.OnPeerUp != nil {
		t.callbacks.OnPeerUp(hello, outbound)
	}
	return nil
}

// dropConn removes a connection if it is still the installed one and fires
// OnPeerDown. Superseded connections are closed without a down event.
func (t *Transport) dropConn(c *peerConn, code websocket.StatusCode, reason string) {
	c.close(code, reason)

	t.mu.Lock()
	installed := t.conns[c.peer] == c
	if installed {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()

	if installed && t.callbacks.OnPeerDown != nil {
		t.callbacks.OnPeerDown(c.peer)
	}
}

// Compose builds an envelope originated by this node with the next sequence
// number.
func (t *Transport) Compose(recipient identity.PeerID, kind protocol.MessageKind, payload []byte) *protocol.Envelope {
	return protocol.New(t.id.PeerID, recipient, kind, t.seq.Add(1), payload)
}

// Send writes an envelope to one connected peer.
func (t *Transport) Send(ctx context.Context, to identity.PeerID, env *protocol.Envelope) error {
	t.mu.Lock()
	c, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", to, ErrNotConnected)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.write(ctx, data, t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	t.metrics.RecordEnvelopeSent(string(env.Kind))
	return nil
}

// Broadcast writes an envelope to every connected peer and returns the
// number of successful deliveries. Per-peer failures are logged, not
// returned; broadcast is best-effort.
func (t *Transport) Broadcast(ctx context.Context, env *protocol.Envelope) int {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		t.logger.Warn("broadcast encode failed", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if err := c.write(ctx, data, t.cfg.ConnectTimeout); err != nil {
			c.logger.Debug("broadcast delivery failed", zap.Error(err))
			continue
		}
		t.metrics.RecordEnvelopeSent(string(env.Kind))
		delivered++
	}
	return delivered
}

// Peers returns the connected peer IDs.
func (t *Transport) Peers() []identity.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]identity.PeerID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

// IsConnected reports whether a connection to peer exists.
func (t *Transport) IsConnected(peer identity.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peer]
	return ok
}

// CloseConn tears down the connection to one peer, if any.
func (t *Transport) CloseConn(peer identity.PeerID, reason string) {
	t.mu.Lock()
	c, ok := t.conns[peer]
	t.mu.Unlock()
	if ok {
		t.dropConn(c, websocket.StatusNormalClosure, reason)
	}
}

// Stop closes the listener and every connection, then waits for all
// transport goroutines to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	server := t.server
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
	for _, c := range conns {
		t.dropConn(c, websocket.StatusGoingAway, "node shutting down")
	}
	t.wg.Wait()
	t.logger.Info("transport stopped")
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
)

// peerConn is one handshaken WebSocket connection. Writes are serialized by
// a mutex; the read loop is the only reader.
type peerConn struct {
	peer     identity.PeerID
	hello    protocol.HelloPayload
	ws       *websocket.Conn
	outbound bool
	logger   *zap.Logger

	writeMu sync.Mutex

	// lastSeq tracks the highest accepted sequence per sender on this
	// connection. An envelope that does not advance its sender's sequence is
	// a replay and is dropped.
	seqMu   sync.Mutex
	lastSeq map[identity.PeerID]uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(ws *websocket.Conn, hello protocol.HelloPayload, outbound bool, logger *zap.Logger) *peerConn {
	return &peerConn{
		peer:     hello.PeerID,
		hello:    hello,
		ws:       ws,
		outbound: outbound,
		logger: logger.With(
			zap.String("peer_id", hello.PeerID.String()),
			zap.Bool("outbound", outbound)),
		lastSeq: make(map[identity.PeerID]uint64),
		closed:  make(chan struct{}),
	}
}

// write sends one encoded envelope, bounded by timeout.
func (c *peerConn) write(ctx context.Context, data []byte, timeout time.Duration) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection to %s is closed", c.peer)
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// accept applies the per-sender sequence check. Returns false for replays.
func (c *peerConn) accept(env *protocol.Envelope) bool {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if env.Sequence <= c.lastSeq[env.Sender] {
		return false
	}
	c.lastSeq[env.Sender] = env.Sequence
	return true
}

func (c *peerConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// readLoop pulls envelopes off the wire until the connection dies. Malformed
// bytes are answered with an Error envelope and the loop keeps going; only a
// transport-level read failure ends it.
func (t *Transport) readLoop(ctx context.Context, c *peerConn) {
	defer t.wg.Done()
	defer t.dropConn(c, websocket.StatusNormalClosure, "read loop exit")

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			case <-c.closed:
			default:
				c.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data, t.cfg.MaxEnvelopeBytes)
		if err != nil {
			t.handleDecodeError(ctx, c, err)
			continue
		}
		if !c.accept(env) {
			t.metrics.RecordEnvelopeDropped("replay")
			c.logger.Debug("dropping replayed envelope",
				zap.String("kind", string(env.Kind)),
				zap.Uint64("sequence", env.Sequence))
			continue
		}

		t.metrics.RecordEnvelopeReceived(string(env.Kind))
		if t.callbacks.OnEnvelope != nil {
			t.callbacks.OnEnvelope(c.peer, env)
		}
	}
}

// handleDecodeError reports a malformed envelope back to the peer. The
// connection stays open: bad bytes from one sender must not take down the
// link.
func (t *Transport) handleDecodeError(ctx context.Context, c *peerConn, decodeErr error) {
	reason := "malformed"
	var pe *protocol.Error
	if errors.As(decodeErr, &pe) && pe.Code == protocol.ErrCodeTooLarge {
		reason = "too_large"
	}
	t.metrics.RecordEnvelopeDropped(reason)
	c.logger.Debug("dropping undecodable envelope", zap.Error(decodeErr))

	payload, err := protocol.MarshalPayload(protocol.ErrorPayload{
		Code:    protocol.CodeOf(decodeErr),
		Message: decodeErr.Error(),
	})
	if err != nil {
		return
	}
	env := protocol.New(t.id.PeerID, c.peer, protocol.KindError, t.seq.Add(1), payload)
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := c.write(ctx, data, t.cfg.ConnectTimeout); err != nil {
		c.logger.Debug("error reply failed", zap.Error(err))
	}
}

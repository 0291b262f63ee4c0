package agentmesh

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/transport"
)

// authorizePeer gates a verified hello before the handshake completes.
// Banned peers and a full mesh are the only rejections; everything
// cryptographic was already checked by the transport.
func (n *Node) authorizePeer(hello protocol.HelloPayload) error {
	if info, ok := n.registry.Get(hello.PeerID); ok && info.State == registry.StateBanned {
		return fmt.Errorf("peer %s is banned", hello.PeerID)
	}
	if n.registry.ConnectedCount() >= n.cfg.MaxPeers {
		return fmt.Errorf("mesh is full (%d peers)", n.cfg.MaxPeers)
	}
	if err := n.registry.MarkConnecting(hello.PeerID, hello.ListenAddr); err != nil {
		if info, ok := n.registry.Get(hello.PeerID); ok {
			switch info.State {
			case registry.StateConnecting:
				// Our own dial racing theirs; the dial-race rule picks one.
				return nil
			case registry.StateConnected:
				// A fresh handshake over a connection we still hold: either
				// a race or the peer reconnecting after a silent drop. The
				// transport keeps exactly one connection either way.
				return nil
			}
		}
		return err
	}
	return nil
}

// handlePeerUp records a completed handshake in the registry.
func (n *Node) handlePeerUp(hello protocol.HelloPayload, outbound bool) {
	if err := n.registry.MarkConnected(hello.PeerID, hello.DisplayName, hello.ProtocolVersion, hello.Capabilities); err != nil {
		n.logger.Warn("connected peer not recordable", zap.Error(err))
	}
	n.metrics.SetPeerCounts(n.registry.ConnectedCount(), n.registry.Len())
}

// handlePeerDown demotes a dropped peer to Disconnected. The registry entry
// stays so the peer remains rediscoverable.
func (n *Node) handlePeerDown(peer identity.PeerID) {
	n.registry.MarkDisconnected(peer)
	n.metrics.SetPeerCounts(n.registry.ConnectedCount(), n.registry.Len())
}

// handleHandshakeFailure flags identity forgers and releases the Connecting
// slot of a peer whose handshake fell through.
func (n *Node) handleHandshakeFailure(he *transport.HandshakeError) {
	if he.Peer == "" {
		return
	}
	if he.Reason == "identity" {
		n.registry.FlagSuspicious(he.Peer)
	}
	n.registry.MarkDisconnected(he.Peer)
}

// handleEnvelope is the transport's delivery callback: any traffic counts as
// liveness, then the envelope is dispatched and handler replies go back to
// the origin peer.
func (n *Node) handleEnvelope(from identity.PeerID, env *protocol.Envelope) {
	n.registry.Touch(from)

	if !n.router.HasHandler(env.Kind) {
		n.metrics.RecordEnvelopeDropped("unhandled")
	}
	ctx := context.Background()
	for _, reply := range n.router.Dispatch(ctx, env) {
		if err := n.transport.Send(ctx, from, reply); err != nil {
			n.logger.Debug("reply send failed",
				zap.String("peer_id", from.String()),
				zap.String("kind", string(reply.Kind)),
				zap.Error(err))
		}
	}
}

// registerDefaultHandlers wires the protocol-level kinds the node answers
// itself. Task relay and learning share are left to collaborators via
// OnMessage.
func (n *Node) registerDefaultHandlers() {
	n.router.Register(protocol.KindHeartbeat, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		return n.transport.Compose(env.Sender, protocol.KindHeartbeatAck, nil), nil
	})

	n.router.Register(protocol.KindHeartbeatAck, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		// Touch already happened on receipt; the ack needs no reply.
		return nil, nil
	})

	n.router.Register(protocol.KindGoodbye, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		n.logger.Info("peer said goodbye", zap.String("peer_id", env.Sender.String()))
		n.transport.CloseConn(env.Sender, "peer goodbye")
		return nil, nil
	})

	n.router.Register(protocol.KindAck, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		return nil, nil
	})

	n.router.Register(protocol.KindError, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
		var ep protocol.ErrorPayload
		if err := protocol.UnmarshalPayload(env, &ep); err != nil {
			return nil, err
		}
		n.logger.Warn("peer reported protocol error",
			zap.String("peer_id", env.Sender.String()),
			zap.String("code", string(ep.Code)),
			zap.String("message", ep.Message))
		return nil, nil
	})

	n.router.Register(protocol.KindStateSync, n.handleStateSync)
}

// handleStateSync merges incoming updates and answers digests with the
// entries the sender is missing.
func (n *Node) handleStateSync(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	var sp protocol.SyncPayload
	if err := protocol.UnmarshalPayload(env, &sp); err != nil {
		return nil, err
	}

	for _, u := range sp.Updates {
		if n.engine.Apply(u) {
			n.metrics.RecordSyncApplied()
		} else {
			n.metrics.RecordSyncStale()
		}
	}

	if sp.Digest == nil {
		return nil, nil
	}
	missing := n.engine.MissingFor(sp.Digest)
	if len(missing) == 0 {
		return nil, nil
	}
	payload, err := protocol.MarshalPayload(protocol.SyncPayload{Updates: missing})
	if err != nil {
		return nil, err
	}
	return n.transport.Compose(env.Sender, protocol.KindStateSync, payload), nil
}

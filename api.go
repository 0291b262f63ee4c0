package agentmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/router"
	"github.com/BaSui01/agentmesh/statesync"
)

// ID returns this node's PeerID.
func (n *Node) ID() identity.PeerID { return n.id.PeerID }

// Addr returns the transport listen address, empty before Start.
func (n *Node) Addr() string { return n.transport.Addr() }

// Peers returns a snapshot of every known peer, ordered by PeerID.
func (n *Node) Peers() []registry.PeerInfo { return n.registry.Snapshot() }

// ConnectedPeers returns a snapshot of the currently connected peers.
func (n *Node) ConnectedPeers() []registry.PeerInfo { return n.registry.Connected() }

// Sync returns the node's state sync engine.
func (n *Node) Sync() *statesync.Engine { return n.engine }

// OnMessage registers a handler for a message kind. A handler's returned
// envelope, if any, is sent back to the origin peer.
func (n *Node) OnMessage(kind protocol.MessageKind, h router.Handler) {
	n.router.Register(kind, h)
}

// Connect dials a peer address directly, bypassing discovery. The handshake
// decides who the peer is; its PeerID is returned on success.
func (n *Node) Connect(ctx context.Context, addr string) (identity.PeerID, error) {
	hello, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	return hello.PeerID, nil
}

// Ban marks a peer as banned and drops its connection. Banned is terminal:
// the peer is never reconnected, and its sightings are ignored.
func (n *Node) Ban(peer identity.PeerID, reason string) {
	n.registry.Ban(peer, reason)
	n.transport.CloseConn(peer, "banned: "+reason)
}

// Send marshals payload and delivers it to one connected peer.
func (n *Node) Send(ctx context.Context, to identity.PeerID, kind protocol.MessageKind, payload any) error {
	body, err := marshalBody(payload)
	if err != nil {
		return err
	}
	env := n.transport.Compose(to, kind, body)
	return n.transport.Send(ctx, to, env)
}

// Broadcast marshals payload and delivers it to every connected peer,
// returning the number of peers reached.
func (n *Node) Broadcast(ctx context.Context, kind protocol.MessageKind, payload any) (int, error) {
	body, err := marshalBody(payload)
	if err != nil {
		return 0, err
	}
	env := n.transport.Compose(protocol.Broadcast, kind, body)
	return n.transport.Broadcast(ctx, env), nil
}

// SetState writes a key in the replicated state and pushes the update to all
// connected peers immediately; the sync loop covers peers that join later.
func (n *Node) SetState(ctx context.Context, key string, value json.RawMessage) error {
	update := n.engine.Set(key, value)
	_, err := n.Broadcast(ctx, protocol.KindStateSync, protocol.SyncPayload{
		Updates: []protocol.SyncUpdate{update},
	})
	return err
}

// GetState reads a key from the replicated state.
func (n *Node) GetState(key string) (protocol.SyncUpdate, bool) {
	return n.engine.Get(key)
}

// RelayTask forwards a task to a specific peer for execution and returns the
// task ID it was relayed under.
func (n *Node) RelayTask(ctx context.Context, to identity.PeerID, task protocol.TaskRelayPayload) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if err := n.Send(ctx, to, protocol.KindTaskRelay, task); err != nil {
		return "", fmt.Errorf("relay task to %s: %w", to, err)
	}
	return task.TaskID, nil
}

// ShareLearning broadcasts a fleet learning insight to every connected peer.
func (n *Node) ShareLearning(ctx context.Context, insight protocol.LearningSharePayload) (int, error) {
	if insight.LearnedAt.IsZero() {
		insight.LearnedAt = time.Now().UTC()
	}
	return n.Broadcast(ctx, protocol.KindLearningShare, insight)
}

// marshalBody accepts either pre-encoded JSON or a payload struct.
func marshalBody(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return protocol.MarshalPayload(payload)
	}
}

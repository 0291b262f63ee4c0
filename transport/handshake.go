package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/protocol"
)

// HandshakeError wraps a handshake failure with the reason class used for
// metrics and peer flagging.
type HandshakeError struct {
	Reason string // timeout, identity, version, protocol, rejected
	// Peer is the PeerID the remote side claimed, when the handshake got far
	// enough to read one. Identity failures carry it so the owner can flag
	// the claimant suspicious.
	Peer identity.PeerID
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%s): %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func handshakeErr(reason string, err error) *HandshakeError {
	return &HandshakeError{Reason: reason, Err: err}
}

// helloPayload builds this node's signed handshake introduction.
func (t *Transport) helloPayload() protocol.HelloPayload {
	h := protocol.HelloPayload{
		PeerID:          t.id.PeerID,
		DisplayName:     t.id.DisplayName,
		ListenAddr:      t.advertiseAddr(),
		ProtocolVersion: protocol.Version,
		Capabilities:    t.id.Capabilities,
		Nonce:           uuid.NewString(),
	}
	h.SignedBy(t.id)
	return h
}

// sendIntroduction writes a Hello or Welcome envelope carrying the node's
// signed identity.
func (t *Transport) sendIntroduction(ctx context.Context, ws *websocket.Conn, kind protocol.MessageKind) error {
	payload, err := protocol.MarshalPayload(t.helloPayload())
	if err != nil {
		return handshakeErr("protocol", err)
	}
	env := protocol.New(t.id.PeerID, protocol.Broadcast, kind, t.seq.Add(1), payload)
	data, err := env.Encode()
	if err != nil {
		return handshakeErr("protocol", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return handshakeErr("timeout", err)
	}
	return nil
}

// readIntroduction reads the peer's Hello or Welcome and verifies its
// identity claims: the envelope kind must match, the claimed PeerID must
// derive from the attached public key, the signature must cover the hello
// fields, and the protocol version must be supported.
func (t *Transport) readIntroduction(ctx context.Context, ws *websocket.Conn, want protocol.MessageKind) (*protocol.HelloPayload, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, handshakeErr("timeout", err)
	}
	env, err := protocol.Decode(data, t.cfg.MaxEnvelopeBytes)
	if err != nil {
		return nil, handshakeErr("protocol", err)
	}
	if env.Kind != want {
		return nil, handshakeErr("protocol", fmt.Errorf("expected %s, got %s", want, env.Kind))
	}

	var hello protocol.HelloPayload
	if err := protocol.UnmarshalPayload(env, &hello); err != nil {
		return nil, handshakeErr("protocol", err)
	}
	if hello.PeerID != env.Sender {
		return nil, &HandshakeError{
			Reason: "identity",
			Peer:   hello.PeerID,
			Err:    fmt.Errorf("hello peer id %s does not match envelope sender %s", hello.PeerID, env.Sender),
		}
	}
	if hello.PeerID == t.id.PeerID {
		return nil, handshakeErr("identity", fmt.Errorf("peer claims this node's own id"))
	}
	if err := hello.VerifyIdentity(); err != nil {
		return nil, &HandshakeError{Reason: "identity", Peer: hello.PeerID, Err: err}
	}
	if !protocol.VersionSupported(hello.ProtocolVersion) {
		return nil, &HandshakeError{
			Reason: "version",
			Peer:   hello.PeerID,
			Err:    fmt.Errorf("peer protocol version %d unsupported", hello.ProtocolVersion),
		}
	}
	return &hello, nil
}

// handshakeOutbound runs the dialer side: send Hello, expect Welcome.
func (t *Transport) handshakeOutbound(ctx context.Context, ws *websocket.Conn) (*protocol.HelloPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	if err := t.sendIntroduction(ctx, ws, protocol.KindHello); err != nil {
		return nil, err
	}
	hello, err := t.readIntroduction(ctx, ws, protocol.KindWelcome)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(hello); err != nil {
		return nil, err
	}
	return hello, nil
}

// handshakeInbound runs the acceptor side: expect Hello, answer Welcome.
// Authorization happens before the Welcome goes out, so a rejected peer
// never sees an accept.
func (t *Transport) handshakeInbound(ctx context.Context, ws *websocket.Conn) (*protocol.HelloPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	hello, err := t.readIntroduction(ctx, ws, protocol.KindHello)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(hello); err != nil {
		return nil, err
	}
	if err := t.sendIntroduction(ctx, ws, protocol.KindWelcome); err != nil {
		return nil, err
	}
	return hello, nil
}

// authorize consults the owner's gate, when one is installed.
func (t *Transport) authorize(hello *protocol.HelloPayload) error {
	if t.callbacks.Authorize == nil {
		return nil
	}
	if err := t.callbacks.Authorize(*hello); err != nil {
		return &HandshakeError{Reason: "rejected", Peer: hello.PeerID, Err: err}
	}
	return nil
}

// Package protocol defines the typed message model of the mesh and its wire
// contract. Every unit of communication between peers is an Envelope: a
// versioned, sequenced, kind-tagged JSON document. Payload bytes are opaque
// to this layer; registered handlers interpret them by kind.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentmesh/identity"
)

// Version is the protocol version stamped on every envelope.
const Version = 1

// MinSupportedVersion is the oldest protocol version a node will complete a
// handshake with. Envelopes outside [MinSupportedVersion, Version] are
// rejected at handshake time, never silently processed.
const MinSupportedVersion = 1

// MessageKind tags the payload carried in an Envelope.
type MessageKind string

const (
	// KindHello is the handshake introduction; the first message on any
	// connection.
	KindHello MessageKind = "hello"
	// KindWelcome acknowledges a Hello and completes the handshake.
	KindWelcome MessageKind = "welcome"
	// KindGoodbye announces a clean disconnect.
	KindGoodbye MessageKind = "goodbye"
	// KindHeartbeat is the periodic liveness ping.
	KindHeartbeat MessageKind = "heartbeat"
	// KindHeartbeatAck answers a Heartbeat.
	KindHeartbeatAck MessageKind = "heartbeat_ack"
	// KindAck is an optional application-level acknowledgment.
	KindAck MessageKind = "ack"
	// KindError signals a malformed or unsupported request. It never closes
	// the connection by itself.
	KindError MessageKind = "error"
	// KindTaskRelay forwards an agent task to a remote instance.
	KindTaskRelay MessageKind = "task_relay"
	// KindTaskResult returns the outcome of a relayed task.
	KindTaskResult MessageKind = "task_result"
	// KindLearningShare broadcasts a fleet learning insight.
	KindLearningShare MessageKind = "learning_share"
	// KindStateSync carries sequence-numbered state reconciliation updates.
	KindStateSync MessageKind = "state_sync"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindHello, KindWelcome, KindGoodbye, KindHeartbeat, KindHeartbeatAck,
		KindAck, KindError, KindTaskRelay, KindTaskResult, KindLearningShare,
		KindStateSync:
		return true
	}
	return false
}

// Broadcast is the recipient value addressing all connected peers.
const Broadcast identity.PeerID = ""

// Envelope is the unit of wire communication.
type Envelope struct {
	// ProtocolVersion declared by the sender.
	ProtocolVersion int `json:"protocol_version"`

	// ID uniquely identifies this envelope.
	ID string `json:"id"`

	// Sender is the PeerID of the originating node.
	Sender identity.PeerID `json:"sender"`

	// Recipient is the target peer, or Broadcast (empty) for all peers.
	Recipient identity.PeerID `json:"recipient,omitempty"`

	// Kind selects the payload schema and the handlers dispatched.
	Kind MessageKind `json:"kind"`

	// Sequence is monotonic per sender. Receivers drop envelopes whose
	// sequence does not advance; sequences are not comparable across
	// senders.
	Sequence uint64 `json:"sequence"`

	// Timestamp is the sender's creation time.
	Timestamp time.Time `json:"timestamp"`

	// Payload is kind-specific JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope from sender to recipient.
func New(sender, recipient identity.PeerID, kind MessageKind, seq uint64, payload json.RawMessage) *Envelope {
	return &Envelope{
		ProtocolVersion: Version,
		ID:              uuid.NewString(),
		Sender:          sender,
		Recipient:       recipient,
		Kind:            kind,
		Sequence:        seq,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
	}
}

// NewBroadcast builds an envelope addressed to all connected peers.
func NewBroadcast(sender identity.PeerID, kind MessageKind, seq uint64, payload json.RawMessage) *Envelope {
	return New(sender, Broadcast, kind, seq, payload)
}

// IsBroadcast reports whether the envelope is addressed to all peers.
func (e *Envelope) IsBroadcast() bool { return e.Recipient == Broadcast }

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &Error{Code: ErrCodeEncode, Message: "marshal envelope", Cause: err}
	}
	return data, nil
}

// Decode parses and validates an envelope from wire bytes. maxBytes bounds
// the accepted input size; 0 means unbounded. Malformed input yields a
// *protocol.Error and must never tear down the connection.
func Decode(data []byte, maxBytes int) (*Envelope, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, &Error{
			Code:    ErrCodeTooLarge,
			Message: fmt.Sprintf("envelope of %d bytes exceeds limit %d", len(data), maxBytes),
		}
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &Error{Code: ErrCodeMalformed, Message: "unmarshal envelope", Cause: err}
	}
	if e.Sender == "" {
		return nil, &Error{Code: ErrCodeMalformed, Message: "envelope missing sender"}
	}
	if !e.Kind.Valid() {
		return nil, &Error{Code: ErrCodeUnknownKind, Message: fmt.Sprintf("unknown message kind %q", e.Kind)}
	}
	if e.ProtocolVersion < MinSupportedVersion || e.ProtocolVersion > Version {
		return nil, &Error{
			Code:    ErrCodeVersion,
			Message: fmt.Sprintf("protocol version %d outside supported range [%d, %d]", e.ProtocolVersion, MinSupportedVersion, Version),
		}
	}
	return &e, nil
}

// VersionSupported reports whether v falls in the supported range.
func VersionSupported(v int) bool {
	return v >= MinSupportedVersion && v <= Version
}

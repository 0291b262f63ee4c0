package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agentmesh/identity"
)

// HelloPayload is carried by Hello and Welcome envelopes. It announces the
// sender's identity and proves possession of the private key behind the
// claimed PeerID: Signature is an Ed25519 signature over SigningBytes().
type HelloPayload struct {
	PeerID          identity.PeerID `json:"peer_id"`
	DisplayName     string          `json:"display_name"`
	ListenAddr      string          `json:"listen_addr"`
	ProtocolVersion int             `json:"protocol_version"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	PublicKey       string          `json:"public_key"`
	Nonce           string          `json:"nonce"`
	Signature       string          `json:"signature"`
}

// SigningBytes returns the canonical bytes covered by the handshake
// signature. Field order is fixed; the signature field itself is excluded.
func (h *HelloPayload) SigningBytes() []byte {
	caps := append([]string(nil), h.Capabilities...)
	sort.Strings(caps)
	msg := fmt.Sprintf("agentmesh-hello|%s|%s|%s|%d|%s|%s",
		h.PeerID, h.DisplayName, h.ListenAddr, h.ProtocolVersion, h.Nonce, caps)
	return []byte(msg)
}

// SignedBy fills PublicKey and Signature from id's key material.
func (h *HelloPayload) SignedBy(id *identity.NodeIdentity) {
	h.PublicKey = base64.StdEncoding.EncodeToString(id.PublicKey)
	h.Signature = base64.StdEncoding.EncodeToString(id.Sign(h.SigningBytes()))
}

// VerifyIdentity checks that the payload's claimed PeerID derives from its
// public key and that the signature is valid. A failure means the hello must
// be rejected and the peer flagged suspicious.
func (h *HelloPayload) VerifyIdentity() error {
	pub, err := base64.StdEncoding.DecodeString(h.PublicKey)
	if err != nil {
		return &Error{Code: ErrCodeIdentity, Message: "undecodable public key", Cause: err}
	}
	if derived := identity.FromPublicKey(pub); derived != h.PeerID {
		return &Error{
			Code:    ErrCodeIdentity,
			Message: fmt.Sprintf("claimed peer id %s does not match key (derived %s)", h.PeerID, derived),
		}
	}
	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return &Error{Code: ErrCodeIdentity, Message: "undecodable signature", Cause: err}
	}
	if !identity.Verify(pub, h.SigningBytes(), sig) {
		return &Error{Code: ErrCodeIdentity, Message: "handshake signature invalid"}
	}
	return nil
}

// TaskRelayPayload forwards an agent task to a remote instance for execution.
type TaskRelayPayload struct {
	TaskID       string          `json:"task_id"`
	Description  string          `json:"description"`
	RequiredCaps []string        `json:"required_capabilities,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
}

// TaskResultPayload returns the outcome of a relayed task.
type TaskResultPayload struct {
	TaskID   string          `json:"task_id"`
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`
	ErrorMsg string          `json:"error,omitempty"`
}

// LearningSharePayload carries a fleet learning insight.
type LearningSharePayload struct {
	OutcomeType string          `json:"outcome_type"`
	Context     string          `json:"context"`
	Data        json.RawMessage `json:"data,omitempty"`
	Confidence  float64         `json:"confidence"`
	LearnedAt   time.Time       `json:"learned_at"`
}

// SyncUpdate is a single sequence-numbered key/value update.
type SyncUpdate struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Seq       uint64          `json:"seq"`
	Origin    identity.PeerID `json:"origin"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DigestEntry summarizes one key of a replica: the sequence and origin of
// the stored value. Comparing digest entries uses the same ordering as the
// merge itself, so a digest exchange finds exactly the entries one side
// would accept from the other.
type DigestEntry struct {
	Seq    uint64          `json:"seq"`
	Origin identity.PeerID `json:"origin"`
}

// SyncPayload is carried by StateSync envelopes: a batch of updates, a
// digest advertising what the sender holds, or both. The digest is per key
// so a replica that missed an earlier update from an origin is still
// repaired. A present-but-empty digest is meaningful (a fresh node holds
// nothing and is missing everything), so the field is never omitted; absent
// means "no digest".
type SyncPayload struct {
	Updates []SyncUpdate           `json:"updates,omitempty"`
	Digest  map[string]DigestEntry `json:"digest"`
}

// ErrorPayload reports a protocol-level problem back to the sender. It is
// informational only; the connection stays open.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// RefID is the ID of the envelope that triggered the error, if known.
	RefID string `json:"ref_id,omitempty"`
}

// AckPayload acknowledges receipt of a specific envelope.
type AckPayload struct {
	RefID string `json:"ref_id"`
}

// MarshalPayload encodes a typed payload for an envelope.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Code: ErrCodeEncode, Message: "marshal payload", Cause: err}
	}
	return data, nil
}

// UnmarshalPayload decodes an envelope payload into the typed form for its
// kind.
func UnmarshalPayload(e *Envelope, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &Error{
			Code:    ErrCodeBadPayload,
			Message: fmt.Sprintf("payload does not match kind %q", e.Kind),
			Cause:   err,
		}
	}
	return nil
}

// Package identity provides node identity and peer identification for the
// mesh. A node's PeerID is derived deterministically from its Ed25519 public
// key, so identity claims made over the network can always be re-verified
// against the key that signs the handshake.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// PeerID is the stable identifier of a node, derived from its public key.
// The text form is the base58 encoding of SHA-256(public key). PeerIDs are
// comparable, totally ordered, and usable as map keys.
type PeerID string

// FromPublicKey derives the PeerID for an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) PeerID {
	digest := sha256.Sum256(pub)
	return PeerID(base58.Encode(digest[:]))
}

// String returns the base58 text form.
func (p PeerID) String() string { return string(p) }

// Less reports whether p orders before other. The ordering is the byte order
// of the underlying digests and is used for deterministic tie-breaks
// (simultaneous-dial races, sync conflicts).
func (p PeerID) Less(other PeerID) bool {
	a, errA := base58.Decode(string(p))
	b, errB := base58.Decode(string(other))
	if errA != nil || errB != nil {
		// Malformed IDs never reach the registry; fall back to text order
		// so the comparison stays total.
		return string(p) < string(other)
	}
	return bytes.Compare(a, b) < 0
}

// NodeIdentity is the full identity of a node: its PeerID, display name, and
// the Ed25519 key material backing it. Created once at startup and held for
// the process lifetime.
type NodeIdentity struct {
	PeerID       PeerID            `json:"peer_id"`
	DisplayName  string            `json:"display_name"`
	Capabilities []string          `json:"capabilities"`
	PublicKey    ed25519.PublicKey `json:"-"`

	privateKey ed25519.PrivateKey
}

// DefaultCapabilities advertised by a freshly generated identity.
var DefaultCapabilities = []string{"task_relay", "learning_share", "state_sync"}

// Generate creates a fresh identity with a new Ed25519 keypair.
func Generate(displayName string) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &NodeIdentity{
		PeerID:       FromPublicKey(pub),
		DisplayName:  displayName,
		Capabilities: append([]string(nil), DefaultCapabilities...),
		PublicKey:    pub,
		privateKey:   priv,
	}, nil
}

// Sign signs data with the node's private key.
func (n *NodeIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(n.privateKey, data)
}

// Verify checks sig over data against pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// persistedIdentity is the on-disk JSON form. Keys are base64 encoded.
type persistedIdentity struct {
	PeerID       PeerID    `json:"peer_id"`
	DisplayName  string    `json:"display_name"`
	Capabilities []string  `json:"capabilities"`
	PublicKey    string    `json:"public_key"`
	PrivateKey   string    `json:"private_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveToFile writes the identity (including the private key) as JSON,
// creating parent directories as needed. The file is written 0600.
func (n *NodeIdentity) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(persistedIdentity{
		PeerID:       n.PeerID,
		DisplayName:  n.DisplayName,
		Capabilities: n.Capabilities,
		PublicKey:    base64.StdEncoding.EncodeToString(n.PublicKey),
		PrivateKey:   base64.StdEncoding.EncodeToString(n.privateKey),
		CreatedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadFromFile reads an identity previously written with SaveToFile and
// verifies that the stored PeerID still matches the stored key.
func LoadFromFile(path string) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var p persistedIdentity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key in identity file")
	}
	priv, err := base64.StdEncoding.DecodeString(p.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key in identity file")
	}
	if derived := FromPublicKey(pub); derived != p.PeerID {
		return nil, fmt.Errorf("identity file peer_id %s does not match key (derived %s)", p.PeerID, derived)
	}
	return &NodeIdentity{
		PeerID:       p.PeerID,
		DisplayName:  p.DisplayName,
		Capabilities: p.Capabilities,
		PublicKey:    pub,
		privateKey:   priv,
	}, nil
}

// LoadOrGenerate loads an identity from path, or generates and persists a new
// one when the file is missing or corrupt. A corrupt file is never fatal.
func LoadOrGenerate(path, displayName string, logger *zap.Logger) (*NodeIdentity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(path); err == nil {
		id, err := LoadFromFile(path)
		if err == nil {
			return id, nil
		}
		logger.Warn("corrupt identity file, generating new identity",
			zap.String("path", path),
			zap.Error(err))
	}

	id, err := Generate(displayName)
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(path); err != nil {
		logger.Warn("failed to persist new identity", zap.Error(err))
	}
	return id, nil
}

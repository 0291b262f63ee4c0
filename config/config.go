// Package config holds the immutable runtime parameters of a mesh node.
// Values are resolved in priority order: defaults, then YAML file, then
// AGENTMESH_* environment variables. After a node starts, its configuration
// never changes.
package config

import (
	"fmt"
	"time"
)

// NetworkConfig configures the networking layer of a node.
type NetworkConfig struct {
	// ListenPort is the TCP port for inbound peer WebSocket connections.
	ListenPort int `yaml:"listen_port" env:"LISTEN_PORT"`

	// ListenHost is the address the WebSocket listener binds to.
	ListenHost string `yaml:"listen_host" env:"LISTEN_HOST"`

	// AdvertiseAddr overrides the address announced in discovery datagrams.
	// Empty means the listener address is announced as-is.
	AdvertiseAddr string `yaml:"advertise_addr" env:"ADVERTISE_ADDR"`

	// DiscoveryEnabled toggles LAN discovery. When disabled (or when the
	// discovery socket cannot be bound), the node relies on BootstrapPeers.
	DiscoveryEnabled bool `yaml:"discovery_enabled" env:"DISCOVERY_ENABLED"`

	// DiscoveryPort is the UDP port used for broadcast announcements.
	DiscoveryPort int `yaml:"discovery_port" env:"DISCOVERY_PORT"`

	// DiscoveryInterval is how often an announcement datagram is broadcast.
	DiscoveryInterval time.Duration `yaml:"discovery_interval" env:"DISCOVERY_INTERVAL"`

	// HeartbeatInterval is how often heartbeats are sent to connected peers.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// MissedHeartbeatThreshold is the number of consecutive heartbeat
	// intervals without traffic from a peer before it is demoted to
	// Disconnected.
	MissedHeartbeatThreshold int `yaml:"missed_heartbeat_threshold" env:"MISSED_HEARTBEAT_THRESHOLD"`

	// ConnectTimeout bounds a single outbound dial attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// HandshakeTimeout bounds the time between connection establishment and
	// receipt of a valid Hello.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`

	// MaxPeers is the upper bound on registry entries. New Connecting
	// entries beyond the bound require pruning a least-recently-seen
	// non-connected entry first.
	MaxPeers int `yaml:"max_peers" env:"MAX_PEERS"`

	// PeerTTL is how long a non-connected peer stays in the registry after
	// it was last seen.
	PeerTTL time.Duration `yaml:"peer_ttl" env:"PEER_TTL"`

	// BootstrapPeers are addresses dialed on startup regardless of
	// discovery.
	BootstrapPeers []string `yaml:"bootstrap_peers" env:"BOOTSTRAP_PEERS"`

	// ReconnectBaseDelay is the initial delay between reconnect attempts.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" env:"RECONNECT_BASE_DELAY"`

	// ReconnectMaxDelay caps the exponential reconnect backoff.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY"`

	// MaxReconnectAttempts is the number of consecutive failed dials before
	// a peer is demoted to Disconnected and left for rediscovery.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`

	// MaxEnvelopeBytes is the maximum accepted size of a single envelope on
	// the wire.
	MaxEnvelopeBytes int `yaml:"max_envelope_bytes" env:"MAX_ENVELOPE_BYTES"`

	// SyncInterval is how often the sync engine pushes state updates to
	// connected peers.
	SyncInterval time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`

	// IdentityPath is where the node identity is persisted. Empty disables
	// persistence and a fresh identity is generated each start.
	IdentityPath string `yaml:"identity_path" env:"IDENTITY_PATH"`
}

// Defaults returns a NetworkConfig with the documented default for every
// field.
func Defaults() NetworkConfig {
	return NetworkConfig{
		ListenPort:               9470,
		ListenHost:               "0.0.0.0",
		DiscoveryEnabled:         true,
		DiscoveryPort:            9471,
		DiscoveryInterval:        5 * time.Second,
		HeartbeatInterval:        30 * time.Second,
		MissedHeartbeatThreshold: 3,
		ConnectTimeout:           10 * time.Second,
		HandshakeTimeout:         10 * time.Second,
		MaxPeers:                 32,
		PeerTTL:                  10 * time.Minute,
		ReconnectBaseDelay:       time.Second,
		ReconnectMaxDelay:        30 * time.Second,
		MaxReconnectAttempts:     5,
		MaxEnvelopeBytes:         1 << 20,
		SyncInterval:             30 * time.Second,
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c NetworkConfig) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort)
	}
	if c.DiscoveryEnabled && c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery_interval must be positive, got %v", c.DiscoveryInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.MissedHeartbeatThreshold < 1 {
		return fmt.Errorf("missed_heartbeat_threshold must be at least 1, got %d", c.MissedHeartbeatThreshold)
	}
	if c.ConnectTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("connect_timeout and handshake_timeout must be positive")
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("max_peers must be at least 1, got %d", c.MaxPeers)
	}
	if c.MaxEnvelopeBytes < 1024 {
		return fmt.Errorf("max_envelope_bytes must be at least 1024, got %d", c.MaxEnvelopeBytes)
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays misconfigured: base %v, max %v", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	return nil
}

// ListenAddr returns the host:port the WebSocket listener binds to.
func (c NetworkConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// LivenessWindow is the duration after which a silent peer is considered
// dead: HeartbeatInterval * MissedHeartbeatThreshold.
func (c NetworkConfig) LivenessWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeatThreshold)
}

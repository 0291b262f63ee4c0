package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment-variable overrides, e.g.
// AGENTMESH_LISTEN_PORT.
const EnvPrefix = "AGENTMESH"

// Load resolves a NetworkConfig: defaults, overlaid with the YAML file at
// path (skipped when path is empty or the file does not exist), overlaid
// with AGENTMESH_* environment variables. The result is validated.
func Load(path string) (NetworkConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing config file falls back to defaults.
		case err != nil:
			return cfg, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays AGENTMESH_* environment variables onto cfg.
func applyEnv(cfg *NetworkConfig) error {
	for _, f := range []struct {
		key string
		set func(string) error
	}{
		{"LISTEN_PORT", intField(&cfg.ListenPort)},
		{"LISTEN_HOST", strField(&cfg.ListenHost)},
		{"ADVERTISE_ADDR", strField(&cfg.AdvertiseAddr)},
		{"DISCOVERY_ENABLED", boolField(&cfg.DiscoveryEnabled)},
		{"DISCOVERY_PORT", intField(&cfg.DiscoveryPort)},
		{"DISCOVERY_INTERVAL", durField(&cfg.DiscoveryInterval)},
		{"HEARTBEAT_INTERVAL", durField(&cfg.HeartbeatInterval)},
		{"MISSED_HEARTBEAT_THRESHOLD", intField(&cfg.MissedHeartbeatThreshold)},
		{"CONNECT_TIMEOUT", durField(&cfg.ConnectTimeout)},
		{"HANDSHAKE_TIMEOUT", durField(&cfg.HandshakeTimeout)},
		{"MAX_PEERS", intField(&cfg.MaxPeers)},
		{"PEER_TTL", durField(&cfg.PeerTTL)},
		{"BOOTSTRAP_PEERS", listField(&cfg.BootstrapPeers)},
		{"RECONNECT_BASE_DELAY", durField(&cfg.ReconnectBaseDelay)},
		{"RECONNECT_MAX_DELAY", durField(&cfg.ReconnectMaxDelay)},
		{"MAX_RECONNECT_ATTEMPTS", intField(&cfg.MaxReconnectAttempts)},
		{"MAX_ENVELOPE_BYTES", intField(&cfg.MaxEnvelopeBytes)},
		{"SYNC_INTERVAL", durField(&cfg.SyncInterval)},
		{"IDENTITY_PATH", strField(&cfg.IdentityPath)},
	} {
		envKey := EnvPrefix + "_" + f.key
		val, ok := os.LookupEnv(envKey)
		if !ok || val == "" {
			continue
		}
		if err := f.set(val); err != nil {
			return fmt.Errorf("env %s: %w", envKey, err)
		}
	}
	return nil
}

func strField(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intField(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*dst = n
		return nil
	}
}

func boolField(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*dst = b
		return nil
	}
}

func durField(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*dst = d
		return nil
	}
}

func listField(dst *[]string) func(string) error {
	return func(v string) error {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		return nil
	}
}

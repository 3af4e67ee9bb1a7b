// Package config loads node configuration from the environment and the seed
// peer file, and provides shared parsing helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/admesh-net/admesh/internal/guid"
)

// Config is the full runtime configuration of one node. Every field maps to
// one ADMESH_* environment variable.
type Config struct {
	// NodeID identifies this node in handshakes. Generated when unset, which
	// gives the node a new identity on every start.
	NodeID string

	// PeerBind is the listen address for inbound peer links.
	PeerBind string

	// AdvertiseAddress and AdvertisePort are what peers are told to dial.
	AdvertiseAddress string
	AdvertisePort    int

	// APIBind is the listen address for the HTTP API.
	APIBind string

	// AdminToken protects the admin API.
	AdminToken string

	DataDir  string
	Provider bool

	ChainRPCURL   string
	ChainRPCToken string

	// ReputationURL is the IP reputation service endpoint. Empty disables the
	// reputation gate.
	ReputationURL string

	// SeedFile points to the YAML list of bootstrap peers.
	SeedFile string

	ThrottleCeiling int64
	ThrottleWindow  Duration
}

// FromEnv builds the configuration from ADMESH_* environment variables,
// applying defaults and validating the admin token.
func FromEnv() (*Config, error) {
	cfg := &Config{
		NodeID:           os.Getenv("ADMESH_NODE_ID"),
		PeerBind:         envStr("ADMESH_PEER_BIND", "0.0.0.0:7313"),
		AdvertiseAddress: os.Getenv("ADMESH_PEER_ADDRESS"),
		APIBind:          envStr("ADMESH_API_BIND", "127.0.0.1:8080"),
		AdminToken:       os.Getenv("ADMESH_ADMIN_TOKEN"),
		DataDir:          envStr("ADMESH_DATA_DIR", "./data"),
		ChainRPCURL:      os.Getenv("ADMESH_CHAIN_RPC_URL"),
		ChainRPCToken:    os.Getenv("ADMESH_CHAIN_RPC_TOKEN"),
		ReputationURL:    os.Getenv("ADMESH_REPUTATION_URL"),
		SeedFile:         os.Getenv("ADMESH_SEED_FILE"),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = guid.New()
	} else if !guid.Valid(cfg.NodeID) {
		return nil, fmt.Errorf("config: ADMESH_NODE_ID must be 32 lowercase hex characters")
	}

	var err error
	if cfg.AdvertisePort, err = envInt("ADMESH_PEER_PORT", 7313); err != nil {
		return nil, err
	}
	if cfg.Provider, err = envBool("ADMESH_PROVIDER", false); err != nil {
		return nil, err
	}
	if cfg.ThrottleCeiling, err = envInt64("ADMESH_THROTTLE_CEILING", 0); err != nil {
		return nil, err
	}
	if cfg.ThrottleWindow, err = envDuration("ADMESH_THROTTLE_WINDOW", 0); err != nil {
		return nil, err
	}

	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("config: ADMESH_ADMIN_TOKEN is required")
	}
	if IsWeakToken(cfg.AdminToken) {
		return nil, fmt.Errorf("config: ADMESH_ADMIN_TOKEN is too weak, use a longer random token")
	}
	if cfg.ChainRPCURL == "" {
		return nil, fmt.Errorf("config: ADMESH_CHAIN_RPC_URL is required")
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback Duration) (Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return Duration(d), nil
}

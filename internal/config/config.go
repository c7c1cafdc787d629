// Package config holds process configuration for famd, loaded
// from JSON and given production-ready defaults the way the teacher's
// GossipConfig/DefaultGossipConfig does.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is one memory/metadata server's full configuration.
type Config struct {
	// SelfServerID is baked into every regionId this server reserves
	// (spec.md §6 identifier layout).
	SelfServerID uint64 `json:"self_server_id"`

	// KVSPath is the bbolt database file backing the persistent KVS.
	KVSPath string `json:"kvs_path"`

	// BitmapCapacity bounds how many regions this server can ever hand
	// out ids for.
	BitmapCapacity uint `json:"bitmap_capacity"`

	Transport TransportConfig `json:"transport"`
	Placement PlacementConfig `json:"placement"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Breaker   BreakerConfig   `json:"breaker"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// TransportConfig picks and configures the RPC transport binding.
type TransportConfig struct {
	// Kind is "reqresp" (libp2p streams) or "rdma" (WebRTC data channel).
	Kind string `json:"kind"`

	ListenAddrs []string `json:"listen_addrs"`

	// SignalAddr is rdmabind's HTTP listen address for its /rpc-signal
	// WebSocket endpoint; unused by reqresp.
	SignalAddr string `json:"signal_addr,omitempty"`

	// IdentityPath persists reqresp's libp2p keypair across restarts so
	// this server's peer ID (and the addresses it hands out in
	// signal_start) don't change every time it's relaunched. Empty means
	// a fresh ephemeral identity every start; unused by rdmabind.
	IdentityPath string `json:"identity_path,omitempty"`
}

// PlacementConfig seeds the placement engine's initial roster
// (spec.md §4.7 update_memoryserver).
type PlacementConfig struct {
	PersistentServerIDs []uint64 `json:"persistent_server_ids"`
	VolatileServerIDs   []uint64 `json:"volatile_server_ids"`
	SpanEnabled         bool     `json:"span_enabled"`
	SpanSizePerServer   uint64   `json:"span_size_per_server"`
}

// RateLimitConfig holds the per-server token-bucket settings, the same
// shape as allocatorclient.RateLimitConfig. famd loads it but constructs
// no allocator client, so nothing reads these values.
type RateLimitConfig struct {
	RequestsPerSecond int `json:"requests_per_second"`
	Burst             int `json:"burst"`
}

// BreakerConfig holds per-server circuit-breaker settings. Nothing reads
// these values: allocatorclient.AddServer builds its breaker from fixed
// settings.
type BreakerConfig struct {
	Timeout             time.Duration `json:"timeout"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
}

// MetricsConfig controls whether famd exposes a Prometheus recorder.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns production-ready defaults; callers then override
// SelfServerID, KVSPath and the placement roster from their own
// deployment-specific source.
func Default() Config {
	cfg := Config{
		KVSPath:        "openfam.db",
		BitmapCapacity: 1 << 16,
	}
	cfg.Transport.Kind = "reqresp"
	cfg.Transport.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	cfg.Transport.IdentityPath = "openfam_identity.json"

	cfg.RateLimit.RequestsPerSecond = 2000
	cfg.RateLimit.Burst = 4000

	cfg.Breaker.Timeout = 10 * time.Second
	cfg.Breaker.ConsecutiveFailures = 5

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"

	return cfg
}

// Load reads Config as JSON from path, starting from Default() so an
// incomplete file still yields sane values for whatever it omits.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

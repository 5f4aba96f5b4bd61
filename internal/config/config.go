// Package config decodes and validates the TOML deployment file, grounded
// on internal/daemon/config_test.go's nested-section layout generalized
// from the teacher's product config to the proxy/gossip domain.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/tutu-network/flux/internal/domain"
)

// ServerConfig controls the TCP data-plane listener.
type ServerConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	ReuseportListeners int    `toml:"reuseport_listeners"`
}

// GossipConfig controls the UDP failure-detector engine.
type GossipConfig struct {
	BindAddr            string   `toml:"bind_addr"`
	GossipIntervalMS    int      `toml:"gossip_interval_ms"`
	PingTimeoutMS       int      `toml:"ping_timeout_ms"`
	SuspectTimeoutMS    int      `toml:"suspect_timeout_ms"`
	PruneHorizonSeconds int      `toml:"prune_horizon_seconds"`
	SeedNodes           []string `toml:"seed_nodes"`
}

// HealthCheckConfig controls the backend prober.
type HealthCheckConfig struct {
	CheckIntervalSeconds int `toml:"check_interval_seconds"`
	CheckTimeoutSeconds  int `toml:"check_timeout_seconds"`
}

// BackendConfig names one proxy target.
type BackendConfig struct {
	Addr   string `toml:"addr"`
	Weight uint32 `toml:"weight"`
}

// ConnectionPoolConfig bounds per-backend idle connection caching.
type ConnectionPoolConfig struct {
	MaxSizePerBackend int `toml:"max_size_per_backend"`
}

// Config is the fully decoded deployment file.
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Gossip         GossipConfig         `toml:"gossip"`
	HealthCheck    HealthCheckConfig    `toml:"health_check"`
	Backends       []BackendConfig      `toml:"backends"`
	ConnectionPool ConnectionPoolConfig `toml:"connection_pool"`
}

// Default returns the baseline deployment used by tests and by `flux init`.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: "0.0.0.0:8080", ReuseportListeners: 1},
		Gossip: GossipConfig{
			BindAddr:            "0.0.0.0:7946",
			GossipIntervalMS:    1000,
			PingTimeoutMS:       500,
			SuspectTimeoutMS:    5000,
			PruneHorizonSeconds: 60,
			SeedNodes:           nil,
		},
		HealthCheck: HealthCheckConfig{CheckIntervalSeconds: 5, CheckTimeoutSeconds: 2},
		Backends: []BackendConfig{
			{Addr: "127.0.0.1:9000", Weight: 1},
		},
		ConnectionPool: ConnectionPoolConfig{MaxSizePerBackend: 16},
	}
}

// Load reads and decodes path as TOML. It does not validate; call Validate
// separately so callers can distinguish "bad file" from "bad values".
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the structural invariants SPEC_FULL.md §4.8 requires.
// A failure wraps domain.ErrConfigInvalid so callers can treat it uniformly
// as a fatal startup error.
func (c Config) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", c.Server.ListenAddr); err != nil {
		return fmt.Errorf("%w: server.listen_addr %q: %v", domain.ErrConfigInvalid, c.Server.ListenAddr, err)
	}
	if _, err := net.ResolveUDPAddr("udp", c.Gossip.BindAddr); err != nil {
		return fmt.Errorf("%w: gossip.bind_addr %q: %v", domain.ErrConfigInvalid, c.Gossip.BindAddr, err)
	}
	for _, s := range c.Gossip.SeedNodes {
		if _, err := net.ResolveUDPAddr("udp", s); err != nil {
			return fmt.Errorf("%w: gossip.seed_nodes entry %q: %v", domain.ErrConfigInvalid, s, err)
		}
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: at least one backend is required", domain.ErrConfigInvalid)
	}
	for _, b := range c.Backends {
		if _, err := net.ResolveTCPAddr("tcp", b.Addr); err != nil {
			return fmt.Errorf("%w: backend addr %q: %v", domain.ErrConfigInvalid, b.Addr, err)
		}
	}
	if c.Gossip.GossipIntervalMS <= 0 || c.Gossip.PingTimeoutMS <= 0 ||
		c.Gossip.SuspectTimeoutMS <= 0 || c.Gossip.PruneHorizonSeconds <= 0 {
		return fmt.Errorf("%w: all gossip timing knobs must be positive", domain.ErrConfigInvalid)
	}
	if c.HealthCheck.CheckIntervalSeconds <= 0 || c.HealthCheck.CheckTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: health_check timing knobs must be positive", domain.ErrConfigInvalid)
	}
	if c.Gossip.SuspectTimeoutMS <= c.Gossip.PingTimeoutMS {
		return fmt.Errorf("%w: gossip.suspect_timeout_ms must exceed gossip.ping_timeout_ms", domain.ErrConfigInvalid)
	}
	if c.ConnectionPool.MaxSizePerBackend <= 0 {
		return fmt.Errorf("%w: connection_pool.max_size_per_backend must be positive", domain.ErrConfigInvalid)
	}
	return nil
}

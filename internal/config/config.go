// Package config defines the talkmesh launcher's configuration surface,
// following the teacher's cmd/tendermint/commands convention of a
// viper-bound flag set layered over a DefaultConfig() struct, with an
// optional TOML file for static settings (github.com/BurntSushi/toml).
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/framing"
	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/topology"
)

// Config is the full set of tunables named across spec.md §4–§6, with the
// defaults spec.md states explicitly.
type Config struct {
	// ID is the optional fixed hex ServerId (spec.md §6's --id). Empty
	// selects a randomly-generated one.
	ID string `toml:"id"`

	// Listen is the client listener address (spec.md §6's --listen).
	Listen string `toml:"listen"`
	// PeerListen is the optional initial peer listener address.
	PeerListen string `toml:"peer_listen"`
	// Peers lists initial outbound peer addresses (spec.md §6's
	// repeatable --peer).
	Peers []string `toml:"peers"`

	PollTimeout      time.Duration `toml:"poll_timeout"`
	ShutdownGrace    time.Duration `toml:"shutdown_grace"`
	DrainGrace       time.Duration `toml:"drain_grace"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	MaxRecordSize    int           `toml:"max_record_size"`
	SeenSetCapacity  int           `toml:"seen_set_capacity"`

	PeerSetRefreshInterval time.Duration `toml:"peer_set_refresh_interval"`
	StalePruneTTL          time.Duration `toml:"stale_prune_ttl"`

	// DebugListen is the optional read-only debug HTTP server address.
	DebugListen string `toml:"debug_listen"`

	// MetricsNamespace is the Prometheus namespace passed to
	// metrics.PrometheusMetrics; empty disables metrics (NopMetrics).
	MetricsNamespace string `toml:"metrics_namespace"`
}

// DefaultConfig returns spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		Listen:                 ":4000",
		PollTimeout:            reactor.DefaultPollTimeout,
		ShutdownGrace:          reactor.DefaultShutdownGrace,
		DrainGrace:             conn.DefaultDrainGrace,
		HandshakeTimeout:       5 * time.Second,
		MaxRecordSize:          framing.DefaultMaxRecordSize,
		SeenSetCapacity:        mesh.DefaultSeenSetCapacity,
		PeerSetRefreshInterval: topology.DefaultRefreshInterval,
		StalePruneTTL:          topology.DefaultStaleTTL,
		MetricsNamespace:       "talkmesh",
	}
}

// LoadFile merges a TOML config file's contents over DefaultConfig().
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "loading config file %s", path)
	}
	return cfg, nil
}

// envPrefix is the prefix viper applies to environment-variable overrides,
// e.g. TALKMESH_LISTEN for the --listen flag.
const envPrefix = "TALKMESH"

// BindFlags wires flags into a fresh viper.Viper with automatic TALKMESH_*
// environment-variable overrides, following the teacher's
// cmd/tendermint/commands convention of layering viper over a cobra flag
// set rather than reading pflag values directly. The caller still owns
// flags' Go-typed destinations (via StringVar etc.); viper here only adds
// the environment-variable layer cobra/pflag don't provide on their own.
func BindFlags(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return v
}

// ApplyViper overlays any TALKMESH_*-sourced overrides in v onto cfg, for
// the handful of fields an operator is likely to set via the environment
// in a container deployment rather than a flag or file.
func ApplyViper(cfg Config, v *viper.Viper) Config {
	if v.IsSet("listen") {
		cfg.Listen = v.GetString("listen")
	}
	if v.IsSet("peer-listen") {
		cfg.PeerListen = v.GetString("peer-listen")
	}
	if v.IsSet("debug-listen") {
		cfg.DebugListen = v.GetString("debug-listen")
	}
	if v.IsSet("id") {
		cfg.ID = v.GetString("id")
	}
	return cfg
}

// MeshConfig projects the subset of Config that mesh.Server needs.
func (c Config) MeshConfig() mesh.Config {
	return mesh.Config{
		ProtocolVersion:  1,
		HandshakeTimeout: c.HandshakeTimeout,
		DrainGrace:       c.DrainGrace,
		MaxRecordSize:    c.MaxRecordSize,
		SeenSetCapacity:  c.SeenSetCapacity,
	}
}

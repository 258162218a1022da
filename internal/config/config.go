// Package config loads epnode's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete epnode configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Listen   ListenConfig   `yaml:"listen"`
	Peers    []PeerConfig   `yaml:"peers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
	Transfer TransferConfig `yaml:"transfer"`
}

// IdentityConfig describes the local node's handshake identity.
type IdentityConfig struct {
	Identity string  `yaml:"identity"`
	Type     *string `yaml:"type"`
	Version  *string `yaml:"version"`
	Name     *string `yaml:"name"`
	Tenant   *string `yaml:"tenant"`
	Provider *string `yaml:"provider"`
}

// ListenConfig controls the inbound TCP acceptor.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`
}

// PeerConfig describes one declarative peer entry.
type PeerConfig struct {
	PeerID           string  `yaml:"peer_id"`
	Host             *string `yaml:"host"`
	Port             *uint16 `yaml:"port"`
	Direction        string  `yaml:"direction"` // "inbound", "outbound", "bidirectional"
	ExpectedIdentity *string `yaml:"expected_identity"`
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// TransferConfig holds the node-wide default tick rate.
type TransferConfig struct {
	DefaultTickRate time.Duration `yaml:"default_tick_rate"`
}

// Errors returned by Validate.
var (
	ErrEmptyIdentity     = errors.New("identity.identity must not be empty")
	ErrInvalidListenPort = errors.New("listen.port must be nonzero when listen.enabled is true")
	ErrEmptyPeerID       = errors.New("peers[].peer_id must not be empty")
	ErrMissingPeerHost   = errors.New("peers[].host is required unless direction is \"inbound\"")
	ErrInvalidDirection  = errors.New("peers[].direction must be inbound, outbound, or bidirectional")
	ErrDuplicatePeerID   = errors.New("duplicate peers[].peer_id")
)

// Default returns a Config populated with library defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Enabled: true, Port: 56540},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Transfer: TransferConfig{
			DefaultTickRate: 100 * time.Millisecond,
		},
	}
}

// Load reads a YAML configuration file at path and merges it on top of
// Default(). Missing sections inherit defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for logical errors, returning the first
// one encountered.
func Validate(cfg *Config) error {
	if cfg.Identity.Identity == "" {
		return ErrEmptyIdentity
	}
	if cfg.Listen.Enabled && cfg.Listen.Port == 0 {
		return ErrInvalidListenPort
	}

	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if p.PeerID == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrEmptyPeerID)
		}
		if _, dup := seen[p.PeerID]; dup {
			return fmt.Errorf("peers[%d] %q: %w", i, p.PeerID, ErrDuplicatePeerID)
		}
		seen[p.PeerID] = struct{}{}

		switch p.Direction {
		case "", "inbound":
		case "outbound", "bidirectional":
			if p.Host == nil {
				return fmt.Errorf("peers[%d] %q: %w", i, p.PeerID, ErrMissingPeerHost)
			}
		default:
			return fmt.Errorf("peers[%d] %q: %w", i, p.PeerID, ErrInvalidDirection)
		}
	}
	return nil
}

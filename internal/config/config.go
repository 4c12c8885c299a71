// Package config loads verifier configuration from an optional YAML file
// overlaid with ROUTEGUARD_-prefixed environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/meshpay/routeguard/internal/registry"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Protocol  ProtocolConfig  `koanf:"protocol"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Registry  RegistryConfig  `koanf:"registry"`
}

type ServerConfig struct {
	Port                  int `koanf:"port"`
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds"`
}

type StorageConfig struct {
	// DSN is the SQLite data source name.
	DSN string `koanf:"dsn"`

	// TimeoutSeconds bounds every store call so a stuck database surfaces as
	// a retryable storage failure instead of blocking the handler.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

// ProtocolConfig holds the protocol constants. Defaults match the published
// protocol; overriding them is for test networks only.
type ProtocolConfig struct {
	ActivationDelaySeconds    int64 `koanf:"activation_delay_seconds"`
	MaxHopDepth               int   `koanf:"max_hop_depth"`
	HighValueThresholdUSDC    int64 `koanf:"high_value_threshold_usdc"`
	CommitmentTimelockSeconds int64 `koanf:"commitment_timelock_seconds"`
	StakePerForwardUSDC       int64 `koanf:"stake_per_forward_usdc"`
	BountyBaseUSDC            int64 `koanf:"bounty_base_usdc"`
	BountyPerDepthUSDC        int64 `koanf:"bounty_per_depth_usdc"`
	BountyMaxUSDC             int64 `koanf:"bounty_max_usdc"`
	SlashPercent              int64 `koanf:"slash_percent"`
	RapidFlipWindowSeconds    int64 `koanf:"rapid_flip_window_seconds"`
}

func (p ProtocolConfig) ActivationDelay() time.Duration {
	return time.Duration(p.ActivationDelaySeconds) * time.Second
}

func (p ProtocolConfig) CommitmentTimelock() time.Duration {
	return time.Duration(p.CommitmentTimelockSeconds) * time.Second
}

func (p ProtocolConfig) RapidFlipWindow() time.Duration {
	return time.Duration(p.RapidFlipWindowSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// RegistryConfig seeds the agent directory mirror in development and test
// deployments; production mirrors are synced by the registry operator.
type RegistryConfig struct {
	Agents []registry.SeedAgent `koanf:"agents"`
}

// Load reads configuration. path may be empty or point to a missing file;
// environment variables always apply on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("ROUTEGUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ROUTEGUARD_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                         8080,
		"server.request_timeout_seconds":      30,
		"storage.dsn":                         "./data/routeguard.db",
		"storage.timeout_seconds":             5,
		"protocol.activation_delay_seconds":   int64(60),
		"protocol.max_hop_depth":              10,
		"protocol.high_value_threshold_usdc":  int64(10000),
		"protocol.commitment_timelock_seconds": int64(300),
		"protocol.stake_per_forward_usdc":     int64(100),
		"protocol.bounty_base_usdc":           int64(50),
		"protocol.bounty_per_depth_usdc":      int64(25),
		"protocol.bounty_max_usdc":            int64(5000),
		"protocol.slash_percent":              int64(50),
		"protocol.rapid_flip_window_seconds":  int64(600),
		"rate_limit.requests_per_minute":      120,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

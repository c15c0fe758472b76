// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	Cache     CacheConfig              `yaml:"cache"`
	Crypto    CryptoConfig             `yaml:"crypto"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Providers map[string]ProviderEntry `yaml:"providers"`
	Relay     RelayConfig              `yaml:"relay"`
	Refresher RefresherConfig          `yaml:"refresher"`
	Keys      []KeyEntry               `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = unlimited; streams run long
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"; DATABASE_URL overrides
}

// CacheConfig selects the shared-state backend.
type CacheConfig struct {
	URL     string `yaml:"url"`      // redis URL; empty = in-process; OPENDUM_CACHE_URL overrides
	MaxSize int    `yaml:"max_size"` // in-process backend capacity
}

// CryptoConfig holds the token encryption secret.
type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // OPENDUM_ENCRYPTION_KEY overrides
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry overrides per-provider upstream settings. The OAuth client
// identity of each provider is a protocol constant and is not configurable.
type ProviderEntry struct {
	BaseURL string `yaml:"base_url"` // empty = provider default
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RelayConfig tunes the request relay loop.
type RelayConfig struct {
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"` // per-attempt ceiling
}

// RefresherConfig tunes the proactive credential refresher.
type RefresherConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ExpiryWindow time.Duration `yaml:"expiry_window"` // refresh accounts expiring within this window
}

// IsEnabled reports whether the refresher runs (defaults to true when nil).
func (r RefresherConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// KeyEntry is a proxy API key seed in the config file.
type KeyEntry struct {
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"` // plaintext, hashed on bootstrap
	UserID      string   `yaml:"user_id"`
	Role        string   `yaml:"role"`
	ModelAccess string   `yaml:"model_access"`
	ModelList   []string `yaml:"model_list"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${VAR} references and
// applying environment overrides. An empty path yields the default
// configuration, so environment-only deployments need no file at all.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "opendum.db",
		},
		Cache: CacheConfig{
			MaxSize: 10_000,
		},
		Relay: RelayConfig{
			UpstreamTimeout: 10 * time.Minute,
		},
		Refresher: RefresherConfig{
			Interval:     24 * time.Hour,
			ExpiryWindow: 2 * time.Hour,
		},
	}
}

// applyEnv lets deploy-time environment variables override file settings.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OPENDUM_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}
	if v := os.Getenv("OPENDUM_ENCRYPTION_KEY"); v != "" {
		cfg.Crypto.EncryptionKey = v
	}
}

// Provider returns the entry for name, zero-valued when absent.
func (c *Config) Provider(name string) ProviderEntry {
	return c.Providers[name]
}

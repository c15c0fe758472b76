package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
cache:
  url: redis://localhost:6379/0
crypto:
  encryption_key: test-secret
providers:
  gemini:
    base_url: https://example.test/v1internal
  copilot:
    enabled: false
refresher:
  interval: 5m
keys:
  - name: ci
    key: opd_ci_key_123456789012345678
    user_id: user-ci
    role: member
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want :memory:", cfg.Database.DSN)
	}
	if cfg.Cache.URL != "redis://localhost:6379/0" {
		t.Errorf("cache url = %q", cfg.Cache.URL)
	}
	if cfg.Crypto.EncryptionKey != "test-secret" {
		t.Errorf("encryption key = %q", cfg.Crypto.EncryptionKey)
	}
	if got := cfg.Provider("gemini").BaseURL; got != "https://example.test/v1internal" {
		t.Errorf("gemini base_url = %q", got)
	}
	if cfg.Provider("copilot").IsEnabled() {
		t.Error("copilot should be disabled")
	}
	if !cfg.Provider("anthropic").IsEnabled() {
		t.Error("unlisted provider should default to enabled")
	}
	if cfg.Refresher.Interval != 5*time.Minute {
		t.Errorf("refresher interval = %v, want 5m", cfg.Refresher.Interval)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0].UserID != "user-ci" {
		t.Errorf("keys = %+v", cfg.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "opendum.db" {
		t.Errorf("dsn = %q, want opendum.db", cfg.Database.DSN)
	}
	if cfg.Cache.URL != "" {
		t.Errorf("cache url = %q, want empty (in-process)", cfg.Cache.URL)
	}
	if cfg.Relay.UpstreamTimeout != 10*time.Minute {
		t.Errorf("upstream_timeout = %v, want 10m", cfg.Relay.UpstreamTimeout)
	}
	if !cfg.Refresher.IsEnabled() {
		t.Error("refresher should default to enabled")
	}
	if cfg.Refresher.Interval != 24*time.Hour {
		t.Errorf("refresher interval = %v, want 24h", cfg.Refresher.Interval)
	}
	if cfg.Refresher.ExpiryWindow != 2*time.Hour {
		t.Errorf("expiry_window = %v, want 2h", cfg.Refresher.ExpiryWindow)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("TEST_CLIENT_SECRET", "shh-123")

	result := expandEnv([]byte("secret: ${TEST_CLIENT_SECRET}"))
	if string(result) != "secret: shh-123" {
		t.Errorf("expandEnv = %q", result)
	}

	// Unset vars are left as-is so the error surfaces in the parsed value.
	result = expandEnv([]byte("secret: ${TEST_UNSET_VAR_XYZ}"))
	if string(result) != "secret: ${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("expandEnv kept = %q", result)
	}
}

func TestExpandEnvInFile(t *testing.T) {
	t.Setenv("TEST_DSN", "/data/proxy.db")

	path := writeConfig(t, `
database:
  dsn: ${TEST_DSN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.DSN != "/data/proxy.db" {
		t.Errorf("dsn = %q, want /data/proxy.db", cfg.Database.DSN)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "/env/override.db")
	t.Setenv("OPENDUM_CACHE_URL", "redis://cache:6379")
	t.Setenv("OPENDUM_ENCRYPTION_KEY", "env-secret")

	path := writeConfig(t, `
database:
  dsn: from-file.db
crypto:
  encryption_key: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database.DSN != "/env/override.db" {
		t.Errorf("dsn = %q, want env override", cfg.Database.DSN)
	}
	if cfg.Cache.URL != "redis://cache:6379" {
		t.Errorf("cache url = %q, want env override", cfg.Cache.URL)
	}
	if cfg.Crypto.EncryptionKey != "env-secret" {
		t.Errorf("encryption key = %q, want env override", cfg.Crypto.EncryptionKey)
	}
}

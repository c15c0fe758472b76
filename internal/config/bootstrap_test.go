package config

import (
	"context"
	"strings"
	"testing"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrapSeedsKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{
				Name:        "ci",
				Key:         "opd_ci_key_123456789012345678",
				UserID:      "user-ci",
				Role:        proxy.RoleMember,
				ModelAccess: proxy.ModelAccessAllowlist,
				ModelList:   []string{"claude-sonnet-4-5"},
			},
			{Name: "skipped-empty"}, // no key material, skipped
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	key, err := store.GetKeyByHash(ctx, proxy.HashKey("opd_ci_key_123456789012345678"))
	if err != nil {
		t.Fatalf("seeded key not found: %v", err)
	}
	if key.UserID != "user-ci" {
		t.Errorf("UserID = %q, want user-ci", key.UserID)
	}
	if key.KeyPrefix != "opd_ci_key_1" {
		t.Errorf("KeyPrefix = %q", key.KeyPrefix)
	}
	if !key.IsActive {
		t.Error("seeded key should be active")
	}
	if !key.AllowsModel("claude-sonnet-4-5") || key.AllowsModel("gpt-5") {
		t.Error("allowlist not applied")
	}

	n, err := store.CountKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("key count = %d, want 1 (empty entry skipped)", n)
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{{Name: "ci", Key: "opd_ci_key_123456789012345678"}},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	n, err := store.CountKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("key count = %d, want 1 after repeat bootstrap", n)
	}
}

func TestBootstrapGeneratesAdminKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := Bootstrap(ctx, &Config{}, store); err != nil {
		t.Fatal(err)
	}

	n, err := store.CountKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("key count = %d, want 1 generated admin key", n)
	}

	keys, err := store.ListKeys(ctx, "", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Role != proxy.RoleAdmin {
		t.Errorf("generated key = %+v, want admin role", keys)
	}

	// A second run must not mint another key.
	if err := Bootstrap(ctx, &Config{}, store); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountKeys(ctx, ""); n != 1 {
		t.Errorf("key count = %d after rerun, want 1", n)
	}
}

func TestGenerateAdminKey(t *testing.T) {
	t.Parallel()

	k1 := GenerateAdminKey()
	k2 := GenerateAdminKey()

	if !strings.HasPrefix(k1, proxy.APIKeyPrefix) {
		t.Errorf("key %q missing %q prefix", k1, proxy.APIKeyPrefix)
	}
	if k1 == k2 {
		t.Error("generated keys should be unique")
	}
	if len(k1) < 30 {
		t.Errorf("key too short: %d chars", len(k1))
	}
}

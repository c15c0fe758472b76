package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/testutil"
)

// fakeInvalidator records cache evictions.
type fakeInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeInvalidator) InvalidateByKeyID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func TestCreateKey(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	km := NewKeyManager(store, nil)

	plaintext, key, err := km.CreateKey(context.Background(), CreateKeyOpts{
		UserID: "user-1",
		Name:   "laptop",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, proxy.APIKeyPrefix) {
		t.Errorf("plaintext should have %s prefix, got %q", proxy.APIKeyPrefix, plaintext)
	}
	if key.KeyHash != proxy.HashKey(plaintext) {
		t.Error("key hash should match HashKey(plaintext)")
	}
	if key.KeyPrefix != plaintext[:12] {
		t.Errorf("key prefix = %q, want first 12 chars of plaintext", key.KeyPrefix)
	}
	if key.Role != proxy.RoleMember {
		t.Errorf("default role = %q, want member", key.Role)
	}
	if key.ModelAccess != proxy.ModelAccessAll {
		t.Errorf("default model_access = %q, want all", key.ModelAccess)
	}
	if !key.IsActive {
		t.Error("new key should be active")
	}

	stored, err := store.GetKeyByHash(context.Background(), key.KeyHash)
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if stored.ID != key.ID {
		t.Errorf("stored id = %s, want %s", stored.ID, key.ID)
	}
}

func TestCreateKey_WithOpts(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	km := NewKeyManager(store, nil)

	_, key, err := km.CreateKey(context.Background(), CreateKeyOpts{
		UserID:      "user-1",
		Name:        "ci",
		Role:        proxy.RoleAdmin,
		ModelAccess: proxy.ModelAccessAllowlist,
		ModelList:   []string{"gpt-5.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if key.Role != proxy.RoleAdmin {
		t.Errorf("role = %q, want admin", key.Role)
	}
	if !key.AllowsModel("gpt-5.1") || key.AllowsModel("claude-opus-4-5") {
		t.Error("allowlist not applied")
	}
}

func TestCreateKey_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts CreateKeyOpts
	}{
		{"missing user", CreateKeyOpts{Name: "x"}},
		{"bad role", CreateKeyOpts{UserID: "u", Role: "owner"}},
		{"bad model access", CreateKeyOpts{UserID: "u", ModelAccess: "some"}},
	}
	km := NewKeyManager(testutil.NewFakeStore(), nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := km.CreateKey(context.Background(), tc.opts)
			var ae *proxy.APIError
			if !errors.As(err, &ae) || ae.Status != 400 {
				t.Errorf("err = %v, want 400 APIError", err)
			}
		})
	}
}

func TestCreateKey_StoreError(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.Err = errors.New("db failure")
	km := NewKeyManager(store, nil)

	_, _, err := km.CreateKey(context.Background(), CreateKeyOpts{UserID: "user-1"})
	if !errors.Is(err, store.Err) {
		t.Errorf("err = %v, want %v", err, store.Err)
	}
}

func TestDeactivateKey(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddKey(&proxy.APIKey{ID: "key-1", UserID: "user-1", KeyHash: "h", IsActive: true})
	inval := &fakeInvalidator{}
	km := NewKeyManager(store, inval)

	if err := km.DeactivateKey(context.Background(), "key-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if got.IsActive {
		t.Error("key still active after DeactivateKey")
	}
	if len(inval.ids) != 1 || inval.ids[0] != "key-1" {
		t.Errorf("invalidated %v, want [key-1]", inval.ids)
	}
}

func TestDeleteKey(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddKey(&proxy.APIKey{ID: "key-123", UserID: "user-1", KeyHash: "h"})
	inval := &fakeInvalidator{}
	km := NewKeyManager(store, inval)

	if err := km.DeleteKey(context.Background(), "key-123"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetKey(context.Background(), "key-123"); !errors.Is(err, proxy.ErrNotFound) {
		t.Errorf("key still present after delete: %v", err)
	}
	if len(inval.ids) != 1 || inval.ids[0] != "key-123" {
		t.Errorf("invalidated %v, want [key-123]", inval.ids)
	}
}

func TestDeleteKey_StoreError(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.Err = errors.New("delete failed")
	inval := &fakeInvalidator{}
	km := NewKeyManager(store, inval)

	if err := km.DeleteKey(context.Background(), "key-123"); !errors.Is(err, store.Err) {
		t.Errorf("err = %v, want %v", err, store.Err)
	}
	if len(inval.ids) != 0 {
		t.Error("cache invalidated despite store failure")
	}
}

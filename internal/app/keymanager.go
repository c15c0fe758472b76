package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/storage"
)

// KeyInvalidator evicts a key from the authenticator's cache so revocations
// take effect immediately instead of after the cache TTL.
type KeyInvalidator interface {
	InvalidateByKeyID(id string)
}

// KeyManager handles proxy API key lifecycle: mint, list, revoke.
type KeyManager struct {
	store storage.KeyStore
	inval KeyInvalidator
}

// NewKeyManager returns a KeyManager backed by store. inval may be nil when
// no authenticator cache is in play (tests, offline tooling).
func NewKeyManager(store storage.KeyStore, inval KeyInvalidator) *KeyManager {
	return &KeyManager{store: store, inval: inval}
}

// CreateKeyOpts holds the caller-settable fields for key creation.
type CreateKeyOpts struct {
	UserID      string
	Name        string
	Role        string
	ModelAccess string
	ModelList   []string
}

// CreateKey mints a new proxy key, stores its hash, and returns the
// plaintext. The plaintext is shown once; only the hash is persisted.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *proxy.APIKey, error) {
	if opts.UserID == "" {
		return "", nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "user_id is required")
	}
	role := opts.Role
	if role == "" {
		role = proxy.RoleMember
	}
	if role != proxy.RoleMember && role != proxy.RoleAdmin {
		return "", nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("unknown role: %s", role))
	}
	access := opts.ModelAccess
	if access == "" {
		access = proxy.ModelAccessAll
	}
	switch access {
	case proxy.ModelAccessAll, proxy.ModelAccessAllowlist, proxy.ModelAccessDenylist:
	default:
		return "", nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("unknown model_access: %s", access))
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := proxy.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	key := &proxy.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      opts.UserID,
		Name:        opts.Name,
		KeyHash:     proxy.HashKey(plaintext),
		KeyPrefix:   keyPrefix(plaintext),
		Role:        role,
		ModelAccess: access,
		ModelList:   opts.ModelList,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// ListKeys returns a page of keys for userID; empty userID lists all.
func (km *KeyManager) ListKeys(ctx context.Context, userID string, offset, limit int) ([]*proxy.APIKey, error) {
	return km.store.ListKeys(ctx, userID, offset, limit)
}

// DeactivateKey revokes a key without deleting its history and evicts it
// from the authenticator cache.
func (km *KeyManager) DeactivateKey(ctx context.Context, id string) error {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	key.IsActive = false
	if err := km.store.UpdateKey(ctx, key); err != nil {
		return err
	}
	if km.inval != nil {
		km.inval.InvalidateByKeyID(id)
	}
	return nil
}

// DeleteKey removes the key and evicts it from the authenticator cache.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	if err := km.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	if km.inval != nil {
		km.inval.InvalidateByKeyID(id)
	}
	return nil
}

// keyPrefix is the plaintext head kept for display ("opd_a1b2c3d4…").
func keyPrefix(plaintext string) string {
	if len(plaintext) > 12 {
		return plaintext[:12]
	}
	return plaintext
}

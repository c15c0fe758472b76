// Package auth implements proxy key authentication.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using proxy keys with the "opd_" prefix.
// It caches resolved keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.KeyStore
	cache       *otter.Cache[string, *proxy.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.KeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *proxy.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *proxy.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts the proxy key from the Authorization or x-api-key
// header, validates it against the store, and returns the key record.
// Only keys with the "opd_" prefix are handled; all others return
// ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*proxy.APIKey, error) {
	raw := extractKey(r)
	if raw == "" || !strings.HasPrefix(raw, proxy.APIKeyPrefix) {
		return nil, proxy.ErrUnauthorized
	}

	hash := proxy.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.IsActive {
			return nil, proxy.ErrKeyBlocked
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			return nil, proxy.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, proxy.ErrUnauthorized
	}

	if !key.IsActive {
		return nil, proxy.ErrKeyBlocked
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

// InvalidateByKeyID removes a cached key by its key ID.
// Used when admin operations (deactivate, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// extractKey pulls the raw key from "Authorization: Bearer <key>" or, for
// Anthropic-dialect clients, the "x-api-key" header.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return raw
		}
		return ""
	}
	return r.Header.Get("x-api-key")
}

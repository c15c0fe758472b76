// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/storage"
)

// Bootstrap seeds proxy API keys from the config file. Existing keys are
// left alone; a deployment with no configured and no stored keys gets a
// generated admin key whose plaintext is logged exactly once.
func Bootstrap(ctx context.Context, cfg *Config, store storage.KeyStore) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := proxy.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		key := &proxy.APIKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			UserID:      k.UserID,
			Name:        k.Name,
			KeyHash:     hash,
			KeyPrefix:   keyPrefix(k.Key),
			Role:        k.Role,
			ModelAccess: k.ModelAccess,
			ModelList:   k.ModelList,
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", key.KeyPrefix)
	}

	if len(cfg.Keys) == 0 {
		return ensureAdminKey(ctx, store)
	}
	return nil
}

// ensureAdminKey creates a generated admin key when the store holds none.
// The plaintext appears only in this log line; record it or create real keys.
func ensureAdminKey(ctx context.Context, store storage.KeyStore) error {
	n, err := store.CountKeys(ctx, "")
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	raw := GenerateAdminKey()
	key := &proxy.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      "bootstrap-admin",
		KeyHash:   proxy.HashKey(raw),
		KeyPrefix: keyPrefix(raw),
		Role:      proxy.RoleAdmin,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return err
	}
	slog.Warn("no api keys configured; generated admin key", "key", raw)
	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return proxy.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

func keyPrefix(raw string) string {
	if len(raw) > 12 {
		return raw[:12]
	}
	return raw
}

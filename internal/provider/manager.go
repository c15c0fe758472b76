package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/secrets"
	"github.com/opendum/opendum/internal/storage"
)

// RefreshBuffer is how long before expiry a credential is refreshed on use.
const RefreshBuffer = 5 * time.Minute

// Manager decrypts account credentials and refreshes them through the
// owning adapter when they near expiry. Concurrent requests for the same
// account share one refresh via singleflight; losers receive the winner's
// result.
type Manager struct {
	registry *Registry
	store    storage.AccountStore
	enc      *secrets.Encryptor
	group    singleflight.Group
	now      func() time.Time
}

// NewManager returns a Manager over the given registry, store, and encryptor.
func NewManager(registry *Registry, store storage.AccountStore, enc *secrets.Encryptor) *Manager {
	return &Manager{registry: registry, store: store, enc: enc, now: time.Now}
}

// Credentials returns a ready-to-use credential for the account, refreshing
// first when expiry is within RefreshBuffer. A refresh failure while the
// stored credential is still valid falls back to the stored credential; a
// failure past expiry returns proxy.ErrCredentialExpired.
func (m *Manager) Credentials(ctx context.Context, account *proxy.ProviderAccount) (proxy.Credential, error) {
	if !m.needsRefresh(account) {
		return m.decrypt(account)
	}

	cred, err := m.refresh(ctx, account)
	if err == nil {
		return cred, nil
	}

	if m.now().Before(account.ExpiresAt) {
		slog.LogAttrs(ctx, slog.LevelWarn, "credential refresh failed, using stored credential",
			slog.String("account_id", account.ID),
			slog.String("provider", account.Provider),
			slog.String("error", err.Error()))
		return m.decrypt(account)
	}
	return proxy.Credential{}, fmt.Errorf("account %s: %w: %v", account.ID, proxy.ErrCredentialExpired, err)
}

// ForceRefresh refreshes the account's credentials regardless of expiry,
// dropping any in-flight shared refresh first so the caller gets a fresh
// upstream exchange. Used after an upstream 401 and by the proactive
// refresher.
func (m *Manager) ForceRefresh(ctx context.Context, account *proxy.ProviderAccount) (proxy.Credential, error) {
	m.group.Forget(account.ID)
	return m.refresh(ctx, account)
}

// needsRefresh reports whether the stored credential is within the refresh
// buffer of its expiry. Accounts without an expiry never refresh on use.
func (m *Manager) needsRefresh(account *proxy.ProviderAccount) bool {
	if account.ExpiresAt.IsZero() || account.RefreshToken == "" {
		return false
	}
	return m.now().Add(RefreshBuffer).After(account.ExpiresAt)
}

// refresh performs one shared token refresh for the account and persists
// the result. The account struct is updated in place so callers holding it
// see the new ciphertext and expiry.
func (m *Manager) refresh(ctx context.Context, account *proxy.ProviderAccount) (proxy.Credential, error) {
	v, err, _ := m.group.Do(account.ID, func() (any, error) {
		adapter, err := m.registry.Get(account.Provider)
		if err != nil {
			return proxy.Credential{}, err
		}

		refreshToken, err := m.enc.Decrypt(account.RefreshToken)
		if err != nil {
			return proxy.Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
		if refreshToken == "" {
			return proxy.Credential{}, fmt.Errorf("account %s has no refresh token", account.ID)
		}

		res, err := adapter.RefreshToken(ctx, refreshToken)
		if err != nil {
			return proxy.Credential{}, err
		}
		if err := m.persist(ctx, account, res); err != nil {
			return proxy.Credential{}, err
		}

		slog.LogAttrs(ctx, slog.LevelInfo, "credential refreshed",
			slog.String("account_id", account.ID),
			slog.String("provider", account.Provider),
			slog.Time("expires_at", res.ExpiresAt))

		return proxy.Credential{
			AccessToken: res.AccessToken,
			APIKey:      res.APIKey,
			ProjectID:   account.ProjectID,
		}, nil
	})
	if err != nil {
		return proxy.Credential{}, err
	}
	return v.(proxy.Credential), nil
}

// persist encrypts the refresh result and writes it as a single row update.
// A provider that does not rotate refresh tokens leaves the stored one in
// place; same for a provider that issues no derived key.
func (m *Manager) persist(ctx context.Context, account *proxy.ProviderAccount, res *proxy.OAuthResult) error {
	access, err := m.enc.Encrypt(res.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	refresh := account.RefreshToken
	if res.RefreshToken != "" {
		if refresh, err = m.enc.Encrypt(res.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	apiKey := account.APIKey
	if res.APIKey != "" {
		if apiKey, err = m.enc.Encrypt(res.APIKey); err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
	}

	if err := m.store.UpdateAccountTokens(ctx, account.ID, access, refresh, apiKey, res.ExpiresAt); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}

	account.AccessToken = access
	account.RefreshToken = refresh
	account.APIKey = apiKey
	account.ExpiresAt = res.ExpiresAt
	return nil
}

// decrypt returns the stored credential in cleartext.
func (m *Manager) decrypt(account *proxy.ProviderAccount) (proxy.Credential, error) {
	access, err := m.enc.Decrypt(account.AccessToken)
	if err != nil {
		return proxy.Credential{}, fmt.Errorf("decrypt access token: %w", err)
	}
	apiKey, err := m.enc.Decrypt(account.APIKey)
	if err != nil {
		return proxy.Credential{}, fmt.Errorf("decrypt api key: %w", err)
	}
	return proxy.Credential{
		AccessToken: access,
		APIKey:      apiKey,
		ProjectID:   account.ProjectID,
	}, nil
}

// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// AccountStore manages provider account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *proxy.ProviderAccount) error
	GetAccount(ctx context.Context, id string) (*proxy.ProviderAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*proxy.ProviderAccount, error)
	// ListCandidateAccounts returns the user's active accounts for the given
	// providers, ordered by last_used_at ascending (never-used first), ties
	// by id. An empty provider list means all providers.
	ListCandidateAccounts(ctx context.Context, userID string, providers []string) ([]*proxy.ProviderAccount, error)
	// FindAccountByUpstream locates an existing account for the same
	// provider-side identity, used to re-link instead of duplicating.
	FindAccountByUpstream(ctx context.Context, userID, provider, upstreamID string) (*proxy.ProviderAccount, error)
	// ListExpiringAccounts returns active accounts holding a refresh token
	// whose credentials expire before the given time.
	ListExpiringAccounts(ctx context.Context, before time.Time) ([]*proxy.ProviderAccount, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken, apiKey string, expiresAt time.Time) error
	UpdateAccountName(ctx context.Context, id, name string) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	SetAccountStatus(ctx context.Context, id string, status proxy.AccountStatus, active bool) error
	// MarkAccountUsed advances last_used_at and increments request_count.
	MarkAccountUsed(ctx context.Context, id string) error
	RecordAccountSuccess(ctx context.Context, id string) error
	// RecordAccountFailure increments error counters and stores the error
	// detail, returning the new consecutive error count.
	RecordAccountFailure(ctx context.Context, id string, code int, message string) (int64, error)
	ResetAccountCounters(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id string) error
}

// KeyStore manages proxy API key persistence.
type KeyStore interface {
	CreateKey(ctx context.Context, key *proxy.APIKey) error
	GetKey(ctx context.Context, id string) (*proxy.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*proxy.APIKey, error)
	ListKeys(ctx context.Context, userID string, offset, limit int) ([]*proxy.APIKey, error)
	// CountKeys counts a user's keys; an empty userID counts all keys.
	CountKeys(ctx context.Context, userID string) (int, error)
	UpdateKey(ctx context.Context, key *proxy.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UsageStore manages usage log persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []proxy.UsageRecord) error
	QueryUsage(ctx context.Context, f proxy.UsageFilter) ([]proxy.UsageRecord, error)
	CountUsage(ctx context.Context, f proxy.UsageFilter) (int, error)
	UpsertRollup(ctx context.Context, rollups []proxy.UsageRollup) error
	QueryRollups(ctx context.Context, f proxy.RollupFilter) ([]proxy.UsageRollup, error)
}

// ModelStore manages the global disabled-model list.
type ModelStore interface {
	DisableModel(ctx context.Context, model, reason string) error
	EnableModel(ctx context.Context, model string) error
	ListDisabledModels(ctx context.Context) ([]proxy.DisabledModel, error)
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	KeyStore
	UsageStore
	ModelStore
	Ping(ctx context.Context) error
	Close() error
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/cache"
	"github.com/opendum/opendum/internal/provider"
	"github.com/opendum/opendum/internal/secrets"
	"github.com/opendum/opendum/internal/storage"
)

// Pending auth handles and quota snapshots live in the cache, namespaced so
// a shared Redis can host several deployments.
const (
	oauthKeyPrefix  = "opendum:oauth:"
	deviceKeyPrefix = "opendum:device:"
	quotaKeyPrefix  = "opendum:quota:"

	oauthStateTTL = 10 * time.Minute
	quotaTTL      = 5 * time.Minute
)

// AccountManager drives the provider-account lifecycle: OAuth and device-code
// connect flows, forced credential refresh, and quota snapshots. Pending flow
// state is cached, never persisted, so abandoned handles simply expire.
type AccountManager struct {
	registry *provider.Registry
	manager  *provider.Manager
	store    storage.AccountStore
	cache    cache.Cache
	enc      *secrets.Encryptor
}

// NewAccountManager wires an AccountManager. All dependencies are required.
func NewAccountManager(registry *provider.Registry, manager *provider.Manager, store storage.AccountStore, c cache.Cache, enc *secrets.Encryptor) *AccountManager {
	return &AccountManager{
		registry: registry,
		manager:  manager,
		store:    store,
		cache:    c,
		enc:      enc,
	}
}

// OAuthStart is the redirect handle returned to the caller. State is the
// single-use token the callback must echo back.
type OAuthStart struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// oauthState bridges StartOAuth and CompleteOAuth through the cache. The
// PKCE verifier never leaves the server.
type oauthState struct {
	Provider    string `json:"provider"`
	UserID      string `json:"user_id"`
	Verifier    string `json:"verifier"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// deviceHandle bridges StartDevice and PollDevice. DeviceAuth marshals
// without its secret fields, so the handle carries them explicitly.
type deviceHandle struct {
	Provider        string        `json:"provider"`
	UserID          string        `json:"user_id"`
	DeviceCode      string        `json:"device_code"`
	UserCode        string        `json:"user_code"`
	VerificationURL string        `json:"verification_url"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Interval        time.Duration `json:"interval"`
}

// StartOAuth begins a PKCE authorization-code flow and returns the provider
// redirect URL plus the state token the callback must present.
func (am *AccountManager) StartOAuth(ctx context.Context, userID, providerName, redirectURI string) (*OAuthStart, error) {
	adapter, err := am.registry.Get(providerName)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("unknown provider: %s", providerName))
	}

	state := uuid.Must(uuid.NewV7()).String()
	verifier := oauth2.GenerateVerifier()

	authURL, err := adapter.AuthURL(state, verifier)
	if err != nil {
		if errors.Is(err, proxy.ErrUnsupportedFlow) {
			return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
				fmt.Sprintf("provider %s connects via device authorization", providerName))
		}
		return nil, err
	}

	payload, err := json.Marshal(oauthState{
		Provider:    providerName,
		UserID:      userID,
		Verifier:    verifier,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return nil, err
	}
	am.cache.Set(ctx, oauthKeyPrefix+state, payload, oauthStateTTL)

	return &OAuthStart{AuthURL: authURL, State: state}, nil
}

// CompleteOAuth consumes the state token, exchanges the authorization code,
// and creates or updates the provider account. The state is single-use:
// it is deleted before the exchange so a replay cannot race a slow upstream.
func (am *AccountManager) CompleteOAuth(ctx context.Context, userID, state, code string) (*proxy.ProviderAccount, error) {
	data, ok := am.cache.Get(ctx, oauthKeyPrefix+state)
	if !ok {
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"unknown or expired oauth state")
	}
	am.cache.Delete(ctx, oauthKeyPrefix+state)

	var st oauthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	if st.UserID != userID {
		// Same answer as a missing state so the error does not confirm
		// that another user has a flow in progress.
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"unknown or expired oauth state")
	}

	adapter, err := am.registry.Get(st.Provider)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
			fmt.Sprintf("provider %s is not configured", st.Provider))
	}

	res, err := adapter.ExchangeCode(ctx, code, st.RedirectURI, st.Verifier)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "oauth code exchange failed",
			slog.String("provider", st.Provider),
			slog.String("error", err.Error()))
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"authorization code exchange failed")
	}

	return am.upsert(ctx, userID, st.Provider, res)
}

// StartDevice begins a device-code flow and returns the handle the caller
// polls. The handle expires with the provider's device code.
func (am *AccountManager) StartDevice(ctx context.Context, userID, providerName string) (*proxy.DeviceAuth, error) {
	adapter, err := am.registry.Get(providerName)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("unknown provider: %s", providerName))
	}

	da, err := adapter.InitiateDeviceCode(ctx)
	if err != nil {
		if errors.Is(err, proxy.ErrUnsupportedFlow) {
			return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
				fmt.Sprintf("provider %s connects via oauth redirect", providerName))
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "device authorization start failed",
			slog.String("provider", providerName),
			slog.String("error", err.Error()))
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"device authorization failed")
	}

	payload, err := json.Marshal(deviceHandle{
		Provider:        providerName,
		UserID:          userID,
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURL: da.VerificationURL,
		ExpiresAt:       da.ExpiresAt,
		Interval:        da.Interval,
	})
	if err != nil {
		return nil, err
	}
	am.cache.Set(ctx, deviceKeyPrefix+da.ID, payload, time.Until(da.ExpiresAt))

	return da, nil
}

// PollDevice checks a pending device authorization once. While the user has
// not finished it returns ErrAuthorizationPending; on approval it stores the
// account and discards the handle. Expired or denied grants also discard the
// handle so further polls answer consistently.
func (am *AccountManager) PollDevice(ctx context.Context, userID, id string) (*proxy.ProviderAccount, error) {
	data, ok := am.cache.Get(ctx, deviceKeyPrefix+id)
	if !ok {
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"unknown or expired device authorization")
	}

	var h deviceHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode device handle: %w", err)
	}
	if h.UserID != userID {
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"unknown or expired device authorization")
	}

	adapter, err := am.registry.Get(h.Provider)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
			fmt.Sprintf("provider %s is not configured", h.Provider))
	}

	res, err := adapter.PollDeviceCode(ctx, &proxy.DeviceAuth{
		ID:         id,
		Provider:   h.Provider,
		DeviceCode: h.DeviceCode,
		ExpiresAt:  h.ExpiresAt,
		Interval:   h.Interval,
	})
	switch {
	case errors.Is(err, proxy.ErrAuthorizationPending):
		return nil, err
	case errors.Is(err, proxy.ErrDeviceCodeExpired):
		am.cache.Delete(ctx, deviceKeyPrefix+id)
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"device authorization expired, start a new one")
	case errors.Is(err, proxy.ErrAccessDenied):
		am.cache.Delete(ctx, deviceKeyPrefix+id)
		return nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			"device authorization denied")
	case err != nil:
		slog.LogAttrs(ctx, slog.LevelWarn, "device authorization poll failed",
			slog.String("provider", h.Provider),
			slog.String("error", err.Error()))
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"device authorization failed")
	}

	am.cache.Delete(ctx, deviceKeyPrefix+id)
	return am.upsert(ctx, userID, h.Provider, res)
}

// Refresh forces a credential refresh outside the request path and returns
// the reloaded account.
func (am *AccountManager) Refresh(ctx context.Context, userID, accountID string) (*proxy.ProviderAccount, error) {
	account, err := am.owned(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := am.manager.ForceRefresh(ctx, account); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "forced refresh failed",
			slog.String("provider", account.Provider),
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"credential refresh failed")
	}
	return am.store.GetAccount(ctx, accountID)
}

// Quota returns the provider-side quota snapshot for an account, cached
// briefly so dashboards polling it do not hammer the upstream.
func (am *AccountManager) Quota(ctx context.Context, userID, accountID string) (json.RawMessage, error) {
	account, err := am.owned(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	if data, ok := am.cache.Get(ctx, quotaKeyPrefix+accountID); ok {
		return json.RawMessage(data), nil
	}

	adapter, err := am.registry.Get(account.Provider)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
			fmt.Sprintf("provider %s is not configured", account.Provider))
	}
	qf, ok := adapter.(proxy.QuotaFetcher)
	if !ok {
		return nil, proxy.NewAPIError(http.StatusNotFound, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("provider %s does not report quota", account.Provider))
	}

	cred, err := am.manager.Credentials(ctx, account)
	if err != nil {
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"credential refresh failed")
	}
	snap, err := qf.FetchQuota(ctx, cred, account)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "quota fetch failed",
			slog.String("provider", account.Provider),
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return nil, proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI,
			"quota fetch failed")
	}

	am.cache.Set(ctx, quotaKeyPrefix+accountID, snap, quotaTTL)
	return snap, nil
}

// owned loads an account and checks it belongs to userID. Missing and
// foreign accounts both answer ErrNotFound.
func (am *AccountManager) owned(ctx context.Context, userID, accountID string) (*proxy.ProviderAccount, error) {
	account, err := am.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != userID {
		return nil, proxy.ErrNotFound
	}
	return account, nil
}

// upsert stores the outcome of a successful auth flow. When the provider
// revealed an upstream account id and the user already connected it, the
// existing row gets the fresh tokens; otherwise a new account is created.
func (am *AccountManager) upsert(ctx context.Context, userID, providerName string, res *proxy.OAuthResult) (*proxy.ProviderAccount, error) {
	access, err := am.enc.Encrypt(res.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh string
	if res.RefreshToken != "" {
		if refresh, err = am.enc.Encrypt(res.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	var apiKey string
	if res.APIKey != "" {
		if apiKey, err = am.enc.Encrypt(res.APIKey); err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
	}

	if res.AccountID != "" {
		existing, err := am.store.FindAccountByUpstream(ctx, userID, providerName, res.AccountID)
		switch {
		case err == nil:
			if err := am.store.UpdateAccountTokens(ctx, existing.ID, access, refresh, apiKey, res.ExpiresAt); err != nil {
				return nil, err
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "provider account reconnected",
				slog.String("provider", providerName),
				slog.String("account_id", existing.ID))
			return am.store.GetAccount(ctx, existing.ID)
		case !errors.Is(err, proxy.ErrNotFound):
			return nil, err
		}
	}

	now := time.Now().UTC()
	account := &proxy.ProviderAccount{
		ID:                uuid.Must(uuid.NewV7()).String(),
		UserID:            userID,
		Provider:          providerName,
		Name:              accountName(providerName, res),
		Email:             res.Email,
		UpstreamAccountID: res.AccountID,
		AccessToken:       access,
		RefreshToken:      refresh,
		APIKey:            apiKey,
		ProjectID:         res.ProjectID,
		Tier:              res.Tier,
		ExpiresAt:         res.ExpiresAt,
		IsActive:          true,
		Status:            proxy.StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := am.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "provider account connected",
		slog.String("provider", providerName),
		slog.String("account_id", account.ID),
		slog.String("email", account.Email))
	return account, nil
}

func accountName(providerName string, res *proxy.OAuthResult) string {
	if res.Email != "" {
		return res.Email
	}
	return providerName + " account"
}

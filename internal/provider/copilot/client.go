// Package copilot implements the proxy.Adapter for GitHub Copilot accounts.
//
// Copilot auth is two-tier: the GitHub token from the device flow is the
// durable credential (stored as both access and refresh token), and every
// refresh exchanges it for a short-lived Copilot bearer carried as the
// derived api key.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

const (
	providerName   = "copilot"
	defaultBaseURL = "https://api.githubcopilot.com"

	githubClientID = "Iv1.b507a08c87ecfe98"
	deviceCodeURL  = "https://github.com/login/device/code"
	deviceScope    = "read:user"
	accessTokenURL = "https://github.com/login/oauth/access_token"
	deviceGrant    = "urn:ietf:params:oauth:grant-type:device_code"
	tokenURL       = "https://api.github.com/copilot_internal/v2/token"
	quotaURL       = "https://api.github.com/copilot_internal/user"
	userURL        = "https://api.github.com/user"

	apiVersion    = "2022-11-28"
	editorVersion = "vscode/1.96.0"
	editorPlugin  = "copilot-chat/0.26.7"
	integrationID = "vscode-chat"
	userAgent     = "GitHubCopilotChat/0.26.7"

	defaultPollInterval = 5 * time.Second
)

var (
	_ proxy.Adapter      = (*Client)(nil)
	_ proxy.QuotaFetcher = (*Client)(nil)
)

// Client is the Copilot adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Copilot Client with a tuned http.Client. If baseURL is
// empty, it defaults to the Copilot chat endpoint.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// AuthURL is not supported; Copilot uses the device flow.
func (c *Client) AuthURL(state, verifier string) (string, error) {
	return "", proxy.ErrUnsupportedFlow
}

// ExchangeCode is not supported; Copilot uses the device flow.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// InitiateDeviceCode starts a GitHub device authorization.
func (c *Client) InitiateDeviceCode(ctx context.Context) (*proxy.DeviceAuth, error) {
	form := url.Values{
		"client_id": {githubClientID},
		"scope":     {deviceScope},
	}
	body, err := c.postForm(ctx, deviceCodeURL, form)
	if err != nil {
		return nil, err
	}

	r := gjson.ParseBytes(body)
	deviceCode := r.Get("device_code").String()
	if deviceCode == "" {
		return nil, fmt.Errorf("copilot: empty device_code in response")
	}

	interval := defaultPollInterval
	if secs := r.Get("interval").Int(); secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	return &proxy.DeviceAuth{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Provider:        providerName,
		DeviceCode:      deviceCode,
		UserCode:        r.Get("user_code").String(),
		VerificationURL: r.Get("verification_uri").String(),
		ExpiresAt:       time.Now().Add(time.Duration(r.Get("expires_in").Int()) * time.Second),
		Interval:        interval,
	}, nil
}

// PollDeviceCode checks a pending authorization once. While the user has not
// finished, it returns ErrAuthorizationPending; on approval it exchanges the
// GitHub token for the Copilot bearer and resolves the account identity.
func (c *Client) PollDeviceCode(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error) {
	if !da.ExpiresAt.IsZero() && time.Now().After(da.ExpiresAt) {
		return nil, proxy.ErrDeviceCodeExpired
	}

	form := url.Values{
		"client_id":   {githubClientID},
		"device_code": {da.DeviceCode},
		"grant_type":  {deviceGrant},
	}
	body, err := c.postForm(ctx, accessTokenURL, form)
	if err != nil {
		return nil, err
	}

	r := gjson.ParseBytes(body)
	if code := r.Get("error").String(); code != "" {
		return nil, pollError(code)
	}
	githubToken := r.Get("access_token").String()
	if githubToken == "" {
		return nil, fmt.Errorf("copilot: empty access_token in response")
	}

	result, err := c.RefreshToken(ctx, githubToken)
	if err != nil {
		return nil, err
	}
	result.AccessToken = githubToken
	result.RefreshToken = githubToken

	if login, email, err := c.fetchUser(ctx, githubToken); err == nil {
		result.AccountID = login
		result.Email = email
	}
	return result, nil
}

// RefreshToken exchanges the stored GitHub token for a fresh Copilot bearer.
// The GitHub token itself does not rotate, so the refresh token is left
// empty and the credential manager keeps the stored one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("copilot: create token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+refreshToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot: token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("copilot: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	r := gjson.ParseBytes(respBody)
	bearer := r.Get("token").String()
	if bearer == "" {
		return nil, fmt.Errorf("copilot: empty token in response")
	}

	expiresAt, ok := parseTokenExpiry(bearer)
	if !ok {
		expiresAt = time.Unix(r.Get("expires_at").Int(), 0)
	}
	return &proxy.OAuthResult{
		APIKey:    bearer,
		ExpiresAt: expiresAt,
		Tier:      r.Get("sku").String(),
	}, nil
}

// MakeRequest issues a streaming chat completions call using the short-lived
// Copilot bearer. Non-2xx responses are returned as-is for the orchestrator
// to inspect.
func (c *Client) MakeRequest(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error) {
	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("copilot: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("copilot: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)
	httpReq.Header.Set("Copilot-Integration-Id", integrationID)
	httpReq.Header.Set("Editor-Version", editorVersion)
	httpReq.Header.Set("Editor-Plugin-Version", editorPlugin)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Openai-Intent", "conversation-panel")
	httpReq.Header.Set("X-Request-Id", uuid.Must(uuid.NewV7()).String())
	httpReq.Header.Set("X-Initiator", requestInitiator(req))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("copilot: do request: %w", err)
	}
	resp.Body = provider.WithIdleTimeout(resp.Body, provider.GenerativeIdleTimeout)
	return resp, nil
}

// FetchQuota returns the raw Copilot entitlement snapshot for the account.
// It authenticates with the durable GitHub token, not the Copilot bearer.
func (c *Client) FetchQuota(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, quotaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("copilot: create quota request: %w", err)
	}
	req.Header.Set("Authorization", "token "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot: quota request: %w", err)
	}
	quotaBody := provider.WithIdleTimeout(resp.Body, provider.QuotaTimeout)
	defer quotaBody.Close()

	body, err := io.ReadAll(io.LimitReader(quotaBody, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("copilot: read quota response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.RawMessage(body), nil
}

// postForm posts a form to a GitHub auth endpoint and returns the body.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("copilot: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("copilot: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// fetchUser resolves the GitHub login and email behind a token.
func (c *Client) fetchUser(ctx context.Context, githubToken string) (login, email string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(body)}
	}
	r := gjson.ParseBytes(body)
	return r.Get("login").String(), r.Get("email").String(), nil
}

// pollError maps GitHub device-poll error codes onto the canonical auth
// errors.
func pollError(code string) error {
	switch code {
	case "authorization_pending", "slow_down":
		return proxy.ErrAuthorizationPending
	case "expired_token":
		return proxy.ErrDeviceCodeExpired
	case "access_denied":
		return proxy.ErrAccessDenied
	default:
		return fmt.Errorf("copilot: authorization failed: %s", code)
	}
}

// parseTokenExpiry reads the exp= field embedded in a Copilot bearer
// ("tid=...;exp=1745678901;sku=..."). The embedded value is authoritative;
// the response-level expires_at is the fallback.
func parseTokenExpiry(token string) (time.Time, bool) {
	for _, field := range strings.Split(token, ";") {
		if v, ok := strings.CutPrefix(field, "exp="); ok {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Unix(secs, 0), true
			}
		}
	}
	return time.Time{}, false
}

// requestInitiator distinguishes fresh user turns from agentic follow-ups.
func requestInitiator(req *proxy.Request) string {
	for _, m := range req.Messages {
		if m.Role == proxy.RoleAssistant || m.Role == proxy.RoleTool {
			return "agent"
		}
	}
	return "user"
}

// Package openai implements the proxy.Adapter for ChatGPT OAuth accounts
// against the codex Responses backend.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://chatgpt.com/backend-api/codex"

	authorizeURL       = "https://auth.openai.com/oauth/authorize"
	tokenURL           = "https://auth.openai.com/oauth/token"
	oauthClientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
	defaultRedirectURI = "http://localhost:1455/auth/callback"
	oauthScope         = "openid profile email offline_access"
)

var _ proxy.Adapter = (*Client)(nil)

// Client is the OpenAI adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an OpenAI Client with a tuned http.Client.
// If baseURL is empty, it defaults to the codex backend endpoint.
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

// AuthURL builds the PKCE authorization redirect URL. The extra parameters
// match the codex CLI flow; without them the id_token omits the account id.
func (c *Client) AuthURL(state, verifier string) (string, error) {
	params := url.Values{
		"response_type":              {"code"},
		"client_id":                  {oauthClientID},
		"redirect_uri":               {defaultRedirectURI},
		"scope":                      {oauthScope},
		"state":                      {state},
		"code_challenge":             {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method":      {"S256"},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}
	return authorizeURL + "?" + params.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error) {
	if redirectURI == "" {
		redirectURI = defaultRedirectURI
	}
	return c.callToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {oauthClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	})
}

// InitiateDeviceCode is not supported; OpenAI uses the redirect flow.
func (c *Client) InitiateDeviceCode(ctx context.Context) (*proxy.DeviceAuth, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// PollDeviceCode is not supported; OpenAI uses the redirect flow.
func (c *Client) PollDeviceCode(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// RefreshToken obtains fresh credentials from the stored refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error) {
	return c.callToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	})
}

// callToken posts a form-encoded grant to the OAuth token endpoint and
// parses the shared response shape, including id_token identity claims.
func (c *Client) callToken(ctx context.Context, form url.Values) (*proxy.OAuthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("openai: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	r := gjson.ParseBytes(respBody)
	accessToken := r.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("openai: empty access_token in response")
	}

	result := &proxy.OAuthResult{
		AccessToken:  accessToken,
		RefreshToken: r.Get("refresh_token").String(),
		ExpiresAt:    time.Now().Add(time.Duration(r.Get("expires_in").Int()) * time.Second),
	}
	if idToken := r.Get("id_token").String(); idToken != "" {
		result.AccountID, result.Email, result.Tier = parseIDToken(idToken)
	}
	return result, nil
}

// parseIDToken extracts account identity from a JWT id_token payload
// without verifying the signature; the token just arrived over TLS from
// the issuer.
func parseIDToken(idToken string) (accountID, email, org string) {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return "", "", ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", ""
	}

	r := gjson.ParseBytes(payload)
	auth := r.Get(`https\://api\.openai\.com/auth`)
	return auth.Get("chatgpt_account_id").String(),
		r.Get("email").String(),
		auth.Get("organizations.0.title").String()
}

// MakeRequest issues a streaming Responses call. The codex backend rejects
// non-streaming calls, so stream is always true; non-2xx responses are
// returned as-is for the orchestrator to inspect.
func (c *Client) MakeRequest(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error) {
	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	httpReq.Header.Set("session_id", uuid.Must(uuid.NewV7()).String())
	if account != nil && account.UpstreamAccountID != "" {
		httpReq.Header.Set("chatgpt-account-id", account.UpstreamAccountID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	resp.Body = provider.WithIdleTimeout(resp.Body, provider.GenerativeIdleTimeout)
	return resp, nil
}

// Package anthropic implements the proxy.Adapter for Anthropic OAuth
// accounts against the Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

const (
	providerName   = "anthropic"
	defaultBaseURL = "https://api.anthropic.com"

	authorizeURL       = "https://claude.ai/oauth/authorize"
	tokenURL           = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID      = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	defaultRedirectURI = "https://platform.claude.com/oauth/code/callback"
	oauthScope         = "user:profile user:inference"

	apiVersion = "2023-06-01"
	oauthBeta  = "oauth-2025-04-20"
	userAgent  = "claude-cli/1.0.69 (external, cli)"
)

var _ proxy.Adapter = (*Client)(nil)

// Client is the Anthropic adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an Anthropic Client with a tuned http.Client.
// If baseURL is empty, it defaults to the public Anthropic API endpoint.
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

// AuthURL builds the PKCE authorization redirect URL.
func (c *Client) AuthURL(state, verifier string) (string, error) {
	params := url.Values{
		"code":                  {"true"},
		"client_id":             {oauthClientID},
		"response_type":         {"code"},
		"redirect_uri":          {defaultRedirectURI},
		"scope":                 {oauthScope},
		"state":                 {state},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	return authorizeURL + "?" + params.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens. Codes copied from
// the hosted callback page arrive as "code#state"; the fragment is passed
// through to the token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error) {
	if redirectURI == "" {
		redirectURI = defaultRedirectURI
	}
	code, state, _ := strings.Cut(code, "#")

	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     oauthClientID,
		"code":          code,
		"redirect_uri":  redirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}
	return c.callToken(ctx, body)
}

// InitiateDeviceCode is not supported; Anthropic uses the redirect flow.
func (c *Client) InitiateDeviceCode(ctx context.Context) (*proxy.DeviceAuth, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// PollDeviceCode is not supported; Anthropic uses the redirect flow.
func (c *Client) PollDeviceCode(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// RefreshToken obtains fresh credentials. Anthropic rotates refresh tokens;
// the result carries the replacement.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error) {
	return c.callToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     oauthClientID,
	})
}

// callToken posts a grant to the OAuth token endpoint and parses the shared
// response shape.
func (c *Client) callToken(ctx context.Context, grant map[string]string) (*proxy.OAuthResult, error) {
	body, _ := json.Marshal(grant)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://claude.ai/")
	req.Header.Set("Origin", "https://claude.ai")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{Provider: providerName, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	r := gjson.ParseBytes(respBody)
	accessToken := r.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("anthropic: empty access_token in response")
	}

	return &proxy.OAuthResult{
		AccessToken:  accessToken,
		RefreshToken: r.Get("refresh_token").String(),
		ExpiresAt:    time.Now().Add(time.Duration(r.Get("expires_in").Int()) * time.Second),
		Email:        r.Get("account.email_address").String(),
		AccountID:    r.Get("account.uuid").String(),
	}, nil
}

// MakeRequest issues a streaming Messages call. Non-2xx responses are
// returned as-is for the orchestrator to inspect.
func (c *Client) MakeRequest(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error) {
	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages?beta=true", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("anthropic-beta", oauthBeta)
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	resp.Body = provider.WithIdleTimeout(resp.Body, provider.GenerativeIdleTimeout)
	return resp, nil
}

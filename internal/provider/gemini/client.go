// Package gemini implements the proxy.Adapter for Google accounts against
// the Cloud Code companion API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
)

const (
	providerName = "gemini"

	oauthClientID      = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret  = "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"
	authorizeURL       = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL           = "https://oauth2.googleapis.com/token"
	userInfoURL        = "https://www.googleapis.com/oauth2/v1/userinfo"
	defaultRedirectURI = "http://localhost:51121/oauth-callback"

	// DefaultProjectID backs accounts whose onboarding never surfaced a
	// cloudaicompanion project.
	DefaultProjectID = "rising-fact-p41fc"

	clientVersion = "1.11.5"
)

// Cloud Code endpoints in fallback order: daily first, then production.
var defaultEndpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

var _ proxy.Adapter = (*Client)(nil)

// Client is the Gemini adapter.
type Client struct {
	endpoints []string
	http      *http.Client
	oauth     *oauth2.Config
}

// New creates a Gemini Client with a tuned http.Client. A non-empty baseURL
// replaces the built-in endpoint fallback list.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	eps := defaultEndpoints
	if baseURL != "" {
		eps = []string{strings.TrimRight(baseURL, "/")}
	}
	return &Client{
		endpoints: eps,
		http:      &http.Client{Transport: provider.NewTransport(resolver, true)},
		oauth: &oauth2.Config{
			ClientID:     oauthClientID,
			ClientSecret: oauthClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: authorizeURL, TokenURL: tokenURL},
			RedirectURL:  defaultRedirectURI,
			Scopes:       oauthScopes,
		},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// AuthURL builds the Google consent URL. access_type=offline plus
// prompt=consent makes Google reissue a refresh token on repeat grants.
func (c *Client) AuthURL(state, verifier string) (string, error) {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// ExchangeCode trades an authorization code for tokens, then resolves the
// account identity and cloudaicompanion project while the fresh access
// token is at hand.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	cfg := c.oauth
	if redirectURI != "" && redirectURI != cfg.RedirectURL {
		cc := *cfg
		cc.RedirectURL = redirectURI
		cfg = &cc
	}

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("gemini: exchange code: %w", err)
	}

	result := &proxy.OAuthResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if email, id, err := c.fetchUserInfo(ctx, tok.AccessToken); err == nil {
		result.Email = email
		result.AccountID = id
	}
	// Best effort: requests fall back to DefaultProjectID when discovery
	// comes up empty.
	result.ProjectID = c.discoverProject(ctx, tok.AccessToken)
	return result, nil
}

// InitiateDeviceCode is not supported; Google uses the redirect flow.
func (c *Client) InitiateDeviceCode(ctx context.Context) (*proxy.DeviceAuth, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// PollDeviceCode is not supported; Google uses the redirect flow.
func (c *Client) PollDeviceCode(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error) {
	return nil, proxy.ErrUnsupportedFlow
}

// RefreshToken obtains a fresh access token. Google omits the refresh token
// from refresh responses; the credential manager keeps the stored one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("gemini: refresh token: %w", err)
	}
	return &proxy.OAuthResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (c *Client) fetchUserInfo(ctx context.Context, accessToken string) (email, id string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

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
	return r.Get("email").String(), r.Get("id").String(), nil
}

// discoverProject asks each Cloud Code endpoint for the user's
// cloudaicompanion project. The field arrives as a string or an object.
func (c *Client) discoverProject(ctx context.Context, accessToken string) string {
	const body = `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

	for _, ep := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep+"/v1internal:loadCodeAssist", strings.NewReader(body))
		if err != nil {
			return ""
		}
		setFingerprint(req.Header)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		project := gjson.GetBytes(respBody, "cloudaicompanionProject")
		if project.Type == gjson.String && project.String() != "" {
			return project.String()
		}
		if id := project.Get("id").String(); id != "" {
			return id
		}
	}
	return ""
}

// MakeRequest issues a streaming generate call, trying the daily endpoint
// before production. Transport failures and 404s move to the next endpoint;
// any other upstream verdict is returned as-is.
func (c *Client) MakeRequest(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error) {
	project := cred.ProjectID
	if project == "" {
		project = DefaultProjectID
	}
	body, err := json.Marshal(map[string]any{
		"model":       req.Model,
		"project":     project,
		"request":     encodeRequest(req),
		"userAgent":   "antigravity",
		"requestType": "agent",
		"requestId":   "agent-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	var lastErr error
	for _, ep := range c.endpoints {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep+"/v1internal:streamGenerateContent?alt=sse", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gemini: create request: %w", err)
		}
		setFingerprint(httpReq.Header)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusNotFound && len(c.endpoints) > 1 {
			resp.Body.Close()
			lastErr = fmt.Errorf("gemini: model %s not found at %s", req.Model, ep)
			continue
		}
		resp.Body = provider.WithIdleTimeout(resp.Body, provider.GenerativeIdleTimeout)
		return resp, nil
	}
	return nil, fmt.Errorf("gemini: all endpoints failed: %w", lastErr)
}

// setFingerprint applies the Cloud Code client identification headers.
func setFingerprint(h http.Header) {
	h.Set("User-Agent", fmt.Sprintf("antigravity/%s %s/%s", clientVersion, runtime.GOOS, runtime.GOARCH))
	h.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
	h.Set("Client-Metadata", `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`)
}

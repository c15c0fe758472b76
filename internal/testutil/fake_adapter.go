// Package testutil provides configurable test fakes for proxy interfaces.
package testutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// FakeAdapter is a configurable proxy.Adapter for testing.
type FakeAdapter struct {
	Provider     string
	AuthURLFn    func(state, verifier string) (string, error)
	ExchangeFn   func(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error)
	DeviceInitFn func(ctx context.Context) (*proxy.DeviceAuth, error)
	DevicePollFn func(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error)
	RefreshFn    func(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error)
	RequestFn    func(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error)
	DecodeFn     func(ctx context.Context, body io.Reader) <-chan proxy.Event
}

// Name returns the configured provider tag.
func (f *FakeAdapter) Name() string { return f.Provider }

// AuthURL delegates to AuthURLFn or reports an unsupported flow.
func (f *FakeAdapter) AuthURL(state, verifier string) (string, error) {
	if f.AuthURLFn != nil {
		return f.AuthURLFn(state, verifier)
	}
	return "", proxy.ErrUnsupportedFlow
}

// ExchangeCode delegates to ExchangeFn or returns a static result.
func (f *FakeAdapter) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*proxy.OAuthResult, error) {
	if f.ExchangeFn != nil {
		return f.ExchangeFn(ctx, code, redirectURI, verifier)
	}
	return &proxy.OAuthResult{
		AccessToken:  "fake-access",
		RefreshToken: "fake-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

// InitiateDeviceCode delegates to DeviceInitFn or reports an unsupported flow.
func (f *FakeAdapter) InitiateDeviceCode(ctx context.Context) (*proxy.DeviceAuth, error) {
	if f.DeviceInitFn != nil {
		return f.DeviceInitFn(ctx)
	}
	return nil, proxy.ErrUnsupportedFlow
}

// PollDeviceCode delegates to DevicePollFn or reports pending authorization.
func (f *FakeAdapter) PollDeviceCode(ctx context.Context, da *proxy.DeviceAuth) (*proxy.OAuthResult, error) {
	if f.DevicePollFn != nil {
		return f.DevicePollFn(ctx, da)
	}
	return nil, proxy.ErrAuthorizationPending
}

// RefreshToken delegates to RefreshFn or returns a static rotated result.
func (f *FakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*proxy.OAuthResult, error) {
	if f.RefreshFn != nil {
		return f.RefreshFn(ctx, refreshToken)
	}
	return &proxy.OAuthResult{
		AccessToken:  "fake-access-2",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

// MakeRequest delegates to RequestFn or returns an empty 200 SSE response.
func (f *FakeAdapter) MakeRequest(ctx context.Context, cred proxy.Credential, account *proxy.ProviderAccount, req *proxy.Request) (*http.Response, error) {
	if f.RequestFn != nil {
		return f.RequestFn(ctx, cred, account, req)
	}
	return FakeHTTPResponse(http.StatusOK, ""), nil
}

// DecodeStream delegates to DecodeFn or returns a closed empty channel.
func (f *FakeAdapter) DecodeStream(ctx context.Context, body io.Reader) <-chan proxy.Event {
	if f.DecodeFn != nil {
		return f.DecodeFn(ctx, body)
	}
	ch := make(chan proxy.Event)
	close(ch)
	return ch
}

// FakeHTTPResponse builds an *http.Response with the given status and body,
// suitable as a MakeRequest return value.
func FakeHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// FakeEventChan returns a channel pre-loaded with the given canonical
// events. The channel is closed after all events are sent.
func FakeEventChan(events ...proxy.Event) <-chan proxy.Event {
	ch := make(chan proxy.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

// TextStream builds the usual happy-path event sequence: text deltas,
// a stop finish, and a usage report.
func TextStream(parts ...string) []proxy.Event {
	events := make([]proxy.Event, 0, len(parts)+2)
	for _, p := range parts {
		events = append(events, proxy.Event{Kind: proxy.EventText, Text: p})
	}
	events = append(events,
		proxy.Event{Kind: proxy.EventFinish, FinishReason: proxy.FinishStop},
		proxy.Event{Kind: proxy.EventUsage, Usage: &proxy.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
	)
	return events
}

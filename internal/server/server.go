// Package server implements the HTTP transport for the opendum proxy: the
// three caller dialect endpoints, the model listing, and the management
// surface for provider accounts, keys, usage, and the disabled-model list.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/app"
	"github.com/opendum/opendum/internal/storage"
	"github.com/opendum/opendum/internal/telemetry"
	"github.com/opendum/opendum/internal/translator"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Relayer drives one decoded request through a provider account and returns
// the canonical event stream.
type Relayer interface {
	Stream(ctx context.Context, key *proxy.APIKey, dec *translator.Decoded) (<-chan proxy.Event, *proxy.ProviderAccount, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           proxy.Authenticator
	Relay          Relayer
	Keys           *app.KeyManager
	Accounts       *app.AccountManager
	Store          storage.Store
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Caller-facing dialect endpoints (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/responses", s.handleResponses)
		r.Get("/v1/models", s.handleListModels)
	})

	// Management surface (admin role required)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/oauth/start", s.handleOAuthStart)
			r.Post("/oauth/callback", s.handleOAuthCallback)
			r.Post("/device/start", s.handleDeviceStart)
			r.Post("/device/poll", s.handleDevicePoll)
			r.Patch("/{id}", s.handlePatchAccount)
			r.Delete("/{id}", s.handleDeleteAccount)
			r.Post("/{id}/refresh", s.handleRefreshAccount)
			r.Get("/{id}/quota", s.handleAccountQuota)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Patch("/{id}", s.handlePatchKey)
			r.Delete("/{id}", s.handleDeleteKey)
		})

		r.Get("/usage", s.handleUsageSummary)

		r.Route("/models", func(r chi.Router) {
			r.Get("/disabled", s.handleDisabledModels)
			r.Put("/disabled", s.handleUpdateDisabledModels)
		})
	})

	return r
}

type server struct {
	deps Deps
}

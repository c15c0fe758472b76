package worker

import (
	"context"
	"log/slog"
	"time"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/provider"
	"github.com/opendum/opendum/internal/telemetry"
)

const (
	defaultRefreshInterval = 24 * time.Hour
	defaultExpiryWindow    = 2 * time.Hour
)

// ExpiringAccountStore is the persistence interface consumed by Refresher.
type ExpiringAccountStore interface {
	ListExpiringAccounts(ctx context.Context, before time.Time) ([]*proxy.ProviderAccount, error)
}

// Refresher proactively renews OAuth credentials before they expire, so idle
// accounts keep their refresh-token chain alive and the first request after a
// quiet period does not pay the refresh round-trip.
type Refresher struct {
	store    ExpiringAccountStore
	manager  *provider.Manager
	registry *provider.Registry
	metrics  *telemetry.Metrics
	interval time.Duration
	window   time.Duration
}

// NewRefresher creates a Refresher that sweeps every interval for accounts
// whose credentials expire within window. Zero durations fall back to the
// defaults (daily sweep, 2h window). metrics may be nil.
func NewRefresher(store ExpiringAccountStore, manager *provider.Manager, registry *provider.Registry, metrics *telemetry.Metrics, interval, window time.Duration) *Refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if window <= 0 {
		window = defaultExpiryWindow
	}
	return &Refresher{
		store:    store,
		manager:  manager,
		registry: registry,
		metrics:  metrics,
		interval: interval,
		window:   window,
	}
}

// Name returns the worker identifier.
func (r *Refresher) Name() string { return "refresher" }

// Run performs an initial sweep, then sweeps periodically until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep refreshes every active refresh-capable account expiring within the
// window. Individual failures are logged and counted, never fatal to the
// pass; accounts whose provider is not registered in this deployment are
// skipped untouched.
func (r *Refresher) sweep(ctx context.Context) {
	start := time.Now()

	accounts, err := r.store.ListExpiringAccounts(ctx, start.Add(r.window))
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "refresh sweep query failed",
			slog.String("error", err.Error()),
		)
		return
	}

	var refreshed, failed, skipped int
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.registry.Get(account.Provider); err != nil {
			skipped++
			continue
		}
		if _, err := r.manager.ForceRefresh(ctx, account); err != nil {
			failed++
			r.count(account.Provider, "error")
			slog.LogAttrs(ctx, slog.LevelWarn, "proactive refresh failed",
				slog.String("account_id", account.ID),
				slog.String("provider", account.Provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		refreshed++
		r.count(account.Provider, "success")
	}

	slog.Info("refresh sweep completed",
		"total", len(accounts),
		"refreshed", refreshed,
		"failed", failed,
		"skipped", skipped,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (r *Refresher) count(providerName, outcome string) {
	if r.metrics != nil {
		r.metrics.CredentialRefreshes.WithLabelValues(providerName, outcome).Inc()
	}
}

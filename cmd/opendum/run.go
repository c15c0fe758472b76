package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/opendum/opendum/internal/accountant"
	"github.com/opendum/opendum/internal/app"
	"github.com/opendum/opendum/internal/auth"
	"github.com/opendum/opendum/internal/cache"
	"github.com/opendum/opendum/internal/config"
	"github.com/opendum/opendum/internal/ledger"
	"github.com/opendum/opendum/internal/provider"
	"github.com/opendum/opendum/internal/provider/anthropic"
	"github.com/opendum/opendum/internal/provider/copilot"
	"github.com/opendum/opendum/internal/provider/gemini"
	"github.com/opendum/opendum/internal/provider/openai"
	"github.com/opendum/opendum/internal/secrets"
	"github.com/opendum/opendum/internal/selector"
	"github.com/opendum/opendum/internal/server"
	"github.com/opendum/opendum/internal/storage/sqlite"
	"github.com/opendum/opendum/internal/telemetry"
	"github.com/opendum/opendum/internal/tokencount"
	"github.com/opendum/opendum/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting opendum", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Shared cache: redis when configured, in-process otherwise
	shared, err := cache.New(cfg.Cache.URL, cfg.Cache.MaxSize)
	if err != nil {
		return err
	}
	defer shared.Close()

	enc, err := secrets.New(cfg.Crypto.EncryptionKey)
	if err != nil {
		return err
	}

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Metrics are always collected; the config flag gates the /metrics
	// endpoint only.
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	// Register enabled providers; adapters share one caching DNS resolver.
	resolver := &dnscache.Resolver{}
	reg := provider.NewRegistry()
	if p := cfg.Provider("anthropic"); p.IsEnabled() {
		reg.Register(anthropic.New(p.BaseURL, resolver))
	}
	if p := cfg.Provider("openai"); p.IsEnabled() {
		reg.Register(openai.New(p.BaseURL, resolver))
	}
	if p := cfg.Provider("gemini"); p.IsEnabled() {
		reg.Register(gemini.New(p.BaseURL, resolver))
	}
	if p := cfg.Provider("copilot"); p.IsEnabled() {
		reg.Register(copilot.New(p.BaseURL, resolver))
	}

	// Wire services
	manager := provider.NewManager(reg, store, enc)
	led := ledger.New(shared)

	usage := worker.NewUsageRecorder(store, metrics)

	relay := app.NewRelay(app.RelayDeps{
		Registry:        reg,
		Manager:         manager,
		Selector:        selector.New(store, led),
		Ledger:          led,
		Accountant:      accountant.New(store),
		Store:           store,
		Usage:           usage,
		Counter:         tokencount.NewCounter(),
		Metrics:         metrics,
		UpstreamTimeout: cfg.Relay.UpstreamTimeout,
	})

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	keys := app.NewKeyManager(store, apiKeyAuth)
	accounts := app.NewAccountManager(reg, manager, store, shared, enc)

	workers := []worker.Worker{usage, worker.NewUsageRollupWorker(store)}
	if cfg.Refresher.IsEnabled() {
		workers = append(workers, worker.NewRefresher(store, manager, reg, metrics,
			cfg.Refresher.Interval, cfg.Refresher.ExpiryWindow))
	}
	runner := worker.NewRunner(workers...)

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Relay:          relay,
		Keys:           keys,
		Accounts:       accounts,
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     readyCheck(store, shared),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()
	go refreshDNS(workerCtx, resolver)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("opendum ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server has drained so the final usage records
	// of in-flight requests are flushed, not dropped.
	stopWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("opendum stopped")
	return nil
}

// readyCheck reports ready only when both backing stores answer.
func readyCheck(store *sqlite.Store, c cache.Cache) server.ReadyChecker {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		return nil
	}
}

// refreshDNS re-resolves cached entries so long-lived upstream connections
// follow provider DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

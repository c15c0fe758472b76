// Package accountant tracks per-account failure streaks and drives the
// account lifecycle: active -> degraded -> failed. It decides when the
// orchestrator should rotate to another account and keeps upstream error
// text out of caller-visible paths by recording it against the account
// instead.
package accountant

import (
	"context"
	"log/slog"
	"net/http"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/storage"
)

// Lifecycle thresholds on the consecutive error streak.
const (
	DegradedThreshold = 3
	FailedThreshold   = 10
)

// Accountant records request outcomes against provider accounts.
type Accountant struct {
	store storage.AccountStore
}

// New returns an Accountant backed by store.
func New(store storage.AccountStore) *Accountant {
	return &Accountant{store: store}
}

// MarkSuccess clears the account's error streak and restores a degraded or
// failed account to active. Best-effort: accounting must never fail the
// request that just succeeded.
func (a *Accountant) MarkSuccess(ctx context.Context, account *proxy.ProviderAccount) {
	if err := a.store.RecordAccountSuccess(ctx, account.ID); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "record account success failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return
	}
	if account.Status == proxy.StatusActive {
		return
	}
	if err := a.store.SetAccountStatus(ctx, account.ID, proxy.StatusActive, true); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "restore account status failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "account recovered",
		slog.String("account_id", account.ID),
		slog.String("provider", account.Provider),
		slog.String("from", string(account.Status)))
}

// MarkFailed records one upstream failure and applies lifecycle transitions
// on the new streak length. The message is summarized before storage so a
// single oversized upstream body cannot bloat the accounts table.
func (a *Accountant) MarkFailed(ctx context.Context, account *proxy.ProviderAccount, statusCode int, message string) {
	streak, err := a.store.RecordAccountFailure(ctx, account.ID, statusCode, SanitizeMessage(message))
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "record account failure failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return
	}

	switch {
	case streak >= FailedThreshold:
		if account.Status == proxy.StatusFailed {
			return
		}
		if err := a.store.SetAccountStatus(ctx, account.ID, proxy.StatusFailed, false); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "set account status failed",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()))
			return
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "account failed, deactivated",
			slog.String("account_id", account.ID),
			slog.String("provider", account.Provider),
			slog.Int64("consecutive_errors", streak),
			slog.Int("last_status", statusCode))
	case streak >= DegradedThreshold:
		if account.Status != proxy.StatusActive {
			return
		}
		if err := a.store.SetAccountStatus(ctx, account.ID, proxy.StatusDegraded, true); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "set account status failed",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()))
			return
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "account degraded",
			slog.String("account_id", account.ID),
			slog.String("provider", account.Provider),
			slog.Int64("consecutive_errors", streak),
			slog.Int("last_status", statusCode))
	}
}

// ShouldRotate reports whether an upstream status is worth retrying on a
// different account: auth and quota problems (401/402/403), timeouts (408),
// rate limits (429), and provider-side faults (5xx). 4xx request errors are
// the caller's fault and rotate nowhere.
func ShouldRotate(status int) bool {
	switch status {
	case http.StatusUnauthorized,
		http.StatusPaymentRequired,
		http.StatusForbidden,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

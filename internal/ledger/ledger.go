// Package ledger tracks per-(account, model family) rate-limit cool-downs.
// Entries live in the shared cache so every proxy instance skips a limited
// account until its reset time passes.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/cache"
)

const keyPrefix = "opendum:ratelimit"

// Cool-down bounds. Upstream reset hints shorter than a second are
// useless; longer than thirty days means the payload was garbage.
const (
	minCooldown = time.Second
	maxCooldown = 30 * 24 * time.Hour
)

// Ledger records and answers rate-limit state for accounts.
type Ledger struct {
	store cache.Cache
	now   func() time.Time
}

// New creates a ledger over the given store.
func New(store cache.Cache) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func key(accountID, family string) string {
	return keyPrefix + ":" + accountID + ":" + family
}

// MarkRateLimited records a cool-down for the account on the given family.
// retryAfter is clamped to [1s, 30d] and doubles as the entry TTL. Concurrent
// marks for the same key are last-writer-wins.
func (l *Ledger) MarkRateLimited(ctx context.Context, accountID, family string, retryAfter time.Duration, model, message string) {
	if retryAfter < minCooldown {
		retryAfter = minCooldown
	}
	if retryAfter > maxCooldown {
		retryAfter = maxCooldown
	}
	e := proxy.RateLimitEntry{
		ResetTime: l.now().Add(retryAfter),
		Model:     model,
		Message:   message,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.store.Set(ctx, key(accountID, family), data, retryAfter)
	slog.LogAttrs(ctx, slog.LevelInfo, "account rate limited",
		slog.String("account_id", accountID),
		slog.String("family", family),
		slog.String("model", model),
		slog.Duration("retry_after", retryAfter))
}

// Entry returns the active cool-down for (account, family), if any.
func (l *Ledger) Entry(ctx context.Context, accountID, family string) (*proxy.RateLimitEntry, bool) {
	data, ok := l.store.Get(ctx, key(accountID, family))
	if !ok {
		return nil, false
	}
	var e proxy.RateLimitEntry
	if err := json.Unmarshal(data, &e); err != nil {
		l.store.Delete(ctx, key(accountID, family))
		return nil, false
	}
	if !e.ResetTime.After(l.now()) {
		return nil, false
	}
	return &e, true
}

// IsRateLimited reports whether the account is cooling down on the family.
func (l *Ledger) IsRateLimited(ctx context.Context, accountID, family string) bool {
	_, ok := l.Entry(ctx, accountID, family)
	return ok
}

// Clear removes the cool-down for (account, family).
func (l *Ledger) Clear(ctx context.Context, accountID, family string) {
	l.store.Delete(ctx, key(accountID, family))
}

// MinWait returns the shortest remaining cool-down across the given
// accounts for the family. Zero means at least one account is free.
func (l *Ledger) MinWait(ctx context.Context, accountIDs []string, family string) time.Duration {
	var min time.Duration
	for _, id := range accountIDs {
		e, ok := l.Entry(ctx, id, family)
		if !ok {
			return 0
		}
		wait := e.ResetTime.Sub(l.now())
		if min == 0 || wait < min {
			min = wait
		}
	}
	return min
}

// LimitedIDs returns the subset of accountIDs currently cooling down on
// the family.
func (l *Ledger) LimitedIDs(ctx context.Context, accountIDs []string, family string) map[string]bool {
	limited := make(map[string]bool)
	for _, id := range accountIDs {
		if l.IsRateLimited(ctx, id, family) {
			limited[id] = true
		}
	}
	return limited
}

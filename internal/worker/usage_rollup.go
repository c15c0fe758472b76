package worker

import (
	"context"
	"log/slog"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

const (
	rollupInterval = 5 * time.Minute
)

// RollupStore is the persistence interface consumed by UsageRollupWorker.
type RollupStore interface {
	QueryUsage(ctx context.Context, f proxy.UsageFilter) ([]proxy.UsageRecord, error)
	UpsertRollup(ctx context.Context, rollups []proxy.UsageRollup) error
}

// UsageRollupWorker periodically aggregates raw usage records into hourly
// rollups so summary queries over long ranges never scan raw rows.
type UsageRollupWorker struct {
	store RollupStore
}

// NewUsageRollupWorker creates a new rollup worker.
func NewUsageRollupWorker(store RollupStore) *UsageRollupWorker {
	return &UsageRollupWorker{store: store}
}

// Name returns the worker identifier.
func (w *UsageRollupWorker) Name() string { return "usage_rollup" }

// Run aggregates usage records into hourly rollups on a periodic schedule.
func (w *UsageRollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *UsageRollupWorker) rollup(ctx context.Context) {
	// Aggregate the last 2 hours to cover any late-arriving records.
	now := time.Now().UTC()
	since := now.Add(-2 * time.Hour).Truncate(time.Hour).Format(time.RFC3339)
	until := now.Truncate(time.Hour).Format(time.RFC3339)

	records, err := w.store.QueryUsage(ctx, proxy.UsageFilter{
		Since: since,
		Until: until,
		Limit: 10_000,
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(records) == 0 {
		return
	}

	// Aggregate by (user_id, provider, model, hour).
	type key struct {
		UserID   string
		Provider string
		Model    string
		Bucket   string
	}
	agg := make(map[key]*proxy.UsageRollup)
	for _, r := range records {
		bucket := r.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		k := key{UserID: r.UserID, Provider: r.Provider, Model: r.Model, Bucket: bucket}
		if _, ok := agg[k]; !ok {
			agg[k] = &proxy.UsageRollup{
				UserID:   r.UserID,
				Provider: r.Provider,
				Model:    r.Model,
				Period:   "hour",
				Bucket:   bucket,
			}
		}
		ru := agg[k]
		ru.RequestCount++
		ru.PromptTokens += int64(r.PromptTokens)
		ru.CompletionTokens += int64(r.CompletionTokens)
		ru.TotalTokens += int64(r.PromptTokens) + int64(r.CompletionTokens)
		if r.StatusCode >= 400 {
			ru.ErrorCount++
		}
	}

	rollups := make([]proxy.UsageRollup, 0, len(agg))
	for _, r := range agg {
		rollups = append(rollups, *r)
	}

	if err := w.store.UpsertRollup(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("usage rollup completed", "rollups", len(rollups), "records", len(records))
}

package sqlite

import (
	"context"
	"strings"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []proxy.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 11
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, r.APIKeyID, r.AccountID, r.Provider, r.Model,
			r.PromptTokens, r.CompletionTokens, r.StatusCode, r.DurationMs,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_logs
		(id, user_id, api_key_id, account_id, provider, model,
		 prompt_tokens, completion_tokens, status_code, duration_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f proxy.UsageFilter) ([]proxy.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, user_id, api_key_id, account_id, provider, model,
		prompt_tokens, completion_tokens, status_code, duration_ms, created_at
		FROM usage_logs` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proxy.UsageRecord
	for rows.Next() {
		var r proxy.UsageRecord
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.UserID, &r.APIKeyID, &r.AccountID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.StatusCode, &r.DurationMs,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f proxy.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs`+where, args...,
	).Scan(&n)
	return n, err
}

func usageWhere(f proxy.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.KeyID != "" {
		clauses = append(clauses, "api_key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertRollup inserts or updates usage rollup records in a single transaction
// with a prepared statement for efficiency.
func (s *Store) UpsertRollup(ctx context.Context, rollups []proxy.UsageRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_rollups (user_id, provider, model, period, bucket,
		 request_count, prompt_tokens, completion_tokens, total_tokens, error_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider, model, period, bucket) DO UPDATE SET
		 request_count = request_count + excluded.request_count,
		 prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		 completion_tokens = completion_tokens + excluded.completion_tokens,
		 total_tokens = total_tokens + excluded.total_tokens,
		 error_count = error_count + excluded.error_count`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rollups {
		if _, err := stmt.ExecContext(ctx,
			r.UserID, r.Provider, r.Model, r.Period, r.Bucket,
			r.RequestCount, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.ErrorCount,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryRollups returns rollups matching the filter.
func (s *Store) QueryRollups(ctx context.Context, f proxy.RollupFilter) ([]proxy.UsageRollup, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Period != "" {
		clauses = append(clauses, "period = ?")
		args = append(args, f.Period)
	}
	if f.Since != "" {
		clauses = append(clauses, "bucket >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "bucket < ?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT user_id, provider, model, period, bucket,
		 request_count, prompt_tokens, completion_tokens, total_tokens, error_count
		 FROM usage_rollups`+where+` ORDER BY bucket DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proxy.UsageRollup
	for rows.Next() {
		var r proxy.UsageRollup
		err := rows.Scan(&r.UserID, &r.Provider, &r.Model, &r.Period, &r.Bucket,
			&r.RequestCount, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.ErrorCount)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DisableModel adds a model to the global disabled list. Re-disabling an
// already disabled model keeps the original entry and its reason.
func (s *Store) DisableModel(ctx context.Context, model, reason string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO disabled_models (model, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(model) DO NOTHING`,
		model, reason, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// EnableModel removes a model from the global disabled list.
func (s *Store) EnableModel(ctx context.Context, model string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM disabled_models WHERE model=?`, model)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "disabled model")
}

// ListDisabledModels returns all globally disabled models.
func (s *Store) ListDisabledModels(ctx context.Context) ([]proxy.DisabledModel, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, reason, created_at FROM disabled_models ORDER BY model ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []proxy.DisabledModel
	for rows.Next() {
		var m proxy.DisabledModel
		var createdAt string
		if err := rows.Scan(&m.Model, &m.Reason, &createdAt); err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			m.CreatedAt = t
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// accountCols is the column list shared by every provider_accounts SELECT;
// scanAccount must stay in sync with it.
const accountCols = `id, user_id, provider, name, email, upstream_account_id,
	access_token, refresh_token, api_key, project_id, tier, expires_at,
	is_active, status, request_count, success_count, error_count, consecutive_errors,
	last_used_at, last_error_at, last_error_code, last_error_message, created_at, updated_at`

// CreateAccount inserts a new provider account.
func (s *Store) CreateAccount(ctx context.Context, a *proxy.ProviderAccount) error {
	now := time.Now().UTC().Format(time.RFC3339)
	status := a.Status
	if status == "" {
		status = proxy.StatusActive
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_accounts (id, user_id, provider, name, email, upstream_account_id,
		 access_token, refresh_token, api_key, project_id, tier, expires_at,
		 is_active, status, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Provider, a.Name, a.Email, a.UpstreamAccountID,
		a.AccessToken, a.RefreshToken, a.APIKey, a.ProjectID, a.Tier, zeroTimeToStr(a.ExpiresAt),
		boolToInt(a.IsActive), string(status), timeToStr(a.LastUsedAt), now, now,
	)
	return err
}

// GetAccount retrieves a provider account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*proxy.ProviderAccount, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM provider_accounts WHERE id=?`, id,
	)
	return scanAccount(row)
}

// ListAccounts returns all provider accounts owned by a user.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*proxy.ProviderAccount, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountCols+` FROM provider_accounts
		 WHERE user_id=? ORDER BY created_at ASC, id ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListCandidateAccounts returns the user's active accounts for the given
// providers, least recently used first. NULL last_used_at sorts first under
// ASC, so never-used accounts are always tried before recently used ones.
// An empty provider list matches all providers.
func (s *Store) ListCandidateAccounts(ctx context.Context, userID string, providers []string) ([]*proxy.ProviderAccount, error) {
	query := `SELECT ` + accountCols + ` FROM provider_accounts
		 WHERE user_id=? AND is_active=1`
	args := []any{userID}
	if len(providers) > 0 {
		query += ` AND provider IN (?` + strings.Repeat(",?", len(providers)-1) + `)`
		for _, p := range providers {
			args = append(args, p)
		}
	}
	query += ` ORDER BY last_used_at ASC, id ASC`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// FindAccountByUpstream locates an account by its provider-side identity.
func (s *Store) FindAccountByUpstream(ctx context.Context, userID, provider, upstreamID string) (*proxy.ProviderAccount, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM provider_accounts
		 WHERE user_id=? AND provider=? AND upstream_account_id=?`,
		userID, provider, upstreamID,
	)
	return scanAccount(row)
}

// ListExpiringAccounts returns active accounts holding a refresh token whose
// credentials expire before the given time.
func (s *Store) ListExpiringAccounts(ctx context.Context, before time.Time) ([]*proxy.ProviderAccount, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountCols+` FROM provider_accounts
		 WHERE is_active=1 AND refresh_token != '' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// UpdateAccountTokens replaces an account's stored credentials. Values are
// written as given; callers encrypt before calling and pass the previous
// refresh token through when the provider did not rotate it.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken, apiKey string, expiresAt time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET access_token=?, refresh_token=?, api_key=?, expires_at=?, updated_at=?
		 WHERE id=?`,
		accessToken, refreshToken, apiKey, zeroTimeToStr(expiresAt),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// UpdateAccountName renames an account.
func (s *Store) UpdateAccountName(ctx context.Context, id, name string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET name=?, updated_at=? WHERE id=?`,
		name, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountActive toggles whether an account participates in selection.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET is_active=?, updated_at=? WHERE id=?`,
		boolToInt(active), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountStatus moves an account through its failure lifecycle.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status proxy.AccountStatus, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET status=?, is_active=?, updated_at=? WHERE id=?`,
		string(status), boolToInt(active), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// MarkAccountUsed advances last_used_at and increments request_count. Called
// before the upstream attempt so rotation ordering moves even when the call
// fails.
func (s *Store) MarkAccountUsed(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET last_used_at=?, request_count=request_count+1, updated_at=?
		 WHERE id=?`,
		now, now, id,
	)
	return err
}

// RecordAccountSuccess increments the success counter and clears the
// consecutive error streak.
func (s *Store) RecordAccountSuccess(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET success_count=success_count+1, consecutive_errors=0, updated_at=?
		 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// RecordAccountFailure increments error counters and stores the error detail,
// returning the new consecutive error count. The follow-up read goes through
// the single-connection write pool so it observes the update it just made.
func (s *Store) RecordAccountFailure(ctx context.Context, id string, code int, message string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET error_count=error_count+1, consecutive_errors=consecutive_errors+1,
		 last_error_at=?, last_error_code=?, last_error_message=?, updated_at=?
		 WHERE id=?`,
		now, code, message, now, id,
	)
	if err != nil {
		return 0, err
	}
	if err := checkRowsAffected(result, "account"); err != nil {
		return 0, err
	}
	var n int64
	err = s.write.QueryRowContext(ctx,
		`SELECT consecutive_errors FROM provider_accounts WHERE id=?`, id,
	).Scan(&n)
	return n, err
}

// ResetAccountCounters clears the consecutive error streak and last-error
// detail, used when an admin reactivates an account or a refresh succeeds.
func (s *Store) ResetAccountCounters(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_accounts SET consecutive_errors=0, last_error_code=0, last_error_message='', updated_at=?
		 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// DeleteAccount removes a provider account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func collectAccounts(rows *sql.Rows) ([]*proxy.ProviderAccount, error) {
	var accounts []*proxy.ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(s scanner) (*proxy.ProviderAccount, error) {
	var a proxy.ProviderAccount
	var expiresAt, lastUsedAt, lastErrorAt sql.NullString
	var createdAt, updatedAt string
	var isActive int
	var status string

	err := s.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.Name, &a.Email, &a.UpstreamAccountID,
		&a.AccessToken, &a.RefreshToken, &a.APIKey, &a.ProjectID, &a.Tier, &expiresAt,
		&isActive, &status, &a.RequestCount, &a.SuccessCount, &a.ErrorCount, &a.ConsecutiveErrors,
		&lastUsedAt, &lastErrorAt, &a.LastErrorCode, &a.LastErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.IsActive = isActive != 0
	a.Status = proxy.AccountStatus(status)
	if t := parseTime(expiresAt); t != nil {
		a.ExpiresAt = *t
	}
	a.LastUsedAt = parseTime(lastUsedAt)
	a.LastErrorAt = parseTime(lastErrorAt)
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		a.CreatedAt = t
	}
	if t, e := time.Parse(time.RFC3339, updatedAt); e == nil {
		a.UpdatedAt = t
	}
	return &a, nil
}

// zeroTimeToStr maps the zero time to NULL; accounts authenticated with a
// static API key have no credential expiry.
func zeroTimeToStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

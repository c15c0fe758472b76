package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

const keyCols = `id, user_id, name, key_hash, key_prefix, role, model_access, model_list,
	is_active, last_used_at, created_at`

// CreateKey inserts a new proxy API key.
func (s *Store) CreateKey(ctx context.Context, key *proxy.APIKey) error {
	models, err := marshalJSON(key.ModelList)
	if err != nil {
		return err
	}
	role := key.Role
	if role == "" {
		role = proxy.RoleMember
	}
	access := key.ModelAccess
	if access == "" {
		access = proxy.ModelAccessAll
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO proxy_api_keys (id, user_id, name, key_hash, key_prefix, role,
		 model_access, model_list, is_active, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, role,
		access, models, boolToInt(key.IsActive),
		timeToStr(key.LastUsedAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves a proxy API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*proxy.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM proxy_api_keys WHERE id = ?`, id,
	)
	return scanKey(row)
}

// GetKeyByHash retrieves a proxy API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*proxy.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM proxy_api_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns a user's proxy API keys, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string, offset, limit int) ([]*proxy.APIKey, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyCols+` FROM proxy_api_keys
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*proxy.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountKeys returns the number of a user's proxy API keys, or of all keys
// when userID is empty.
func (s *Store) CountKeys(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proxy_api_keys WHERE (? = '' OR user_id = ?)`,
		userID, userID,
	).Scan(&n)
	return n, err
}

// UpdateKey updates a key's mutable fields. The hash and prefix are fixed at
// creation.
func (s *Store) UpdateKey(ctx context.Context, key *proxy.APIKey) error {
	models, err := marshalJSON(key.ModelList)
	if err != nil {
		return err
	}
	role := key.Role
	if role == "" {
		role = proxy.RoleMember
	}
	access := key.ModelAccess
	if access == "" {
		access = proxy.ModelAccessAll
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_api_keys SET name=?, role=?, model_access=?, model_list=?, is_active=?
		 WHERE id=?`,
		key.Name, role, access, models, boolToInt(key.IsActive), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes a proxy API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM proxy_api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE proxy_api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to proxy.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return proxy.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*proxy.APIKey, error) {
	var k proxy.APIKey
	var modelsJSON sql.NullString
	var lastUsedAt sql.NullString
	var createdAt string
	var isActive int

	err := s.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role,
		&k.ModelAccess, &modelsJSON, &isActive, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.IsActive = isActive != 0
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	k.ModelList = models
	k.LastUsedAt = parseTime(lastUsedAt)
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		k.CreatedAt = t
	}
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	// Check for empty slice
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, proxy.ErrNotFound)
	}
	return nil
}

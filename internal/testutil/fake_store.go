package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Accessors return copies so callers cannot mutate stored state by accident.
type FakeStore struct {
	mu       sync.RWMutex
	accounts map[string]*proxy.ProviderAccount
	keys     map[string]*proxy.APIKey
	usage    []proxy.UsageRecord
	rollups  map[string]proxy.UsageRollup
	disabled map[string]proxy.DisabledModel

	// Err, when set, is returned by every method. Simulates a broken store.
	Err error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: make(map[string]*proxy.ProviderAccount),
		keys:     make(map[string]*proxy.APIKey),
		rollups:  make(map[string]proxy.UsageRollup),
		disabled: make(map[string]proxy.DisabledModel),
	}
}

// AddAccount inserts an account into the fake store.
func (s *FakeStore) AddAccount(a *proxy.ProviderAccount) {
	s.mu.Lock()
	clone := *a
	s.accounts[a.ID] = &clone
	s.mu.Unlock()
}

// AddKey inserts an API key into the fake store.
func (s *FakeStore) AddKey(k *proxy.APIKey) {
	s.mu.Lock()
	clone := *k
	s.keys[k.ID] = &clone
	s.mu.Unlock()
}

// UsageRecords returns a snapshot of everything inserted via InsertUsage.
func (s *FakeStore) UsageRecords() []proxy.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxy.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// --- AccountStore ---

// CreateAccount stores an account.
func (s *FakeStore) CreateAccount(_ context.Context, a *proxy.ProviderAccount) error {
	if s.Err != nil {
		return s.Err
	}
	s.AddAccount(a)
	return nil
}

// GetAccount returns a copy of the stored account.
func (s *FakeStore) GetAccount(_ context.Context, id string) (*proxy.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

// ListAccounts returns all accounts owned by userID.
func (s *FakeStore) ListAccounts(_ context.Context, userID string) ([]*proxy.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proxy.ProviderAccount
	for _, a := range s.accounts {
		if a.UserID == userID {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListCandidateAccounts mirrors the SQL ordering: active accounts for the
// given providers, last_used_at ascending with never-used first, ties by id.
func (s *FakeStore) ListCandidateAccounts(_ context.Context, userID string, providers []string) ([]*proxy.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := func(p string) bool {
		if len(providers) == 0 {
			return true
		}
		for _, want := range providers {
			if p == want {
				return true
			}
		}
		return false
	}
	var out []*proxy.ProviderAccount
	for _, a := range s.accounts {
		if a.UserID == userID && a.IsActive && match(a.Provider) {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i], out[j]
		switch {
		case ai.LastUsedAt == nil && aj.LastUsedAt != nil:
			return true
		case ai.LastUsedAt != nil && aj.LastUsedAt == nil:
			return false
		case ai.LastUsedAt != nil && aj.LastUsedAt != nil && !ai.LastUsedAt.Equal(*aj.LastUsedAt):
			return ai.LastUsedAt.Before(*aj.LastUsedAt)
		}
		return ai.ID < aj.ID
	})
	return out, nil
}

// FindAccountByUpstream looks up an account by provider-side identity.
func (s *FakeStore) FindAccountByUpstream(_ context.Context, userID, provider, upstreamID string) (*proxy.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.UserID == userID && a.Provider == provider && a.UpstreamAccountID == upstreamID {
			clone := *a
			return &clone, nil
		}
	}
	return nil, proxy.ErrNotFound
}

// ListExpiringAccounts returns active refresh-capable accounts expiring
// before the given time.
func (s *FakeStore) ListExpiringAccounts(_ context.Context, before time.Time) ([]*proxy.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proxy.ProviderAccount
	for _, a := range s.accounts {
		if a.IsActive && a.RefreshToken != "" && !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(before) {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// UpdateAccountTokens replaces stored credentials.
func (s *FakeStore) UpdateAccountTokens(_ context.Context, id, accessToken, refreshToken, apiKey string, expiresAt time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.APIKey = apiKey
	a.ExpiresAt = expiresAt
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateAccountName renames an account.
func (s *FakeStore) UpdateAccountName(_ context.Context, id, name string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.Name = name
	return nil
}

// SetAccountActive toggles selection participation.
func (s *FakeStore) SetAccountActive(_ context.Context, id string, active bool) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.IsActive = active
	return nil
}

// SetAccountStatus moves an account through its lifecycle.
func (s *FakeStore) SetAccountStatus(_ context.Context, id string, status proxy.AccountStatus, active bool) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.Status = status
	a.IsActive = active
	return nil
}

// MarkAccountUsed advances last_used_at and request_count.
func (s *FakeStore) MarkAccountUsed(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	now := time.Now().UTC()
	a.LastUsedAt = &now
	a.RequestCount++
	return nil
}

// RecordAccountSuccess clears the error streak.
func (s *FakeStore) RecordAccountSuccess(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.SuccessCount++
	a.ConsecutiveErrors = 0
	return nil
}

// RecordAccountFailure increments error counters and returns the new streak.
func (s *FakeStore) RecordAccountFailure(_ context.Context, id string, code int, message string) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, proxy.ErrNotFound
	}
	now := time.Now().UTC()
	a.ErrorCount++
	a.ConsecutiveErrors++
	a.LastErrorAt = &now
	a.LastErrorCode = code
	a.LastErrorMessage = message
	return a.ConsecutiveErrors, nil
}

// ResetAccountCounters clears the streak and last-error detail.
func (s *FakeStore) ResetAccountCounters(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return proxy.ErrNotFound
	}
	a.ConsecutiveErrors = 0
	a.LastErrorCode = 0
	a.LastErrorMessage = ""
	return nil
}

// DeleteAccount removes an account.
func (s *FakeStore) DeleteAccount(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return proxy.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// --- KeyStore ---

// CreateKey stores an API key.
func (s *FakeStore) CreateKey(_ context.Context, k *proxy.APIKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.AddKey(k)
	return nil
}

// GetKey returns a key by ID.
func (s *FakeStore) GetKey(_ context.Context, id string) (*proxy.APIKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	clone := *k
	return &clone, nil
}

// GetKeyByHash returns a key by its SHA-256 hash.
func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*proxy.APIKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			clone := *k
			return &clone, nil
		}
	}
	return nil, proxy.ErrNotFound
}

// ListKeys returns a user's keys.
func (s *FakeStore) ListKeys(_ context.Context, userID string, _, _ int) ([]*proxy.APIKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proxy.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			clone := *k
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountKeys counts a user's stored keys, or all keys when userID is empty.
func (s *FakeStore) CountKeys(_ context.Context, userID string) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID == "" {
		return len(s.keys), nil
	}
	n := 0
	for _, k := range s.keys {
		if k.UserID == userID {
			n++
		}
	}
	return n, nil
}

// UpdateKey replaces a stored key.
func (s *FakeStore) UpdateKey(_ context.Context, k *proxy.APIKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return proxy.ErrNotFound
	}
	clone := *k
	s.keys[k.ID] = &clone
	return nil
}

// DeleteKey removes a key.
func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return proxy.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

// TouchKeyUsed sets last_used_at.
func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- UsageStore ---

// InsertUsage appends records.
func (s *FakeStore) InsertUsage(_ context.Context, records []proxy.UsageRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

// QueryUsage returns records matching the filter.
func (s *FakeStore) QueryUsage(_ context.Context, f proxy.UsageFilter) ([]proxy.UsageRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proxy.UsageRecord
	for _, r := range s.usage {
		if usageMatches(r, f) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountUsage counts records matching the filter.
func (s *FakeStore) CountUsage(_ context.Context, f proxy.UsageFilter) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.usage {
		if usageMatches(r, f) {
			n++
		}
	}
	return n, nil
}

func usageMatches(r proxy.UsageRecord, f proxy.UsageFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.KeyID != "" && r.APIKeyID != f.KeyID {
		return false
	}
	if f.AccountID != "" && r.AccountID != f.AccountID {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	return true
}

// UpsertRollup accumulates rollups keyed by their primary key.
func (s *FakeStore) UpsertRollup(_ context.Context, rollups []proxy.UsageRollup) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rollups {
		key := strings.Join([]string{r.UserID, r.Provider, r.Model, r.Period, r.Bucket}, "|")
		cur := s.rollups[key]
		cur.UserID, cur.Provider, cur.Model, cur.Period, cur.Bucket = r.UserID, r.Provider, r.Model, r.Period, r.Bucket
		cur.RequestCount += r.RequestCount
		cur.PromptTokens += r.PromptTokens
		cur.CompletionTokens += r.CompletionTokens
		cur.TotalTokens += r.TotalTokens
		cur.ErrorCount += r.ErrorCount
		s.rollups[key] = cur
	}
	return nil
}

// QueryRollups returns rollups matching the filter.
func (s *FakeStore) QueryRollups(_ context.Context, f proxy.RollupFilter) ([]proxy.UsageRollup, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proxy.UsageRollup
	for _, r := range s.rollups {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if f.Period != "" && r.Period != f.Period {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket > out[j].Bucket })
	return out, nil
}

// --- ModelStore ---

// DisableModel adds a model to the disabled set. Re-disabling keeps the
// original entry.
func (s *FakeStore) DisableModel(_ context.Context, model, reason string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disabled[model]; ok {
		return nil
	}
	s.disabled[model] = proxy.DisabledModel{Model: model, Reason: reason, CreatedAt: time.Now()}
	return nil
}

// EnableModel removes a model from the disabled set.
func (s *FakeStore) EnableModel(_ context.Context, model string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disabled[model]; !ok {
		return proxy.ErrNotFound
	}
	delete(s.disabled, model)
	return nil
}

// ListDisabledModels returns the disabled set, sorted by model.
func (s *FakeStore) ListDisabledModels(context.Context) ([]proxy.DisabledModel, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxy.DisabledModel, 0, len(s.disabled))
	for _, m := range s.disabled {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// Ping reports the configured error, if any.
func (s *FakeStore) Ping(context.Context) error { return s.Err }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

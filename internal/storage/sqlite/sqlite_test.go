package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &proxy.APIKey{
		ID:        "key-1",
		UserID:    "user-1",
		Name:      "ci",
		KeyHash:   "abc123hash",
		KeyPrefix: "opd_abc1",
		IsActive:  true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != key.ID {
		t.Errorf("id = %q, want %q", got.ID, key.ID)
	}
	if got.KeyPrefix != key.KeyPrefix {
		t.Errorf("prefix = %q, want %q", got.KeyPrefix, key.KeyPrefix)
	}
	if got.Role != proxy.RoleMember {
		t.Errorf("role = %q, want default member", got.Role)
	}
	if got.ModelAccess != proxy.ModelAccessAll {
		t.Errorf("model_access = %q, want default all", got.ModelAccess)
	}

	// List
	keys, err := s.ListKeys(ctx, "user-1", 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	// Update
	key.ModelAccess = proxy.ModelAccessAllowlist
	key.ModelList = []string{"claude-sonnet-4-5"}
	key.IsActive = false
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if got.IsActive {
		t.Error("is_active should be false after update")
	}
	if len(got.ModelList) != 1 || got.ModelList[0] != "claude-sonnet-4-5" {
		t.Errorf("model_list = %v, want [claude-sonnet-4-5]", got.ModelList)
	}

	// TouchUsed
	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	// Delete
	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	_, err = s.GetKeyByHash(ctx, "abc123hash")
	if err != proxy.ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := &proxy.ProviderAccount{
		ID:                "acc-1",
		UserID:            "user-1",
		Provider:          proxy.ProviderAnthropic,
		Name:              "work",
		Email:             "dev@example.com",
		UpstreamAccountID: "up-123",
		AccessToken:       "enc-access",
		RefreshToken:      "enc-refresh",
		ExpiresAt:         time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		IsActive:          true,
	}

	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Provider != proxy.ProviderAnthropic {
		t.Errorf("provider = %q, want anthropic", got.Provider)
	}
	if got.Status != proxy.StatusActive {
		t.Errorf("status = %q, want default active", got.Status)
	}
	if got.AccessToken != "enc-access" {
		t.Errorf("access_token = %q, want enc-access", got.AccessToken)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("expires_at should survive the round trip")
	}

	// Upstream identity lookup
	found, err := s.FindAccountByUpstream(ctx, "user-1", proxy.ProviderAnthropic, "up-123")
	if err != nil {
		t.Fatal("find by upstream:", err)
	}
	if found.ID != "acc-1" {
		t.Errorf("found id = %q, want acc-1", found.ID)
	}
	_, err = s.FindAccountByUpstream(ctx, "user-1", proxy.ProviderAnthropic, "up-999")
	if err != proxy.ErrNotFound {
		t.Errorf("unknown upstream err = %v, want ErrNotFound", err)
	}

	// Rename
	if err := s.UpdateAccountName(ctx, "acc-1", "personal"); err != nil {
		t.Fatal("rename:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Name != "personal" {
		t.Errorf("name = %q, want personal", got.Name)
	}

	// Token rotation
	newExpiry := time.Now().UTC().Add(8 * time.Hour).Truncate(time.Second)
	if err := s.UpdateAccountTokens(ctx, "acc-1", "enc-access-2", "enc-refresh-2", "", newExpiry); err != nil {
		t.Fatal("update tokens:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.AccessToken != "enc-access-2" || got.RefreshToken != "enc-refresh-2" {
		t.Errorf("tokens = (%q, %q), want rotated values", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, newExpiry)
	}

	// Deactivate
	if err := s.SetAccountActive(ctx, "acc-1", false); err != nil {
		t.Fatal("deactivate:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.IsActive {
		t.Error("is_active should be false")
	}

	// Delete
	if err := s.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetAccount(ctx, "acc-1"); err != proxy.ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestCandidateOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id, provider string, active bool) {
		t.Helper()
		err := s.CreateAccount(ctx, &proxy.ProviderAccount{
			ID: id, UserID: "user-1", Provider: provider, IsActive: active,
		})
		if err != nil {
			t.Fatal("create", id, ":", err)
		}
	}
	mk("acc-a", proxy.ProviderAnthropic, true)
	mk("acc-b", proxy.ProviderAnthropic, true)
	mk("acc-c", proxy.ProviderOpenAI, true)
	mk("acc-d", proxy.ProviderAnthropic, false) // inactive, never a candidate

	// acc-b was used; never-used acc-a must now sort first.
	if err := s.MarkAccountUsed(ctx, "acc-b"); err != nil {
		t.Fatal("mark used:", err)
	}

	got, err := s.ListCandidateAccounts(ctx, "user-1", []string{proxy.ProviderAnthropic})
	if err != nil {
		t.Fatal("candidates:", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidate count = %d, want 2", len(got))
	}
	if got[0].ID != "acc-a" || got[1].ID != "acc-b" {
		t.Errorf("order = [%s, %s], want [acc-a, acc-b]", got[0].ID, got[1].ID)
	}

	// Empty provider list matches all providers.
	all, err := s.ListCandidateAccounts(ctx, "user-1", nil)
	if err != nil {
		t.Fatal("all candidates:", err)
	}
	if len(all) != 3 {
		t.Fatalf("all candidate count = %d, want 3", len(all))
	}

	// Using acc-a moves it behind acc-b.
	if err := s.MarkAccountUsed(ctx, "acc-a"); err != nil {
		t.Fatal("mark used:", err)
	}
	if err := s.MarkAccountUsed(ctx, "acc-a"); err != nil {
		t.Fatal("mark used:", err)
	}
	got, _ = s.ListCandidateAccounts(ctx, "user-1", []string{proxy.ProviderAnthropic})
	if got[0].ID != "acc-b" {
		t.Errorf("first candidate = %s, want acc-b after acc-a reuse", got[0].ID)
	}

	a, _ := s.GetAccount(ctx, "acc-a")
	if a.RequestCount != 2 {
		t.Errorf("request_count = %d, want 2", a.RequestCount)
	}
	if a.LastUsedAt == nil {
		t.Error("last_used_at should be set")
	}
}

func TestFailureAccounting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateAccount(ctx, &proxy.ProviderAccount{
		ID: "acc-1", UserID: "user-1", Provider: proxy.ProviderOpenAI, IsActive: true,
	})
	if err != nil {
		t.Fatal("create:", err)
	}

	n, err := s.RecordAccountFailure(ctx, "acc-1", 500, "upstream exploded")
	if err != nil {
		t.Fatal("failure:", err)
	}
	if n != 1 {
		t.Errorf("consecutive = %d, want 1", n)
	}
	n, _ = s.RecordAccountFailure(ctx, "acc-1", 500, "again")
	if n != 2 {
		t.Errorf("consecutive = %d, want 2", n)
	}

	got, _ := s.GetAccount(ctx, "acc-1")
	if got.ErrorCount != 2 {
		t.Errorf("error_count = %d, want 2", got.ErrorCount)
	}
	if got.LastErrorCode != 500 || got.LastErrorMessage != "again" {
		t.Errorf("last error = (%d, %q), want (500, again)", got.LastErrorCode, got.LastErrorMessage)
	}
	if got.LastErrorAt == nil {
		t.Error("last_error_at should be set")
	}

	// Success clears the streak but not the lifetime counter.
	if err := s.RecordAccountSuccess(ctx, "acc-1"); err != nil {
		t.Fatal("success:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.ConsecutiveErrors != 0 {
		t.Errorf("consecutive = %d, want 0 after success", got.ConsecutiveErrors)
	}
	if got.ErrorCount != 2 {
		t.Errorf("error_count = %d, want 2 after success", got.ErrorCount)
	}
	if got.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", got.SuccessCount)
	}

	// Status transition then reset.
	if err := s.SetAccountStatus(ctx, "acc-1", proxy.StatusFailed, false); err != nil {
		t.Fatal("set status:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Status != proxy.StatusFailed || got.IsActive {
		t.Errorf("status = (%q, active=%v), want (failed, false)", got.Status, got.IsActive)
	}
	if err := s.ResetAccountCounters(ctx, "acc-1"); err != nil {
		t.Fatal("reset:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.LastErrorCode != 0 || got.LastErrorMessage != "" {
		t.Error("reset should clear last error detail")
	}
}

func TestExpiringAccounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(id, refresh string, expires time.Time, active bool) {
		t.Helper()
		err := s.CreateAccount(ctx, &proxy.ProviderAccount{
			ID: id, UserID: "user-1", Provider: proxy.ProviderGemini,
			RefreshToken: refresh, ExpiresAt: expires, IsActive: active,
		})
		if err != nil {
			t.Fatal("create", id, ":", err)
		}
	}
	mk("acc-soon", "enc-r", now.Add(30*time.Minute), true)
	mk("acc-later", "enc-r", now.Add(48*time.Hour), true)
	mk("acc-norefresh", "", now.Add(30*time.Minute), true)
	mk("acc-inactive", "enc-r", now.Add(30*time.Minute), false)
	mk("acc-noexpiry", "enc-r", time.Time{}, true)

	got, err := s.ListExpiringAccounts(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatal("expiring:", err)
	}
	if len(got) != 1 || got[0].ID != "acc-soon" {
		t.Fatalf("expiring = %v, want [acc-soon]", ids(got))
	}
}

func ids(accounts []*proxy.ProviderAccount) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}

func TestUsageBatchInsertAndQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []proxy.UsageRecord{
		{
			ID: "u-1", UserID: "user-1", APIKeyID: "key-1", AccountID: "acc-1",
			Provider: proxy.ProviderAnthropic, Model: "claude-sonnet-4-5",
			PromptTokens: 10, CompletionTokens: 5, StatusCode: 200, DurationMs: 120,
			CreatedAt: now,
		},
		{
			ID: "u-2", UserID: "user-1", APIKeyID: "key-1", AccountID: "acc-2",
			Provider: proxy.ProviderOpenAI, Model: "gpt-5.2",
			PromptTokens: 20, CompletionTokens: 10, StatusCode: 429, DurationMs: 80,
			CreatedAt: now,
		},
	}

	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert usage:", err)
	}

	n, err := s.CountUsage(ctx, proxy.UsageFilter{UserID: "user-1"})
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 2 {
		t.Errorf("usage count = %d, want 2", n)
	}

	got, err := s.QueryUsage(ctx, proxy.UsageFilter{UserID: "user-1", Provider: proxy.ProviderOpenAI})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 1 || got[0].ID != "u-2" {
		t.Fatalf("filtered query = %d rows, want the openai row", len(got))
	}
	if got[0].StatusCode != 429 || got[0].DurationMs != 80 {
		t.Errorf("row = %+v, want status 429 duration 80", got[0])
	}
}

func TestRollupUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := proxy.UsageRollup{
		UserID: "user-1", Provider: proxy.ProviderAnthropic, Model: "claude-sonnet-4-5",
		Period: "hour", Bucket: "2026-08-25T10:00:00Z",
		RequestCount: 2, PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45, ErrorCount: 1,
	}
	if err := s.UpsertRollup(ctx, []proxy.UsageRollup{r}); err != nil {
		t.Fatal("first upsert:", err)
	}
	// Same bucket accumulates.
	if err := s.UpsertRollup(ctx, []proxy.UsageRollup{r}); err != nil {
		t.Fatal("second upsert:", err)
	}

	got, err := s.QueryRollups(ctx, proxy.RollupFilter{UserID: "user-1", Period: "hour"})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 1 {
		t.Fatalf("rollup count = %d, want 1", len(got))
	}
	if got[0].RequestCount != 4 || got[0].TotalTokens != 90 || got[0].ErrorCount != 2 {
		t.Errorf("accumulated = %+v, want doubled counters", got[0])
	}
}

func TestDisabledModels(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DisableModel(ctx, "gpt-5.2", "billing hold"); err != nil {
		t.Fatal("disable:", err)
	}
	// Idempotent; the original reason survives.
	if err := s.DisableModel(ctx, "gpt-5.2", "other reason"); err != nil {
		t.Fatal("re-disable:", err)
	}
	if err := s.DisableModel(ctx, "claude-opus-4-6", ""); err != nil {
		t.Fatal("disable second:", err)
	}

	got, err := s.ListDisabledModels(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(got) != 2 || got[0].Model != "claude-opus-4-6" || got[1].Model != "gpt-5.2" {
		t.Fatalf("disabled = %v, want sorted pair", got)
	}
	if got[1].Reason != "billing hold" {
		t.Errorf("reason = %q, want the first write kept", got[1].Reason)
	}
	if got[0].Reason != "" {
		t.Errorf("reason = %q, want empty", got[0].Reason)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}

	if err := s.EnableModel(ctx, "gpt-5.2"); err != nil {
		t.Fatal("enable:", err)
	}
	got, _ = s.ListDisabledModels(ctx)
	if len(got) != 1 {
		t.Fatalf("disabled after enable = %v, want 1", got)
	}

	if err := s.EnableModel(ctx, "never-disabled"); !errors.Is(err, proxy.ErrNotFound) {
		t.Fatalf("enable unknown err = %v, want ErrNotFound", err)
	}
}

package selector

import (
	"context"
	"testing"
	"time"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/cache"
	"github.com/opendum/opendum/internal/ledger"
	"github.com/opendum/opendum/internal/testutil"
)

func newTestSelector(t *testing.T) (*Selector, *testutil.FakeStore, *ledger.Ledger) {
	t.Helper()
	m, err := cache.NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	store := testutil.NewFakeStore()
	l := ledger.New(m)
	return New(store, l), store, l
}

// settle gives otter's async writers time to apply.
func settle() { time.Sleep(50 * time.Millisecond) }

func addAccount(store *testutil.FakeStore, id, provider string, lastUsed *time.Time) {
	store.AddAccount(&proxy.ProviderAccount{
		ID:         id,
		UserID:     "user-1",
		Provider:   provider,
		IsActive:   true,
		Status:     proxy.StatusActive,
		LastUsedAt: lastUsed,
	})
}

func TestNextPrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	sel, store, _ := newTestSelector(t)
	ctx := context.Background()

	used := time.Now().Add(-time.Minute)
	addAccount(store, "acc-old", proxy.ProviderAnthropic, &used)
	addAccount(store, "acc-new", proxy.ProviderAnthropic, nil)

	got, miss, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Fatalf("unexpected miss: %+v", miss)
	}
	if got.ID != "acc-new" {
		t.Errorf("selected %q, want never-used acc-new first", got.ID)
	}
}

func TestNextSkipsTried(t *testing.T) {
	t.Parallel()
	sel, store, _ := newTestSelector(t)
	ctx := context.Background()

	addAccount(store, "acc-a", proxy.ProviderAnthropic, nil)
	addAccount(store, "acc-b", proxy.ProviderAnthropic, nil)

	got, _, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "", map[string]bool{"acc-a": true})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "acc-b" {
		t.Fatalf("selected %v, want acc-b", got)
	}

	// All tried: miss with no limited ids.
	_, miss, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "",
		map[string]bool{"acc-a": true, "acc-b": true})
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil {
		t.Fatal("want miss when everything was tried")
	}
	if miss.NoneConfigured {
		t.Error("accounts exist, miss must not claim none configured")
	}
	if len(miss.LimitedIDs) != 0 {
		t.Errorf("LimitedIDs = %v, want empty", miss.LimitedIDs)
	}
}

func TestNextSkipsRateLimited(t *testing.T) {
	t.Parallel()
	sel, store, l := newTestSelector(t)
	ctx := context.Background()

	addAccount(store, "acc-a", proxy.ProviderAnthropic, nil)
	addAccount(store, "acc-b", proxy.ProviderAnthropic, nil)

	l.MarkRateLimited(ctx, "acc-a", "claude", time.Minute, "claude-sonnet-4-5", "")
	settle()

	got, _, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "acc-b" {
		t.Fatalf("selected %v, want acc-b while acc-a cools down", got)
	}

	// The limit is scoped to the claude family; a gpt model on the same
	// account would not be blocked, but another claude model is.
	l.MarkRateLimited(ctx, "acc-b", "claude", time.Minute, "claude-sonnet-4-5", "")
	settle()

	_, miss, err := sel.Next(ctx, "user-1", "claude-opus-4-5", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil {
		t.Fatal("want miss when every candidate is limited")
	}
	if len(miss.LimitedIDs) == 0 {
		t.Error("miss should report the limited accounts")
	}
}

func TestNextProviderHint(t *testing.T) {
	t.Parallel()
	sel, store, _ := newTestSelector(t)
	ctx := context.Background()

	addAccount(store, "acc-ant", proxy.ProviderAnthropic, nil)
	addAccount(store, "acc-gem", proxy.ProviderGemini, nil)

	// claude-sonnet-4-5 is served by both anthropic and gemini; the hint
	// narrows it.
	got, _, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", proxy.ProviderGemini, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "acc-gem" {
		t.Fatalf("selected %v, want acc-gem", got)
	}

	// A hint whose provider cannot serve the model is a configuration miss.
	_, miss, err := sel.Next(ctx, "user-1", "claude-opus-4-5", proxy.ProviderGemini, nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil || !miss.NoneConfigured {
		t.Fatalf("miss = %+v, want NoneConfigured", miss)
	}
}

func TestNextNoneConfigured(t *testing.T) {
	t.Parallel()
	sel, store, _ := newTestSelector(t)
	ctx := context.Background()

	// Only an openai account; claude models have no candidates.
	addAccount(store, "acc-oai", proxy.ProviderOpenAI, nil)

	_, miss, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil || !miss.NoneConfigured {
		t.Fatalf("miss = %+v, want NoneConfigured", miss)
	}

	// Unknown models never match a provider.
	_, miss, err = sel.Next(ctx, "user-1", "unknown-model", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil || !miss.NoneConfigured {
		t.Fatalf("miss = %+v, want NoneConfigured for unknown model", miss)
	}
}

func TestNextIgnoresOtherUsers(t *testing.T) {
	t.Parallel()
	sel, store, _ := newTestSelector(t)
	ctx := context.Background()

	store.AddAccount(&proxy.ProviderAccount{
		ID: "acc-other", UserID: "user-2", Provider: proxy.ProviderAnthropic,
		IsActive: true, Status: proxy.StatusActive,
	})

	_, miss, err := sel.Next(ctx, "user-1", "claude-sonnet-4-5", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if miss == nil || !miss.NoneConfigured {
		t.Fatalf("miss = %+v, want NoneConfigured; accounts are per-user", miss)
	}
}

package modelcat

import (
	"testing"

	proxy "github.com/opendum/opendum/internal"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		id     string
		wantID string
		wantOK bool
	}{
		{name: "canonical id", id: "claude-opus-4-5", wantID: "claude-opus-4-5", wantOK: true},
		{name: "dated alias", id: "claude-opus-4-5-20251101", wantID: "claude-opus-4-5", wantOK: true},
		{name: "gpt alias", id: "gpt-5.1-2025-11-13", wantID: "gpt-5.1", wantOK: true},
		{name: "preview alias", id: "gemini-3-pro-preview", wantID: "gemini-3-pro", wantOK: true},
		{name: "unknown", id: "llama-3-70b", wantOK: false},
		{name: "empty", id: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := Resolve(tt.id)
			if ok != tt.wantOK {
				t.Fatalf("Resolve(%q) ok = %v, want %v", tt.id, ok, tt.wantOK)
			}
			if ok && m.ID != tt.wantID {
				t.Errorf("Resolve(%q).ID = %q, want %q", tt.id, m.ID, tt.wantID)
			}
		})
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	if got := Canonical("gpt-5.1-2025-11-13"); got != "gpt-5.1" {
		t.Errorf("Canonical(alias) = %q, want gpt-5.1", got)
	}
	if got := Canonical("unknown-model"); got != "unknown-model" {
		t.Errorf("Canonical(unknown) = %q, want passthrough", got)
	}
}

func TestSupportedBy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id       string
		provider string
		want     bool
	}{
		{id: "claude-opus-4-5", provider: proxy.ProviderAnthropic, want: true},
		{id: "claude-opus-4-5", provider: proxy.ProviderGemini, want: false},
		{id: "claude-sonnet-4-5", provider: proxy.ProviderGemini, want: true},
		{id: "claude-sonnet-4-5-20250929", provider: proxy.ProviderAnthropic, want: true},
		{id: "gpt-5.1", provider: proxy.ProviderOpenAI, want: true},
		{id: "gpt-5.1", provider: proxy.ProviderCopilot, want: true},
		{id: "gpt-5.1-codex", provider: proxy.ProviderCopilot, want: false},
		{id: "gpt-4.1", provider: proxy.ProviderCopilot, want: true},
		{id: "unknown", provider: proxy.ProviderOpenAI, want: false},
	}

	for _, tt := range tests {
		if got := SupportedBy(tt.id, tt.provider); got != tt.want {
			t.Errorf("SupportedBy(%q, %q) = %v, want %v", tt.id, tt.provider, got, tt.want)
		}
	}
}

func TestFamily(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
	}{
		{id: "claude-opus-4-5", want: "claude"},
		{id: "claude-sonnet-4-5-20250929", want: "claude"},
		{id: "gemini-3-flash", want: "gemini"},
		{id: "gpt-5.1-codex", want: "gpt"},
		// Unknown ids fall back to prefix partitioning.
		{id: "claude-next-99", want: "claude"},
		{id: "gemini-ultra-x", want: "gemini"},
		{id: "gpt-99-turbo", want: "gpt"},
		{id: "mystery-model", want: "mystery-model"},
	}

	for _, tt := range tests {
		if got := Family(tt.id); got != tt.want {
			t.Errorf("Family(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestFamilySharedScope(t *testing.T) {
	t.Parallel()

	// Two models may share a scope: both claude models partition together.
	if Family("claude-opus-4-5") != Family("claude-sonnet-4-5") {
		t.Error("claude models should share one rate-limit family")
	}
	if Family("gpt-5.1") != Family("gpt-5.1-codex") {
		t.Error("gpt models should share one rate-limit family")
	}
	if Family("claude-opus-4-5") == Family("gemini-3-pro") {
		t.Error("claude and gemini must not share a family")
	}
}

func TestAliasRoutingEquivalence(t *testing.T) {
	t.Parallel()

	// An alias must behave identically to its canonical id for routing inputs.
	for _, m := range List() {
		for _, a := range m.Aliases {
			if Canonical(a) != m.ID {
				t.Errorf("Canonical(%q) = %q, want %q", a, Canonical(a), m.ID)
			}
			if Family(a) != Family(m.ID) {
				t.Errorf("Family(%q) != Family(%q)", a, m.ID)
			}
			for _, p := range proxy.Providers {
				if SupportedBy(a, p) != SupportedBy(m.ID, p) {
					t.Errorf("SupportedBy(%q, %q) != SupportedBy(%q, %q)", a, p, m.ID, p)
				}
			}
		}
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	models := List()
	if len(models) == 0 {
		t.Fatal("List returned empty catalog")
	}
	// Every listed provider tag must be a member of the closed set.
	for _, m := range models {
		if len(m.Providers) == 0 {
			t.Errorf("model %q has no providers", m.ID)
		}
		for _, p := range m.Providers {
			if !proxy.KnownProvider(p) {
				t.Errorf("model %q references unknown provider %q", m.ID, p)
			}
		}
	}
	// Mutating the returned slice must not affect the catalog.
	models[0].ID = "mutated"
	if _, ok := Resolve("mutated"); ok {
		t.Error("List must return a copy of the catalog")
	}
}

// Package modelcat is the static model catalog: canonical ids, rate-limit
// families, the providers able to serve each model, and dated aliases.
// Lookups are pure functions over package data.
package modelcat

import (
	"slices"
	"strings"

	proxy "github.com/opendum/opendum/internal"
)

// Model describes one canonical model.
type Model struct {
	ID        string   `json:"id"`
	Family    string   `json:"family"`
	Providers []string `json:"providers"`
	Aliases   []string `json:"aliases,omitempty"`
}

// catalog is ordered for stable /v1/models listings.
var catalog = []Model{
	{
		ID:        "claude-opus-4-5",
		Family:    "claude",
		Providers: []string{proxy.ProviderAnthropic},
		Aliases:   []string{"claude-opus-4-5-20251101"},
	},
	{
		ID:        "claude-sonnet-4-5",
		Family:    "claude",
		Providers: []string{proxy.ProviderAnthropic, proxy.ProviderGemini},
		Aliases:   []string{"claude-sonnet-4-5-20250929"},
	},
	{
		ID:        "claude-haiku-4-5",
		Family:    "claude",
		Providers: []string{proxy.ProviderAnthropic},
		Aliases:   []string{"claude-haiku-4-5-20251001"},
	},
	{
		ID:        "gemini-3-pro",
		Family:    "gemini",
		Providers: []string{proxy.ProviderGemini},
		Aliases:   []string{"gemini-3-pro-preview"},
	},
	{
		ID:        "gemini-3-flash",
		Family:    "gemini",
		Providers: []string{proxy.ProviderGemini},
		Aliases:   []string{"gemini-3-flash-preview"},
	},
	{
		ID:        "gpt-5.1",
		Family:    "gpt",
		Providers: []string{proxy.ProviderOpenAI, proxy.ProviderCopilot},
		Aliases:   []string{"gpt-5.1-2025-11-13"},
	},
	{
		ID:        "gpt-5.1-codex",
		Family:    "gpt",
		Providers: []string{proxy.ProviderOpenAI},
		Aliases:   []string{"gpt-5.1-codex-max"},
	},
	{
		ID:        "gpt-4.1",
		Family:    "gpt",
		Providers: []string{proxy.ProviderCopilot},
	},
}

// byID and byAlias are built once at init; the catalog is immutable.
var (
	byID    = make(map[string]*Model, len(catalog))
	byAlias = make(map[string]*Model)
)

func init() {
	for i := range catalog {
		m := &catalog[i]
		byID[m.ID] = m
		for _, a := range m.Aliases {
			byAlias[a] = m
		}
	}
}

// Resolve normalizes a model id or alias to its catalog entry.
func Resolve(id string) (Model, bool) {
	if m, ok := byID[id]; ok {
		return *m, true
	}
	if m, ok := byAlias[id]; ok {
		return *m, true
	}
	return Model{}, false
}

// Canonical returns the canonical id for a model id or alias, or the input
// unchanged when unknown.
func Canonical(id string) string {
	if m, ok := Resolve(id); ok {
		return m.ID
	}
	return id
}

// SupportedBy reports whether provider can serve the given model id or alias.
func SupportedBy(id, provider string) bool {
	m, ok := Resolve(id)
	if !ok {
		return false
	}
	return slices.Contains(m.Providers, provider)
}

// ProvidersFor returns the providers able to serve the model, nil if unknown.
func ProvidersFor(id string) []string {
	m, ok := Resolve(id)
	if !ok {
		return nil
	}
	return slices.Clone(m.Providers)
}

// Family returns the rate-limit scope for a model id. Known models use their
// catalog family; unknown ids fall back to a vendor prefix so foreign models
// still partition sensibly, then to the id itself.
func Family(id string) string {
	if m, ok := Resolve(id); ok {
		return m.Family
	}
	switch {
	case strings.HasPrefix(id, "claude"):
		return "claude"
	case strings.HasPrefix(id, "gemini"):
		return "gemini"
	case strings.HasPrefix(id, "gpt"):
		return "gpt"
	default:
		return id
	}
}

// List returns the full catalog in declaration order.
func List() []Model {
	return slices.Clone(catalog)
}

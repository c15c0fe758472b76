// Package selector picks the next provider account for a request. It owns
// the rotation order (least recently used first) and filters out accounts
// the request already tried or that sit in a rate-limit cool-down for the
// model's family.
package selector

import (
	"context"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/ledger"
	"github.com/opendum/opendum/internal/modelcat"
	"github.com/opendum/opendum/internal/storage"
)

// Selector chooses accounts from storage, consulting the rate-limit ledger.
type Selector struct {
	store  storage.AccountStore
	ledger *ledger.Ledger
}

// New returns a Selector over the given store and ledger.
func New(store storage.AccountStore, l *ledger.Ledger) *Selector {
	return &Selector{store: store, ledger: l}
}

// Miss explains why Next returned no account, so the orchestrator can pick
// the right terminal error: 503 when nothing is configured, 429 with the
// minimum wait when cool-downs blocked every candidate, otherwise the last
// upstream error.
type Miss struct {
	// NoneConfigured is true when the user has no active account for any
	// provider that supports the model.
	NoneConfigured bool
	// LimitedIDs holds accounts skipped due to a live rate-limit entry.
	LimitedIDs []string
}

// Next returns the least recently used account that (1) the user owns,
// (2) is active, (3) belongs to providerHint or, absent a hint, to any
// provider supporting model, (4) has not been tried by this request, and
// (5) is not rate-limited in the model's family. A nil account with a nil
// error carries a Miss report.
func (s *Selector) Next(ctx context.Context, userID, model, providerHint string, tried map[string]bool) (*proxy.ProviderAccount, *Miss, error) {
	var providers []string
	if providerHint != "" {
		if !modelcat.SupportedBy(model, providerHint) {
			return nil, &Miss{NoneConfigured: true}, nil
		}
		providers = []string{providerHint}
	} else {
		providers = modelcat.ProvidersFor(model)
		if len(providers) == 0 {
			return nil, &Miss{NoneConfigured: true}, nil
		}
	}

	candidates, err := s.store.ListCandidateAccounts(ctx, userID, providers)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, &Miss{NoneConfigured: true}, nil
	}

	family := modelcat.Family(model)
	miss := &Miss{}
	for _, account := range candidates {
		if tried[account.ID] {
			continue
		}
		if s.ledger.IsRateLimited(ctx, account.ID, family) {
			miss.LimitedIDs = append(miss.LimitedIDs, account.ID)
			continue
		}
		return account, nil, nil
	}
	return nil, miss, nil
}

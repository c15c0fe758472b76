// Package app hosts the services between the HTTP handlers and the provider
// adapters: the relay that drives account selection, upstream calls, and
// failure accounting, the account manager for connect flows and refresh, and
// the key manager for administrative API-key operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/accountant"
	"github.com/opendum/opendum/internal/ledger"
	"github.com/opendum/opendum/internal/modelcat"
	"github.com/opendum/opendum/internal/provider"
	"github.com/opendum/opendum/internal/selector"
	"github.com/opendum/opendum/internal/storage"
	"github.com/opendum/opendum/internal/telemetry"
	"github.com/opendum/opendum/internal/tokencount"
	"github.com/opendum/opendum/internal/translator"
)

// MaxAttempts bounds account rotation within a single relay call. Pinned
// requests get exactly one attempt.
const MaxAttempts = 5

// eventBuffer matches the adapter decode channels so a slow client does not
// immediately stall the upstream read.
const eventBuffer = 8

// defaultCooldown is applied when a 429 carries no usable reset hint.
const defaultCooldown = time.Hour

// UsageSink receives one accounting row per settled attempt. Implementations
// must not block; the relay calls Record on the request path.
type UsageSink interface {
	Record(rec proxy.UsageRecord)
}

// RelayDeps carries the relay's collaborators.
type RelayDeps struct {
	Registry   *provider.Registry
	Manager    *provider.Manager
	Selector   *selector.Selector
	Ledger     *ledger.Ledger
	Accountant *accountant.Accountant
	Store      storage.Store
	Usage      UsageSink
	Counter    *tokencount.Counter
	Metrics    *telemetry.Metrics

	// UpstreamTimeout bounds one upstream attempt including its streamed
	// body. Zero means no limit.
	UpstreamTimeout time.Duration
}

// Relay orchestrates one proxied completion: resolve the model, pick a
// provider account, call upstream, and rotate to the next account on
// retryable failures while keeping the rate-limit ledger, failure
// accounting, and usage log current.
type Relay struct {
	deps RelayDeps
}

// NewRelay returns a Relay using the given collaborators.
func NewRelay(deps RelayDeps) *Relay {
	return &Relay{deps: deps}
}

// Stream relays the decoded request to an upstream account and returns the
// canonical event stream plus the account that served it. The relay closes
// the channel once the upstream finishes; callers only consume events.
// Errors are *proxy.APIError values ready for the dialect envelope.
func (r *Relay) Stream(ctx context.Context, key *proxy.APIKey, dec *translator.Decoded) (<-chan proxy.Event, *proxy.ProviderAccount, error) {
	req := dec.Request

	// A provider prefix on the model name ("gemini/claude-sonnet-4-5")
	// narrows rotation to that provider's accounts.
	hint := ""
	if p, rest, ok := strings.Cut(req.Model, "/"); ok && proxy.KnownProvider(p) {
		hint = p
		req.Model = rest
	}

	cat, ok := modelcat.Resolve(req.Model)
	if !ok {
		return nil, nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("unknown model: %s", req.Model))
	}
	req.Model = cat.ID
	if d, _, _, _ := proxy.RequestRouteFromContext(ctx); d != "" {
		proxy.SetRequestRoute(ctx, d, cat.ID)
	}

	if r.modelDisabled(ctx, cat.ID) {
		return nil, nil, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("model %s is disabled", cat.ID))
	}
	if !key.AllowsModel(cat.ID) {
		return nil, nil, proxy.NewAPIError(http.StatusForbidden, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("api key does not allow model %s", cat.ID))
	}

	if dec.PinnedAccount != "" {
		return r.pinned(ctx, key, dec.PinnedAccount, req, cat)
	}
	return r.rotate(ctx, key, hint, req, cat)
}

// rotate walks the LRU candidate order until an account serves the request
// or nothing is left to try.
func (r *Relay) rotate(ctx context.Context, key *proxy.APIKey, hint string, req *proxy.Request, cat modelcat.Model) (<-chan proxy.Event, *proxy.ProviderAccount, error) {
	var (
		tried     = make(map[string]bool)
		refreshed = make(map[string]bool)
		marked    []string // accounts we rate-limited during this call
		lastErr   *proxy.APIError
	)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		account, miss, err := r.deps.Selector.Next(ctx, key.UserID, cat.ID, hint, tried)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "account selection failed",
				slog.String("model", cat.ID),
				slog.String("error", err.Error()))
			return nil, nil, proxy.NewAPIError(http.StatusInternalServerError, proxy.ErrTypeAPI,
				"account selection failed")
		}
		if account == nil {
			return nil, nil, r.exhausted(ctx, attempt, miss, marked, lastErr, cat.Family)
		}
		tried[account.ID] = true

		events, retry, apiErr := r.attempt(ctx, key, account, req, cat.Family, refreshed)
		if apiErr == nil {
			return events, account, nil
		}
		lastErr = apiErr
		if apiErr.Status == http.StatusTooManyRequests {
			marked = append(marked, account.ID)
		}
		if !retry {
			return nil, nil, apiErr
		}
	}
	return nil, nil, r.exhausted(ctx, MaxAttempts, nil, marked, lastErr, cat.Family)
}

// pinned serves a request bound to one caller-chosen account. No rotation:
// the account's verdict is the caller's verdict.
func (r *Relay) pinned(ctx context.Context, key *proxy.APIKey, accountID string, req *proxy.Request, cat modelcat.Model) (<-chan proxy.Event, *proxy.ProviderAccount, error) {
	account, err := r.deps.Store.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, proxy.ErrNotFound) {
		return nil, nil, proxy.NewAPIError(http.StatusInternalServerError, proxy.ErrTypeAPI,
			"account lookup failed")
	}
	// One 400 for missing, foreign, inactive, and wrong-provider accounts
	// so the error does not confirm other users' account ids.
	if account == nil || account.UserID != key.UserID || !account.IsActive ||
		!modelcat.SupportedBy(cat.ID, account.Provider) {
		apiErr := proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			fmt.Sprintf("provider account %s cannot serve model %s", accountID, cat.ID))
		apiErr.Code = "provider_account_model_mismatch"
		return nil, nil, apiErr
	}
	if entry, limited := r.deps.Ledger.Entry(ctx, account.ID, cat.Family); limited {
		wait := time.Until(entry.ResetTime)
		return nil, nil, proxy.RateLimitError(
			fmt.Sprintf("account is rate limited, retry in %s", ledger.FormatWait(wait)),
			wait.Milliseconds())
	}

	events, _, apiErr := r.attempt(ctx, key, account, req, cat.Family, map[string]bool{})
	if apiErr != nil {
		return nil, nil, apiErr
	}
	return events, account, nil
}

// attempt runs one upstream call against account. On success it returns the
// event channel and a nil error; the stream is settled by a pipe goroutine.
// On failure it settles the attempt itself (ledger, accounting, usage row)
// and reports via retry whether rotation should continue.
func (r *Relay) attempt(ctx context.Context, key *proxy.APIKey, account *proxy.ProviderAccount, req *proxy.Request, family string, refreshed map[string]bool) (<-chan proxy.Event, bool, *proxy.APIError) {
	adapter, err := r.deps.Registry.Get(account.Provider)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "provider not registered",
			slog.String("provider", account.Provider),
			slog.String("account_id", account.ID))
		return nil, true, proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
			fmt.Sprintf("provider %s is not enabled", account.Provider))
	}

	start := time.Now()
	cred, err := r.deps.Manager.Credentials(ctx, account)
	if err != nil {
		r.deps.Accountant.MarkFailed(ctx, account, http.StatusUnauthorized, err.Error())
		r.deps.Metrics.AccountRotations.WithLabelValues(account.Provider, "credential").Inc()
		r.record(key, account, req.Model, 0, 0, http.StatusUnauthorized, start)
		return nil, true, proxy.SanitizeUpstream(http.StatusUnauthorized)
	}

	if err := r.deps.Store.MarkAccountUsed(ctx, account.ID); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "mark account used",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.deps.UpstreamTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.deps.UpstreamTimeout)
	}

	resp, err := adapter.MakeRequest(attemptCtx, cred, account, req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && !refreshed[account.ID] {
		// Stored credentials may be stale despite a future expiry. One
		// forced refresh, then the same account gets one more shot.
		refreshed[account.ID] = true
		resp.Body.Close()
		var fresh proxy.Credential
		if fresh, err = r.deps.Manager.ForceRefresh(ctx, account); err == nil {
			resp, err = adapter.MakeRequest(attemptCtx, fresh, account, req)
		}
	}
	r.deps.Metrics.UpstreamDuration.WithLabelValues(account.Provider, req.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		cancel()
		r.deps.Accountant.MarkFailed(ctx, account, http.StatusBadGateway, err.Error())
		r.deps.Metrics.UpstreamErrors.WithLabelValues(account.Provider, "transport").Inc()
		r.deps.Metrics.AccountRotations.WithLabelValues(account.Provider, "transport").Inc()
		r.record(key, account, req.Model, 0, 0, http.StatusBadGateway, start)
		return nil, true, proxy.SanitizeUpstream(http.StatusBadGateway)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		verdict := provider.ParseAPIError(account.Provider, resp)
		resp.Body.Close()
		cancel()
		r.deps.Metrics.UpstreamErrors.WithLabelValues(account.Provider, strconv.Itoa(resp.StatusCode)).Inc()
		r.record(key, account, req.Model, 0, 0, resp.StatusCode, start)

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, true, r.markLimited(ctx, account, resp.Header, verdict, req.Model, family)
		}

		r.deps.Accountant.MarkFailed(ctx, account, resp.StatusCode, verdict.Body)
		apiErr := proxy.SanitizeUpstream(resp.StatusCode)
		if !accountant.ShouldRotate(resp.StatusCode) {
			return nil, false, apiErr
		}
		r.deps.Metrics.AccountRotations.WithLabelValues(account.Provider, "upstream_error").Inc()
		return nil, true, apiErr
	}

	proxy.SetRequestAccount(ctx, account.Provider, account.ID)
	out := make(chan proxy.Event, eventBuffer)
	go r.pipe(attemptCtx, cancel, key, account, req, resp.Body, adapter.DecodeStream(attemptCtx, resp.Body), out, start)
	return out, false, nil
}

// markLimited records an upstream 429 on the ledger. Quota exhaustion is not
// an account failure, so the failure streak is left alone.
func (r *Relay) markLimited(ctx context.Context, account *proxy.ProviderAccount, h http.Header, verdict *provider.APIError, model, family string) *proxy.APIError {
	wait, ok := ledger.ParseRetryAfterMs(h)
	limitedModel, message := model, accountant.SanitizeMessage(verdict.Body)
	if !ok {
		if ul := ledger.ParseRateLimitError([]byte(verdict.Body)); ul != nil {
			wait = ul.RetryAfter
			if ul.Model != "" {
				limitedModel = ul.Model
			}
			if ul.Message != "" {
				message = ul.Message
			}
		} else {
			wait = defaultCooldown
		}
	}
	r.deps.Ledger.MarkRateLimited(ctx, account.ID, family, wait, limitedModel, message)
	r.deps.Metrics.RateLimitMarks.WithLabelValues(account.Provider, family).Inc()
	r.deps.Metrics.AccountRotations.WithLabelValues(account.Provider, "rate_limit").Inc()
	return proxy.RateLimitError(
		fmt.Sprintf("upstream rate limited, retry in %s", ledger.FormatWait(wait)),
		wait.Milliseconds())
}

// exhausted renders the terminal error once no account can serve the call.
func (r *Relay) exhausted(ctx context.Context, attempt int, miss *selector.Miss, marked []string, lastErr *proxy.APIError, family string) *proxy.APIError {
	if miss != nil {
		if attempt == 0 && miss.NoneConfigured {
			return proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
				"no provider accounts available")
		}
		marked = append(marked, miss.LimitedIDs...)
	}
	if len(marked) > 0 {
		wait := r.deps.Ledger.MinWait(ctx, marked, family)
		return proxy.RateLimitError(
			fmt.Sprintf("all provider accounts are rate limited, retry in %s", ledger.FormatWait(wait)),
			wait.Milliseconds())
	}
	if lastErr != nil {
		return lastErr
	}
	return proxy.NewAPIError(http.StatusServiceUnavailable, proxy.ErrTypeConfiguration,
		"no provider accounts available")
}

// pipe forwards upstream events to out and settles the attempt when the
// stream ends: close the body, update failure accounting, and write the
// usage row. Runs on its own goroutine; out is closed when the upstream is
// drained or the caller goes away.
func (r *Relay) pipe(ctx context.Context, cancel context.CancelFunc, key *proxy.APIKey, account *proxy.ProviderAccount, req *proxy.Request, body io.Closer, in <-chan proxy.Event, out chan<- proxy.Event, start time.Time) {
	var (
		usage     *proxy.Usage
		textBytes int
		streamErr error
	)
forward:
	for ev := range in {
		if ev.Err != nil {
			streamErr = ev.Err
		}
		switch ev.Kind {
		case proxy.EventText, proxy.EventReasoning, proxy.EventToolCallDelta:
			textBytes += len(ev.Text)
		case proxy.EventUsage:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			streamErr = ctx.Err()
			break forward
		}
	}
	cancel()
	body.Close()
	close(out)

	// Settle on a detached context: the caller may be gone already.
	sctx := context.WithoutCancel(ctx)
	status := http.StatusOK
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		status = http.StatusBadGateway
		r.deps.Accountant.MarkFailed(sctx, account, status, streamErr.Error())
		r.deps.Metrics.UpstreamErrors.WithLabelValues(account.Provider, "stream").Inc()
	} else {
		r.deps.Accountant.MarkSuccess(sctx, account)
	}

	prompt, completion := 0, 0
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	} else {
		prompt = r.deps.Counter.EstimateRequest(req.Model, req.Messages)
		completion = r.deps.Counter.CountBytes(req.Model, textBytes)
	}
	r.deps.Metrics.TokensProcessed.WithLabelValues(req.Model, "prompt").Add(float64(prompt))
	r.deps.Metrics.TokensProcessed.WithLabelValues(req.Model, "completion").Add(float64(completion))
	r.record(key, account, req.Model, prompt, completion, status, start)
}

func (r *Relay) modelDisabled(ctx context.Context, model string) bool {
	disabled, err := r.deps.Store.ListDisabledModels(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "list disabled models",
			slog.String("error", err.Error()))
		return false
	}
	for _, m := range disabled {
		if m.Model == model {
			return true
		}
	}
	return false
}

func (r *Relay) record(key *proxy.APIKey, account *proxy.ProviderAccount, model string, prompt, completion, status int, start time.Time) {
	if r.deps.Usage == nil {
		return
	}
	r.deps.Usage.Record(proxy.UsageRecord{
		ID:               uuid.Must(uuid.NewV7()).String(),
		UserID:           key.UserID,
		APIKeyID:         key.ID,
		AccountID:        account.ID,
		Provider:         account.Provider,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		StatusCode:       status,
		DurationMs:       time.Since(start).Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	})
}

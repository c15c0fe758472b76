package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/app"
	"github.com/opendum/opendum/internal/modelcat"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// usageSummaryMax bounds how many raw usage rows one summary aggregates.
// Dashboards query bounded windows; the rollup worker covers long ranges.
const usageSummaryMax = 10000

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *proxy.APIError
	switch {
	case errors.As(err, &ae):
		writeError(w, ae)
	case errors.Is(err, proxy.ErrNotFound):
		writeError(w, proxy.NewAPIError(http.StatusNotFound, proxy.ErrTypeInvalidRequest, "not found"))
	case errors.Is(err, proxy.ErrConflict):
		writeError(w, proxy.NewAPIError(http.StatusConflict, proxy.ErrTypeInvalidRequest, "conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeError(w, proxy.NewAPIError(http.StatusInternalServerError, proxy.ErrTypeAPI, "internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}

// --- Provider accounts ---
//
// Account routes scope to the caller's user: provider accounts hold personal
// upstream credentials, so even admins only manage their own.

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	key := proxy.KeyFromContext(r.Context())
	accounts, err := s.deps.Store.ListAccounts(r.Context(), key.UserID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*proxy.ProviderAccount{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       accounts,
		Pagination: pagination{Offset: 0, Limit: len(accounts), Total: len(accounts)},
	})
}

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider    string `json:"provider"`
		RedirectURI string `json:"redirect_uri,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "provider is required"))
		return
	}
	key := proxy.KeyFromContext(r.Context())
	start, err := s.deps.Accounts.StartOAuth(r.Context(), key.UserID, req.Provider, req.RedirectURI)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
		Code  string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.State == "" || req.Code == "" {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "state and code are required"))
		return
	}
	key := proxy.KeyFromContext(r.Context())
	account, err := s.deps.Accounts.CompleteOAuth(r.Context(), key.UserID, req.State, req.Code)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// deviceStartResponse is the poll handle returned to the dashboard; the
// device code itself stays server-side.
type deviceStartResponse struct {
	DeviceAuthID    string `json:"device_auth_id"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int64  `json:"expires_in"`    // seconds
	PollInterval    int64  `json:"poll_interval"` // seconds
}

func (s *server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "provider is required"))
		return
	}
	key := proxy.KeyFromContext(r.Context())
	da, err := s.deps.Accounts.StartDevice(r.Context(), key.UserID, req.Provider)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceStartResponse{
		DeviceAuthID:    da.ID,
		UserCode:        da.UserCode,
		VerificationURL: da.VerificationURL,
		ExpiresIn:       int64(time.Until(da.ExpiresAt).Seconds()),
		PollInterval:    int64(da.Interval / time.Second),
	})
}

func (s *server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAuthID string `json:"device_auth_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceAuthID == "" {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "device_auth_id is required"))
		return
	}
	key := proxy.KeyFromContext(r.Context())
	account, err := s.deps.Accounts.PollDevice(r.Context(), key.UserID, req.DeviceAuthID)
	if errors.Is(err, proxy.ErrAuthorizationPending) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ownedAccount loads an account and 404s foreign or missing ids without
// distinguishing the two.
func (s *server) ownedAccount(w http.ResponseWriter, r *http.Request) (*proxy.ProviderAccount, bool) {
	key := proxy.KeyFromContext(r.Context())
	account, err := s.deps.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return nil, false
	}
	if account.UserID != key.UserID {
		writeError(w, proxy.NewAPIError(http.StatusNotFound, proxy.ErrTypeInvalidRequest, "not found"))
		return nil, false
	}
	return account, true
}

func (s *server) handlePatchAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.ownedAccount(w, r)
	if !ok {
		return
	}

	var req struct {
		Name          *string `json:"name,omitempty"`
		IsActive      *bool   `json:"is_active,omitempty"`
		ResetCounters bool    `json:"reset_counters,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "name cannot be empty"))
			return
		}
		if err := s.deps.Store.UpdateAccountName(ctx, account.ID, *req.Name); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	if req.IsActive != nil {
		if err := s.deps.Store.SetAccountActive(ctx, account.ID, *req.IsActive); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	if req.ResetCounters {
		if err := s.deps.Store.ResetAccountCounters(ctx, account.ID); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}

	updated, err := s.deps.Store.GetAccount(ctx, account.ID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.ownedAccount(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteAccount(r.Context(), account.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	key := proxy.KeyFromContext(r.Context())
	account, err := s.deps.Accounts.Refresh(r.Context(), key.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handleAccountQuota(w http.ResponseWriter, r *http.Request) {
	key := proxy.KeyFromContext(r.Context())
	snap, err := s.deps.Accounts.Quota(r.Context(), key.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new proxy key.
type keyCreateRequest struct {
	UserID      string   `json:"user_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	ModelAccess string   `json:"model_access,omitempty"`
	ModelList   []string `json:"model_list,omitempty"`
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*proxy.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	key := proxy.KeyFromContext(r.Context())
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = key.UserID
	}
	offset, limit := parsePagination(r)

	keys, err := s.deps.Store.ListKeys(r.Context(), userID, offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountKeys(r.Context(), userID)
	if keys == nil {
		keys = []*proxy.APIKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = proxy.KeyFromContext(r.Context()).UserID
	}

	plaintext, created, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		UserID:      req.UserID,
		Name:        req.Name,
		Role:        req.Role,
		ModelAccess: req.ModelAccess,
		ModelList:   req.ModelList,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/keys/"+created.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       created,
		PlaintextKey: plaintext,
	})
}

// handlePatchKey revokes a key in place so its usage history stays
// attributable. Revocation is one-way; a revoked key is replaced, never
// reactivated.
func (s *server) handlePatchKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil || *req.IsActive {
		writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest,
			`only {"is_active": false} is supported`))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeactivateKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

// usageTotals is one aggregation bucket of the usage summary.
type usageTotals struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Errors           int64 `json:"errors"`
}

func (t *usageTotals) add(rec proxy.UsageRecord) {
	t.Requests++
	t.PromptTokens += int64(rec.PromptTokens)
	t.CompletionTokens += int64(rec.CompletionTokens)
	if rec.StatusCode >= 400 {
		t.Errors++
	}
}

type modelUsage struct {
	Model string `json:"model"`
	usageTotals
}

type accountUsage struct {
	AccountID string `json:"account_id"`
	Provider  string `json:"provider"`
	usageTotals
}

type usageSummaryResponse struct {
	Since     string         `json:"since,omitempty"`
	Until     string         `json:"until,omitempty"`
	Totals    usageTotals    `json:"totals"`
	ByModel   []modelUsage   `json:"by_model"`
	ByAccount []accountUsage `json:"by_account"`
}

// handleUsageSummary aggregates raw usage rows into per-model and
// per-account totals for the requested window.
func (s *server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}

	records, err := s.deps.Store.QueryUsage(r.Context(), proxy.UsageFilter{
		UserID: r.URL.Query().Get("user_id"),
		Since:  since,
		Until:  until,
		Limit:  usageSummaryMax,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	resp := usageSummaryResponse{Since: since, Until: until}
	byModel := make(map[string]*usageTotals)
	byAccount := make(map[string]*accountUsage)
	for _, rec := range records {
		resp.Totals.add(rec)

		mt := byModel[rec.Model]
		if mt == nil {
			mt = &usageTotals{}
			byModel[rec.Model] = mt
		}
		mt.add(rec)

		at := byAccount[rec.AccountID]
		if at == nil {
			at = &accountUsage{AccountID: rec.AccountID, Provider: rec.Provider}
			byAccount[rec.AccountID] = at
		}
		at.add(rec)
	}

	resp.ByModel = make([]modelUsage, 0, len(byModel))
	for model, totals := range byModel {
		resp.ByModel = append(resp.ByModel, modelUsage{Model: model, usageTotals: *totals})
	}
	sort.Slice(resp.ByModel, func(i, j int) bool { return resp.ByModel[i].Model < resp.ByModel[j].Model })

	resp.ByAccount = make([]accountUsage, 0, len(byAccount))
	for _, au := range byAccount {
		resp.ByAccount = append(resp.ByAccount, *au)
	}
	sort.Slice(resp.ByAccount, func(i, j int) bool { return resp.ByAccount[i].AccountID < resp.ByAccount[j].AccountID })

	writeJSON(w, http.StatusOK, resp)
}

// --- Disabled models ---

type disabledModelsResponse struct {
	Data []proxy.DisabledModel `json:"data"`
}

func (s *server) handleDisabledModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListDisabledModels(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if models == nil {
		models = []proxy.DisabledModel{}
	}
	writeJSON(w, http.StatusOK, disabledModelsResponse{Data: models})
}

// handleUpdateDisabledModels replaces the disabled-model list. Ids are
// resolved against the catalog so aliases disable their canonical model.
// The reason is stored with newly disabled models; models that stay
// disabled keep their original entry.
func (s *server) handleUpdateDisabledModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models []string `json:"models"`
		Reason string   `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	desired := make(map[string]bool, len(req.Models))
	for _, id := range req.Models {
		cat, ok := modelcat.Resolve(id)
		if !ok {
			writeError(w, proxy.NewAPIError(http.StatusBadRequest, proxy.ErrTypeInvalidRequest, "unknown model: "+id))
			return
		}
		desired[cat.ID] = true
	}

	ctx := r.Context()
	current, err := s.deps.Store.ListDisabledModels(ctx)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	for _, m := range current {
		if !desired[m.Model] {
			if err := s.deps.Store.EnableModel(ctx, m.Model); err != nil {
				writeAdminError(w, r, err)
				return
			}
		}
		delete(desired, m.Model)
	}
	for id := range desired {
		if err := s.deps.Store.DisableModel(ctx, id, req.Reason); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}

	updated, err := s.deps.Store.ListDisabledModels(ctx)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if updated == nil {
		updated = []proxy.DisabledModel{}
	}
	writeJSON(w, http.StatusOK, disabledModelsResponse{Data: updated})
}

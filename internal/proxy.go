// Package proxy defines domain types and interfaces for the opendum account proxy.
// This package has no project imports -- it is the dependency root.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"
)

// --- Provider tags ---

// Provider tags form a closed set; the registry maps each tag to an adapter.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderCopilot   = "copilot"
)

// Providers lists all known provider tags.
var Providers = []string{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderCopilot}

// KnownProvider reports whether tag is a member of the closed provider set.
func KnownProvider(tag string) bool {
	return slices.Contains(Providers, tag)
}

// --- Dialects ---

// Dialect identifies the caller-facing request/response schema.
type Dialect string

const (
	DialectChat      Dialect = "chat"
	DialectAnthropic Dialect = "anthropic"
	DialectResponses Dialect = "responses"
)

// --- Canonical request form ---

// Message roles in the canonical form.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Request is the canonical internal form every dialect translates into and
// every adapter projects onto its provider's native request.
type Request struct {
	Model            string
	Messages         []Message
	Tools            []Tool
	ToolChoice       *ToolChoice
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	Stream           bool
	IncludeReasoning bool
}

// Message is a canonical chat message.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on Role "tool": the call this message answers
}

// ToolCall is one requested function invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON argument string
}

// Tool declares a callable function.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema; sanitized per provider before forwarding
}

// ToolChoice constrains which tool the model may call.
type ToolChoice struct {
	Mode string // "auto", "required", "none", "function"
	Name string // set when Mode is "function"
}

// --- Canonical event stream ---

// EventKind discriminates canonical stream events.
type EventKind int

const (
	EventText EventKind = iota + 1
	EventReasoning
	EventToolCallStart
	EventToolCallDelta
	EventToolCallEnd
	EventFinish
	EventUsage
)

// Canonical finish reasons.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Event is the internal representation of one upstream streamed item.
// Text carries the payload for EventText, EventReasoning, and
// EventToolCallDelta (the argument fragment). A non-nil Err terminates the
// stream; decoders close their channel after sending it.
type Event struct {
	Kind         EventKind
	Text         string
	ToolID       string
	ToolName     string
	FinishReason string
	Usage        *Usage
	Err          error
}

// Usage holds token accounting. Canonical naming follows prompt/completion;
// input_tokens/output_tokens are accepted on ingest as aliases.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the aggregate of one canonical event stream, used to serve
// non-streaming callers.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// --- Provider accounts ---

// AccountStatus tracks an account's failure-driven lifecycle.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusDegraded AccountStatus = "degraded"
	StatusFailed   AccountStatus = "failed"
)

// ProviderAccount is one authenticated upstream account owned by a proxy user.
// Token fields hold ciphertext; decryption happens in the credential manager.
type ProviderAccount struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	Provider          string        `json:"provider"`
	Name              string        `json:"name"`
	Email             string        `json:"email,omitempty"`
	UpstreamAccountID string        `json:"upstream_account_id,omitempty"`
	AccessToken       string        `json:"-"` // encrypted
	RefreshToken      string        `json:"-"` // encrypted
	APIKey            string        `json:"-"` // encrypted derived key (e.g. Copilot bearer)
	ProjectID         string        `json:"project_id,omitempty"`
	Tier              string        `json:"tier,omitempty"`
	ExpiresAt         time.Time     `json:"expires_at"`
	IsActive          bool          `json:"is_active"`
	Status            AccountStatus `json:"status"`
	RequestCount      int64         `json:"request_count"`
	SuccessCount      int64         `json:"success_count"`
	ErrorCount        int64         `json:"error_count"`
	ConsecutiveErrors int64         `json:"consecutive_errors"`
	LastUsedAt        *time.Time    `json:"last_used_at,omitempty"`
	LastErrorAt       *time.Time    `json:"last_error_at,omitempty"`
	LastErrorCode     int           `json:"last_error_code,omitempty"`
	LastErrorMessage  string        `json:"last_error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Credential is the decrypted, ready-to-use view of an account's secrets.
type Credential struct {
	AccessToken string
	APIKey      string
	ProjectID   string
}

// OAuthResult is the outcome of a code exchange, device poll, or refresh.
type OAuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
	AccountID    string // provider-side account id, when the flow reveals one
	APIKey       string // derived short-lived key, when the provider issues one
	ProjectID    string
	Tier         string
}

// DeviceAuth is a pending device-code authorization handle.
type DeviceAuth struct {
	ID              string        `json:"id"`
	Provider        string        `json:"provider"`
	DeviceCode      string        `json:"-"`
	UserCode        string        `json:"user_code"`
	VerificationURL string        `json:"verification_url"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Interval        time.Duration `json:"-"`
}

// --- Provider adapter ---

// Adapter is the per-provider strategy: auth flows, token refresh, native
// request encoding, and SSE decoding back to canonical events. Adapters never
// retry; non-2xx responses surface to the orchestrator as-is.
type Adapter interface {
	// Name returns the provider tag.
	Name() string
	// AuthURL builds the authorization redirect URL for OAuth providers.
	// Returns ErrUnsupportedFlow for device-code providers.
	AuthURL(state, verifier string) (string, error)
	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*OAuthResult, error)
	// InitiateDeviceCode starts a device authorization.
	// Returns ErrUnsupportedFlow for redirect-flow providers.
	InitiateDeviceCode(ctx context.Context) (*DeviceAuth, error)
	// PollDeviceCode checks a pending device authorization once.
	// Returns ErrAuthorizationPending until the user approves.
	PollDeviceCode(ctx context.Context, da *DeviceAuth) (*OAuthResult, error)
	// RefreshToken obtains fresh credentials from the stored refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*OAuthResult, error)
	// MakeRequest issues the upstream call (always stream=true upstream) and
	// returns the raw response for status inspection before decoding.
	MakeRequest(ctx context.Context, cred Credential, account *ProviderAccount, req *Request) (*http.Response, error)
	// DecodeStream parses the provider's streamed body into canonical events.
	// The channel closes after a terminal event or when ctx is done.
	DecodeStream(ctx context.Context, body io.Reader) <-chan Event
}

// QuotaFetcher is an optional adapter capability: fetch a provider-side quota
// snapshot for an account. Checked via type assertion.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, cred Credential, account *ProviderAccount) (json.RawMessage, error)
}

// --- Caller credentials ---

// Model access modes for proxy API keys.
const (
	ModelAccessAll       = "all"
	ModelAccessAllowlist = "allowlist"
	ModelAccessDenylist  = "denylist"
)

// Roles for proxy API keys.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// APIKey is a caller's credential against the proxy.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix   string     `json:"key_prefix"`
	Role        string     `json:"role"`
	ModelAccess string     `json:"model_access"`
	ModelList   []string   `json:"model_list,omitempty"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AllowsModel reports whether the key's model-access policy permits the
// canonical model id.
func (k *APIKey) AllowsModel(model string) bool {
	switch k.ModelAccess {
	case ModelAccessAllowlist:
		return slices.Contains(k.ModelList, model)
	case ModelAccessDenylist:
		return !slices.Contains(k.ModelList, model)
	default:
		return true
	}
}

// IsAdmin reports whether the key may use the management surface.
func (k *APIKey) IsAdmin() bool { return k.Role == RoleAdmin }

// DisabledModel is a catalog model blocked from routing, with the operator's
// note on why.
type DisabledModel struct {
	Model     string    `json:"model"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Usage ---

// UsageRecord is one immutable proxy-request accounting row.
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	AccountID        string    `json:"account_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	StatusCode       int       `json:"status_code"`
	DurationMs       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageFilter selects usage rows for queries and summaries.
type UsageFilter struct {
	UserID    string
	KeyID     string
	AccountID string
	Provider  string
	Model     string
	Since     string // RFC3339 inclusive lower bound
	Until     string // RFC3339 exclusive upper bound
	Limit     int
	Offset    int
}

// UsageRollup is a pre-aggregated usage bucket maintained by the rollup
// worker so the usage endpoint does not scan raw rows for long ranges.
type UsageRollup struct {
	UserID           string `json:"user_id"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Period           string `json:"period"` // "hour" or "day"
	Bucket           string `json:"bucket"` // RFC3339 truncated to the period
	RequestCount     int64  `json:"request_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	ErrorCount       int64  `json:"error_count"`
}

// RollupFilter selects rollup buckets.
type RollupFilter struct {
	UserID   string
	Provider string
	Model    string
	Period   string
	Since    string
	Until    string
}

// --- Rate limiting ---

// RateLimitEntry is the ledger value for one (account, family) cool-down.
// The entry is live while now < ResetTime.
type RateLimitEntry struct {
	ResetTime time.Time `json:"reset_time"`
	Model     string    `json:"model,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Later stages (auth, relay) mutate the same pointer instead of stacking
// context.WithValue calls.
type requestMeta struct {
	RequestID string
	Key       *APIKey
	Dialect   Dialect
	Model     string
	Provider  string
	AccountID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithKey stores the authenticated key in the existing requestMeta if
// present, avoiding a new allocation. Falls back to creating new metadata
// (e.g., in tests).
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// KeyFromContext extracts the authenticated proxy key from context.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// SetRequestRoute records dialect and model on the request metadata for the
// access log. No-op when the context carries no metadata.
func SetRequestRoute(ctx context.Context, d Dialect, model string) {
	if m := metaFromContext(ctx); m != nil {
		m.Dialect = d
		m.Model = model
	}
}

// SetRequestAccount records the upstream account chosen for this request.
func SetRequestAccount(ctx context.Context, provider, accountID string) {
	if m := metaFromContext(ctx); m != nil {
		m.Provider = provider
		m.AccountID = accountID
	}
}

// RequestRouteFromContext returns the recorded dialect, model, provider, and
// account id for logging.
func RequestRouteFromContext(ctx context.Context) (Dialect, string, string, string) {
	if m := metaFromContext(ctx); m != nil {
		return m.Dialect, m.Model, m.Provider, m.AccountID
	}
	return "", "", "", ""
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all opendum proxy keys.
const APIKeyPrefix = "opd_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller's key.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*APIKey, error)
}

package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrBadRequest           = errors.New("bad request")
	ErrRateLimited          = errors.New("rate limited")
	ErrModelNotAllowed      = errors.New("model not allowed")
	ErrNoAccounts           = errors.New("no provider accounts available")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrUnsupportedFlow      = errors.New("auth flow not supported by provider")
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrDeviceCodeExpired    = errors.New("device code expired")
	ErrAccessDenied         = errors.New("access denied by user")
	ErrKeyBlocked           = errors.New("api key blocked")
)

// Caller-visible error taxonomy types.
const (
	ErrTypeAuthentication = "authentication_error"
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeConfiguration  = "configuration_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error" // Anthropic-dialect 503 variant
)

// APIError is a caller-facing error with the taxonomy fields the dialect
// error envelopes render. Upstream text never lands in Message.
type APIError struct {
	Status       int    `json:"-"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
	Param        string `json:"param,omitempty"`
	RetryAfter   int64  `json:"retry_after,omitempty"`    // seconds
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"` // milliseconds
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

// NewAPIError builds an APIError with the given HTTP status, taxonomy type,
// and message.
func NewAPIError(status int, errType, message string) *APIError {
	return &APIError{Status: status, Type: errType, Message: message}
}

// RateLimitError builds the 429 taxonomy error carrying the minimum
// remaining cool-down in both seconds and milliseconds.
func RateLimitError(message string, retryAfterMs int64) *APIError {
	return &APIError{
		Status:       http.StatusTooManyRequests,
		Type:         ErrTypeRateLimit,
		Message:      message,
		RetryAfter:   retryAfterMs / 1000,
		RetryAfterMs: retryAfterMs,
	}
}

// SanitizeUpstream maps an upstream HTTP status to the caller-facing error.
// The upstream body is never included; it is recorded against the account's
// last error instead.
func SanitizeUpstream(status int) *APIError {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewAPIError(status, ErrTypeInvalidRequest, "upstream rejected the request")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAPIError(http.StatusUnauthorized, ErrTypeAuthentication, "upstream authentication failed")
	case status == http.StatusTooManyRequests:
		return RateLimitError("upstream rate limited", 0)
	case status == http.StatusRequestTimeout:
		return NewAPIError(http.StatusGatewayTimeout, ErrTypeAPI, "upstream request timed out")
	case status >= 500:
		return NewAPIError(http.StatusBadGateway, ErrTypeAPI, "upstream provider error")
	default:
		return NewAPIError(http.StatusInternalServerError, ErrTypeAPI, "unexpected upstream response")
	}
}

package provider

import (
	"fmt"
	"io"
	"net/http"
)

// APIError carries a non-2xx upstream response: which provider produced it,
// the status, and a bounded copy of the body. Adapters return it from auth
// and refresh calls; the relay parses it off completion responses to mine
// rate-limit hints before deciding whether to rotate.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ParseAPIError drains up to 4KB of the response body into an APIError.
// Callers still own resp.Body and must close it.
func ParseAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

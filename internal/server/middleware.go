package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	proxy "github.com/opendum/opendum/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeDialectError(w, dialectForPath(r.URL.Path),
					proxy.NewAPIError(http.StatusInternalServerError, proxy.ErrTypeAPI, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen caps echoed request IDs so a hostile client cannot inflate
// log lines.
const maxRequestIDLen = 128

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && len(vals[0]) <= maxRequestIDLen {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := proxy.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration, plus
// the model and upstream account when the relay recorded them.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		_, model, providerName, accountID := proxy.RequestRouteFromContext(r.Context())
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
			slog.String("model", model),
			slog.String("provider", providerName),
			slog.String("account_id", accountID),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate validates the caller key and injects it into context.
// When requestMeta already exists in context (set by requestID middleware),
// the key is stored by mutation -- no new context or request copy needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			writeDialectError(w, dialectForPath(r.URL.Path), authAPIError(err))
			return
		}
		ctx := proxy.ContextWithKey(r.Context(), key)
		if ctx == r.Context() {
			// Key was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// requireAdmin gates the management surface on the key's role.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := proxy.KeyFromContext(r.Context())
		if key == nil || !key.IsAdmin() {
			writeError(w, proxy.NewAPIError(http.StatusForbidden, proxy.ErrTypeAuthentication, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authAPIError maps authentication failures to the caller taxonomy without
// echoing internal error text.
func authAPIError(err error) *proxy.APIError {
	var ae *proxy.APIError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, proxy.ErrKeyBlocked):
		return proxy.NewAPIError(http.StatusForbidden, proxy.ErrTypeAuthentication, "api key is disabled")
	default:
		return proxy.NewAPIError(http.StatusUnauthorized, proxy.ErrTypeAuthentication, "invalid api key")
	}
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

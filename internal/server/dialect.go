package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	proxy "github.com/opendum/opendum/internal"
	"github.com/opendum/opendum/internal/translator"
)

// maxRequestBody caps dialect request bodies. Long tool-heavy conversations
// run large, so the limit is generous.
const maxRequestBody = 10 << 20

// keepAliveInterval paces SSE comment frames so idle proxies between us and
// the caller do not drop the connection during long generations.
const keepAliveInterval = 15 * time.Second

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.relayDialect(w, r, proxy.DialectChat)
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.relayDialect(w, r, proxy.DialectAnthropic)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.relayDialect(w, r, proxy.DialectResponses)
}

// relayDialect is the shared request path: decode the dialect body, stream
// it through the relay, and replay the canonical events in the same dialect.
func (s *server) relayDialect(w http.ResponseWriter, r *http.Request, d proxy.Dialect) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDialectError(w, d, proxy.NewAPIError(http.StatusRequestEntityTooLarge,
				proxy.ErrTypeInvalidRequest, "request body too large"))
			return
		}
		writeDialectError(w, d, proxy.NewAPIError(http.StatusBadRequest,
			proxy.ErrTypeInvalidRequest, "could not read request body"))
		return
	}

	dec, err := translator.DecodeRequest(d, body)
	if err != nil {
		writeDialectError(w, d, err)
		return
	}

	ctx := r.Context()
	proxy.SetRequestRoute(ctx, d, dec.Request.Model)
	key := proxy.KeyFromContext(ctx)

	events, _, err := s.deps.Relay.Stream(ctx, key, dec)
	if err != nil {
		writeDialectError(w, d, err)
		return
	}

	if dec.Request.Stream {
		s.streamResponse(w, r, d, dec, events)
		return
	}

	completion, err := translator.Collect(ctx, events)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return // caller is gone, nothing to write
		}
		var ae *proxy.APIError
		if !errors.As(err, &ae) {
			ae = proxy.NewAPIError(http.StatusBadGateway, proxy.ErrTypeAPI, "upstream stream error")
		}
		writeDialectError(w, d, ae)
		return
	}

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(translator.RenderCompletion(d, dec.Request.Model, completion, dec.Request.IncludeReasoning)); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "write response",
			slog.String("error", err.Error()))
	}
}

// streamResponse replays canonical events as the dialect's SSE frames. The
// encoder owns the terminal marker; a mid-stream upstream error is logged
// and the stream finished cleanly, since headers are long gone.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, d proxy.Dialect, dec *translator.Decoded, events <-chan proxy.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDialectError(w, d, proxy.NewAPIError(http.StatusInternalServerError,
			proxy.ErrTypeAPI, "streaming unsupported"))
		return
	}

	enc := translator.NewEncoder(d, dec.Request.Model, dec.Request.IncludeReasoning)
	writeSSEHeaders(w)
	if err := enc.Start(w); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := enc.Finish(w); err == nil {
					flusher.Flush()
				}
				return
			}
			if ev.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream aborted",
					slog.String("error", ev.Err.Error()))
				if err := enc.Finish(w); err == nil {
					flusher.Flush()
				}
				return
			}
			if err := enc.Encode(w, ev); err != nil {
				return // caller write failed; request context unwinds the relay
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// dialectForPath picks the error envelope dialect for responses written
// before a handler runs (auth failures, panics).
func dialectForPath(path string) proxy.Dialect {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return proxy.DialectAnthropic
	case strings.HasPrefix(path, "/v1/responses"):
		return proxy.DialectResponses
	default:
		return proxy.DialectChat
	}
}

// errorEnvelope is the Chat/Responses dialect error body.
type errorEnvelope struct {
	Error *proxy.APIError `json:"error"`
}

// anthropicEnvelope is the Anthropic dialect error body.
type anthropicEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeDialectError renders err in the dialect's error envelope. Anything
// that is not already an APIError becomes a generic 500 so internal error
// text never reaches the caller.
func writeDialectError(w http.ResponseWriter, d proxy.Dialect, err error) {
	var ae *proxy.APIError
	if !errors.As(err, &ae) {
		ae = proxy.NewAPIError(http.StatusInternalServerError, proxy.ErrTypeAPI, "internal server error")
	}

	h := w.Header()
	h["Content-Type"] = jsonCT
	if ae.RetryAfter > 0 {
		h["Retry-After"] = []string{strconv.FormatInt(ae.RetryAfter, 10)}
	}
	w.WriteHeader(ae.Status)

	if d == proxy.DialectAnthropic {
		var env anthropicEnvelope
		env.Type = "error"
		env.Error.Type = ae.Type
		env.Error.Message = ae.Message
		if ae.Status == http.StatusServiceUnavailable {
			env.Error.Type = proxy.ErrTypeOverloaded
		}
		encodeJSON(w, env)
		return
	}
	encodeJSON(w, errorEnvelope{Error: ae})
}

// writeError renders err in the generic envelope, for routes that are not
// tied to a caller dialect (management surface, health).
func writeError(w http.ResponseWriter, err error) {
	writeDialectError(w, proxy.DialectChat, err)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	encodeJSON(w, v)
}

func encodeJSON(w io.Writer, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

package server

import (
	"net/http"
)

// sseKeepAlive is a pre-allocated comment frame, written between events on
// the keep-alive ticker. Comments are invisible to SSE clients.
var sseKeepAlive = []byte(": keep-alive\n\n")

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}

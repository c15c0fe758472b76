package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see dialect.go:jsonCT).
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// handleHealthz answers liveness only; it must not touch dependencies so a
// struggling store cannot wedge restarts.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz answers readiness: the configured check pings the store and
// cache before traffic is admitted.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

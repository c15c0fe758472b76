package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opendum/opendum/internal/telemetry"
	"github.com/opendum/opendum/internal/testutil"
)

func newMetricsHandler(reg *prometheus.Registry) http.Handler {
	return New(Deps{
		Auth:           fakeAuth{key: adminKey()},
		Relay:          stubRelay{},
		Store:          testutil.NewFakeStore(),
		Metrics:        telemetry.NewMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h := newMetricsHandler(reg)

	// Hit a normal endpoint first to generate metrics.
	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer opd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Now check /metrics.
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	metricsBody := rec.Body.String()
	if !strings.Contains(metricsBody, "opendum_requests_total") {
		t.Error("metrics should contain opendum_requests_total")
	}
	if !strings.Contains(metricsBody, "opendum_request_duration_seconds") {
		t.Error("metrics should contain opendum_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h := newMetricsHandler(reg)

	// Make a few requests.
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	// Gather metrics and check.
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "opendum_requests_total" {
			found = true
			// Should have metrics for healthz.
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "path" && l.GetValue() == "/healthz" {
						if m.GetCounter().GetValue() < 3 {
							t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("opendum_requests_total metric not found")
	}
}

func TestNoMetricsWithoutHandler(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no metrics handler is wired", rec.Code)
	}
}

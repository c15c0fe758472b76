// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrors      *prometheus.CounterVec
	AccountRotations    *prometheus.CounterVec
	RateLimitMarks      *prometheus.CounterVec
	CredentialRefreshes *prometheus.CounterVec
	TokensProcessed     *prometheus.CounterVec
	UsageQueueLength    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "opendum",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opendum",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "opendum",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		AccountRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "account_rotations_total",
			Help:      "Total mid-request rotations to another account.",
		}, []string{"provider", "reason"}),

		RateLimitMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "ratelimit_marks_total",
			Help:      "Total rate-limit cool-downs recorded against accounts.",
		}, []string{"provider", "family"}),

		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "credential_refreshes_total",
			Help:      "Total credential refresh attempts.",
		}, []string{"provider", "outcome"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opendum",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opendum",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.AccountRotations,
		m.RateLimitMarks,
		m.CredentialRefreshes,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}

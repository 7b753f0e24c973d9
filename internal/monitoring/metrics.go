package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poly2api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poly2api_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poly2api_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poly2api_upstream_requests_total",
			Help: "Total number of upstream dispatches",
		},
		[]string{"provider", "outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poly2api_upstream_request_duration_seconds",
			Help:    "Upstream dispatch latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	FailoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poly2api_failover_attempts_total",
			Help: "Total number of failover attempts beyond the first credential",
		},
		[]string{"provider"},
	)

	CredentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poly2api_credential_refreshes_total",
			Help: "Total number of credential token refreshes",
		},
		[]string{"status"},
	)

	CredentialQuarantinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poly2api_credential_quarantines_total",
			Help: "Total number of credentials moved to quarantine",
		},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poly2api_ratelimit_keys",
			Help: "Number of per-key rate limiters currently cached",
		},
	)
)

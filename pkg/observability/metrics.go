package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Identity metrics
	AuthAttemptsTotal       *prometheus.CounterVec
	CredentialsIssuedTotal  prometheus.Counter
	CredentialsRevokedTotal prometheus.Counter
	ClaimRedemptionsTotal   *prometheus.CounterVec
	PlanCacheLookupsTotal   *prometheus.CounterVec

	// Admission metrics
	RateLimitDecisionsTotal *prometheus.CounterVec

	// Storage metrics
	StoreErrorsTotal *prometheus.CounterVec

	// Maintenance metrics
	PurgedRowsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_auth_attempts_total",
				Help: "Credential verification attempts by outcome",
			},
			[]string{"outcome"},
		),
		CredentialsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentgate_credentials_issued_total",
				Help: "Total number of API keys issued",
			},
		),
		CredentialsRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentgate_credentials_revoked_total",
				Help: "Total number of API keys revoked",
			},
		),
		ClaimRedemptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_claim_redemptions_total",
				Help: "Claim token redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		PlanCacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_plan_cache_lookups_total",
				Help: "Plan resolver cache lookups by result",
			},
			[]string{"result"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_ratelimit_decisions_total",
				Help: "Admission decisions by category",
			},
			[]string{"category", "decision"},
		),

		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_store_errors_total",
				Help: "Storage failures by operation",
			},
			[]string{"operation"},
		),

		PurgedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_purged_rows_total",
				Help: "Rows removed by maintenance jobs",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.CredentialsIssuedTotal,
		m.CredentialsRevokedTotal,
		m.ClaimRedemptionsTotal,
		m.PlanCacheLookupsTotal,
		m.RateLimitDecisionsTotal,
		m.StoreErrorsTotal,
		m.PurgedRowsTotal,
	)

	return m
}

// NewTestMetrics registers metrics on a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests, labelling by route template
// so that path parameters do not explode cardinality
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

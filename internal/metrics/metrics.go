// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch attempt outcomes.
const (
	AttemptOK     = "ok"
	AttemptStatus = "bad_status"
	AttemptError  = "transport_error"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_attempts_total",
			Help: "Fetch attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchRetryExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_fetch_retry_exhausted_total",
			Help: "Logical fetches that failed after using the whole retry budget.",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Finished harvest jobs, labeled by terminal state.",
		},
		[]string{"state"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_job_duration_seconds",
			Help:    "Wall time per finished harvest job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"state"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Status server requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Status server latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetchAttempt counts one network attempt.
func ObserveFetchAttempt(outcome string) {
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetryExhausted counts one logical fetch that ran out of attempts.
func ObserveRetryExhausted() {
	fetchRetryExhaustedTotal.Inc()
}

// ObserveJob records a finished job.
func ObserveJob(state string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(state).Inc()
	jobDurationSeconds.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

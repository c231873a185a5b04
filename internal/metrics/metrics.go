// Package metrics exposes Prometheus collectors for the veriweb service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	linksInsertedTotal         *prometheus.CounterVec
	scoreInvalidationsTotal    *prometheus.CounterVec
	scoreRecomputeSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriweb_fetch_attempts_total",
				Help: "Content fetch attempts, labeled by site, strategy, and outcome.",
			},
			[]string{"site", "strategy", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veriweb_fetch_duration_seconds",
				Help:    "Histogram of per-strategy fetch latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		linksInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriweb_links_inserted_total",
				Help: "Reference-claim links written, labeled by mode and stance.",
			},
			[]string{"mode", "stance"},
		)

		scoreInvalidationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veriweb_score_invalidations_total",
				Help: "Aggregate cache invalidations, labeled by kind.",
			},
			[]string{"kind"},
		)

		scoreRecomputeSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veriweb_score_recompute_seconds",
				Help:    "Histogram of aggregate recompute latencies, labeled by kind.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one strategy attempt against a site.
func ObserveFetch(site, strategy, outcome string, duration time.Duration) {
	fetchAttemptsTotal.WithLabelValues(site, strategy, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveLinkInsert counts a persisted reference-claim link.
func ObserveLinkInsert(mode, stance string) {
	linksInsertedTotal.WithLabelValues(mode, stance).Inc()
}

// ObserveInvalidation counts one aggregate cache invalidation.
func ObserveInvalidation(kind string) {
	scoreInvalidationsTotal.WithLabelValues(kind).Inc()
}

// ObserveRecompute records one aggregate recompute.
func ObserveRecompute(kind string, duration time.Duration) {
	scoreRecomputeSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

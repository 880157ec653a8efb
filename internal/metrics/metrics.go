// Package metrics exposes Prometheus collectors for the search service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	searchQueriesTotal         prometheus.Counter
	searchDurationSeconds      prometheus.Histogram
	duplicatesSkippedTotal     prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	frontierSize               prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		searchQueriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries executed.",
			},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_duration_seconds",
				Help:    "Search execution latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		duplicatesSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_duplicates_skipped_total",
				Help: "Pages skipped because their fingerprint matched crawled content.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Politeness wait durations per domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		frontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_size",
				Help: "URLs currently queued in the frontier.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, code, route string, dur time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(dur.Seconds())
}

// ObserveSearch records one executed search query.
func ObserveSearch(dur time.Duration) {
	if searchQueriesTotal == nil {
		return
	}
	searchQueriesTotal.Inc()
	searchDurationSeconds.Observe(dur.Seconds())
}

// ObserveDuplicateSkipped counts a near-duplicate page skip.
func ObserveDuplicateSkipped() {
	if duplicatesSkippedTotal == nil {
		return
	}
	duplicatesSkippedTotal.Inc()
}

// ObserveRateLimitDelay records how long the crawler waited for a domain.
func ObserveRateLimitDelay(domain string, dur time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(dur.Seconds())
}

// SetFrontierSize reports the current frontier depth.
func SetFrontierSize(n int) {
	if frontierSize == nil {
		return
	}
	frontierSize.Set(float64(n))
}

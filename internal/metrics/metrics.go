// Package metrics exposes Prometheus collectors for the trendradar service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceCrawlsTotal          *prometheus.CounterVec
	observationsTotal          *prometheus.CounterVec
	malformedTotal             *prometheus.CounterVec
	dedupTotal                 *prometheus.CounterVec
	deliveryBatchesTotal       *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	storageRetriesTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeFetchers             prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourceCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_source_crawls_total",
				Help: "Total number of source crawls, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		observationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_observations_total",
				Help: "Total number of stored observations, labeled by source and delta kind.",
			},
			[]string{"source", "kind"},
		)

		malformedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_malformed_total",
				Help: "Raw items dropped by the normalizer, labeled by source.",
			},
			[]string{"source"},
		)

		dedupTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_dedup_total",
				Help: "Deduplication gate decisions, labeled by result.",
			},
			[]string{"result"},
		)

		deliveryBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_delivery_batches_total",
				Help: "Delivery batches sent, labeled by channel and status.",
			},
			[]string{"channel", "status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trendradar_run_duration_seconds",
				Help:    "Histogram of complete run durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)

		storageRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_storage_retries_total",
				Help: "Transient storage errors that were retried, labeled by backend.",
			},
			[]string{"backend"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trendradar_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendradar_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trendradar_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeFetchers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trendradar_active_fetchers",
				Help: "Number of workers currently fetching a source.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSourceCrawl counts one source outcome.
func ObserveSourceCrawl(source, status string) {
	Init()
	sourceCrawlsTotal.WithLabelValues(source, status).Inc()
}

// ObserveObservations counts stored observations for a source.
func ObserveObservations(source string, newCount, seenCount int) {
	Init()
	if newCount > 0 {
		observationsTotal.WithLabelValues(source, "new").Add(float64(newCount))
	}
	if seenCount > 0 {
		observationsTotal.WithLabelValues(source, "seen").Add(float64(seenCount))
	}
}

// ObserveMalformed counts items dropped during normalization.
func ObserveMalformed(source string, n int) {
	Init()
	if n > 0 {
		malformedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveDedup counts gate decisions ("accept" or "duplicate").
func ObserveDedup(result string, n int) {
	Init()
	if n > 0 {
		dedupTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveDeliveryBatch counts one delivery batch outcome.
func ObserveDeliveryBatch(channel, status string) {
	Init()
	deliveryBatchesTotal.WithLabelValues(channel, status).Inc()
}

// ObserveRun records the duration of a complete run.
func ObserveRun(duration time.Duration) {
	Init()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveStorageRetry counts a retried transient storage error.
func ObserveStorageRetry(backend string) {
	Init()
	storageRetriesTotal.WithLabelValues(backend).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveFetchers increments the active fetchers gauge.
func IncActiveFetchers() {
	Init()
	activeFetchers.Inc()
}

// DecActiveFetchers decrements the active fetchers gauge.
func DecActiveFetchers() {
	Init()
	activeFetchers.Dec()
}

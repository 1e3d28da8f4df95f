// Package metrics exposes Prometheus collectors for the ingestion service.
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
	lookupsTotal               *prometheus.CounterVec
	archivesTotal              *prometheus.CounterVec
	archiveBytesTotal          prometheus.Counter
	recordsTotal               *prometheus.CounterVec
	rowsTotal                  *prometheus.CounterVec
	ingestionDurationSeconds   *prometheus.HistogramVec
	activeIngestions           prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domaintext_lookups_total",
				Help: "Total number of domain lookups, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		archivesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domaintext_archives_total",
				Help: "Archives processed, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		archiveBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "domaintext_archive_bytes_total",
				Help: "Compressed archive bytes downloaded.",
			},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domaintext_records_total",
				Help: "Archive records seen by the extractor, labeled by result.",
			},
			[]string{"result"},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domaintext_rows_total",
				Help: "Normalized rows offered to the store, labeled by result.",
			},
			[]string{"result"},
		)

		ingestionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "domaintext_ingestion_duration_seconds",
				Help:    "Duration of ingestion runs, labeled by status.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
			},
			[]string{"status"},
		)

		activeIngestions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "domaintext_active_ingestions",
				Help: "Number of ingestion runs currently in progress.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "domaintext_rate_limit_delay_seconds",
				Help:    "Time spent waiting for an outbound request token, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 300},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLookup counts a finished lookup. kind is "data" or "predictions".
func ObserveLookup(kind, outcome string) {
	Init()
	lookupsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveArchiveTransfer counts a finished archive download.
func ObserveArchiveTransfer(status string, bytesFetched int64) {
	Init()
	archivesTotal.WithLabelValues("fetch", status).Inc()
	if bytesFetched > 0 {
		archiveBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveArchive counts an archive finishing a non-fetch stage.
func ObserveArchive(stage, status string) {
	Init()
	archivesTotal.WithLabelValues(stage, status).Inc()
}

// ObserveRecords adds n extractor decisions of the given result.
func ObserveRecords(result string, n int) {
	Init()
	if n > 0 {
		recordsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveRow counts a store outcome for a normalized row.
func ObserveRow(result string) {
	Init()
	rowsTotal.WithLabelValues(result).Inc()
}

// ObserveIngestion records the duration of an ingestion run.
func ObserveIngestion(status string, duration time.Duration) {
	Init()
	ingestionDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveIngestions increments the active ingestions gauge.
func IncActiveIngestions() {
	Init()
	activeIngestions.Inc()
}

// DecActiveIngestions decrements the active ingestions gauge.
func DecActiveIngestions() {
	Init()
	activeIngestions.Dec()
}

// ObserveRateLimitDelay records how long an outbound request waited for a token.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

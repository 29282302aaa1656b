// Package metrics exposes Prometheus collectors for the crawl service.
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
	quotaUnitsTotal        *prometheus.CounterVec
	credentialRotations    prometheus.Counter
	recordsAdmittedTotal   *prometheus.CounterVec
	recordsFilteredTotal   *prometheus.CounterVec
	apiErrorsTotal         *prometheus.CounterVec
	passesTotal            *prometheus.CounterVec
	activeEnrichmentJobs   prometheus.Gauge
	snapshotFlushesTotal   *prometheus.CounterVec
	searchPagesTotal       prometheus.Counter
	quotaWaitDurationHours prometheus.Histogram
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		quotaUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_quota_units_total",
				Help: "API quota units spent, labeled by credential index and endpoint.",
			},
			[]string{"credential", "endpoint"},
		)

		credentialRotations = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metafetcher_credential_rotations_total",
				Help: "Number of times the active credential advanced.",
			},
		)

		recordsAdmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_records_admitted_total",
				Help: "Records admitted into the snapshot, labeled by category and bucket.",
			},
			[]string{"category", "bucket"},
		)

		recordsFilteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_records_filtered_total",
				Help: "Candidates rejected by the adaptive filter, labeled by category.",
			},
			[]string{"category"},
		)

		apiErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_api_errors_total",
				Help: "Classified API failures, labeled by classification kind.",
			},
			[]string{"kind"},
		)

		passesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_passes_total",
				Help: "Completed crawl passes, labeled by generation and outcome.",
			},
			[]string{"generation", "outcome"},
		)

		activeEnrichmentJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "metafetcher_active_enrichment_jobs",
				Help: "Enrichment lookups currently in flight.",
			},
		)

		snapshotFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_snapshot_flushes_total",
				Help: "Snapshot documents published to remote storage, labeled by status.",
			},
			[]string{"status"},
		)

		searchPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metafetcher_search_pages_total",
				Help: "Search result pages consumed.",
			},
		)

		quotaWaitDurationHours = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metafetcher_quota_wait_duration_hours",
				Help:    "Histogram of quota-reset wait durations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 24},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metafetcher_http_requests_total",
				Help: "Status server requests, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metafetcher_http_request_duration_seconds",
				Help:    "Status server request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQuotaSpend adds spent quota units for a credential and endpoint.
func ObserveQuotaSpend(credentialIndex int, endpoint string, units int) {
	if units <= 0 {
		return
	}
	quotaUnitsTotal.WithLabelValues(strconv.Itoa(credentialIndex), endpoint).Add(float64(units))
}

// ObserveCredentialRotation increments the rotation counter.
func ObserveCredentialRotation() {
	credentialRotations.Inc()
}

// ObserveAdmitted increments the admitted-record counter.
func ObserveAdmitted(category, bucket string) {
	recordsAdmittedTotal.WithLabelValues(category, bucket).Inc()
}

// ObserveFiltered increments the rejected-candidate counter.
func ObserveFiltered(category string) {
	recordsFilteredTotal.WithLabelValues(category).Inc()
}

// ObserveAPIError increments the classified-failure counter.
func ObserveAPIError(kind string) {
	apiErrorsTotal.WithLabelValues(kind).Inc()
}

// ObservePass records a finished pass for a generation.
func ObservePass(generation int, outcome string) {
	passesTotal.WithLabelValues(strconv.Itoa(generation), outcome).Inc()
}

// IncEnrichmentJobs increments the in-flight enrichment gauge.
func IncEnrichmentJobs() {
	activeEnrichmentJobs.Inc()
}

// DecEnrichmentJobs decrements the in-flight enrichment gauge.
func DecEnrichmentJobs() {
	activeEnrichmentJobs.Dec()
}

// ObserveSnapshotFlush increments the remote-publication counter.
func ObserveSnapshotFlush(status string) {
	snapshotFlushesTotal.WithLabelValues(status).Inc()
}

// ObserveSearchPage increments the search-page counter.
func ObserveSearchPage() {
	searchPagesTotal.Inc()
}

// ObserveQuotaWait records the duration of one quota-reset wait.
func ObserveQuotaWait(d time.Duration) {
	quotaWaitDurationHours.Observe(d.Hours())
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

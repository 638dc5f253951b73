// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	partitionsTotal          *prometheus.CounterVec
	partitionDurationSeconds prometheus.Histogram
	referencesTotal          prometheus.Counter
	itemsTotal               *prometheus.CounterVec
	extractionFailuresTotal  *prometheus.CounterVec
	authorConflictsTotal     prometheus.Counter
	discoveryPagesTotal      prometheus.Counter
	navigationsTotal         *prometheus.CounterVec
	activePartitions         prometheus.Gauge
	politenessDelaysSeconds  *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		partitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_partitions_total",
				Help: "Total number of partition runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		partitionDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_partition_duration_seconds",
				Help:    "Histogram of partition run durations.",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		)

		referencesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_references_total",
				Help: "Total number of references newly persisted by discovery.",
			},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Total number of persisted items, labeled by kind.",
			},
			[]string{"kind"},
		)

		extractionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_extraction_failures_total",
				Help: "Total number of references that failed extraction, labeled by reason.",
			},
			[]string{"reason"},
		)

		authorConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_author_conflicts_total",
				Help: "Total number of author inserts lost to a concurrent writer.",
			},
		)

		discoveryPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_discovery_pages_total",
				Help: "Total number of search result pages fetched.",
			},
		)

		navigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_navigations_total",
				Help: "Total number of browser navigations, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		activePartitions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_partitions",
				Help: "Number of partitions currently running.",
			},
		)

		politenessDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_politeness_delays_seconds",
				Help:    "Histogram of per-host navigation wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_http_requests_total",
				Help: "Total number of HTTP requests served by the admin endpoint.",
			},
			[]string{"method", "status"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_http_request_duration_seconds",
				Help:    "Histogram of admin endpoint request latencies.",
				Buckets: prometheus.DefBuckets,
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
	Init()
	return promhttp.Handler()
}

// ObservePartition records a finished partition with outcome "success" or "failure".
func ObservePartition(outcome string, duration time.Duration) {
	Init()
	partitionsTotal.WithLabelValues(outcome).Inc()
	partitionDurationSeconds.Observe(duration.Seconds())
}

// AddReferences increments the persisted reference counter.
func AddReferences(n int) {
	Init()
	if n > 0 {
		referencesTotal.Add(float64(n))
	}
}

// AddItems increments the persisted item counter for kind (feed, discussion, reply).
func AddItems(kind string, n int) {
	Init()
	if n > 0 {
		itemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveExtractionFailure counts one failed reference.
func ObserveExtractionFailure(reason string) {
	Init()
	extractionFailuresTotal.WithLabelValues(reason).Inc()
}

// IncAuthorConflict counts one author insert lost to a concurrent writer.
func IncAuthorConflict() {
	Init()
	authorConflictsTotal.Inc()
}

// IncDiscoveryPage counts one fetched search result page.
func IncDiscoveryPage() {
	Init()
	discoveryPagesTotal.Inc()
}

// ObserveNavigation counts one browser navigation.
func ObserveNavigation(rawURL string, status string) {
	Init()
	navigationsTotal.WithLabelValues(SanitizeSite(rawURL), status).Inc()
}

// IncActivePartitions increments the active partitions gauge.
func IncActivePartitions() {
	Init()
	activePartitions.Inc()
}

// DecActivePartitions decrements the active partitions gauge.
func DecActivePartitions() {
	Init()
	activePartitions.Dec()
}

// ObservePolitenessDelay records the duration of a per-host wait.
func ObservePolitenessDelay(rawURL string, duration time.Duration) {
	Init()
	politenessDelaysSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one request served by the admin endpoint.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the archiver.
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
	archiverPagesTotal           *prometheus.CounterVec
	archiverImagesTotal          *prometheus.CounterVec
	archiverBytesTotal           *prometheus.CounterVec
	archiverActiveDownloads      prometheus.Gauge
	archiverRateLimitDelay       *prometheus.HistogramVec
	archiverBannedSkippedTotal   prometheus.Counter
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	archiverCleanupRemovedTotal  prometheus.Counter
	archiverSubmissionsQueued    *prometheus.CounterVec
	archiverStoreRetriesTotal    prometheus.Counter
	archiverIntegrityFailedTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		archiverPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_total",
				Help: "Listing pages processed, labeled by resulting status.",
			},
			[]string{"status"},
		)

		archiverImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_images_total",
				Help: "Image download outcomes, labeled by download status.",
			},
			[]string{"status"},
		)

		archiverBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		archiverActiveDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_downloads",
				Help: "Number of workers currently processing a download task.",
			},
		)

		archiverRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		archiverBannedSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_banned_skipped_total",
				Help: "Images skipped because their author is banned.",
			},
		)

		archiverCleanupRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_cleanup_removed_images_total",
				Help: "Image rows removed by banned-author cleanup.",
			},
		)

		archiverSubmissionsQueued = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_submissions_queued_total",
				Help: "Archive submissions recorded, labeled by type.",
			},
			[]string{"type"},
		)

		archiverStoreRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_store_tx_retries_total",
				Help: "Serialization conflicts retried by the store.",
			},
		)

		archiverIntegrityFailedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_integrity_failures_total",
				Help: "Stored files whose re-read hash did not match.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts a processed listing page.
func ObservePage(status string) {
	Init()
	archiverPagesTotal.WithLabelValues(status).Inc()
}

// ObserveImage counts a finished download task.
func ObserveImage(status string) {
	Init()
	archiverImagesTotal.WithLabelValues(status).Inc()
}

// ObserveBytes adds fetched bytes for the site of rawURL.
func ObserveBytes(rawURL string, n int) {
	if n <= 0 {
		return
	}
	Init()
	archiverBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
}

// IncActiveDownloads increments the active downloads gauge.
func IncActiveDownloads() {
	Init()
	archiverActiveDownloads.Inc()
}

// DecActiveDownloads decrements the active downloads gauge.
func DecActiveDownloads() {
	Init()
	archiverActiveDownloads.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	archiverRateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveBannedSkipped counts images filtered out for banned authors.
func ObserveBannedSkipped(n int) {
	if n <= 0 {
		return
	}
	Init()
	archiverBannedSkippedTotal.Add(float64(n))
}

// ObserveCleanupRemoved counts image rows removed by a cleanup.
func ObserveCleanupRemoved(n int) {
	if n <= 0 {
		return
	}
	Init()
	archiverCleanupRemovedTotal.Add(float64(n))
}

// ObserveSubmission counts a newly recorded archive submission.
func ObserveSubmission(kind string) {
	Init()
	archiverSubmissionsQueued.WithLabelValues(kind).Inc()
}

// ObserveStoreRetry counts a retried serialization conflict.
func ObserveStoreRetry() {
	Init()
	archiverStoreRetriesTotal.Inc()
}

// ObserveIntegrityFailure counts a hash mismatch on re-read.
func ObserveIntegrityFailure() {
	Init()
	archiverIntegrityFailedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

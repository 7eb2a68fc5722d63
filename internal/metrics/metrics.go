// Package metrics exposes Prometheus collectors for the archiver service.
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
	admissionsTotal            *prometheus.CounterVec
	capturesTotal              *prometheus.CounterVec
	archivesTotal              *prometheus.CounterVec
	lockContentionTotal        prometheus.Counter
	queueEvictionsTotal        prometheus.Counter
	activeSessions             prometheus.Gauge
	pipelineDurationSeconds    prometheus.Histogram
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_admissions_total",
				Help: "Total number of archive requests, labeled by admission outcome.",
			},
			[]string{"outcome"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_captures_total",
				Help: "Total number of rendered targets, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		archivesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_archives_total",
				Help: "Total number of pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		lockContentionTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_lock_contention_total",
				Help: "Total archive requests that found their listing already locked.",
			},
		)

		queueEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_queue_evictions_total",
				Help: "Total queued targets dropped because a tenant queue was full.",
			},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_sessions",
				Help: "Number of capture sessions currently running a batch.",
			},
		)

		pipelineDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_pipeline_duration_seconds",
				Help:    "Histogram of time spent turning a capture into an archive record.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveAdmission counts an archive request by outcome.
func ObserveAdmission(outcome string) {
	Init()
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCapture counts a rendered target.
func ObserveCapture(site, status string) {
	Init()
	capturesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveArchive counts a pipeline run and records its latency.
func ObserveArchive(status string, duration time.Duration) {
	Init()
	archivesTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.Observe(duration.Seconds())
}

// ObserveLockContention counts a request that found its listing locked.
func ObserveLockContention() {
	Init()
	lockContentionTotal.Inc()
}

// ObserveQueueEvictions counts targets evicted from a full tenant queue.
func ObserveQueueEvictions(n int) {
	if n <= 0 {
		return
	}
	Init()
	queueEvictionsTotal.Add(float64(n))
}

// IncActiveSessions increments the running sessions gauge.
func IncActiveSessions() {
	Init()
	activeSessions.Inc()
}

// DecActiveSessions decrements the running sessions gauge.
func DecActiveSessions() {
	Init()
	activeSessions.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

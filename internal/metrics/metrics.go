// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerAdapterRunsTotal       *prometheus.CounterVec
	crawlerAdapterDuration        *prometheus.HistogramVec
	crawlerStrategyResultsTotal   *prometheus.CounterVec
	crawlerRecordsTotal           *prometheus.CounterVec
	browserLaunchAttemptsTotal    *prometheus.CounterVec
	sinkWritesTotal               *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of HTTP fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		crawlerAdapterRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_adapter_runs_total",
				Help: "Adapter runs, labeled by adapter and outcome (ok, empty, timeout, canceled, panic).",
			},
			[]string{"adapter", "outcome"},
		)

		crawlerAdapterDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_adapter_duration_seconds",
				Help:    "Wall-clock duration of adapter runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"adapter"},
		)

		crawlerStrategyResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_strategy_results_total",
				Help: "Extraction strategy attempts, labeled by adapter, strategy and outcome.",
			},
			[]string{"adapter", "strategy", "outcome"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Candidate records produced, labeled by adapter.",
			},
			[]string{"adapter"},
		)

		browserLaunchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_launch_attempts_total",
				Help: "Browser launch attempts, labeled by configuration and outcome.",
			},
			[]string{"config", "outcome"},
		)

		sinkWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_writes_total",
				Help: "Catalog sink writes, labeled by sink and status.",
			},
			[]string{"sink", "status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of orchestrator workers currently running an adapter.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one HTTP fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdapter records an adapter run outcome and duration.
func ObserveAdapter(adapter, outcome string, records int, duration time.Duration) {
	Init()
	crawlerAdapterRunsTotal.WithLabelValues(adapter, outcome).Inc()
	crawlerAdapterDuration.WithLabelValues(adapter).Observe(duration.Seconds())
	if records > 0 {
		crawlerRecordsTotal.WithLabelValues(adapter).Add(float64(records))
	}
}

// ObserveStrategy records one extraction strategy attempt.
func ObserveStrategy(adapter, strategy, outcome string) {
	Init()
	crawlerStrategyResultsTotal.WithLabelValues(adapter, strategy, outcome).Inc()
}

// ObserveLaunch records a browser launch attempt.
func ObserveLaunch(config, outcome string) {
	Init()
	browserLaunchAttemptsTotal.WithLabelValues(config, outcome).Inc()
}

// ObserveSink records a sink write.
func ObserveSink(sink, status string) {
	Init()
	sinkWritesTotal.WithLabelValues(sink, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the HTTP surface and the
// upstream fetch paths.
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
	apiPagesTotal              *prometheus.CounterVec
	apiBytesTotal              *prometheus.CounterVec
	activityFetchTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revision_api_pages_total",
				Help: "Paginated API pages fetched, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		apiBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revision_api_bytes_total",
				Help: "Bytes read from the paginated API, labeled by host.",
			},
			[]string{"host"},
		)

		activityFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revision_activity_fetch_total",
				Help: "Internal activity requests issued from the browser, labeled by status.",
			},
			[]string{"status"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revision_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// Host extracts a lowercase hostname from a URL, or "unknown".
func Host(rawURL string) string {
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

// ObserveAPIPage records one paginated API response.
func ObserveAPIPage(rawURL string, status int, bytesRead int) {
	Init()
	host := Host(rawURL)
	apiPagesTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	if bytesRead > 0 {
		apiBytesTotal.WithLabelValues(host).Add(float64(bytesRead))
	}
}

// ObserveActivityFetch records one internal activity request.
func ObserveActivityFetch(status int) {
	Init()
	activityFetchTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "stm"

// Metrics exposes the stats counters and Spotify call latencies to Prometheus
type Metrics struct {
	registry *prometheus.Registry

	spotifyCallDuration *prometheus.HistogramVec
	spotifyCallsTotal   *prometheus.CounterVec
}

// NewMetrics builds a registry whose counters read from the given stats instance
func NewMetrics(s *Stats) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.spotifyCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "spotify",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound Spotify Web API calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	m.spotifyCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "spotify",
			Name:      "calls_total",
			Help:      "Outbound Spotify Web API calls by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)

	counter := func(subsystem, name, help string, v interface{ Load() int64 }) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	m.registry.MustRegister(
		m.spotifyCallDuration,
		m.spotifyCallsTotal,
		counter("http", "requests_total", "Inbound HTTP requests", &s.TotalRequests),
		counter("http", "rate_limited_total", "Inbound requests rejected by the per-IP limiter", &s.RateLimitExceeded),
		counter("cache", "hits_total", "Persistent cache hits", &s.CacheHits),
		counter("cache", "misses_total", "Persistent cache misses", &s.CacheMisses),
		counter("cache", "evictions_total", "Entries evicted to stay under quota", &s.CacheEvictions),
		counter("cache", "corrupted_total", "Corrupted entries removed on read", &s.CacheCorrupted),
		counter("queue", "enqueued_total", "Requests submitted to the Spotify request queue", &s.QueueEnqueued),
		counter("queue", "deduplicated_total", "Requests that joined an identical pending call", &s.QueueDeduplicated),
		counter("queue", "retries_total", "Requests re-queued after 429, 401 or network failure", &s.Retries),
		counter("queue", "timeouts_total", "Requests that exceeded the queue timeout", &s.QueueTimeouts),
		counter("token", "refreshes_total", "Successful access token refreshes", &s.TokenRefreshes),
		counter("token", "refresh_failures_total", "Failed access token refreshes", &s.RefreshFailures),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the stats start time",
		}, func() float64 { return s.Uptime().Seconds() }),
	)

	return m
}

// ObserveSpotifyCall records one outbound call
func (m *Metrics) ObserveSpotifyCall(endpoint string, code int, duration time.Duration) {
	m.spotifyCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	m.spotifyCallsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// RegisterGauge exposes a live value such as the queue length
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the stitcher.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         *prometheus.CounterVec
	errorsTotal           prometheus.Counter
	stitchDuration        prometheus.Histogram
	decisionsTotal        *prometheus.CounterVec
	breaksTotal           *prometheus.CounterVec
	originFetchesTotal    *prometheus.CounterVec
	activeSessions        prometheus.Gauge
	sessionEvictionsTotal *prometheus.CounterVec
	degradedTotal         *prometheus.CounterVec
	playlistsTotal        *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the stitcher.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_requests_total",
		Help: "Total number of HTTP requests received by status class",
	}, []string{"code"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	stitchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hls_stitch_duration_seconds",
		Help:    "Time to produce a stitched media playlist after the origin fetch",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	decisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_ad_decisions_total",
		Help: "Ad decision requests by outcome",
	}, []string{"outcome"})
	breaksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_breaks_total",
		Help: "Ad breaks that reached a terminal state, by state",
	}, []string{"state"})
	originFetchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_origin_fetches_total",
		Help: "Origin playlist fetches by result",
	}, []string{"result"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hls_active_sessions",
		Help: "Number of sessions resident in the session store",
	})
	sessionEvictionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_session_evictions_total",
		Help: "Sessions dropped from the store by reason",
	}, []string{"reason"})
	degradedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_degraded_responses_total",
		Help: "Media playlists served as unmodified source content by reason",
	}, []string{"reason"})
	playlistsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_playlists_served_total",
		Help: "Playlists served by kind and whether ads were stitched",
	}, []string{"kind", "stitched"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		stitchDuration,
		decisionsTotal,
		breaksTotal,
		originFetchesTotal,
		activeSessions,
		sessionEvictionsTotal,
		degradedTotal,
		playlistsTotal,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		stitchDuration:        stitchDuration,
		decisionsTotal:        decisionsTotal,
		breaksTotal:           breaksTotal,
		originFetchesTotal:    originFetchesTotal,
		activeSessions:        activeSessions,
		sessionEvictionsTotal: sessionEvictionsTotal,
		degradedTotal:         degradedTotal,
		playlistsTotal:        playlistsTotal,
	}
}

// IncRequests counts one request under its status class ("2xx", "4xx", ...).
func (m *Metrics) IncRequests(status int) {
	m.requestsTotal.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveStitch records the time spent producing one media playlist.
func (m *Metrics) ObserveStitch(d time.Duration) {
	m.stitchDuration.Observe(d.Seconds())
}

// IncDecisions counts one ad decision by outcome ("decided", "timeout",
// "empty", "upstream").
func (m *Metrics) IncDecisions(outcome string) {
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}

// IncBreaks counts one break that finished as state ("stitched", "skipped").
func (m *Metrics) IncBreaks(state string) {
	m.breaksTotal.WithLabelValues(state).Inc()
}

// IncOriginFetches counts one origin fetch by result.
func (m *Metrics) IncOriginFetches(result string) {
	m.originFetchesTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncSessionEvictions counts one session eviction by reason.
func (m *Metrics) IncSessionEvictions(reason string) {
	m.sessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// IncDegraded counts one response that fell back to source content.
func (m *Metrics) IncDegraded(reason string) {
	m.degradedTotal.WithLabelValues(reason).Inc()
}

// IncPlaylists counts one playlist served to a viewer. kind is "master" or
// "media"; stitched is false for master playlists and degraded responses.
func (m *Metrics) IncPlaylists(kind string, stitched bool) {
	m.playlistsTotal.WithLabelValues(kind, strconv.FormatBool(stitched)).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

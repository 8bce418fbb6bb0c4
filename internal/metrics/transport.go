package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_http_requests_total",
		Help: "API requests by route, method and status code",
	}, []string{"route", "method", "code"})

	// HTTPDuration tracks request latency per route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strand_http_request_duration_seconds",
		Help:    "API request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// SessionChecks counts arbiter admission decisions.
	SessionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_session_checks_total",
		Help: "Session arbiter admission decisions",
	}, []string{"decision"})

	// SessionCheckDuration tracks the arbiter fast-path latency.
	SessionCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strand_session_check_duration_seconds",
		Help:    "Latency of the session arbiter Check path",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25, 1, 8},
	})

	// ActiveSessions gauges currently admitted debrid sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strand_sessions_active",
		Help: "Currently admitted debrid sessions",
	})

	// LiveTVFailovers counts per-channel source rotations.
	LiveTVFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_livetv_failovers_total",
		Help: "Live-TV active source rotations per channel",
	}, []string{"channel"})

	// LiveTVRequests counts manifest and segment requests by result.
	LiveTVRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_livetv_requests_total",
		Help: "Live-TV proxy requests by type and result",
	}, []string{"type", "result"})

	// RangeReads counts range-proxy reads by status class.
	RangeReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_range_proxy_reads_total",
		Help: "Range proxy requests by HTTP status",
	}, []string{"status"})

	// FSStatTimeouts counts stat deadline trips on the mounted catalog.
	FSStatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strand_fs_stat_timeouts_total",
		Help: "Filesystem stat calls aborted by the hard deadline",
	})

	// EnricherRuns counts background enricher outcomes.
	EnricherRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_enricher_runs_total",
		Help: "Background enricher executions by name and result",
	}, []string{"enricher", "success"})
)

// ObserveHTTP records one finished API request.
func ObserveHTTP(route, method string, code int, seconds float64) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// IncSessionCheck records one arbiter decision.
func IncSessionCheck(decision string) {
	SessionChecks.WithLabelValues(decision).Inc()
}

// IncLiveTVRequest records one proxy request outcome.
func IncLiveTVRequest(reqType string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	LiveTVRequests.WithLabelValues(reqType, result).Inc()
}

// IncRangeRead records a range-proxy response status.
func IncRangeRead(status int) {
	RangeReads.WithLabelValues(strconv.Itoa(status)).Inc()
}

// IncEnricherRun records one enricher outcome.
func IncEnricherRun(name string, ok bool) {
	EnricherRuns.WithLabelValues(name, strconv.FormatBool(ok)).Inc()
}

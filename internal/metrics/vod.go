// Package metrics exposes Prometheus instrumentation for all components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted counts job starts by kind and prefetch flag.
	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_vod_jobs_started_total",
		Help: "Total VOD jobs started by content kind and prefetch flag",
	}, []string{"kind", "prefetch"})

	// JobsCompleted counts terminal job outcomes.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_vod_jobs_completed_total",
		Help: "Total VOD jobs reaching a terminal state by result and error kind",
	}, []string{"result", "error_kind"})

	// JobDuration tracks wall time from start to terminal state.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strand_vod_job_duration_seconds",
		Help:    "Time from job start to terminal state",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180, 300},
	}, []string{"result"})

	// CandidateAttempts counts candidate promotions by provenance and outcome.
	CandidateAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_vod_candidate_attempts_total",
		Help: "Candidate promotion attempts by provenance and outcome",
	}, []string{"provenance", "outcome"})

	// LinkCacheLookups counts cache probe results.
	LinkCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_link_cache_lookups_total",
		Help: "Link cache lookups by result (hit, dead, miss)",
	}, []string{"result"})

	// ResolverCandidates counts candidates pushed per provider.
	ResolverCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_resolver_candidates_total",
		Help: "Candidates streamed out of source providers",
	}, []string{"provider"})

	// RemuxRuns counts remux executions by plan and result.
	RemuxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strand_remux_runs_total",
		Help: "Remux executions by plan and result",
	}, []string{"plan", "result"})
)

// ObserveJobDuration records time to a terminal state.
func ObserveJobDuration(result string, d time.Duration) {
	JobDuration.WithLabelValues(result).Observe(d.Seconds())
}

// IncCandidateAttempt records one candidate attempt outcome.
func IncCandidateAttempt(provenance, outcome string) {
	CandidateAttempts.WithLabelValues(provenance, outcome).Inc()
}

// IncLinkCacheLookup records a cache lookup result.
func IncLinkCacheLookup(result string) {
	LinkCacheLookups.WithLabelValues(result).Inc()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_runs_started_total", Help: "Job runs started by this instance"}, []string{"job"})
	RunsFinished        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_runs_finished_total", Help: "Job runs finished by outcome"}, []string{"job", "status"})
	RunDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "scheduler_run_duration_seconds", Help: "Handler wall time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"job"})
	LockContention      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_lock_contention_total", Help: "Due jobs skipped because the lock was held"}, []string{"job"})
	PoolSaturated       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_pool_saturated_total", Help: "Due jobs deferred because the worker pool was full"}, []string{"job"})
	ConflictingOutcomes = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_conflicting_outcomes_total", Help: "Outcome writes rejected because the run already held a different terminal status"})
	StoreErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_store_errors_total", Help: "Job store calls that failed as unavailable"}, []string{"op"})
	TriggersEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_triggers_enqueued_total", Help: "Manual triggers accepted by the API"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_rate_limit_rejects_total", Help: "Trigger requests rejected by rate limiter"})
	RunsPruned          = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_runs_pruned_total", Help: "Terminal runs archived and deleted by retention"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_runs_inflight", Help: "Runs currently executing in this instance"})
	OverstayingRuns     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_runs_overstaying", Help: "Handlers still executing after their run was recorded as timed out"})
	BlockedGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_blocked", Help: "1 while the schema version is incompatible"})
	StateGauge          = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "scheduler_state", Help: "1 for the current loop state"}, []string{"state"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsFinished,
			RunDuration,
			LockContention,
			PoolSaturated,
			ConflictingOutcomes,
			StoreErrors,
			TriggersEnqueued,
			RateLimitRejects,
			RunsPruned,
			InFlightGauge,
			OverstayingRuns,
			BlockedGauge,
			StateGauge,
		)
	})
	return promhttp.Handler()
}

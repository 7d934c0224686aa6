package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for runcore. Every Record method is
// safe to call on a nil *Metrics.
type Metrics struct {
	// Run lifecycle
	RunTransitions   *prometheus.CounterVec
	RunsByStatus     *prometheus.GaugeVec
	VersionConflicts *prometheus.CounterVec

	// Queue
	QueueDepth        *prometheus.GaugeVec
	DLQDepth          *prometheus.GaugeVec
	JobsEnqueued      *prometheus.CounterVec
	JobsProcessed     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	RateLimited       *prometheus.CounterVec
	BackpressureState *prometheus.GaugeVec
	BackpressureDelay *prometheus.HistogramVec

	// Idempotency
	IdempotencyResults *prometheus.CounterVec

	// Ledger
	LedgerMovements *prometheus.CounterVec
	CreditsMoved    *prometheus.CounterVec

	// Agent loop
	StepsRecorded *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	ToolLatency   *prometheus.HistogramVec
	LLMCalls      *prometheus.CounterVec
	PlanRevisions *prometheus.CounterVec
	Checkpoints   prometheus.Counter

	// Sweeps and relay
	SweepActions    *prometheus.CounterVec
	OutboxPublished *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RunTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_run_transitions_total",
					Help: "Applied run state transitions",
				},
				[]string{"from", "to", "event"},
			),
			RunsByStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runcore_runs",
					Help: "Runs per status",
				},
				[]string{"status"},
			),
			VersionConflicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_version_conflicts_total",
					Help: "Optimistic lock conflicts observed while applying events",
				},
				[]string{"event"},
			),
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runcore_queue_depth",
					Help: "Queued jobs per queue",
				},
				[]string{"queue"},
			),
			DLQDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runcore_dlq_depth",
					Help: "Unprocessed dead letters per queue",
				},
				[]string{"queue"},
			),
			JobsEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_jobs_enqueued_total",
					Help: "Enqueue outcomes",
				},
				[]string{"queue", "type", "result"},
			),
			JobsProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_jobs_processed_total",
					Help: "Handler outcomes per queue and job type",
				},
				[]string{"queue", "type", "result"},
			),
			JobDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "runcore_job_duration_seconds",
					Help:    "Handler execution time",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
				},
				[]string{"queue", "type"},
			),
			RateLimited: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_rate_limited_total",
					Help: "Operations rejected by a sliding-window limiter",
				},
				[]string{"scope", "name"},
			),
			BackpressureState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runcore_backpressure_state",
					Help: "Backpressure level per queue (0 normal, 1 warning, 2 critical, 3 circuit open)",
				},
				[]string{"queue"},
			),
			BackpressureDelay: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "runcore_backpressure_delay_seconds",
					Help:    "Artificial delay applied under backpressure",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
				},
				[]string{"queue"},
			),
			IdempotencyResults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_idempotency_results_total",
					Help: "Idempotency executor outcomes (hit, cached_error, executed, failed, lock_wait)",
				},
				[]string{"result"},
			),
			LedgerMovements: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_ledger_movements_total",
					Help: "Ledger movements by type and whether they were applied or deduplicated",
				},
				[]string{"type", "result"},
			),
			CreditsMoved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_credits_moved_total",
					Help: "Credits moved by movement type",
				},
				[]string{"type"},
			),
			StepsRecorded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_steps_total",
					Help: "Recorded steps by type",
				},
				[]string{"type"},
			),
			ToolCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_tool_calls_total",
					Help: "Tool invocations by outcome",
				},
				[]string{"tool", "result"},
			),
			ToolLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "runcore_tool_latency_seconds",
					Help:    "Tool execution latency",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
				},
				[]string{"tool"},
			),
			LLMCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_llm_calls_total",
					Help: "Planner/LLM invocations by purpose and outcome",
				},
				[]string{"purpose", "result"},
			),
			PlanRevisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_plan_revisions_total",
					Help: "Plan versions stored by reason",
				},
				[]string{"reason"},
			),
			Checkpoints: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "runcore_checkpoints_total",
					Help: "Checkpoints written",
				},
			),
			SweepActions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_sweep_actions_total",
					Help: "Actions taken by the stuck/timeout sweep",
				},
				[]string{"action"},
			),
			OutboxPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_outbox_published_total",
					Help: "Outbox relay publish outcomes",
				},
				[]string{"result"},
			),
		}
	})
	return sharedMetrics
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordTransition counts an applied transition.
func (m *Metrics) RecordTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(from, to, event).Inc()
}

// RecordVersionConflict counts an optimistic lock loss.
func (m *Metrics) RecordVersionConflict(event string) {
	if m == nil {
		return
	}
	m.VersionConflicts.WithLabelValues(event).Inc()
}

// RecordEnqueue counts an enqueue outcome (created, deduplicated, rate_limited, rejected).
func (m *Metrics) RecordEnqueue(queue, jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(queue, jobType, outcome).Inc()
}

// RecordJob records a handler outcome (done, retried, dead) and its duration.
func (m *Metrics) RecordJob(queue, jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(queue, jobType).Observe(d.Seconds())
}

// SetQueueDepth publishes a queue depth sample.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetDLQDepth publishes a dead-letter depth sample.
func (m *Metrics) SetDLQDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.DLQDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncDLQDepth bumps the dead-letter gauge when a job is dead-lettered.
func (m *Metrics) IncDLQDepth(queue string) {
	if m == nil {
		return
	}
	m.DLQDepth.WithLabelValues(queue).Inc()
}

// RecordRateLimited counts a limiter rejection.
func (m *Metrics) RecordRateLimited(scope, name string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope, name).Inc()
}

// SetBackpressure publishes the backpressure level of a queue.
func (m *Metrics) SetBackpressure(queue string, level int) {
	if m == nil {
		return
	}
	m.BackpressureState.WithLabelValues(queue).Set(float64(level))
}

// RecordBackpressureDelay observes an applied slowdown.
func (m *Metrics) RecordBackpressureDelay(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackpressureDelay.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordIdempotency counts an executor outcome.
func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyResults.WithLabelValues(outcome).Inc()
}

// RecordLedger counts a ledger movement.
func (m *Metrics) RecordLedger(entryType string, applied bool, amount int64) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	m.LedgerMovements.WithLabelValues(entryType, outcome).Inc()
	if applied && amount > 0 {
		m.CreditsMoved.WithLabelValues(entryType).Add(float64(amount))
	}
}

// RecordStep counts a recorded step.
func (m *Metrics) RecordStep(stepType string) {
	if m == nil {
		return
	}
	m.StepsRecorded.WithLabelValues(stepType).Inc()
}

// RecordToolCall counts a tool call and its latency.
func (m *Metrics) RecordToolCall(tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result(ok)).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordLLMCall counts a planner/LLM invocation.
func (m *Metrics) RecordLLMCall(purpose string, ok bool) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(purpose, result(ok)).Inc()
}

// RecordPlanRevision counts a stored plan version.
func (m *Metrics) RecordPlanRevision(reason string) {
	if m == nil {
		return
	}
	m.PlanRevisions.WithLabelValues(reason).Inc()
}

// RecordCheckpoint counts a written checkpoint.
func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// RecordSweep counts a sweep action.
func (m *Metrics) RecordSweep(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActions.WithLabelValues(action).Add(float64(n))
}

// RecordOutbox counts relay publishes.
func (m *Metrics) RecordOutbox(ok bool) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result(ok)).Inc()
}

// SetRunCounts publishes per-status run counts.
func (m *Metrics) SetRunCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.RunsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

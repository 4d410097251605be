package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Orchestrator ────────────────────────────────────────────────────────────

	PipelinesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "pipelines_submitted_total",
		Help:      "Total pipelines submitted, labelled by drive mode.",
	}, []string{"mode"})

	PipelinesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "pipelines_finished_total",
		Help:      "Total pipelines reaching a terminal status.",
	}, []string{"status"})

	StagesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "stages_completed_total",
		Help:      "Total stage attempts completed, labelled by stage and outcome.",
	}, []string{"stage", "outcome"})

	ReworkLoopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "rework_loops_total",
		Help:      "Total validate failures that looped back to implement.",
	})

	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "events_deduped_total",
		Help:      "Total redelivered stage events discarded by the dedup check.",
	})

	EventsFencedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "orchestrator",
		Name:      "events_fenced_total",
		Help:      "Total out-of-order stage events rejected for requeue.",
	})

	// ─── Stage runner ────────────────────────────────────────────────────────────

	RunnerStagesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forgeline",
		Subsystem: "runner",
		Name:      "stages_inflight",
		Help:      "Stage attempts currently executing.",
	}, []string{"stage"})

	RunnerStageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forgeline",
		Subsystem: "runner",
		Name:      "stage_duration_seconds",
		Help:      "End-to-end stage execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	RunnerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "runner",
		Name:      "delegate_retries_total",
		Help:      "Total delegate call retries at the stage worker boundary.",
	}, []string{"stage"})

	RunnerDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "runner",
		Name:      "dlq_total",
		Help:      "Total malformed or unroutable messages forwarded to the DLQ.",
	})

	// ─── Environment manager ─────────────────────────────────────────────────────

	EnvsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forgeline",
		Subsystem: "envman",
		Name:      "environments_active",
		Help:      "Environment handles currently in a non-terminal status.",
	})

	EnvProvisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "envman",
		Name:      "provision_total",
		Help:      "Total provision attempts by result.",
	}, []string{"result"})

	EnvTeardownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "envman",
		Name:      "teardown_total",
		Help:      "Total teardowns by trigger (expiry, unhealthy, manual, provision_failed).",
	}, []string{"trigger"})

	EnvTeardownRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "envman",
		Name:      "teardown_retries_total",
		Help:      "Total teardown steps that failed and were left for the next sweep.",
	})

	EnvLeakSuspects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forgeline",
		Subsystem: "envman",
		Name:      "leak_suspects",
		Help:      "Handles in a non-terminal status older than the leak cutoff.",
	})
)

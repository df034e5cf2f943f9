// Package metrics exposes Prometheus metrics for the decision service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stagegate"

var (
	// DecisionsTotal counts evaluations.
	// Labels: stage, decision (allow, review_required, block)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total number of gate decisions by stage and outcome",
		},
		[]string{"stage", "decision"},
	)

	// EvaluationDuration tracks how long an evaluation takes, audit write included.
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of gate evaluations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RenderFailuresTotal counts allow decisions downgraded because the prompt failed to render.
	RenderFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "render_failures_total",
			Help:      "Total number of prompt render failures by stage",
		},
		[]string{"stage"},
	)

	// TransitionsTotal counts transition attempts.
	// Labels: outcome (applied, noop, illegal, forced_blocked, failed)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labels",
			Name:      "transitions_total",
			Help:      "Total number of stage transitions by outcome",
		},
		[]string{"outcome"},
	)

	// TransitionConflictsTotal counts optimistic concurrency conflicts on the tracker.
	TransitionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labels",
			Name:      "transition_conflicts_total",
			Help:      "Total number of concurrent tag-set changes detected while applying transitions",
		},
	)

	// TemplateReloadsTotal counts template reloads.
	// Labels: result (success, error)
	TemplateReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "templates",
			Name:      "reloads_total",
			Help:      "Total number of template reloads by result",
		},
		[]string{"result"},
	)

	// AuditWriteFailuresTotal counts audit entries that could not be persisted.
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Total number of failed audit writes",
		},
	)
)

// RecordDecision records one evaluation outcome and its duration
func RecordDecision(stage, decision string, elapsed time.Duration) {
	DecisionsTotal.WithLabelValues(stage, decision).Inc()
	EvaluationDuration.Observe(elapsed.Seconds())
}

// RecordTransition records one transition outcome
func RecordTransition(outcome string) {
	TransitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTemplateReload records the outcome of a template reload
func RecordTemplateReload(success bool) {
	if success {
		TemplateReloadsTotal.WithLabelValues("success").Inc()
	} else {
		TemplateReloadsTotal.WithLabelValues("error").Inc()
	}
}

// Package metrics holds the Prometheus collectors for the analysis pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OracleAttempts counts provider calls by adapter and outcome
	// (ok, transient, fatal, limited).
	OracleAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdprcheck_oracle_attempts_total",
		Help: "Oracle provider calls by adapter and outcome",
	}, []string{"adapter", "outcome"})

	// RepairAttempts counts schema repair cycles by stage and result.
	RepairAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdprcheck_repair_attempts_total",
		Help: "Schema repair cycles by stage and result",
	}, []string{"stage", "result"})

	// GateRejections counts schema-valid outputs rejected by a quality gate.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdprcheck_gate_rejections_total",
		Help: "Schema-valid stage outputs rejected by a quality gate",
	}, []string{"stage", "gate"})

	// StageOutcomes counts terminal stage states.
	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdprcheck_stage_outcomes_total",
		Help: "Terminal stage outcomes by stage, status and failure reason",
	}, []string{"stage", "status", "reason"})

	// StageDuration tracks stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gdprcheck_stage_duration_seconds",
		Help:    "Stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	}, []string{"stage"})

	// RunOutcomes counts runs by terminal status.
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdprcheck_run_outcomes_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})
)

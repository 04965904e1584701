// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package metrics exposes Prometheus instrumentation for the pipeline:
// per-stage event counters, journal latencies, entity population, and
// ingestion buffer pressure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline stage metrics

	StageEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_events_received_total",
			Help: "Total events received per pipeline stage",
		},
		[]string{"stage"},
	)

	StageEventsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_events_completed_total",
			Help: "Total events successfully completed per pipeline stage",
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_errors_total",
			Help: "Total errors per pipeline stage",
		},
		[]string{"stage", "severity"},
	)

	StageHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_stage_healthy",
			Help: "Stage health indicator (1 = healthy, 0 = unhealthy)",
		},
		[]string{"stage"},
	)

	// Ingestion metrics

	IngestParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_parse_failures_total",
			Help: "Total raw records dropped because neither key nor value parsed",
		},
	)

	IngestBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_buffer_depth",
			Help: "Current number of records waiting in the ingestion buffer",
		},
	)

	IngestDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_dispatch_duration_seconds",
			Help:    "Time from key-group pickup to entity acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
	)

	SequenceViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_violations_total",
			Help: "Out-of-order events detected, by verdict",
		},
		[]string{"verdict"},
	)

	// Journal metrics

	JournalAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journal_append_duration_seconds",
			Help:    "Duration of durable journal appends",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	JournalAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_appends_total",
			Help: "Total journal append operations",
		},
	)

	JournalAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_append_errors_total",
			Help: "Total failed journal appends, by classified recovery action",
		},
		[]string{"action"},
	)

	JournalReplayEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_replay_entries_total",
			Help: "Total log entries read during entity recovery replays",
		},
	)

	JournalSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_snapshots_total",
			Help: "Total snapshots written",
		},
	)

	JournalSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "journal_size_bytes",
			Help: "Estimated on-disk size of the journal",
		},
	)

	JournalGCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_gc_runs_total",
			Help: "Total value-log garbage collection runs",
		},
	)

	// Entity metrics

	EntitiesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entities_live",
			Help: "Number of entities currently resident in memory",
		},
	)

	EntitiesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entities_recovered_total",
			Help: "Total entity recoveries (creation with log replay)",
		},
	)

	EntitiesPassivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entities_passivated_total",
			Help: "Total entities passivated after the idle period",
		},
	)

	EntityRecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entity_recovery_duration_seconds",
			Help:    "Time to recover an entity from snapshot plus replay",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entity_dispatch_timeouts_total",
			Help: "Total command dispatches that timed out waiting for an entity",
		},
	)
)

// SetStageHealthy records the boolean health gauge for a stage.
func SetStageHealthy(stage string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	StageHealthy.WithLabelValues(stage).Set(v)
}

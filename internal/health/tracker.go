// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package health tracks per-stage pipeline outcomes: monotonic counters,
// consecutive-failure health scoring, a bounded ring of classified errors,
// and windowed throughput derivation.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/syedumertariq/keystream/internal/metrics"
)

// Stage identifies a pipeline stage.
type Stage string

const (
	StageIngest  Stage = "ingest"
	StageProcess Stage = "process"
	StagePersist Stage = "persist"
)

// Stages lists all tracked stages in pipeline order.
var Stages = []Stage{StageIngest, StageProcess, StagePersist}

// StageHealth is a point-in-time health snapshot for one stage.
type StageHealth struct {
	Stage               Stage     `json:"stage"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUpdated         time.Time `json:"last_updated"`
}

// StageCounts holds the monotonic counters for one stage.
type StageCounts struct {
	Received  int64 `json:"received"`
	Completed int64 `json:"completed"`
	Errors    int64 `json:"errors"`
}

// StageThroughput holds derived rates for one stage, in events per second.
type StageThroughput struct {
	Current float64 `json:"current"`
	Peak    float64 `json:"peak"`
}

// Status is the full derived pipeline view.
type Status struct {
	Healthy            bool                      `json:"healthy"`
	Counts             map[Stage]StageCounts     `json:"counts"`
	Throughputs        map[Stage]StageThroughput `json:"throughputs"`
	StageHealths       map[Stage]StageHealth     `json:"stage_healths"`
	SuccessRate        float64                   `json:"success_rate"`
	ErrorRate          float64                   `json:"error_rate"`
	PipelineEfficiency float64                   `json:"pipeline_efficiency"`
	BottleneckStage    Stage                     `json:"bottleneck_stage"`
}

// Config holds health tracker settings.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which a stage
	// flips unhealthy.
	FailureThreshold int
	// ErrorRateThreshold is the overall error-rate percentage above which
	// the pipeline is unhealthy even when all stages are.
	ErrorRateThreshold float64
	// ErrorRetention is the per-stage capacity of the recent-error ring.
	ErrorRetention int
	// ThroughputWindow is the trailing window for rate derivation.
	ThroughputWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		ErrorRateThreshold: 5.0,
		ErrorRetention:     100,
		ThroughputWindow:   5 * time.Minute,
	}
}

type stageState struct {
	received  atomic.Int64
	completed atomic.Int64
	errors    atomic.Int64

	mu          sync.Mutex
	failures    int
	healthy     bool
	lastUpdated time.Time

	ring   *errorRing
	window *throughputWindow
}

// Tracker records outcomes for each pipeline stage. Counters are atomic;
// health transitions take a short per-stage lock.
type Tracker struct {
	config Config
	stages map[Stage]*stageState
}

// NewTracker creates a tracker with all stages registered and healthy.
func NewTracker(cfg Config) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 5.0
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = 5 * time.Minute
	}

	t := &Tracker{
		config: cfg,
		stages: make(map[Stage]*stageState, len(Stages)),
	}
	for _, s := range Stages {
		t.stages[s] = &stageState{
			healthy:     true,
			lastUpdated: time.Now().UTC(),
			ring:        newErrorRing(cfg.ErrorRetention),
			window:      newThroughputWindow(cfg.ThroughputWindow),
		}
		metrics.SetStageHealthy(string(s), true)
	}
	return t
}

// Received counts an event entering a stage.
func (t *Tracker) Received(stage Stage) {
	st := t.stage(stage)
	st.received.Add(1)
	st.window.record()
	metrics.StageEventsReceived.WithLabelValues(string(stage)).Inc()
}

// Completed counts a successful stage outcome and repairs stage health.
func (t *Tracker) Completed(stage Stage) {
	st := t.stage(stage)
	st.completed.Add(1)
	metrics.StageEventsCompleted.WithLabelValues(string(stage)).Inc()

	st.mu.Lock()
	st.failures = 0
	if !st.healthy {
		st.healthy = true
		metrics.SetStageHealthy(string(stage), true)
	}
	st.lastUpdated = time.Now().UTC()
	st.mu.Unlock()
}

// Failed counts a stage failure, records the classified error, and degrades
// stage health once consecutive failures reach the threshold.
func (t *Tracker) Failed(stage Stage, key, eventType string, err error) {
	st := t.stage(stage)
	st.errors.Add(1)

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	severity := classifySeverity(msg)
	metrics.StageErrors.WithLabelValues(string(stage), string(severity)).Inc()

	st.ring.add(PipelineError{
		Stage:     stage,
		Message:   msg,
		EventType: eventType,
		Key:       key,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	})

	st.mu.Lock()
	st.failures++
	if st.failures >= t.config.FailureThreshold && st.healthy {
		st.healthy = false
		metrics.SetStageHealthy(string(stage), false)
	}
	st.lastUpdated = time.Now().UTC()
	st.mu.Unlock()
}

// StageHealth returns the health snapshot for one stage.
func (t *Tracker) StageHealth(stage Stage) StageHealth {
	st := t.stage(stage)
	st.mu.Lock()
	defer st.mu.Unlock()
	return StageHealth{
		Stage:               stage,
		Healthy:             st.healthy,
		ConsecutiveFailures: st.failures,
		LastUpdated:         st.lastUpdated,
	}
}

// RecentErrors returns up to limit classified errors for a stage, newest
// first. An empty stage returns errors across all stages interleaved by
// stage order.
func (t *Tracker) RecentErrors(stage Stage, limit int) []PipelineError {
	if stage != "" {
		return t.stage(stage).ring.recent(limit)
	}
	var out []PipelineError
	for _, s := range Stages {
		out = append(out, t.stages[s].ring.recent(limit)...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Healthy reports whether every stage is healthy and the overall error rate
// is below the configured threshold.
func (t *Tracker) Healthy() bool {
	for _, s := range Stages {
		st := t.stages[s]
		st.mu.Lock()
		ok := st.healthy
		st.mu.Unlock()
		if !ok {
			return false
		}
	}
	return t.errorRate() < t.config.ErrorRateThreshold
}

// errorRate is errors/received*100 across the ingest stage, the pipeline's
// entry point.
func (t *Tracker) errorRate() float64 {
	var received, errors int64
	for _, s := range Stages {
		received += t.stages[s].received.Load()
		errors += t.stages[s].errors.Load()
	}
	if received == 0 {
		return 0
	}
	return float64(errors) / float64(received) * 100
}

// CurrentStatus derives the full pipeline view.
func (t *Tracker) CurrentStatus() Status {
	status := Status{
		Counts:       make(map[Stage]StageCounts, len(Stages)),
		Throughputs:  make(map[Stage]StageThroughput, len(Stages)),
		StageHealths: make(map[Stage]StageHealth, len(Stages)),
	}

	var (
		ingestReceived  int64
		ingestCompleted int64
		persisted       int64
		totalReceived   int64
		totalErrors     int64
	)

	bottleneck := Stages[0]
	var bottleneckRate float64
	for i, s := range Stages {
		st := t.stages[s]
		counts := StageCounts{
			Received:  st.received.Load(),
			Completed: st.completed.Load(),
			Errors:    st.errors.Load(),
		}
		status.Counts[s] = counts
		status.StageHealths[s] = t.StageHealth(s)

		rate := st.window.rate()
		status.Throughputs[s] = StageThroughput{
			Current: rate,
			Peak:    st.window.peak(),
		}
		if i == 0 || rate < bottleneckRate {
			bottleneck, bottleneckRate = s, rate
		}

		totalReceived += counts.Received
		totalErrors += counts.Errors
		switch s {
		case StageIngest:
			ingestReceived = counts.Received
			ingestCompleted = counts.Completed
		case StagePersist:
			persisted = counts.Completed
		}
	}
	status.BottleneckStage = bottleneck

	if ingestReceived > 0 {
		status.SuccessRate = float64(ingestCompleted) / float64(ingestReceived) * 100
		status.PipelineEfficiency = float64(persisted) / float64(ingestReceived) * 100
	}
	if totalReceived > 0 {
		status.ErrorRate = float64(totalErrors) / float64(totalReceived) * 100
	}
	status.Healthy = t.Healthy()
	return status
}

func (t *Tracker) stage(stage Stage) *stageState {
	if st, ok := t.stages[stage]; ok {
		return st
	}
	// Unknown stages fold into process so a miswired caller still counts.
	return t.stages[StageProcess]
}

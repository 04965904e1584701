// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package health

import (
	"strings"
	"sync"
	"time"
)

// Severity buckets a pipeline error for triage.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// PipelineError is a classified failure recorded against a stage.
type PipelineError struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	EventType string    `json:"event_type,omitempty"`
	Key       string    `json:"key,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// classifySeverity maps an error message to a severity by content. Storage
// and corruption failures rank highest; contention and timeouts are
// operational noise; everything else is low.
func classifySeverity(msg string) Severity {
	lower := strings.ToLower(msg)

	for _, marker := range []string{"corrupt", "manifest", "no such file", "no space", "escalat", "unavailable", "panic"} {
		if strings.Contains(lower, marker) {
			return SeverityHigh
		}
	}
	for _, marker := range []string{"timeout", "timed out", "conflict", "deadlock", "exhaust", "too many", "closed", "connection", "circuit breaker"} {
		if strings.Contains(lower, marker) {
			return SeverityMedium
		}
	}
	return SeverityLow
}

// errorRing retains the most recent errors up to a fixed capacity.
type errorRing struct {
	mu       sync.Mutex
	buf      []PipelineError
	next     int
	wrapped  bool
	capacity int
}

func newErrorRing(capacity int) *errorRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &errorRing{
		buf:      make([]PipelineError, capacity),
		capacity: capacity,
	}
}

func (r *errorRing) add(e PipelineError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next++
	if r.next == r.capacity {
		r.next = 0
		r.wrapped = true
	}
}

// recent returns up to limit errors, newest first.
func (r *errorRing) recent(limit int) []PipelineError {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.wrapped {
		size = r.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]PipelineError, 0, limit)
	for i := 0; i < limit; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += r.capacity
		}
		out = append(out, r.buf[idx])
	}
	return out
}

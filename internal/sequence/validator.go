// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package sequence implements the cross-source chronological-sequence gate.
//
// The gate is advisory: it never blocks processing. Callers decide whether
// to keep ValidWithWarning events and must drop or dead-letter Invalid ones.
package sequence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syedumertariq/keystream/internal/cache"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/metrics"
)

// Kind is the verdict category for a validated event.
type Kind int

const (
	// Valid means the event is in chronological order for its key.
	Valid Kind = iota
	// ValidWithWarning means the event is out of order within tolerance.
	ValidWithWarning
	// Invalid means the event is out of order beyond tolerance.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Valid:
		return "valid"
	case ValidWithWarning:
		return "valid_with_warning"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of validating one event.
type Verdict struct {
	Kind    Kind
	Message string
}

// Violation is an audit record of an out-of-order event.
type Violation struct {
	Key        string        `json:"key"`
	LastSeen   time.Time     `json:"last_seen"`
	OccurredAt time.Time     `json:"occurred_at"`
	Delta      time.Duration `json:"delta"`
	Source     string        `json:"source"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Config holds validator settings.
type Config struct {
	// MaxOutOfOrder is the tolerated backwards jump. A delta at or below
	// the tolerance yields ValidWithWarning; beyond it, Invalid. The
	// boundary is inclusive: delta == MaxOutOfOrder is still a warning.
	MaxOutOfOrder time.Duration

	// ViolationTTL and ViolationCapacity bound the audit record retention.
	ViolationTTL      time.Duration
	ViolationCapacity int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutOfOrder:     1000 * time.Millisecond,
		ViolationTTL:      time.Hour,
		ViolationCapacity: 10000,
	}
}

// Validator tracks the last seen event time per key and flags events that
// arrive out of chronological order.
type Validator struct {
	config Config

	mu       sync.Mutex
	lastSeen map[string]time.Time

	violations *cache.LRUCache
}

// New creates a validator.
func New(cfg Config) *Validator {
	if cfg.MaxOutOfOrder < 0 {
		cfg.MaxOutOfOrder = 0
	}
	return &Validator{
		config:     cfg,
		lastSeen:   make(map[string]time.Time),
		violations: cache.NewLRUCache(cfg.ViolationCapacity, cfg.ViolationTTL),
	}
}

// Validate checks occurredAt against the last seen timestamp for key.
// lastSeen only advances forward: warning and invalid paths never move it
// backwards, so a stale event cannot mask later violations.
func (v *Validator) Validate(key string, occurredAt time.Time, source string) Verdict {
	v.mu.Lock()
	last, seen := v.lastSeen[key]
	if !seen || !occurredAt.Before(last) {
		v.lastSeen[key] = occurredAt
		v.mu.Unlock()
		metrics.SequenceViolations.WithLabelValues(Valid.String()).Inc()
		return Verdict{Kind: Valid}
	}
	v.mu.Unlock()

	delta := last.Sub(occurredAt)
	v.record(Violation{
		Key:        key,
		LastSeen:   last,
		OccurredAt: occurredAt,
		Delta:      delta,
		Source:     source,
		DetectedAt: time.Now().UTC(),
	})

	if delta > v.config.MaxOutOfOrder {
		metrics.SequenceViolations.WithLabelValues(Invalid.String()).Inc()
		return Verdict{
			Kind:    Invalid,
			Message: fmt.Sprintf("event for %s is %v behind last seen, tolerance %v", key, delta, v.config.MaxOutOfOrder),
		}
	}

	metrics.SequenceViolations.WithLabelValues(ValidWithWarning.String()).Inc()
	return Verdict{
		Kind:    ValidWithWarning,
		Message: fmt.Sprintf("event for %s is %v behind last seen, within tolerance %v", key, delta, v.config.MaxOutOfOrder),
	}
}

// LastSeen returns the tracked timestamp for key.
func (v *Validator) LastSeen(key string) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.lastSeen[key]
	return t, ok
}

// Violations returns the retained audit records, newest first.
func (v *Validator) Violations() []Violation {
	vals := v.violations.Values()
	out := make([]Violation, 0, len(vals))
	for _, raw := range vals {
		if viol, ok := raw.(Violation); ok {
			out = append(out, viol)
		}
	}
	return out
}

func (v *Validator) record(viol Violation) {
	v.violations.Add(uuid.New().String(), viol)
	logging.Debug().
		Str("key", viol.Key).
		Time("last_seen", viol.LastSeen).
		Time("occurred_at", viol.OccurredAt).
		Dur("delta", viol.Delta).
		Str("source", viol.Source).
		Msg("out-of-order event detected")
}

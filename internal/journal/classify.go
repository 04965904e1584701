// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package journal

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// RecoveryAction is the bounded vocabulary of responses to a persistence
// failure. Classification lives here and nowhere else; call sites consult
// Classify instead of hardcoding retry logic.
type RecoveryAction int

const (
	// ActionRetry retries after a fixed short delay (transient failure).
	ActionRetry RecoveryAction = iota

	// ActionRetryBackoff retries with exponential delay (resource exhaustion).
	ActionRetryBackoff

	// ActionRetryJitter retries with randomized delay (lock contention,
	// transaction conflicts - jitter breaks the collision cycle).
	ActionRetryJitter

	// ActionRestart recreates the entity's runtime state; log replay
	// resumes it (recoverable connection-class error).
	ActionRestart

	// ActionStop surfaces the error and stops processing for the key
	// (logic error such as a uniqueness violation - retrying cannot help).
	ActionStop

	// ActionEscalate propagates to the supervising level: the durable
	// store itself is unusable and no local progress is possible.
	ActionEscalate
)

// String returns the action name for logging and metrics labels.
func (a RecoveryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRetryBackoff:
		return "retry_backoff"
	case ActionRetryJitter:
		return "retry_jitter"
	case ActionRestart:
		return "restart"
	case ActionStop:
		return "stop"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Retryable reports whether the action permits another attempt in place.
func (a RecoveryAction) Retryable() bool {
	switch a {
	case ActionRetry, ActionRetryBackoff, ActionRetryJitter:
		return true
	default:
		return false
	}
}

// Classify maps a storage failure to a recovery action. Structured
// sentinels are checked first; unrecognized errors fall back to a pattern
// match on the causing condition category (connection-class vs
// transaction-class).
func Classify(err error) RecoveryAction {
	if err == nil {
		return ActionRetry
	}

	switch {
	case errors.Is(err, ErrDuplicateSequence):
		return ActionStop
	case errors.Is(err, badger.ErrConflict):
		return ActionRetryJitter
	case errors.Is(err, badger.ErrBlockedWrites):
		return ActionRetryBackoff
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, ErrJournalClosed):
		return ActionRestart
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ActionRetry
	}

	return classifyByMessage(err.Error())
}

// classifyByMessage is the fallback for errors without a recognized
// structured code.
func classifyByMessage(msg string) RecoveryAction {
	m := strings.ToLower(msg)

	switch {
	// Store/schema unusable: nothing local can fix this.
	case containsAny(m, "manifest", "corrupt", "checksum mismatch", "no such file", "cannot open"):
		return ActionEscalate

	// Transaction-class: contention resolves with jittered retries.
	case containsAny(m, "conflict", "deadlock", "lock", "transaction"):
		return ActionRetryJitter

	// Resource exhaustion: back off before retrying.
	case containsAny(m, "exhaust", "too many", "no space", "resource", "blocked", "limit exceeded"):
		return ActionRetryBackoff

	// Connection-class: the handle is gone, rebuild runtime state.
	case containsAny(m, "closed", "connection", "broken pipe", "reset"):
		return ActionRestart

	case containsAny(m, "duplicate", "unique"):
		return ActionStop
	}

	return ActionRetry
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// maxBackoff caps exponential delays.
const maxBackoff = 5 * time.Minute

// Delay computes the wait before the given retry attempt (0-based) for a
// retryable action. Non-retryable actions yield zero.
func Delay(action RecoveryAction, attempt int, base time.Duration) time.Duration {
	switch action {
	case ActionRetry:
		return base
	case ActionRetryBackoff:
		return backoff(base, attempt)
	case ActionRetryJitter:
		// base + random jitter in [0, base)
		return base + time.Duration(rand.Int63n(int64(base)))
	default:
		return 0
	}
}

// backoff is base * 2^attempt, capped at maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 50 {
		return maxBackoff
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d < 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

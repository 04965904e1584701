// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package entity implements the per-key single-writer state machine and the
// manager that guarantees at most one live instance per key.
//
// An entity is a goroutine owning a command mailbox. Commands for a key are
// serialized by construction: the run loop handles one command at a time,
// persisting derived events to the journal before applying them in memory.
// Idle entities passivate - the goroutine exits and memory is released
// while the journal survives; the next dispatch recreates and recovers the
// entity transparently.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/syedumertariq/keystream/internal/event"
	"github.com/syedumertariq/keystream/internal/journal"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/metrics"
)

// Command is a request handled by an entity.
type Command interface {
	isCommand()
}

// RecordEvent persists and applies one event.
type RecordEvent struct {
	Event *event.Event
}

// GetState returns a copy of the current aggregate.
type GetState struct{}

func (RecordEvent) isCommand() {}
func (GetState) isCommand()    {}

// Result carries the successful outcome of a command.
type Result struct {
	// SequenceNr is set for RecordEvent: the journal sequence assigned.
	SequenceNr uint64
	// State is set for GetState.
	State *State
}

type envelope struct {
	ctx   context.Context
	cmd   Command
	reply chan reply
}

type reply struct {
	result Result
	err    error
}

// Observer receives persist-stage outcomes. Implemented by the pipeline
// health tracker adapter.
type Observer interface {
	PersistStarted()
	PersistSucceeded()
	PersistFailed(key, eventType string, err error)
}

// nopObserver is used when no observer is wired (tests).
type nopObserver struct{}

func (nopObserver) PersistStarted()                  {}
func (nopObserver) PersistSucceeded()                {}
func (nopObserver) PersistFailed(_, _ string, _ error) {}

// Config holds entity runtime settings.
type Config struct {
	SnapshotEvery      int
	IdleTimeout        time.Duration
	MailboxSize        int
	MaxPersistAttempts int
	RetryBaseDelay     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotEvery:      50,
		IdleTimeout:        2 * time.Hour,
		MailboxSize:        64,
		MaxPersistAttempts: 3,
		RetryBaseDelay:     100 * time.Millisecond,
	}
}

// Entity is a single-writer state machine for one key. All field access
// after construction happens on the run goroutine.
type Entity struct {
	key     string
	journal journal.Journal
	config  Config
	breaker *gobreaker.CircuitBreaker[uint64]
	observe Observer

	mailbox chan envelope

	// done is closed when the run loop exits; senders select against it so
	// a dispatch can never block on a dead entity.
	done chan struct{}

	// stop is closed by the manager during shutdown.
	stop chan struct{}

	// onExit deregisters this instance from the manager. Called exactly
	// once, before done is closed.
	onExit func(*Entity)

	// onEscalate reports a persistence failure no local action can fix.
	onEscalate func(key string, err error)

	// run-loop state
	state         *State
	failed        bool
	failedErr     error
	restart       bool
	sinceSnapshot int
}

func newEntity(key string, j journal.Journal, cfg Config, breaker *gobreaker.CircuitBreaker[uint64], obs Observer, onExit func(*Entity), onEscalate func(string, error)) *Entity {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Entity{
		key:        key,
		journal:    j,
		config:     cfg,
		breaker:    breaker,
		observe:    obs,
		mailbox:    make(chan envelope, cfg.MailboxSize),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		onExit:     onExit,
		onEscalate: onEscalate,
	}
}

// send enqueues a command and waits for the reply or context expiry.
// Returns ErrEntityPassivated when the entity is no longer accepting, so
// the manager can recreate it and retry.
func (e *Entity) send(ctx context.Context, cmd Command) (Result, error) {
	env := envelope{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}

	select {
	case e.mailbox <- env:
	case <-e.done:
		return Result{}, ErrEntityPassivated
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %s", ErrDispatchTimeout, e.key)
	}

	select {
	case r := <-env.reply:
		return r.result, r.err
	case <-e.done:
		// The entity exited between enqueue and handling; the drain path
		// answers queued envelopes, so a missing reply means it was lost.
		select {
		case r := <-env.reply:
			return r.result, r.err
		default:
			return Result{}, ErrEntityPassivated
		}
	case <-ctx.Done():
		// The persist may still complete; callers must treat the command
		// as failed-but-possibly-applied.
		return Result{}, fmt.Errorf("%w: %s", ErrDispatchTimeout, e.key)
	}
}

// run is the entity goroutine: recover, serve, passivate.
func (e *Entity) run() {
	defer func() {
		e.onExit(e)
		close(e.done)
		e.drain()
		metrics.EntitiesLive.Dec()
	}()
	metrics.EntitiesLive.Inc()

	if err := e.recover(); err != nil {
		logging.Error().Err(err).Str("key", e.key).Msg("entity recovery failed")
		if journal.Classify(err) == journal.ActionEscalate && e.onEscalate != nil {
			e.onEscalate(e.key, err)
		}
		return
	}

	idle := time.NewTimer(e.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case env := <-e.mailbox:
			e.handle(env)
			if e.restart {
				// Terminate so the next dispatch rebuilds the entity from
				// the journal with fresh resources.
				logging.Warn().Str("key", e.key).Msg("entity restarting after recoverable failure")
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.config.IdleTimeout)
		case <-idle.C:
			logging.Debug().Str("key", e.key).Msg("entity passivating after idle period")
			metrics.EntitiesPassivated.Inc()
			return
		case <-e.stop:
			return
		}
	}
}

// drain answers envelopes that were queued after the loop decided to exit.
func (e *Entity) drain() {
	for {
		select {
		case env := <-e.mailbox:
			env.reply <- reply{err: ErrEntityPassivated}
		default:
			return
		}
	}
}

// recover loads the latest snapshot and replays the journal after it.
func (e *Entity) recover() error {
	start := time.Now()
	defer func() {
		metrics.EntityRecoveryDuration.Observe(time.Since(start).Seconds())
	}()

	ctx := context.Background()
	e.state = NewState(e.key)
	var fromSeq uint64 = 1

	snap, err := e.journal.LatestSnapshot(ctx, e.key)
	switch {
	case err == nil:
		st, err := UnmarshalState(snap.State)
		if err != nil {
			// A snapshot that cannot be decoded is dropped; the full log
			// still reconstructs the state.
			logging.Warn().Err(err).Str("key", e.key).Msg("snapshot unreadable, replaying full log")
		} else {
			e.state = st
			fromSeq = snap.SequenceNr + 1
		}
	case errors.Is(err, journal.ErrNoSnapshot):
		// full replay
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	replayed := 0
	for {
		entries, err := e.journal.Replay(ctx, e.key, fromSeq, replayBatchSize)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		for i := range entries {
			ev, err := entries[i].Event()
			if err != nil {
				logging.Warn().Err(err).Str("key", e.key).Uint64("seq", entries[i].SequenceNr).Msg("skipping undecodable entry during replay")
				continue
			}
			e.state.Apply(ev)
		}
		replayed += len(entries)
		if len(entries) < replayBatchSize {
			break
		}
		fromSeq = entries[len(entries)-1].SequenceNr + 1
	}

	metrics.EntitiesRecovered.Inc()
	logging.Debug().
		Str("key", e.key).
		Int("replayed", replayed).
		Uint64("total_events", e.state.TotalEvents).
		Msg("entity recovered")
	return nil
}

const replayBatchSize = 500

func (e *Entity) handle(env envelope) {
	switch cmd := env.cmd.(type) {
	case GetState:
		env.reply <- reply{result: Result{State: e.state.Clone()}}
	case RecordEvent:
		seq, err := e.record(env.ctx, cmd.Event)
		if err != nil {
			env.reply <- reply{err: err}
			return
		}
		env.reply <- reply{result: Result{SequenceNr: seq}}
	default:
		env.reply <- reply{err: fmt.Errorf("unknown command %T", env.cmd)}
	}
}

// record persists the event, then applies it. On failure the state does not
// advance. Retryable classifications are retried in place with the
// classifier's delay policy; terminal ones map to the entity lifecycle.
func (e *Entity) record(ctx context.Context, ev *event.Event) (uint64, error) {
	if e.failed {
		return 0, fmt.Errorf("%w: %s: %v", ErrEntityFailed, e.key, e.failedErr)
	}
	if ev == nil {
		return 0, journal.ErrNilEvent
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	e.observe.PersistStarted()

	var lastErr error
	for attempt := 0; attempt < e.config.MaxPersistAttempts; attempt++ {
		seq, err := e.append(ctx, ev)
		if err == nil {
			e.observe.PersistSucceeded()
			e.state.Apply(ev)
			e.maybeSnapshot(seq)
			return seq, nil
		}
		lastErr = err

		action := e.classify(err)
		metrics.JournalAppendErrors.WithLabelValues(action.String()).Inc()

		if action.Retryable() && attempt+1 < e.config.MaxPersistAttempts {
			delay := journal.Delay(action, attempt, e.config.RetryBaseDelay)
			logging.Warn().
				Err(err).
				Str("key", e.key).
				Str("action", action.String()).
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Msg("journal append failed, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				e.observe.PersistFailed(e.key, ev.Type, ctx.Err())
				return 0, ctx.Err()
			}
		}

		e.observe.PersistFailed(e.key, ev.Type, err)

		switch action {
		case journal.ActionStop:
			// Logic error: mark the key unavailable rather than loop on a
			// failure that retrying cannot fix.
			e.failed = true
			e.failedErr = err
			return 0, fmt.Errorf("%w: %s: %v", ErrEntityFailed, e.key, err)
		case journal.ActionRestart:
			e.restart = true
			return 0, fmt.Errorf("persist event: %w", err)
		case journal.ActionEscalate:
			if e.onEscalate != nil {
				e.onEscalate(e.key, err)
			}
			return 0, fmt.Errorf("persist escalated: %w", err)
		default:
			return 0, fmt.Errorf("persist event: %w", err)
		}
	}

	e.observe.PersistFailed(e.key, ev.Type, lastErr)
	return 0, fmt.Errorf("persist event after %d attempts: %w", e.config.MaxPersistAttempts, lastErr)
}

// append runs the journal write through the shared circuit breaker.
func (e *Entity) append(ctx context.Context, ev *event.Event) (uint64, error) {
	if e.breaker == nil {
		return e.journal.Append(ctx, e.key, ev)
	}
	return e.breaker.Execute(func() (uint64, error) {
		return e.journal.Append(ctx, e.key, ev)
	})
}

// classify maps append failures to recovery actions, handling breaker
// rejections before deferring to the journal classifier.
func (e *Entity) classify(err error) journal.RecoveryAction {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return journal.ActionRetryBackoff
	}
	return journal.Classify(err)
}

func (e *Entity) maybeSnapshot(seq uint64) {
	e.sinceSnapshot++
	if e.sinceSnapshot < e.config.SnapshotEvery {
		return
	}
	e.sinceSnapshot = 0

	blob, err := e.state.Marshal()
	if err != nil {
		logging.Warn().Err(err).Str("key", e.key).Msg("snapshot marshal failed")
		return
	}
	snap := &journal.Snapshot{
		Key:        e.key,
		SequenceNr: seq,
		State:      blob,
		TakenAt:    time.Now().UTC(),
	}
	if err := e.journal.WriteSnapshot(context.Background(), snap); err != nil {
		// Snapshot loss only lengthens the next replay.
		logging.Warn().Err(err).Str("key", e.key).Msg("snapshot write failed")
	}
}

// Errors
var (
	// ErrEntityPassivated is returned when a command races passivation.
	// The manager retries against a fresh instance.
	ErrEntityPassivated = errors.New("entity passivated")

	// ErrEntityFailed marks a key stopped by a logic-class persistence
	// failure. Commands fail until the entity is evicted and inspected.
	ErrEntityFailed = errors.New("entity stopped by persistent failure")

	// ErrDispatchTimeout is returned when no response arrived in time. The
	// in-flight persist is not cancelled and may still complete.
	ErrDispatchTimeout = errors.New("entity dispatch timeout")

	// ErrNotFound is returned by state queries for keys with no history.
	ErrNotFound = errors.New("no state for key")
)

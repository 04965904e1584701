// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/syedumertariq/keystream/internal/journal"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/metrics"
)

// ManagerConfig extends the per-entity settings with manager-level knobs.
type ManagerConfig struct {
	Entity          Config
	DispatchTimeout time.Duration

	// Circuit breaker guarding journal appends across all entities.
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Entity:                  DefaultConfig(),
		DispatchTimeout:         10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// Manager owns the live entity set and guarantees at most one instance per
// key. Dispatch transparently recreates passivated entities, so callers
// never observe the activation lifecycle.
type Manager struct {
	journal journal.Journal
	config  ManagerConfig
	breaker *gobreaker.CircuitBreaker[uint64]
	observe Observer

	onEscalate func(key string, err error)

	mu       sync.Mutex
	entities map[string]*Entity
	closed   bool
}

// ManagerOption configures optional manager collaborators.
type ManagerOption func(*Manager)

// WithObserver wires persist-stage outcome reporting.
func WithObserver(obs Observer) ManagerOption {
	return func(m *Manager) { m.observe = obs }
}

// WithEscalation wires the callback for unrecoverable persistence failures.
func WithEscalation(fn func(key string, err error)) ManagerOption {
	return func(m *Manager) { m.onEscalate = fn }
}

// NewManager creates a manager over the given journal.
func NewManager(j journal.Journal, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		journal:  j,
		config:   cfg,
		entities: make(map[string]*Entity),
	}
	for _, opt := range opts {
		opt(m)
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	m.breaker = gobreaker.NewCircuitBreaker[uint64](gobreaker.Settings{
		Name:    "journal-append",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("journal circuit breaker state changed")
		},
	})
	return m
}

// maxPassivationRetries bounds the recreate-and-retry loop when dispatch
// races passivation. More than one retry only happens if the idle timeout
// is shorter than entity recovery, which is a configuration error.
const maxPassivationRetries = 3

// Dispatch delivers a command to the entity for key, creating or recovering
// it as needed. Commands for the same key are handled strictly in dispatch
// order; commands for different keys proceed independently.
func (m *Manager) Dispatch(ctx context.Context, key string, cmd Command) (Result, error) {
	if key == "" {
		return Result{}, journal.ErrEmptyKey
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.DispatchTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= maxPassivationRetries; attempt++ {
		ent, err := m.getOrCreate(key)
		if err != nil {
			return Result{}, err
		}
		res, err := ent.send(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrEntityPassivated) {
			m.forget(ent)
			lastErr = err
			continue
		}
		if errors.Is(err, ErrDispatchTimeout) {
			metrics.DispatchTimeouts.Inc()
		}
		return Result{}, err
	}
	return Result{}, fmt.Errorf("dispatch to %s: %w", key, lastErr)
}

// QueryState returns a copy of the aggregate for key. Keys with no journal
// history return ErrNotFound without activating an entity.
func (m *Manager) QueryState(ctx context.Context, key string) (*State, error) {
	if key == "" {
		return nil, journal.ErrEmptyKey
	}

	m.mu.Lock()
	_, live := m.entities[key]
	m.mu.Unlock()

	if !live {
		head, err := m.journal.HighestSeq(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", key, err)
		}
		if head == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}

	res, err := m.Dispatch(ctx, key, GetState{})
	if err != nil {
		return nil, err
	}
	return res.State, nil
}

// Live returns the number of currently active entities.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

func (m *Manager) getOrCreate(key string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if ent, ok := m.entities[key]; ok {
		return ent, nil
	}
	ent := newEntity(key, m.journal, m.config.Entity, m.breaker, m.observe, m.forget, m.onEscalate)
	m.entities[key] = ent
	go ent.run()
	return ent, nil
}

// forget removes an instance from the live set. The pointer comparison
// ensures a stale exit cannot evict a newer instance for the same key.
func (m *Manager) forget(e *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entities[e.key]; ok && cur == e {
		delete(m.entities, e.key)
	}
}

// Close stops accepting dispatches and shuts down all live entities,
// waiting up to the dispatch timeout for their loops to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*Entity, 0, len(m.entities))
	for _, ent := range m.entities {
		live = append(live, ent)
	}
	m.mu.Unlock()

	for _, ent := range live {
		close(ent.stop)
	}

	deadline := time.After(m.config.DispatchTimeout)
	for _, ent := range live {
		select {
		case <-ent.done:
		case <-deadline:
			logging.Warn().Str("key", ent.key).Msg("entity did not stop before shutdown deadline")
			return ErrCloseTimeout
		}
	}
	return nil
}

// Errors
var (
	// ErrManagerClosed is returned for dispatches after Close.
	ErrManagerClosed = errors.New("entity manager closed")

	// ErrCloseTimeout indicates entities did not stop in time.
	ErrCloseTimeout = errors.New("entity manager close timeout")
)

// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spaolacci/murmur3"

	"github.com/syedumertariq/keystream/internal/entity"
	"github.com/syedumertariq/keystream/internal/event"
	"github.com/syedumertariq/keystream/internal/health"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/metrics"
	"github.com/syedumertariq/keystream/internal/sequence"
)

// Dispatcher delivers a command to the entity owning a key.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, cmd entity.Command) (entity.Result, error)
}

// Config holds router settings.
type Config struct {
	// BufferSize is the total in-flight event capacity across all key
	// groups. Submit blocks once a group's share is full.
	BufferSize int
	// Parallelism is the number of key groups, each served by one worker.
	Parallelism int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		Parallelism: 10,
	}
}

// Router parses raw records, gates them through sequence validation, and
// fans them out to key-group workers. Records sharing a key land in the
// same group, so per-key order is preserved while distinct keys proceed
// concurrently.
type Router struct {
	config     Config
	validator  *sequence.Validator
	dispatcher Dispatcher
	tracker    *health.Tracker

	pool      *ants.Pool
	groups    []chan *event.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewRouter creates a router and starts its key-group workers.
func NewRouter(cfg Config, validator *sequence.Validator, dispatcher Dispatcher, tracker *health.Tracker) (*Router, error) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	if cfg.BufferSize < cfg.Parallelism {
		cfg.BufferSize = cfg.Parallelism
	}

	pool, err := ants.NewPool(cfg.Parallelism,
		ants.WithPanicHandler(func(p any) {
			logging.Error().Interface("panic", p).Msg("key-group worker panic recovered")
		}),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	r := &Router{
		config:     cfg,
		validator:  validator,
		dispatcher: dispatcher,
		tracker:    tracker,
		pool:       pool,
		groups:     make([]chan *event.Event, cfg.Parallelism),
		done:       make(chan struct{}),
	}

	groupCap := cfg.BufferSize / cfg.Parallelism
	for i := range r.groups {
		r.groups[i] = make(chan *event.Event, groupCap)
		group := r.groups[i]
		if err := pool.Submit(func() { r.groupLoop(group) }); err != nil {
			pool.Release()
			return nil, fmt.Errorf("start key-group worker: %w", err)
		}
	}
	return r, nil
}

// Submit feeds one raw record into the pipeline. Malformed records and
// sequence-invalid events are counted and dropped without error; the
// stream continues. Submit blocks when the target key group is full, which
// is the pipeline's flow-control point: the caller must delay its bus
// acknowledgment until Submit returns.
func (r *Router) Submit(ctx context.Context, key, value string) error {
	select {
	case <-r.done:
		return ErrRouterClosed
	default:
	}

	r.tracker.Received(health.StageIngest)

	ev, err := ParseRecord(key, value)
	if err != nil {
		metrics.IngestParseFailures.Inc()
		r.tracker.Failed(health.StageIngest, "", "", err)
		logging.Debug().Str("key", key).Msg("dropping unparsable record")
		return nil
	}
	r.tracker.Completed(health.StageIngest)

	verdict := r.validator.Validate(ev.Key, ev.OccurredAt, ev.Source)
	switch verdict.Kind {
	case sequence.Invalid:
		r.tracker.Received(health.StageProcess)
		r.tracker.Failed(health.StageProcess, ev.Key, ev.Type, errors.New(verdict.Message))
		logging.Warn().
			Str("key", ev.Key).
			Str("type", ev.Type).
			Str("reason", verdict.Message).
			Msg("dropping out-of-order event")
		return nil
	case sequence.ValidWithWarning:
		logging.Debug().
			Str("key", ev.Key).
			Str("reason", verdict.Message).
			Msg("event within out-of-order tolerance")
	}

	group := r.groups[r.groupFor(ev.Key)]
	select {
	case group <- ev:
		metrics.IngestBufferDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRouterClosed
	}
}

// groupFor maps a key to its worker group.
func (r *Router) groupFor(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(r.config.Parallelism))
}

// groupLoop serves one key group until shutdown. Dispatch failures are
// recorded and do not stop the loop.
func (r *Router) groupLoop(group <-chan *event.Event) {
	for {
		select {
		case <-r.done:
			return
		case ev := <-group:
			metrics.IngestBufferDepth.Dec()
			r.process(ev)
		}
	}
}

func (r *Router) process(ev *event.Event) {
	r.tracker.Received(health.StageProcess)

	start := time.Now()
	_, err := r.dispatcher.Dispatch(context.Background(), ev.Key, entity.RecordEvent{Event: ev})
	metrics.IngestDispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		r.tracker.Failed(health.StageProcess, ev.Key, ev.Type, err)
		logging.Error().
			Err(err).
			Str("key", ev.Key).
			Str("type", ev.Type).
			Msg("event dispatch failed")
		return
	}
	r.tracker.Completed(health.StageProcess)
}

// Close stops accepting submissions and shuts down the worker pool.
// Buffered events that were not yet dispatched are dropped; the bus
// redelivers unacknowledged records.
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if relErr := r.pool.ReleaseTimeout(poolShutdownTimeout); relErr != nil {
			err = fmt.Errorf("release worker pool: %w", relErr)
		}
	})
	return err
}

const poolShutdownTimeout = 30 * time.Second

// ErrRouterClosed is returned for submissions after Close.
var ErrRouterClosed = errors.New("ingestion router closed")

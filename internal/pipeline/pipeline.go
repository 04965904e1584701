// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package pipeline assembles the processing core and exposes the surface
// consumed by transports: record submission, per-key command dispatch,
// state queries, log inspection, and health reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/syedumertariq/keystream/internal/entity"
	"github.com/syedumertariq/keystream/internal/health"
	"github.com/syedumertariq/keystream/internal/ingest"
	"github.com/syedumertariq/keystream/internal/journal"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/sequence"
)

// Config aggregates component settings.
type Config struct {
	Journal  journal.Config
	Manager  entity.ManagerConfig
	Sequence sequence.Config
	Router   ingest.Config
	Health   health.Config
}

// DefaultConfig returns production defaults rooted at the given journal
// path.
func DefaultConfig(journalPath string) Config {
	return Config{
		Journal:  journal.DefaultConfig(journalPath),
		Manager:  entity.DefaultManagerConfig(),
		Sequence: sequence.DefaultConfig(),
		Router:   ingest.DefaultConfig(),
		Health:   health.DefaultConfig(),
	}
}

// Pipeline owns the journal, the entity population, and the ingestion
// router. All components share one health tracker.
type Pipeline struct {
	journal   journal.Journal
	manager   *entity.Manager
	validator *sequence.Validator
	tracker   *health.Tracker
	router    *ingest.Router
}

// New opens the journal and wires the pipeline together.
func New(cfg Config) (*Pipeline, error) {
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	p, err := NewWithJournal(cfg, j)
	if err != nil {
		j.Close()
		return nil, err
	}
	return p, nil
}

// NewWithJournal wires the pipeline over an already open journal. The
// pipeline takes ownership and closes it on shutdown.
func NewWithJournal(cfg Config, j journal.Journal) (*Pipeline, error) {
	tracker := health.NewTracker(cfg.Health)

	manager := entity.NewManager(j, cfg.Manager,
		entity.WithObserver(&persistObserver{tracker: tracker}),
		entity.WithEscalation(func(key string, err error) {
			// Nothing local can make progress; surface loudly for the
			// supervisor and operators.
			logging.Error().
				Err(err).
				Str("key", key).
				Msg("persistence failure escalated, durable store unusable")
		}),
	)

	validator := sequence.New(cfg.Sequence)
	router, err := ingest.NewRouter(cfg.Router, validator, manager, tracker)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}

	return &Pipeline{
		journal:   j,
		manager:   manager,
		validator: validator,
		tracker:   tracker,
		router:    router,
	}, nil
}

// Submit feeds one raw bus record into the ingestion router. Blocks under
// backpressure; callers must delay their bus acknowledgment until Submit
// returns.
func (p *Pipeline) Submit(ctx context.Context, key, value string) error {
	return p.router.Submit(ctx, key, value)
}

// Dispatch executes a command against the entity owning key.
func (p *Pipeline) Dispatch(ctx context.Context, key string, cmd entity.Command) (entity.Result, error) {
	return p.manager.Dispatch(ctx, key, cmd)
}

// QueryState returns the aggregate for key, or a NotFound error for keys
// with no history.
func (p *Pipeline) QueryState(ctx context.Context, key string) (*entity.State, error) {
	return p.manager.QueryState(ctx, key)
}

// Replay returns up to limit log entries for key starting at fromSeq, in
// ascending sequence order.
func (p *Pipeline) Replay(ctx context.Context, key string, fromSeq uint64, limit int) ([]journal.Entry, error) {
	return p.journal.Replay(ctx, key, fromSeq, limit)
}

// ListKeys returns every key with at least one persisted event.
func (p *Pipeline) ListKeys(ctx context.Context) ([]string, error) {
	return p.journal.ListKeys(ctx)
}

// EventCount returns the number of persisted events for key.
func (p *Pipeline) EventCount(ctx context.Context, key string) (uint64, error) {
	return p.journal.Count(ctx, key)
}

// Status derives the current pipeline view: counts, throughputs, stage
// healths, and efficiency.
func (p *Pipeline) Status() health.Status {
	return p.tracker.CurrentStatus()
}

// Healthy reports overall pipeline health.
func (p *Pipeline) Healthy() bool {
	return p.tracker.Healthy()
}

// RecentErrors returns classified errors, newest first. An empty stage
// spans all stages.
func (p *Pipeline) RecentErrors(stage health.Stage, limit int) []health.PipelineError {
	return p.tracker.RecentErrors(stage, limit)
}

// SequenceViolations returns the recorded out-of-order audit trail.
func (p *Pipeline) SequenceViolations() []sequence.Violation {
	return p.validator.Violations()
}

// Journal exposes the underlying log for maintenance loops.
func (p *Pipeline) Journal() journal.Journal {
	return p.journal
}

// Router exposes the ingestion router for the bus consumer.
func (p *Pipeline) Router() *ingest.Router {
	return p.router
}

// Close shuts the pipeline down front to back: stop intake, stop entities,
// then close the journal.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if err := p.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}
	if err := p.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	return errors.Join(errs...)
}

// persistObserver feeds entity persistence outcomes into the persist stage
// of the health tracker.
type persistObserver struct {
	tracker *health.Tracker
}

func (o *persistObserver) PersistStarted() {
	o.tracker.Received(health.StagePersist)
}

func (o *persistObserver) PersistSucceeded() {
	o.tracker.Completed(health.StagePersist)
}

func (o *persistObserver) PersistFailed(key, eventType string, err error) {
	o.tracker.Failed(health.StagePersist, key, eventType, err)
}

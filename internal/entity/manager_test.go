// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package entity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/syedumertariq/keystream/internal/event"
	"github.com/syedumertariq/keystream/internal/journal"
)

// faultJournal wraps a real journal and fails the next n appends with a
// fixed error.
type faultJournal struct {
	journal.Journal
	mu       sync.Mutex
	failNext int
	failWith error
	appends  atomic.Int64
}

func (f *faultJournal) inject(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failWith = err
}

func (f *faultJournal) Append(ctx context.Context, key string, ev *event.Event) (uint64, error) {
	f.appends.Add(1)
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		err := f.failWith
		f.mu.Unlock()
		return 0, err
	}
	f.mu.Unlock()
	return f.Journal.Append(ctx, key, ev)
}

func faultyManager(t *testing.T, mutate func(*ManagerConfig), opts ...ManagerOption) (*Manager, *faultJournal) {
	t.Helper()
	fj := &faultJournal{Journal: openTestJournal(t)}
	cfg := DefaultManagerConfig()
	cfg.Entity.RetryBaseDelay = time.Millisecond
	cfg.DispatchTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(fj, cfg, opts...)
	t.Cleanup(func() {
		if err := m.Close(); err != nil && !errors.Is(err, ErrCloseTimeout) {
			t.Errorf("close manager: %v", err)
		}
	})
	return m, fj
}

func TestTransientFailureRetriedInPlace(t *testing.T) {
	m, fj := faultyManager(t, nil)

	// Two retryable failures, then success, within the attempt budget.
	fj.inject(2, errors.New("transaction conflict, please retry"))

	ev := event.New("user-1", "DROP", time.Now().UTC())
	res, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.SequenceNr != 1 {
		t.Errorf("seq = %d, want 1", res.SequenceNr)
	}
	if got := fj.appends.Load(); got != 3 {
		t.Errorf("append attempts = %d, want 3", got)
	}
}

func TestAttemptBudgetExhausted(t *testing.T) {
	m, fj := faultyManager(t, func(cfg *ManagerConfig) {
		cfg.Entity.MaxPersistAttempts = 3
	})

	inject := errors.New("resources exhausted, too many writes")
	fj.inject(10, inject)

	ev := event.New("user-1", "DROP", time.Now().UTC())
	_, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, inject) {
		t.Errorf("err = %v, want wrapped inject error", err)
	}
	if got := fj.appends.Load(); got != 3 {
		t.Errorf("append attempts = %d, want 3", got)
	}

	// The event was not applied: state must not have advanced.
	fj.inject(0, nil)
	st, err := m.QueryState(context.Background(), "user-1")
	if err == nil && st.TotalEvents != 0 {
		t.Errorf("TotalEvents = %d after failed persist, want 0", st.TotalEvents)
	}
}

func TestLogicFailureStopsEntity(t *testing.T) {
	m, fj := faultyManager(t, nil)

	recordN(t, m, "user-1", 1)

	// A duplicate-class failure must not be retried and must mark the
	// entity failed for subsequent commands.
	fj.inject(1, journal.ErrDuplicateSequence)
	before := fj.appends.Load()

	ev := event.New("user-1", "DROP", time.Now().UTC())
	_, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev})
	if !errors.Is(err, ErrEntityFailed) {
		t.Fatalf("err = %v, want ErrEntityFailed", err)
	}
	if got := fj.appends.Load() - before; got != 1 {
		t.Errorf("append attempts = %d, want 1 (no retry on logic failure)", got)
	}

	// Still failed on the next command even though the fault is cleared.
	ev2 := event.New("user-1", "DROP", time.Now().UTC())
	_, err = m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev2})
	if !errors.Is(err, ErrEntityFailed) {
		t.Errorf("second dispatch err = %v, want ErrEntityFailed", err)
	}

	// Reads still work on a failed entity.
	st, err := m.QueryState(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("query on failed entity: %v", err)
	}
	if st.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", st.TotalEvents)
	}
}

func TestRestartClassTerminatesEntity(t *testing.T) {
	m, fj := faultyManager(t, nil)

	recordN(t, m, "user-1", 2)

	// A closed-resource failure terminates the instance; the next dispatch
	// gets a fresh one that recovers from the journal.
	fj.inject(1, errors.New("connection closed"))
	ev := event.New("user-1", "DROP", time.Now().UTC())
	if _, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev}); err == nil {
		t.Fatal("expected error from restart-class failure")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Live() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("entity did not terminate after restart-class failure")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev2 := event.New("user-1", "DROP", time.Now().UTC())
	res, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev2})
	if err != nil {
		t.Fatalf("dispatch after restart: %v", err)
	}
	if res.SequenceNr != 3 {
		t.Errorf("seq = %d, want 3", res.SequenceNr)
	}
}

func TestEscalationCallback(t *testing.T) {
	var (
		mu        sync.Mutex
		escalated []string
	)
	m, fj := faultyManager(t, nil, WithEscalation(func(key string, err error) {
		mu.Lock()
		escalated = append(escalated, key)
		mu.Unlock()
	}))

	fj.inject(1, errors.New("manifest corrupt"))
	ev := event.New("user-1", "DROP", time.Now().UTC())
	if _, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev}); err == nil {
		t.Fatal("expected error from corruption-class failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(escalated) != 1 || escalated[0] != "user-1" {
		t.Errorf("escalated = %v, want [user-1]", escalated)
	}
}

type countingObserver struct {
	started, succeeded, failed atomic.Int64
}

func (o *countingObserver) PersistStarted()   { o.started.Add(1) }
func (o *countingObserver) PersistSucceeded() { o.succeeded.Add(1) }
func (o *countingObserver) PersistFailed(_, _ string, _ error) {
	o.failed.Add(1)
}

func TestObserverSeesPersistOutcomes(t *testing.T) {
	obs := &countingObserver{}
	m, fj := faultyManager(t, nil, WithObserver(obs))

	recordN(t, m, "user-1", 2)

	fj.inject(10, errors.New("resources exhausted"))
	ev := event.New("user-1", "DROP", time.Now().UTC())
	if _, err := m.Dispatch(context.Background(), "user-1", RecordEvent{Event: ev}); err == nil {
		t.Fatal("expected persist failure")
	}

	if got := obs.started.Load(); got != 3 {
		t.Errorf("started = %d, want 3", got)
	}
	if got := obs.succeeded.Load(); got != 2 {
		t.Errorf("succeeded = %d, want 2", got)
	}
	if got := obs.failed.Load(); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

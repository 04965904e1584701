// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/syedumertariq/keystream/internal/event"
)

func openTestJournal(t *testing.T) *BadgerJournal {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false // faster tests, durability is Badger's concern

	j, err := Open(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func testEvent(key, typ string) *event.Event {
	return event.New(key, typ, time.Now())
}

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		seq, err := j.Append(ctx, "user-1", testEvent("user-1", "DROP"))
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if seq != want {
			t.Fatalf("seq = %d, want %d", seq, want)
		}
	}

	head, err := j.HighestSeq(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if head != 5 {
		t.Errorf("HighestSeq = %d, want 5", head)
	}

	count, err := j.Count(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("Count = %d, want 5", count)
	}
}

func TestAppend_SequencesIndependentPerKey(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if _, err := j.Append(ctx, "user-a", testEvent("user-a", "PICK")); err != nil {
		t.Fatal(err)
	}
	seq, err := j.Append(ctx, "user-b", testEvent("user-b", "PICK"))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first seq for user-b = %d, want 1", seq)
	}
}

func TestReplay_OrderAndRange(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	types := []string{"DROP", "PICK", "MOVE", "DROP", "SCAN"}
	for _, typ := range types {
		if _, err := j.Append(ctx, "user-1", testEvent("user-1", typ)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.Replay(ctx, "user-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(types) {
		t.Fatalf("replay returned %d entries, want %d", len(entries), len(types))
	}
	for i, e := range entries {
		if e.SequenceNr != uint64(i+1) {
			t.Errorf("entry %d has seq %d, want %d", i, e.SequenceNr, i+1)
		}
		if e.Type != types[i] {
			t.Errorf("entry %d has type %q, want %q", i, e.Type, types[i])
		}
	}

	// Restart mid-stream with a limit.
	entries, err = j.Replay(ctx, "user-1", 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].SequenceNr != 3 || entries[1].SequenceNr != 4 {
		t.Errorf("ranged replay = %+v, want seqs [3 4]", entries)
	}
}

func TestReplay_UnknownKeyEmpty(t *testing.T) {
	j := openTestJournal(t)

	entries, err := j.Replay(context.Background(), "nobody", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("replay of unknown key returned %d entries", len(entries))
	}
}

func TestAppend_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	ctx := context.Background()

	j, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(ctx, "user-1", testEvent("user-1", "DROP")); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(ctx, "user-1", testEvent("user-1", "PICK")); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	head, err := j2.HighestSeq(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if head != 2 {
		t.Errorf("HighestSeq after reopen = %d, want 2", head)
	}

	seq, err := j2.Append(ctx, "user-1", testEvent("user-1", "MOVE"))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}
}

func TestListKeys(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("user-%d", i)
		if _, err := j.Append(ctx, key, testEvent(key, "DROP")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := j.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("ListKeys returned %d keys, want 3", len(keys))
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[fmt.Sprintf("user-%d", i)] {
			t.Errorf("missing key user-%d", i)
		}
	}
}

func TestSnapshot_RoundTripAndSupersede(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if _, err := j.LatestSnapshot(ctx, "user-1"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	state, _ := json.Marshal(map[string]int{"total": 50})
	snap := &Snapshot{Key: "user-1", SequenceNr: 50, State: state, TakenAt: time.Now().UTC()}
	if err := j.WriteSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	newer := &Snapshot{Key: "user-1", SequenceNr: 100, State: state, TakenAt: time.Now().UTC()}
	if err := j.WriteSnapshot(ctx, newer); err != nil {
		t.Fatal(err)
	}

	got, err := j.LatestSnapshot(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SequenceNr != 100 {
		t.Errorf("snapshot seq = %d, want 100 (newest wins)", got.SequenceNr)
	}
}

func TestAppend_ConcurrentDistinctKeys(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	const keys = 8
	const perKey = 20

	var wg sync.WaitGroup
	errCh := make(chan error, keys)
	for i := 0; i < keys; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("user-%d", n)
			for s := 0; s < perKey; s++ {
				if _, err := j.Append(ctx, key, testEvent(key, "DROP")); err != nil {
					errCh <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	for i := 0; i < keys; i++ {
		head, err := j.HighestSeq(ctx, fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if head != perKey {
			t.Errorf("user-%d head = %d, want %d", i, head, perKey)
		}
	}
}

func TestAppend_Validation(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if _, err := j.Append(ctx, "user-1", nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("nil event: got %v, want ErrNilEvent", err)
	}
	if _, err := j.Append(ctx, "", testEvent("x", "DROP")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key: got %v, want ErrEmptyKey", err)
	}
}

func TestClosedJournal(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	j, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := j.Append(context.Background(), "k", testEvent("k", "DROP")); !errors.Is(err, ErrJournalClosed) {
		t.Errorf("append after close: got %v, want ErrJournalClosed", err)
	}
}

func TestEntry_EventRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	ev := testEvent("user-1", "DROP")
	ev.ContextID = 42
	if _, err := j.Append(ctx, "user-1", ev); err != nil {
		t.Fatal(err)
	}

	entries, err := j.Replay(ctx, "user-1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}

	decoded, err := entries[0].Event()
	if err != nil {
		t.Fatal(err)
	}
	if decoded.EventID != ev.EventID || decoded.ContextID != 42 || decoded.SequenceNr != 1 {
		t.Errorf("decoded event = %+v", decoded)
	}
}

// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package journal implements the append-only, per-key sequenced durable log
// on BadgerDB, plus the snapshot store and the persistence error classifier.
//
// Key layout:
//
//	evt:<key>:<seq>   serialized log entry, seq zero-padded for ordering
//	seq:<key>         highest assigned sequence number for the key
//	snap:<key>        latest snapshot for the key
//
// Sequence assignment and the entry write happen in one Badger transaction,
// so (key, seq) uniqueness holds even if the single-writer guarantee is
// violated upstream: the loser surfaces ErrDuplicateSequence.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/syedumertariq/keystream/internal/event"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/metrics"
)

// Entry is a single persisted log record, unique on (Key, SequenceNr).
type Entry struct {
	Key        string          `json:"key"`
	SequenceNr uint64          `json:"sequence_nr"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Event decodes the entry payload back into the canonical event.
func (e *Entry) Event() (*event.Event, error) {
	return event.Unmarshal(e.Payload)
}

// Snapshot is a materialized entity state at a covering sequence number.
// Superseded by newer snapshots, never mutated in place.
type Snapshot struct {
	Key        string          `json:"key"`
	SequenceNr uint64          `json:"sequence_nr"`
	State      json.RawMessage `json:"state"`
	TakenAt    time.Time       `json:"taken_at"`
}

// Stats contains journal metrics for monitoring.
type Stats struct {
	TotalAppends   int64
	TotalReplays   int64
	TotalSnapshots int64
	KeyCount       int64
	DBSizeBytes    int64
}

// Journal is the append-only, per-key sequenced event store.
type Journal interface {
	// Append persists the event, assigning the next sequence number for the
	// key atomically. The returned sequence starts at 1 per key.
	Append(ctx context.Context, key string, ev *event.Event) (uint64, error)

	// Replay returns up to limit entries for key with SequenceNr >= fromSeq,
	// in ascending sequence order. limit <= 0 means no limit.
	Replay(ctx context.Context, key string, fromSeq uint64, limit int) ([]Entry, error)

	// ListKeys returns every key that has at least one entry.
	ListKeys(ctx context.Context) ([]string, error)

	// Count returns the number of entries for key.
	Count(ctx context.Context, key string) (uint64, error)

	// HighestSeq returns the highest assigned sequence for key, 0 if none.
	HighestSeq(ctx context.Context, key string) (uint64, error)

	// WriteSnapshot stores a snapshot, superseding any previous one.
	WriteSnapshot(ctx context.Context, snap *Snapshot) error

	// LatestSnapshot returns the newest snapshot for key, or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, key string) (*Snapshot, error)

	// Stats returns current journal statistics.
	Stats() Stats

	// Close gracefully shuts down the journal.
	Close() error
}

const (
	prefixEntry    = "evt:"
	prefixSeq      = "seq:"
	prefixSnapshot = "snap:"

	// seqDigits pads sequence numbers so lexicographic key order matches
	// numeric order. 20 digits covers the full uint64 range.
	seqDigits = 20
)

// Config holds BadgerJournal tuning options.
type Config struct {
	Path          string
	SyncWrites    bool
	GCRatio       float64
	CloseTimeout  time.Duration
	MemTableSize  int64
	NumCompactors int
}

// DefaultConfig returns production defaults for the journal.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		SyncWrites:    true,
		GCRatio:       0.5,
		CloseTimeout:  30 * time.Second,
		MemTableSize:  64 << 20,
		NumCompactors: 4,
	}
}

// BadgerJournal implements Journal on BadgerDB.
type BadgerJournal struct {
	db     *badger.DB
	config Config

	totalAppends   atomic.Int64
	totalReplays   atomic.Int64
	totalSnapshots atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a BadgerJournal at the configured path.
func Open(cfg Config) (*BadgerJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path required")
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.NumCompactors = cfg.NumCompactors
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	j := &BadgerJournal{db: db, config: cfg}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("journal opened")
	return j, nil
}

func entryKey(key string, seq uint64) []byte {
	s := strconv.FormatUint(seq, 10)
	pad := seqDigits - len(s)
	b := make([]byte, 0, len(prefixEntry)+len(key)+1+seqDigits)
	b = append(b, prefixEntry...)
	b = append(b, key...)
	b = append(b, ':')
	for i := 0; i < pad; i++ {
		b = append(b, '0')
	}
	return append(b, s...)
}

func seqKey(key string) []byte {
	return []byte(prefixSeq + key)
}

func snapKey(key string) []byte {
	return []byte(prefixSnapshot + key)
}

// Append implements Journal. The head read, increment, uniqueness check,
// and entry write share one transaction.
func (j *BadgerJournal) Append(ctx context.Context, key string, ev *event.Event) (uint64, error) {
	start := time.Now()
	defer func() {
		metrics.JournalAppendDuration.Observe(time.Since(start).Seconds())
	}()

	if err := j.checkOpen(); err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, ErrNilEvent
	}
	if key == "" {
		return 0, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var seq uint64
	err := j.db.Update(func(txn *badger.Txn) error {
		head, err := readSeq(txn, key)
		if err != nil {
			return err
		}
		seq = head + 1

		ek := entryKey(key, seq)
		if _, err := txn.Get(ek); err == nil {
			return fmt.Errorf("%w: key=%s seq=%d", ErrDuplicateSequence, key, seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("probe entry: %w", err)
		}

		persisted := *ev
		persisted.SequenceNr = seq
		payload, err := json.Marshal(&persisted)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		entry := Entry{
			Key:        key,
			SequenceNr: seq,
			Type:       ev.Type,
			Payload:    payload,
			Timestamp:  time.Now().UTC(),
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		if err := txn.Set(ek, data); err != nil {
			return fmt.Errorf("set entry: %w", err)
		}
		if err := txn.Set(seqKey(key), []byte(strconv.FormatUint(seq, 10))); err != nil {
			return fmt.Errorf("set sequence head: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	j.totalAppends.Add(1)
	metrics.JournalAppends.Inc()
	return seq, nil
}

// Replay implements Journal. Uses a snapshot-isolated View so the returned
// range is consistent under concurrent appends.
func (j *BadgerJournal) Replay(ctx context.Context, key string, fromSeq uint64, limit int) ([]Entry, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	if fromSeq == 0 {
		fromSeq = 1
	}

	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixEntry + key + ":")
		for it.Seek(entryKey(key, fromSeq)); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if limit > 0 && len(entries) >= limit {
				break
			}

			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("journal: failed to unmarshal entry")
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay %s from %d: %w", key, fromSeq, err)
	}

	j.totalReplays.Add(1)
	metrics.JournalReplayEntries.Add(float64(len(entries)))
	return entries, nil
}

// ListKeys implements Journal.
func (j *BadgerJournal) ListKeys(ctx context.Context) ([]string, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}

	var keys []string
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSeq)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Count implements Journal. Entries are append-only and sequences start at
// 1, so the head sequence is also the entry count.
func (j *BadgerJournal) Count(ctx context.Context, key string) (uint64, error) {
	return j.HighestSeq(ctx, key)
}

// HighestSeq implements Journal.
func (j *BadgerJournal) HighestSeq(ctx context.Context, key string) (uint64, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var head uint64
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readSeq(txn, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read sequence head: %w", err)
	}
	return head, nil
}

// WriteSnapshot implements Journal.
func (j *BadgerJournal) WriteSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if snap == nil || snap.Key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(snap.Key), data)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	j.totalSnapshots.Add(1)
	metrics.JournalSnapshots.Inc()
	return nil
}

// LatestSnapshot implements Journal.
func (j *BadgerJournal) LatestSnapshot(ctx context.Context, key string) (*Snapshot, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snap Snapshot
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return &snap, nil
}

// Stats implements Journal.
func (j *BadgerJournal) Stats() Stats {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return Stats{}
	}

	var keyCount int64
	if err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixSeq)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keyCount++
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("journal: stats key scan failed")
	}

	lsm, vlog := j.db.Size()
	size := lsm + vlog
	metrics.JournalSizeBytes.Set(float64(size))

	return Stats{
		TotalAppends:   j.totalAppends.Load(),
		TotalReplays:   j.totalReplays.Load(),
		TotalSnapshots: j.totalSnapshots.Load(),
		KeyCount:       keyCount,
		DBSizeBytes:    size,
	}
}

// RunGC triggers Badger value-log garbage collection until no more space
// can be reclaimed.
func (j *BadgerJournal) RunGC() error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	for {
		err := j.db.RunValueLogGC(j.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
	metrics.JournalGCRuns.Inc()
	return nil
}

// Close implements Journal. Bounded by the configured CloseTimeout so a
// wedged Badger shutdown cannot hang process exit.
func (j *BadgerJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	timeout := j.config.CloseTimeout
	j.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- j.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close journal store: %w", err)
		}
		logging.Info().Msg("journal closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("journal close timeout after %v", timeout)
	}
}

func (j *BadgerJournal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	return nil
}

func readSeq(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get(seqKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var head uint64
	err = item.Value(func(val []byte) error {
		var perr error
		head, perr = strconv.ParseUint(string(val), 10, 64)
		return perr
	})
	if err != nil {
		return 0, fmt.Errorf("parse sequence head: %w", err)
	}
	return head, nil
}

// Errors
var (
	// ErrJournalClosed is returned when the journal has been closed.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrNilEvent is returned when a nil event is passed to Append.
	ErrNilEvent = errors.New("event cannot be nil")

	// ErrEmptyKey is returned when an empty partition key is provided.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrDuplicateSequence is returned when an append races another writer
	// for the same (key, seq) slot. Should not occur under the single-writer
	// guarantee; treated as a logic error by the classifier.
	ErrDuplicateSequence = errors.New("duplicate sequence number")

	// ErrNoSnapshot is returned when a key has no snapshot yet.
	ErrNoSnapshot = errors.New("no snapshot")
)

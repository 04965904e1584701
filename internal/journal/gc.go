// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package journal

import (
	"context"
	"sync"
	"time"

	"github.com/syedumertariq/keystream/internal/logging"
)

// GCLoop periodically runs value-log garbage collection so the append-only
// store reclaims space freed by compaction.
type GCLoop struct {
	journal  *BadgerJournal
	interval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewGCLoop creates a GC loop for the journal.
func NewGCLoop(j *BadgerJournal, interval time.Duration) *GCLoop {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCLoop{journal: j, interval: interval}
}

// Start begins the background loop. Idempotent while running.
func (g *GCLoop) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true
	g.stopDone = make(chan struct{})

	go g.run(loopCtx, g.stopDone)

	logging.Info().Dur("interval", g.interval).Msg("journal GC loop started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (g *GCLoop) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.cancel()
	g.running = false
	done := g.stopDone
	g.mu.Unlock()

	<-done
	logging.Info().Msg("journal GC loop stopped")
}

func (g *GCLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.journal.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("journal GC failed")
			}
		}
	}
}

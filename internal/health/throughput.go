// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package health

import (
	"sync"
	"time"
)

// throughputWindow counts events in one-second buckets over a trailing
// window, supporting an average rate over the whole window and the peak
// rate over any one-minute span inside it.
type throughputWindow struct {
	mu      sync.Mutex
	buckets []int64
	// start is the wall-clock second of bucket index 0's current cycle.
	epoch int64
	now   func() time.Time
}

const peakSpanSeconds = 60

func newThroughputWindow(window time.Duration) *throughputWindow {
	seconds := int(window / time.Second)
	if seconds < peakSpanSeconds {
		seconds = peakSpanSeconds
	}
	return &throughputWindow{
		buckets: make([]int64, seconds),
		now:     time.Now,
	}
}

// record adds one event to the current second's bucket.
func (w *throughputWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.index(w.epoch)]++
}

// advance zeroes buckets for seconds that elapsed since the last call.
// Must hold mu.
func (w *throughputWindow) advance() {
	sec := w.now().Unix()
	if w.epoch == 0 {
		w.epoch = sec
		return
	}
	elapsed := sec - w.epoch
	if elapsed <= 0 {
		return
	}
	if elapsed >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for s := w.epoch + 1; s <= sec; s++ {
			w.buckets[w.index(s)] = 0
		}
	}
	w.epoch = sec
}

func (w *throughputWindow) index(sec int64) int {
	return int(sec % int64(len(w.buckets)))
}

// rate returns events per second averaged over the trailing window.
func (w *throughputWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	var total int64
	for _, c := range w.buckets {
		total += c
	}
	return float64(total) / float64(len(w.buckets))
}

// peak returns the highest events-per-second rate over any one-minute span
// in the trailing window.
func (w *throughputWindow) peak() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()

	n := len(w.buckets)
	// Walk spans in chronological order ending at the current second.
	var (
		sum  int64
		best int64
	)
	// Seconds covered by the window, oldest first.
	oldest := w.epoch - int64(n) + 1
	for s := oldest; s <= w.epoch; s++ {
		sum += w.buckets[w.index(s)]
		if s-oldest >= peakSpanSeconds {
			sum -= w.buckets[w.index(s-peakSpanSeconds)]
		}
		if sum > best {
			best = sum
		}
	}
	return float64(best) / float64(peakSpanSeconds)
}

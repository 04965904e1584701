// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package sequence

import (
	"testing"
	"time"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestValidate_FirstEventAlwaysValid(t *testing.T) {
	v := New(DefaultConfig())

	verdict := v.Validate("user-1", base, "test")
	if verdict.Kind != Valid {
		t.Fatalf("first event verdict = %v, want Valid", verdict.Kind)
	}

	last, ok := v.LastSeen("user-1")
	if !ok || !last.Equal(base) {
		t.Errorf("lastSeen = %v, %v; want %v recorded", last, ok, base)
	}
}

func TestValidate_InOrderAdvances(t *testing.T) {
	v := New(DefaultConfig())

	v.Validate("user-1", base, "test")
	verdict := v.Validate("user-1", base.Add(500*time.Millisecond), "test")
	if verdict.Kind != Valid {
		t.Fatalf("in-order verdict = %v, want Valid", verdict.Kind)
	}

	last, _ := v.LastSeen("user-1")
	if !last.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("lastSeen did not advance: %v", last)
	}
}

func TestValidate_ToleranceBoundary(t *testing.T) {
	cfg := DefaultConfig() // 1000ms tolerance
	v := New(cfg)
	v.Validate("user-1", base, "test")

	// Exactly at tolerance: still a warning (inclusive boundary).
	verdict := v.Validate("user-1", base.Add(-cfg.MaxOutOfOrder), "test")
	if verdict.Kind != ValidWithWarning {
		t.Errorf("delta == tolerance: verdict = %v, want ValidWithWarning", verdict.Kind)
	}

	// One millisecond beyond: invalid.
	verdict = v.Validate("user-1", base.Add(-cfg.MaxOutOfOrder-time.Millisecond), "test")
	if verdict.Kind != Invalid {
		t.Errorf("delta > tolerance: verdict = %v, want Invalid", verdict.Kind)
	}
}

func TestValidate_ReversedPairWithinTolerance(t *testing.T) {
	v := New(DefaultConfig())

	// Two events 500ms apart in correct order: both Valid.
	if k := v.Validate("user-1", base, "test").Kind; k != Valid {
		t.Fatalf("first = %v", k)
	}
	if k := v.Validate("user-1", base.Add(500*time.Millisecond), "test").Kind; k != Valid {
		t.Fatalf("second = %v", k)
	}

	// Reversed order on a fresh key: the second is 500ms behind, inside
	// the 1000ms default tolerance, so it warns rather than rejects.
	if k := v.Validate("user-2", base.Add(500*time.Millisecond), "test").Kind; k != Valid {
		t.Fatalf("reversed first = %v", k)
	}
	if k := v.Validate("user-2", base, "test").Kind; k != ValidWithWarning {
		t.Fatalf("reversed second = %v, want ValidWithWarning", k)
	}
}

func TestValidate_LastSeenNeverRetreats(t *testing.T) {
	v := New(DefaultConfig())

	v.Validate("user-1", base, "test")
	v.Validate("user-1", base.Add(-200*time.Millisecond), "test") // warning

	last, _ := v.LastSeen("user-1")
	if !last.Equal(base) {
		t.Errorf("lastSeen retreated to %v", last)
	}
}

func TestValidate_KeysIndependent(t *testing.T) {
	v := New(DefaultConfig())

	v.Validate("user-1", base.Add(time.Hour), "test")
	if k := v.Validate("user-2", base, "test").Kind; k != Valid {
		t.Errorf("unrelated key verdict = %v, want Valid", k)
	}
}

func TestViolationsRecorded(t *testing.T) {
	v := New(DefaultConfig())

	v.Validate("user-1", base, "bus")
	v.Validate("user-1", base.Add(-2*time.Second), "bus") // invalid
	v.Validate("user-1", base.Add(-300*time.Millisecond), "bus") // warning

	viols := v.Violations()
	if len(viols) != 2 {
		t.Fatalf("got %d violations, want 2", len(viols))
	}
	for _, viol := range viols {
		if viol.Key != "user-1" || viol.Source != "bus" {
			t.Errorf("violation = %+v", viol)
		}
		if viol.Delta <= 0 {
			t.Errorf("violation delta = %v, want positive", viol.Delta)
		}
	}
}

func TestViolations_TTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ViolationTTL = 20 * time.Millisecond
	v := New(cfg)

	v.Validate("user-1", base, "test")
	v.Validate("user-1", base.Add(-5*time.Second), "test")

	if len(v.Violations()) != 1 {
		t.Fatal("violation not recorded")
	}

	time.Sleep(40 * time.Millisecond)

	if n := len(v.Violations()); n != 0 {
		t.Errorf("%d violations survived TTL", n)
	}
}

// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package ingest

import (
	"errors"
	"testing"
	"time"
)

func TestParseRecordFromValue(t *testing.T) {
	// An opaque key forces the value-pattern fallback.
	ev, err := ParseRecord("a1b2c3", "TS1700000000000@user-1:DROP:42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Key != "user-1" {
		t.Errorf("key = %q, want user-1", ev.Key)
	}
	if ev.Type != "DROP" {
		t.Errorf("type = %q, want DROP", ev.Type)
	}
	if ev.ContextID != 42 {
		t.Errorf("contextID = %d, want 42", ev.ContextID)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !ev.OccurredAt.Equal(want) {
		t.Errorf("occurredAt = %v, want %v", ev.OccurredAt, want)
	}
	if ev.Source != "value" {
		t.Errorf("source = %q, want value", ev.Source)
	}
}

func TestParseRecordKeyTakesPrecedence(t *testing.T) {
	ev, err := ParseRecord("TS1700000000000@user-1:DROP:1", "TS1700000000000@user-2:MOVE:2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Key != "user-1" || ev.Source != "key" {
		t.Errorf("key=%q source=%q, want user-1 from key", ev.Key, ev.Source)
	}
}

func TestParseRecordVariants(t *testing.T) {
	tests := []struct {
		name  string
		value string
		key   string
		typ   string
		ctx   int64
		extra string
	}{
		{"bare millis", "1700000000000@user-9:MOVE:7", "user-9", "MOVE", 7, ""},
		{"extra segment", "TS1700000000000@user-1:DROP:42:north", "user-1", "DROP", 42, "north"},
		{"extra with colons", "TS1700000000000@user-1:DROP:42:a:b:c", "user-1", "DROP", 42, "a:b:c"},
		{"negative context", "TS1700000000000@user-1:DROP:-5", "user-1", "DROP", -5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseRecord("opaque", tt.value)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.Key != tt.key || ev.Type != tt.typ || ev.ContextID != tt.ctx || ev.Extra != tt.extra {
				t.Errorf("got key=%q type=%q ctx=%d extra=%q", ev.Key, ev.Type, ev.ContextID, ev.Extra)
			}
		})
	}
}

func TestParseRecordRejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"both opaque", "abc", "def"},
		{"empty", "", ""},
		{"missing context", "", "TS1700000000000@user-1:DROP"},
		{"non-numeric timestamp", "", "TSabc@user-1:DROP:42"},
		{"negative timestamp", "", "TS-100@user-1:DROP:42"},
		{"non-numeric context", "", "TS1700000000000@user-1:DROP:xyz"},
		{"empty identifier", "", "TS1700000000000@:DROP:42"},
		{"empty type", "", "TS1700000000000@user-1::42"},
		{"at sign only", "", "@user-1:DROP:42"},
		{"trailing at", "", "TS1700000000000@"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRecord(tt.key, tt.value); !errors.Is(err, ErrUnparsable) {
				t.Errorf("err = %v, want ErrUnparsable", err)
			}
		})
	}
}

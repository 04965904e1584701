// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package ingest consumes raw bus records, parses them into typed events,
// and dispatches them to per-key entities with bounded parallelism and
// backpressure.
package ingest

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/syedumertariq/keystream/internal/event"
)

// Raw records carry the structured pattern
//
//	<timestamp>@<identifier>:<type>:<contextId>[:<extra>]
//
// in either the record key or the record value. The timestamp is epoch
// milliseconds, optionally prefixed "TS". The identifier becomes the
// partition and ordering key.

// ErrUnparsable is returned when neither the key nor the value of a record
// matches the structured pattern.
var ErrUnparsable = errors.New("record matches no known pattern")

const timestampPrefix = "TS"

// ParseRecord extracts a typed event from a raw record, trying the key
// first and falling back to the value.
func ParseRecord(key, value string) (*event.Event, error) {
	if ev, ok := parsePattern(key, "key"); ok {
		return ev, nil
	}
	if ev, ok := parsePattern(value, "value"); ok {
		return ev, nil
	}
	return nil, ErrUnparsable
}

func parsePattern(s, source string) (*event.Event, bool) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return nil, false
	}

	ts := strings.TrimPrefix(s[:at], timestampPrefix)
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || millis < 0 {
		return nil, false
	}

	// identifier:type:contextId with one optional trailing extra segment.
	parts := strings.SplitN(s[at+1:], ":", 4)
	if len(parts) < 3 {
		return nil, false
	}
	identifier, eventType := parts[0], parts[1]
	if identifier == "" || eventType == "" {
		return nil, false
	}
	contextID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, false
	}

	ev := event.New(identifier, eventType, time.UnixMilli(millis).UTC())
	ev.ContextID = contextID
	ev.Source = source
	if len(parts) == 4 {
		ev.Extra = parts[3]
	}
	return ev, true
}

// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package event defines the canonical activity event exchanged between the
// ingestion router, the per-key entities, and the durable journal.
package event

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to Event.
const SchemaVersion = 1

// Event is an immutable per-user activity fact. Events are created by the
// ingestion router (or an internal producer), never mutated, and assigned
// their SequenceNr by the journal at persist time.
type Event struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// Identification
	EventID string `json:"event_id"`
	// Key is the partition/ordering identity (the user identifier).
	Key  string `json:"key"`
	Type string `json:"type"`

	// ContextID carries the numeric context extracted from the record
	// pattern (the trailing ":<contextId>" component).
	ContextID int64 `json:"context_id,omitempty"`

	// Extra is the optional fourth pattern component, verbatim.
	Extra string `json:"extra,omitempty"`

	// OccurredAt is the source timestamp used by the sequence gate.
	OccurredAt time.Time `json:"occurred_at"`

	// SequenceNr is monotonic per key, assigned by the journal at persist
	// time. Zero until persisted.
	SequenceNr uint64 `json:"sequence_nr,omitempty"`

	// Source names the producer (bus subject, "internal", ...).
	Source string `json:"source,omitempty"`

	// Payload is the opaque type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates an event with a unique ID and schema version.
func New(key, eventType string, occurredAt time.Time) *Event {
	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		Key:           key,
		Type:          eventType,
		OccurredAt:    occurredAt.UTC(),
	}
}

// Validate checks required fields.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.Key == "" {
		return &ValidationError{Field: "key", Message: "required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "required"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "required"}
	}
	return nil
}

// Marshal serializes the event after validation.
func (e *Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes an event from JSON bytes.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	return &e, nil
}

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

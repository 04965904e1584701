// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package entity

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/syedumertariq/keystream/internal/event"
)

// State is the per-key aggregate. It is fully derivable by replaying the
// key's journal in sequence order and only advances through Apply.
type State struct {
	Key           string            `json:"key"`
	TotalEvents   uint64            `json:"total_events"`
	CountsByType  map[string]uint64 `json:"counts_by_type"`
	FirstEventAt  time.Time         `json:"first_event_at"`
	LastEventAt   time.Time         `json:"last_event_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// NewState creates an empty aggregate for key.
func NewState(key string) *State {
	return &State{
		Key:          key,
		CountsByType: make(map[string]uint64),
	}
}

// Apply folds one event into the aggregate. Pure with respect to the event
// stream: replaying the same ordered events always yields the same state.
func (s *State) Apply(ev *event.Event) {
	s.TotalEvents++
	s.CountsByType[ev.Type]++
	if s.FirstEventAt.IsZero() || ev.OccurredAt.Before(s.FirstEventAt) {
		s.FirstEventAt = ev.OccurredAt
	}
	if ev.OccurredAt.After(s.LastEventAt) {
		s.LastEventAt = ev.OccurredAt
	}
	s.LastUpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (s *State) Clone() *State {
	counts := make(map[string]uint64, len(s.CountsByType))
	for k, v := range s.CountsByType {
		counts[k] = v
	}
	c := *s
	c.CountsByType = counts
	return &c
}

// Marshal serializes the state for snapshot storage.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a snapshot state blob.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.CountsByType == nil {
		s.CountsByType = make(map[string]uint64)
	}
	return &s, nil
}

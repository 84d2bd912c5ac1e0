// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements the per-entity retry state machine and the
// serialized-write manager over a durable record store.
//
// The state machine is closed:
//
//	PENDING → ANALYZING → {MATCHED, MIST_RESOLVED}
//	                    | RETRY_SCHEDULED → ANALYZING (only loop edge)
//	                    | TERMINAL_FAILED
//
// attempt_count is monotone: it is incremented and persisted before an
// attempt runs, so a crash mid-attempt can never lose or reset it.
package retry

import (
	"fmt"

	"github.com/AleutianAI/cognition/patterns"
)

// Kind distinguishes independent analysis lanes for the same entity.
// Records are keyed by (entity id, kind).
type Kind string

// KindPattern is the cognitive pattern analysis lane.
const KindPattern Kind = "pattern"

// State is one node of the retry state machine.
type State string

const (
	// StatePending means the entity is enqueued with no attempt yet.
	StatePending State = "pending"

	// StateAnalyzing means one attempt is in flight. Exclusive: a second
	// concurrent attempt for the same entity is rejected, not queued twice.
	StateAnalyzing State = "analyzing"

	// StateMatched is terminal success with a known pattern code.
	StateMatched State = "matched"

	// StateMistResolved is the distinct terminal success for the residual
	// unknowable code.
	StateMistResolved State = "mist_resolved"

	// StateRetryScheduled means the last attempt failed and another is
	// permitted once the cool-down elapses or an early retry is granted.
	StateRetryScheduled State = "retry_scheduled"

	// StateTerminalFailed is terminal failure; a dead-letter entry exists.
	StateTerminalFailed State = "terminal_failed"
)

// Terminal reports whether the state permits no further attempts.
func (s State) Terminal() bool {
	switch s {
	case StateMatched, StateMistResolved, StateTerminalFailed:
		return true
	}
	return false
}

// Record is the durable retry-state unit for one (entity id, kind).
//
// Invariants:
//   - AttemptCount only increases, across crashes included.
//   - State transitions are monotone forward except RETRY_SCHEDULED → ANALYZING.
//   - Version is managed by the store's compare-and-swap; callers never set it.
type Record struct {
	// EntityID is the entity this record tracks.
	EntityID string `json:"entity_id"`

	// Kind is the analysis lane.
	Kind Kind `json:"kind"`

	// State is the current state machine node.
	State State `json:"state"`

	// AttemptCount is the number of attempts started. Monotone.
	AttemptCount int `json:"attempt_count"`

	// LastAttemptAt is when the latest attempt started (Unix milliseconds UTC).
	LastAttemptAt int64 `json:"last_attempt_at,omitempty"`

	// RetryDeadline bounds the explicit early-retry window and the automatic
	// cool-down (Unix milliseconds UTC). Zero means no window is open.
	RetryDeadline int64 `json:"retry_deadline,omitempty"`

	// EarlyRetryGranted marks that the next attempt was explicitly requested
	// and should run a glimpse lookup first. Cleared when the attempt starts.
	EarlyRetryGranted bool `json:"early_retry_granted,omitempty"`

	// History accumulates every matcher result across attempts.
	History []patterns.Match `json:"history,omitempty"`

	// FailureReason is set when State is StateTerminalFailed.
	FailureReason string `json:"failure_reason,omitempty"`

	// Version is the store CAS token.
	Version uint64 `json:"version"`
}

// Key returns the store key for a record identity.
func Key(entityID string, kind Kind) string {
	return fmt.Sprintf("%s/%s", kind, entityID)
}

// Key returns this record's store key.
func (r *Record) Key() string {
	return Key(r.EntityID, r.Kind)
}

// Clone returns a deep copy safe to hand outside the manager's locks.
func (r *Record) Clone() *Record {
	cp := *r
	cp.History = make([]patterns.Match, len(r.History))
	copy(cp.History, r.History)
	return &cp
}

// Attempt describes one granted analysis attempt.
type Attempt struct {
	// EntityID is the entity being analyzed.
	EntityID string

	// Number is the attempt count after the grant, 1-based.
	Number int

	// UseGlimpse means this attempt was explicitly requested early and the
	// cheap glimpse lookup should run before the matchers.
	UseGlimpse bool

	// IsRevise means base retries are exhausted and this is the single
	// post-revise final attempt.
	IsRevise bool

	// History is a snapshot of prior matcher results, for the revise step.
	History []patterns.Match
}

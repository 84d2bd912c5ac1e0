// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker delivers analysis events between the engine and its
// subscribers with at-least-once semantics.
//
// Delivery failures are retried with exponential backoff up to a bounded
// count that is independent of the engine's own analysis retries. An
// undeliverable event moves to the message dead-letter store. That store is
// orthogonal to entity dead letters: one records "this message could not be
// delivered", the other "this entity could not be classified".
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/cognition/patterns"
)

// EventType identifies the kind of event.
type EventType string

const (
	// TypeAnalysisRequested is emitted when an entity is accepted for analysis.
	TypeAnalysisRequested EventType = "analysis_requested"

	// TypeAnalysisCompleted is emitted on terminal success (matched or mist).
	TypeAnalysisCompleted EventType = "analysis_completed"

	// TypeAnalysisFailed is emitted on terminal failure, alongside the
	// entity dead-letter entry.
	TypeAnalysisFailed EventType = "analysis_failed"
)

// Event is one broker message.
//
// Delivery is at-least-once, never exactly-once: consumers must be
// idempotent on (EntityID, the payload's AttemptCount).
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// EntityID is the subject entity.
	EntityID string `json:"entity_id"`

	// Timestamp is when the event was created (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Data is the typed payload: AnalysisRequestedData,
	// AnalysisCompletedData, or AnalysisFailedData.
	Data any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, entityID string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// AnalysisRequestedData is the payload for TypeAnalysisRequested.
type AnalysisRequestedData struct {
	EntityID   string `json:"entity_id"`
	AnalysisID string `json:"analysis_id"`
	Priority   int    `json:"priority"`
}

// AnalysisCompletedData is the payload for TypeAnalysisCompleted.
type AnalysisCompletedData struct {
	EntityID     string        `json:"entity_id"`
	PatternCode  patterns.Code `json:"pattern_code"`
	Confidence   float64       `json:"confidence"`
	EvidenceRefs []string      `json:"evidence_refs,omitempty"`
	AttemptCount int           `json:"attempt_count"`
}

// AnalysisFailedData is the payload for TypeAnalysisFailed.
type AnalysisFailedData struct {
	EntityID       string           `json:"entity_id"`
	Reason         string           `json:"reason"`
	AttemptHistory []patterns.Match `json:"attempt_history,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
}

// DeadLetterEntry is the terminal record of an entity that exhausted every
// analysis attempt. Immutable once created; retained for operator
// inspection and replay.
type DeadLetterEntry struct {
	EntityID       string           `json:"entity_id"`
	Reason         string           `json:"reason"`
	AttemptHistory []patterns.Match `json:"attempt_history,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
	CreatedAt      int64            `json:"created_at"`
}

// DeadMessage is an event the broker could not deliver within its bounded
// retry budget.
type DeadMessage struct {
	Event     Event  `json:"event"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}

// DeadLetterStore persists both failure concepts durably.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DeadLetterStore interface {
	// AppendEntity records a terminal entity failure.
	AppendEntity(ctx context.Context, entry DeadLetterEntry) error

	// AppendMessage records an undeliverable event.
	AppendMessage(ctx context.Context, msg DeadMessage) error

	// ListEntities returns all terminal entity failures.
	ListEntities(ctx context.Context) ([]DeadLetterEntry, error)

	// ListMessages returns all undeliverable events.
	ListMessages(ctx context.Context) ([]DeadMessage, error)
}

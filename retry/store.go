// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("analysis record not found")

	// ErrVersionConflict is returned when a compare-and-swap loses the race.
	ErrVersionConflict = errors.New("analysis record version conflict")

	// ErrPersistence wraps store failures. A persistence failure is an
	// infrastructure error: it is fatal for the current attempt but does not
	// consume the entity's attempt count.
	ErrPersistence = errors.New("analysis record persistence failure")

	// ErrBusy is returned when an attempt is requested for an entity that is
	// already ANALYZING.
	ErrBusy = errors.New("entity analysis already in flight")

	// ErrTerminal is returned when an attempt is requested for an entity in
	// a terminal state.
	ErrTerminal = errors.New("entity analysis already terminal")

	// ErrCoolingDown is returned when an automatic attempt is requested
	// before the cool-down elapsed and no early retry was granted.
	ErrCoolingDown = errors.New("entity retry cool-down has not elapsed")

	// ErrNotRetryScheduled is returned when an early retry is requested
	// outside the RETRY_SCHEDULED state.
	ErrNotRetryScheduled = errors.New("entity is not retry-scheduled")

	// ErrRetryWindowClosed is returned when an early retry is requested
	// after the explicit window expired.
	ErrRetryWindowClosed = errors.New("explicit retry window has closed")

	// ErrStaleAttempt is returned when a completion arrives for an attempt
	// that is no longer current (timed out, superseded, or replayed).
	// Stale completions never mutate state.
	ErrStaleAttempt = errors.New("attempt completion is stale")
)

// Store is the durable record store consumed by the Manager.
//
// Implementations must provide atomic compare-and-swap semantics: Put
// succeeds only when the stored version equals rec.Version, then increments
// it. A crash between read and write must never produce a lost update.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get loads a record by identity. Returns ErrNotFound when absent.
	Get(ctx context.Context, entityID string, kind Kind) (*Record, error)

	// Put writes a record transactionally. Returns ErrVersionConflict when
	// the stored version differs from rec.Version. On success rec.Version
	// is advanced to the stored value.
	Put(ctx context.Context, rec *Record) error
}

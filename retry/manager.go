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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/patterns"
)

// Config configures the retry manager.
type Config struct {
	// Kind is the analysis lane this manager serves.
	// Default: KindPattern.
	Kind Kind

	// BaseRetries is the number of attempts before the revise escalation.
	// After attempt BaseRetries fails, revise runs and exactly one further
	// attempt is permitted. Default: 2.
	BaseRetries int

	// CooldownWindow is both the automatic-retry cool-down and the explicit
	// early-retry window after a failed attempt. Default: 30s.
	CooldownWindow time.Duration

	// Logger for state transitions. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		Kind:           KindPattern,
		BaseRetries:    2,
		CooldownWindow: 30 * time.Second,
		Logger:         slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseRetries < 1 {
		return errors.New("base_retries must be at least 1")
	}
	if c.CooldownWindow <= 0 {
		return errors.New("cooldown_window must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Kind == "" {
		c.Kind = defaults.Kind
	}
	if c.BaseRetries == 0 {
		c.BaseRetries = defaults.BaseRetries
	}
	if c.CooldownWindow == 0 {
		c.CooldownWindow = defaults.CooldownWindow
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}

// Manager owns every write to analysis records.
//
// # Description
//
// All record mutations funnel through the manager, which serializes writes
// per entity id with keyed locks and commits through the store's
// compare-and-swap. No other component holds a mutable reference to a
// record; callers receive clones.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	store  Store
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is overridable for tests.
	now func() time.Time
}

// NewManager creates a retry manager over a durable store.
//
// Inputs:
//
//	store - Durable record store. Must not be nil.
//	config - Manager configuration. Zero values take defaults.
//
// Outputs:
//
//	*Manager - Ready-to-use manager.
//	error - Non-nil if store is nil or config is invalid.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	return &Manager{
		store:  store,
		config: config,
		logger: config.Logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

// BaseRetries returns the configured base retry budget.
func (m *Manager) BaseRetries() int {
	return m.config.BaseRetries
}

// keyLock returns the per-entity mutex, creating it on first use.
func (m *Manager) keyLock(entityID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[entityID] = l
	}
	return l
}

// Register ensures a PENDING record exists for a newly submitted entity.
//
// Description:
//
//	Creates the record on first submission. A resubmission while ANALYZING
//	is rejected with ErrBusy (the at-most-one-in-flight invariant); a
//	resubmission of a terminal entity is rejected with ErrTerminal since
//	entities are immutable once submitted.
//
// Outputs:
//
//	*Record - Clone of the current record.
//	error - ErrBusy, ErrTerminal, or a wrapped ErrPersistence.
func (m *Manager) Register(ctx context.Context, entityID string) (*Record, error) {
	l := m.keyLock(entityID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.Get(ctx, entityID, m.config.Kind)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{
			EntityID: entityID,
			Kind:     m.config.Kind,
			State:    StatePending,
		}
		if err := m.put(ctx, rec); err != nil {
			return nil, err
		}
		return rec.Clone(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	switch {
	case rec.State == StateAnalyzing:
		return nil, ErrBusy
	case rec.State.Terminal():
		return nil, ErrTerminal
	}
	return rec.Clone(), nil
}

// StartAttempt transitions an entity to ANALYZING and grants one attempt.
//
// Description:
//
//	Increments attempt_count and persists the ANALYZING transition before
//	the attempt runs, so a crash mid-attempt can never lose the count. The
//	grant carries whether the attempt should glimpse (explicitly requested
//	early retry) or revise (base retries exhausted).
//
// Outputs:
//
//	Attempt - The granted attempt.
//	error - ErrBusy if already ANALYZING, ErrTerminal, ErrCoolingDown if the
//	        cool-down has not elapsed, ErrNotFound, or wrapped ErrPersistence.
func (m *Manager) StartAttempt(ctx context.Context, entityID string) (Attempt, error) {
	l := m.keyLock(entityID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.load(ctx, entityID)
	if err != nil {
		return Attempt{}, err
	}

	switch {
	case rec.State == StateAnalyzing:
		return Attempt{}, ErrBusy
	case rec.State.Terminal():
		return Attempt{}, ErrTerminal
	case rec.State == StateRetryScheduled && !rec.EarlyRetryGranted &&
		m.now().UnixMilli() < rec.RetryDeadline:
		return Attempt{}, ErrCoolingDown
	}

	useGlimpse := rec.EarlyRetryGranted
	rec.State = StateAnalyzing
	rec.AttemptCount++
	rec.LastAttemptAt = m.now().UnixMilli()
	rec.RetryDeadline = 0
	rec.EarlyRetryGranted = false

	if err := m.put(ctx, rec); err != nil {
		return Attempt{}, err
	}

	att := Attempt{
		EntityID:   entityID,
		Number:     rec.AttemptCount,
		UseGlimpse: useGlimpse,
		IsRevise:   rec.AttemptCount == m.config.BaseRetries+1,
		History:    rec.Clone().History,
	}
	m.logger.Debug("attempt started",
		"entity_id", entityID,
		"attempt", att.Number,
		"glimpse", att.UseGlimpse,
		"revise", att.IsRevise)
	return att, nil
}

// CompleteAttempt applies the outcome of one attempt.
//
// Description:
//
//	Guarded by attempt number: a completion whose number does not match the
//	in-flight attempt (timed out, superseded, or a replayed event) returns
//	ErrStaleAttempt and mutates nothing. On failure the record moves to
//	RETRY_SCHEDULED while attempts remain, or TERMINAL_FAILED after the
//	post-revise attempt.
//
// Inputs:
//
//	entityID - The analyzed entity.
//	attemptNumber - The attempt the outcome belongs to.
//	outcome - The ranked matcher verdict.
//	reason - Failure description, used when the state goes terminal.
//
// Outputs:
//
//	*Record - Clone of the record after the transition.
//	error - ErrStaleAttempt, ErrNotFound, or wrapped ErrPersistence.
func (m *Manager) CompleteAttempt(ctx context.Context, entityID string, attemptNumber int, outcome patterns.Outcome, reason string) (*Record, error) {
	l := m.keyLock(entityID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if rec.State != StateAnalyzing || rec.AttemptCount != attemptNumber {
		return nil, ErrStaleAttempt
	}

	rec.History = append(rec.History, outcome.Results...)

	switch outcome.Kind {
	case patterns.OutcomeMatched:
		rec.State = StateMatched
	case patterns.OutcomeMist:
		rec.State = StateMistResolved
		rec.History = append(rec.History, outcome.Best)
	default:
		if attemptNumber <= m.config.BaseRetries {
			rec.State = StateRetryScheduled
			rec.RetryDeadline = m.now().Add(m.config.CooldownWindow).UnixMilli()
		} else {
			rec.State = StateTerminalFailed
			rec.FailureReason = reason
		}
	}

	if err := m.put(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.Info("attempt completed",
		"entity_id", entityID,
		"attempt", attemptNumber,
		"outcome", outcome.Kind.String(),
		"state", string(rec.State))
	return rec.Clone(), nil
}

// RequestEarlyRetry grants an explicit early retry.
//
// Description:
//
//	Accepted only while the entity is RETRY_SCHEDULED and the explicit
//	window has not closed. The grant makes the entity immediately ready and
//	causes the next attempt to run the glimpse lookup first.
//
// Outputs:
//
//	error - ErrNotRetryScheduled, ErrRetryWindowClosed, ErrNotFound, or
//	        wrapped ErrPersistence.
func (m *Manager) RequestEarlyRetry(ctx context.Context, entityID string) error {
	l := m.keyLock(entityID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.load(ctx, entityID)
	if err != nil {
		return err
	}
	if rec.State != StateRetryScheduled {
		return ErrNotRetryScheduled
	}
	if rec.RetryDeadline != 0 && m.now().UnixMilli() >= rec.RetryDeadline {
		return ErrRetryWindowClosed
	}
	if rec.EarlyRetryGranted {
		return nil // idempotent
	}

	rec.EarlyRetryGranted = true
	if err := m.put(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("early retry granted", "entity_id", entityID, "attempt_count", rec.AttemptCount)
	return nil
}

// Record returns a clone of the current record for an entity.
func (m *Manager) Record(ctx context.Context, entityID string) (*Record, error) {
	l := m.keyLock(entityID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Ready reports whether an entity may start an attempt right now.
//
// Used by the priority router's readiness filter. Unknown entities are not
// ready.
func (m *Manager) Ready(ctx context.Context, entityID string) bool {
	rec, err := m.Record(ctx, entityID)
	if err != nil {
		return false
	}
	switch rec.State {
	case StatePending:
		return true
	case StateRetryScheduled:
		return rec.EarlyRetryGranted || m.now().UnixMilli() >= rec.RetryDeadline
	}
	return false
}

func (m *Manager) load(ctx context.Context, entityID string) (*Record, error) {
	rec, err := m.store.Get(ctx, entityID, m.config.Kind)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return rec, nil
}

func (m *Manager) put(ctx context.Context, rec *Record) error {
	if err := m.store.Put(ctx, rec); err != nil {
		// A version conflict under the key lock means an out-of-band writer;
		// it is still an infrastructure fault from the caller's view.
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

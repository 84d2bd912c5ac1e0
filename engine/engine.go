// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates entity analysis: a fixed worker pool pulls
// submitted entities from the priority router, runs the pattern matcher set
// under the retry manager's attempt grants, and publishes results through
// the broker.
//
// Each worker owns one entity end-to-end for the duration of an attempt.
// Per-entity attempts are strictly sequential; no ordering holds across
// entities.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/cognition/broker"
	"github.com/AleutianAI/cognition/patterns"
	"github.com/AleutianAI/cognition/retry"
	"github.com/AleutianAI/cognition/router"
	"github.com/AleutianAI/cognition/telemetry"
)

var (
	// ErrNotStarted is returned when work is submitted before Start.
	ErrNotStarted = errors.New("engine: not started")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("engine: stopped")
)

// EvidenceProvider is the tiered retrieval interface the engine consumes.
// A glimpse runs before a granted early retry; a revise runs on the final
// attempt. Both may return nil.
type EvidenceProvider interface {
	Glimpse(ctx context.Context, entity *patterns.Entity) *patterns.Evidence
	Revise(ctx context.Context, entity *patterns.Entity, history []patterns.Match) *patterns.Evidence
}

// Config configures the engine.
type Config struct {
	// Workers is the fixed worker pool size. Default: 4.
	Workers int

	// AttemptTimeout bounds one attempt end-to-end, retrieval included.
	// Default: 30s.
	AttemptTimeout time.Duration

	// MatcherConcurrency caps concurrent matchers per entity. Default: the
	// matcher set's own default.
	MatcherConcurrency int

	// Rank holds the match and residual thresholds. Zero values take the
	// documented defaults.
	Rank patterns.RankConfig

	// QueuePollInterval bounds how long idle workers wait before re-checking
	// cool-down expiry. Default: the router's default.
	QueuePollInterval time.Duration

	// Logger for engine events. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is the optional instrument set. Nil disables instrumentation.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		AttemptTimeout: 30 * time.Second,
		Rank:           patterns.DefaultRankConfig(),
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %v", c.AttemptTimeout)
	}
	return nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = defaults.Workers
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = defaults.AttemptTimeout
	}
	if c.Rank.MatchThreshold == 0 && c.Rank.MistThreshold == 0 {
		c.Rank = defaults.Rank
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the analysis orchestrator.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Engine struct {
	config   Config
	manager  *retry.Manager
	evidence EvidenceProvider
	broker   *broker.Broker
	queue    *router.Queue
	advisor  *router.Advisor
	set      *patterns.Set
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu sync.Mutex
	// inFlight maps entity id to analysis id for everything the engine
	// currently owns: queued, analyzing, or waiting out a cool-down.
	inFlight map[string]string

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

// New creates an engine.
//
// Inputs:
//
//	manager - Retry manager owning analysis records. Must not be nil.
//	evidence - Tiered retrieval. Must not be nil; use an escalator with a
//	           nil index to run without a retrieval backend.
//	b - Event broker. Must not be nil.
//	config - Engine configuration. Zero values take defaults.
func New(manager *retry.Manager, evidence EvidenceProvider, b *broker.Broker, config Config) (*Engine, error) {
	if manager == nil {
		return nil, errors.New("manager must not be nil")
	}
	if evidence == nil {
		return nil, errors.New("evidence provider must not be nil")
	}
	if b == nil {
		return nil, errors.New("broker must not be nil")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	queueCfg := router.DefaultQueueConfig()
	queueCfg.Ready = manager.Ready
	if config.QueuePollInterval > 0 {
		queueCfg.PollInterval = config.QueuePollInterval
	}
	queue, err := router.NewQueue(queueCfg)
	if err != nil {
		return nil, err
	}
	advisor, err := router.NewAdvisor(router.DefaultAdvisorConfig())
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:   config,
		manager:  manager,
		evidence: evidence,
		broker:   b,
		queue:    queue,
		advisor:  advisor,
		set:      patterns.NewSet(config.MatcherConcurrency),
		logger:   config.Logger.With("component", "engine"),
		metrics:  config.Metrics,
		inFlight: make(map[string]string),
	}, nil
}

// Start launches the worker pool.
func (e *Engine) Start() error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	e.logger.Info("engine started", "workers", e.config.Workers)
	return nil
}

// Stop shuts the engine down. In-progress attempts finish; queued items are
// discarded (their records stay PENDING or RETRY_SCHEDULED and are picked up
// again on the next start).
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.queue.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Submit accepts an entity for analysis.
//
// Description:
//
//	Validates the entity, registers an analysis record, and enqueues the
//	work. Resubmitting an entity the engine already owns returns the
//	original analysis id; resubmitting an entity mid-analysis or after a
//	terminal state fails with retry.ErrBusy / retry.ErrTerminal.
//
// Outputs:
//
//	string - The analysis id for correlating result events.
//	error - Validation errors, retry.ErrBusy, retry.ErrTerminal,
//	        ErrNotStarted, or infrastructure failures.
func (e *Engine) Submit(ctx context.Context, entity *patterns.Entity, priority int, pctx *patterns.Context) (string, error) {
	if !e.started.Load() || e.stopped.Load() {
		return "", ErrNotStarted
	}
	if err := patterns.ValidateEntity(entity); err != nil {
		return "", fmt.Errorf("invalid entity: %w", err)
	}

	e.mu.Lock()
	if id, ok := e.inFlight[entity.ID]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	if _, err := e.manager.Register(ctx, entity.ID); err != nil {
		return "", err
	}

	analysisID := uuid.NewString()
	item := &router.Item{
		EntityID:   entity.ID,
		AnalysisID: analysisID,
		Priority:   priority,
		Entity:     entity,
		Context:    pctx,
	}

	e.mu.Lock()
	e.inFlight[entity.ID] = analysisID
	e.mu.Unlock()

	if err := e.queue.Enqueue(item); err != nil {
		e.mu.Lock()
		delete(e.inFlight, entity.ID)
		e.mu.Unlock()
		return "", err
	}
	e.addQueueDepth(ctx, 1)

	e.publish(broker.NewEvent(broker.TypeAnalysisRequested, entity.ID, broker.AnalysisRequestedData{
		EntityID:   entity.ID,
		AnalysisID: analysisID,
		Priority:   priority,
	}))

	e.logger.Info("entity submitted",
		"entity_id", entity.ID,
		"analysis_id", analysisID,
		"priority", priority)
	return analysisID, nil
}

// RequestEarlyRetry asks the retry manager to lift the cool-down for one
// entity. The granted attempt runs the glimpse lookup before matching.
func (e *Engine) RequestEarlyRetry(ctx context.Context, entityID string) error {
	if err := e.manager.RequestEarlyRetry(ctx, entityID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.EarlyRetriesTotal.Add(ctx, 1)
	}
	return nil
}

// Record returns the current analysis record for an entity.
func (e *Engine) Record(ctx context.Context, entityID string) (*retry.Record, error) {
	return e.manager.Record(ctx, entityID)
}

// QueueLen returns the number of items waiting in the router.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// publish sends an event; the broker detaches delivery from this context,
// so result delivery is not tied to the attempt that produced it.
func (e *Engine) publish(event broker.Event) {
	ctx := context.Background()
	if err := e.broker.Publish(ctx, event); err != nil {
		e.logger.Error("publish failed", "event_type", string(event.Type), "error", err)
		if e.metrics != nil {
			e.metrics.ErrorsTotal.Add(ctx, 1)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.EventsPublishedTotal.Add(ctx, 1)
	}
}

func (e *Engine) addQueueDepth(ctx context.Context, delta int64) {
	if e.metrics != nil {
		e.metrics.QueueDepth.Add(ctx, delta)
	}
}

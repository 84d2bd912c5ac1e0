// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/cognition/broker"
	"github.com/AleutianAI/cognition/patterns"
	"github.com/AleutianAI/cognition/retry"
	"github.com/AleutianAI/cognition/router"
)

// worker pulls items off the router until the engine stops. One item is
// processed end-to-end before the next dequeue.
func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With("worker", id)
	for {
		item, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		e.addQueueDepth(ctx, -1)
		e.process(ctx, logger, item)
	}
}

// process runs one attempt for one entity.
func (e *Engine) process(ctx context.Context, logger *slog.Logger, item *router.Item) {
	att, err := e.manager.StartAttempt(ctx, item.EntityID)
	switch {
	case errors.Is(err, retry.ErrBusy), errors.Is(err, retry.ErrCoolingDown):
		// Lost the readiness race; the item goes back untouched.
		e.requeue(ctx, item)
		return
	case errors.Is(err, retry.ErrTerminal):
		e.release(item.EntityID)
		return
	case err != nil:
		logger.Error("start attempt failed", "entity_id", item.EntityID, "error", err)
		e.countError(ctx)
		e.requeue(ctx, item)
		return
	}

	tracer := otel.Tracer("cognition/engine")
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	attemptCtx, span := tracer.Start(attemptCtx, "engine.attempt")
	span.SetAttributes(
		attribute.String("entity.id", item.EntityID),
		attribute.Int("attempt.number", att.Number),
		attribute.Bool("attempt.glimpse", att.UseGlimpse),
		attribute.Bool("attempt.revise", att.IsRevise),
	)

	start := time.Now()
	outcome, reason := e.runAttempt(attemptCtx, item, att)
	duration := time.Since(start)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// A timed-out attempt consumes its attempt_count and never commits
		// a match, whatever the matchers produced after the deadline.
		outcome = patterns.Outcome{Kind: patterns.OutcomeNone}
		reason = fmt.Sprintf("attempt timed out after %v", e.config.AttemptTimeout)
	}
	span.End()
	cancel()

	// Completion must survive an expired attempt context; the stale-attempt
	// guard in the manager fences off any slower duplicate.
	completeCtx, completeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer completeCancel()

	rec, err := e.manager.CompleteAttempt(completeCtx, item.EntityID, att.Number, outcome, reason)
	if err != nil {
		if errors.Is(err, retry.ErrStaleAttempt) {
			logger.Warn("attempt superseded, result discarded",
				"entity_id", item.EntityID, "attempt", att.Number)
			e.release(item.EntityID)
			return
		}
		// The record may be stuck ANALYZING; that needs an operator, not a
		// requeue loop.
		logger.Error("complete attempt failed", "entity_id", item.EntityID, "error", err)
		e.countError(ctx)
		e.release(item.EntityID)
		return
	}

	if e.metrics != nil {
		e.metrics.AttemptsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome.Kind.String())))
		e.metrics.AttemptDuration.Record(ctx, duration.Seconds())
	}

	e.settle(ctx, logger, item, rec, outcome)
}

// runAttempt gathers evidence, runs the matcher set, and ranks the results.
// The returned reason is only consumed when the attempt goes terminal.
func (e *Engine) runAttempt(ctx context.Context, item *router.Item, att retry.Attempt) (patterns.Outcome, string) {
	entity := item.Entity

	var ev *patterns.Evidence
	switch {
	case att.IsRevise:
		ev = e.evidence.Revise(ctx, entity, att.History)
	case att.UseGlimpse:
		ev = e.evidence.Glimpse(ctx, entity)
	}

	var neighbors []*patterns.Entity
	if item.Context != nil {
		neighbors = item.Context.Neighbors
	}
	g := patterns.BuildGraph(entity, neighbors)
	codes := e.advisor.OrderCodes(entity.Type)

	results, err := e.set.Run(ctx, entity, g, ev, codes)
	if err != nil {
		return patterns.Outcome{Kind: patterns.OutcomeNone},
			fmt.Sprintf("matcher run failed: %v", err)
	}
	for _, r := range results {
		e.advisor.Observe(entity.Type, r.Code, r.Confidence)
	}

	outcome, err := patterns.Rank(results, e.config.Rank)
	if err != nil {
		return patterns.Outcome{Kind: patterns.OutcomeNone},
			fmt.Sprintf("ranking failed: %v", err)
	}
	return outcome, fmt.Sprintf("no pattern reached confidence %.2f in %d attempts",
		e.config.Rank.MatchThreshold, att.Number)
}

// settle acts on the post-attempt state: publish results, dead-letter
// terminal failures, or requeue for the next attempt.
func (e *Engine) settle(ctx context.Context, logger *slog.Logger, item *router.Item, rec *retry.Record, outcome patterns.Outcome) {
	switch rec.State {
	case retry.StateMatched, retry.StateMistResolved:
		e.release(item.EntityID)
		if e.metrics != nil {
			e.metrics.MatchesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("code", string(outcome.Best.Code))))
		}
		e.publish(broker.NewEvent(broker.TypeAnalysisCompleted, item.EntityID, broker.AnalysisCompletedData{
			EntityID:     item.EntityID,
			PatternCode:  outcome.Best.Code,
			Confidence:   outcome.Best.Confidence,
			EvidenceRefs: outcome.Best.EvidenceRefs,
			AttemptCount: rec.AttemptCount,
		}))
		logger.Info("entity resolved",
			"entity_id", item.EntityID,
			"code", string(outcome.Best.Code),
			"confidence", outcome.Best.Confidence,
			"attempts", rec.AttemptCount)

	case retry.StateRetryScheduled:
		if e.metrics != nil {
			e.metrics.RetriesScheduledTotal.Add(ctx, 1)
		}
		// Back into the queue immediately; the readiness filter holds it
		// until the cool-down elapses or an early retry is granted.
		e.requeue(ctx, item)

	case retry.StateTerminalFailed:
		e.release(item.EntityID)
		if e.metrics != nil {
			e.metrics.TerminalFailuresTotal.Add(ctx, 1)
			e.metrics.DeadLettersTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", "entity")))
		}
		// The durable dead-letter entry goes in before the event so a
		// consumer reacting to AnalysisFailed always finds it.
		dlqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.broker.DeadLetterEntity(dlqCtx, broker.DeadLetterEntry{
			EntityID:       item.EntityID,
			Reason:         rec.FailureReason,
			AttemptHistory: rec.History,
			AttemptCount:   rec.AttemptCount,
		}); err != nil {
			logger.Error("dead letter write failed", "entity_id", item.EntityID, "error", err)
			e.countError(ctx)
		}

		e.publish(broker.NewEvent(broker.TypeAnalysisFailed, item.EntityID, broker.AnalysisFailedData{
			EntityID:       item.EntityID,
			Reason:         rec.FailureReason,
			AttemptHistory: rec.History,
			AttemptCount:   rec.AttemptCount,
		}))
		logger.Warn("entity terminally failed",
			"entity_id", item.EntityID,
			"reason", rec.FailureReason,
			"attempts", rec.AttemptCount)
	}
}

// requeue puts an item back under a fresh sequence number. A closed queue
// during shutdown just drops it; the durable record carries the state.
func (e *Engine) requeue(ctx context.Context, item *router.Item) {
	next := &router.Item{
		EntityID:   item.EntityID,
		AnalysisID: item.AnalysisID,
		Priority:   item.Priority,
		Entity:     item.Entity,
		Context:    item.Context,
	}
	if err := e.queue.Enqueue(next); err != nil {
		e.release(item.EntityID)
		return
	}
	e.addQueueDepth(ctx, 1)
}

func (e *Engine) release(entityID string) {
	e.mu.Lock()
	delete(e.inFlight, entityID)
	e.mu.Unlock()
}

func (e *Engine) countError(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.ErrorsTotal.Add(ctx, 1)
	}
}

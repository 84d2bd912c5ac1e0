// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the analysis engine.
//
// Description:
//
//	Counters and histograms for attempts, pattern matches, retries,
//	retrieval, queueing, and broker delivery. All metrics use the
//	"cognition_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Attempt Metrics ---

	// AttemptsTotal counts analysis attempts by outcome.
	AttemptsTotal metric.Int64Counter

	// AttemptDuration records per-attempt duration in seconds.
	AttemptDuration metric.Float64Histogram

	// --- Classification Metrics ---

	// MatchesTotal counts resolved classifications by pattern code,
	// the residual code included.
	MatchesTotal metric.Int64Counter

	// RetriesScheduledTotal counts attempts that entered the cool-down.
	RetriesScheduledTotal metric.Int64Counter

	// EarlyRetriesTotal counts granted explicit early retries.
	EarlyRetriesTotal metric.Int64Counter

	// TerminalFailuresTotal counts entities that exhausted all attempts.
	TerminalFailuresTotal metric.Int64Counter

	// --- Router Metrics ---

	// QueueDepth tracks items currently owned by the router.
	QueueDepth metric.Int64UpDownCounter

	// --- Retrieval Metrics ---

	// RetrievalRequestsTotal counts evidence lookups by tier and status.
	RetrievalRequestsTotal metric.Int64Counter

	// RetrievalDuration records evidence lookup duration in seconds.
	RetrievalDuration metric.Float64Histogram

	// --- Broker Metrics ---

	// EventsPublishedTotal counts published events by type.
	EventsPublishedTotal metric.Int64Counter

	// DeadLettersTotal counts dead-letter writes by kind (entity, message).
	DeadLettersTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered.
//
// Inputs:
//
//	meter - The OTel meter to register against.
//
// Outputs:
//
//	*Metrics - The initialized instrument set.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AttemptsTotal, err = meter.Int64Counter(
		"cognition_attempts_total",
		metric.WithDescription("Total analysis attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts_total: %w", err)
	}

	m.AttemptDuration, err = meter.Float64Histogram(
		"cognition_attempt_duration_seconds",
		metric.WithDescription("Analysis attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempt_duration: %w", err)
	}

	m.MatchesTotal, err = meter.Int64Counter(
		"cognition_matches_total",
		metric.WithDescription("Total resolved classifications"),
		metric.WithUnit("{match}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create matches_total: %w", err)
	}

	m.RetriesScheduledTotal, err = meter.Int64Counter(
		"cognition_retries_scheduled_total",
		metric.WithDescription("Total attempts that scheduled a retry"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries_scheduled_total: %w", err)
	}

	m.EarlyRetriesTotal, err = meter.Int64Counter(
		"cognition_early_retries_total",
		metric.WithDescription("Total granted early retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create early_retries_total: %w", err)
	}

	m.TerminalFailuresTotal, err = meter.Int64Counter(
		"cognition_terminal_failures_total",
		metric.WithDescription("Total entities that exhausted all attempts"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create terminal_failures_total: %w", err)
	}

	m.QueueDepth, err = meter.Int64UpDownCounter(
		"cognition_queue_depth",
		metric.WithDescription("Items currently queued in the router"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}

	m.RetrievalRequestsTotal, err = meter.Int64Counter(
		"cognition_retrieval_requests_total",
		metric.WithDescription("Total evidence retrieval lookups"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrieval_requests_total: %w", err)
	}

	m.RetrievalDuration, err = meter.Float64Histogram(
		"cognition_retrieval_duration_seconds",
		metric.WithDescription("Evidence retrieval duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrieval_duration: %w", err)
	}

	m.EventsPublishedTotal, err = meter.Int64Counter(
		"cognition_events_published_total",
		metric.WithDescription("Total events published to the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_published_total: %w", err)
	}

	m.DeadLettersTotal, err = meter.Int64Counter(
		"cognition_dead_letters_total",
		metric.WithDescription("Total dead-letter writes"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead_letters_total: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"cognition_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

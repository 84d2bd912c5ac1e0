// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/cognition/patterns"
	"github.com/AleutianAI/cognition/telemetry"
)

// EscalatorConfig holds the two-tier retrieval parameters.
type EscalatorConfig struct {
	// GlimpseTopK caps the cheap pass. One hit is enough to nudge a matcher.
	GlimpseTopK int

	// GlimpseFloor is the relaxed similarity floor for the cheap pass.
	GlimpseFloor float64

	// ReviseTopK caps the deep pass used on the final attempt.
	ReviseTopK int

	// ReviseFloor is the permissive similarity floor for the deep pass.
	ReviseFloor float64

	// Logger for degradation events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is the optional instrument set; lookups record a count per
	// tier and status plus a latency histogram. Nil disables recording.
	Metrics *telemetry.Metrics
}

// DefaultEscalatorConfig returns the standard tier parameters.
func DefaultEscalatorConfig() EscalatorConfig {
	return EscalatorConfig{
		GlimpseTopK:  1,
		GlimpseFloor: 0.50,
		ReviseTopK:   3,
		ReviseFloor:  0.30,
	}
}

// Validate checks the configuration for correctness.
func (c *EscalatorConfig) Validate() error {
	if c.GlimpseTopK <= 0 {
		return fmt.Errorf("glimpse top_k must be positive, got %d", c.GlimpseTopK)
	}
	if c.ReviseTopK <= 0 {
		return fmt.Errorf("revise top_k must be positive, got %d", c.ReviseTopK)
	}
	if c.GlimpseFloor < 0 || c.GlimpseFloor > 1 {
		return fmt.Errorf("glimpse floor must be in [0,1], got %f", c.GlimpseFloor)
	}
	if c.ReviseFloor < 0 || c.ReviseFloor > 1 {
		return fmt.Errorf("revise floor must be in [0,1], got %f", c.ReviseFloor)
	}
	return nil
}

func (c *EscalatorConfig) applyDefaults() {
	def := DefaultEscalatorConfig()
	if c.GlimpseTopK == 0 {
		c.GlimpseTopK = def.GlimpseTopK
	}
	if c.GlimpseFloor == 0 {
		c.GlimpseFloor = def.GlimpseFloor
	}
	if c.ReviseTopK == 0 {
		c.ReviseTopK = def.ReviseTopK
	}
	if c.ReviseFloor == 0 {
		c.ReviseFloor = def.ReviseFloor
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Escalator runs the tiered evidence lookups around retry attempts.
//
// Description:
//
//	Glimpse is the cheap pass granted to early retries: a single hit at a
//	relaxed floor. Revise is the deep pass reserved for the final attempt:
//	more hits at a permissive floor, plus a reframing hint derived from the
//	attempt history. Both passes are advisory; when the index is absent or
//	a query fails, the escalator logs and returns no evidence rather than
//	failing the attempt.
//
// Thread Safety: Safe for concurrent use.
type Escalator struct {
	index   Index
	config  EscalatorConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewEscalator creates an escalator. A nil index is legal and makes every
// pass degrade to no evidence, which keeps the engine runnable without a
// retrieval backend.
func NewEscalator(index Index, config EscalatorConfig) (*Escalator, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid escalator config: %w", err)
	}
	return &Escalator{
		index:   index,
		config:  config,
		logger:  config.Logger.With("component", "escalator"),
		metrics: config.Metrics,
	}, nil
}

// Glimpse runs the cheap retrieval pass for an early retry.
//
// Outputs:
//
//	*patterns.Evidence - At most one ref/snippet pair, or nil when the
//	index yields nothing or is unavailable.
func (e *Escalator) Glimpse(ctx context.Context, entity *patterns.Entity) *patterns.Evidence {
	hits := e.search(ctx, entity, "glimpse", e.config.GlimpseTopK, e.config.GlimpseFloor)
	if len(hits) == 0 {
		return nil
	}
	ev := &patterns.Evidence{}
	attachHits(ev, hits)
	return ev
}

// Revise runs the deep retrieval pass for the final attempt.
//
// Description:
//
//	Besides the wider search, Revise inspects the attempt history for the
//	matchers that came closest to the match threshold and emphasizes the
//	attributes those matchers read, so the last run re-weighs the signals
//	that almost cleared. The reframing hint is produced even when the
//	index is unavailable; only the refs degrade.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	entity - The entity under analysis.
//	history - All matches from prior attempts, any order.
func (e *Escalator) Revise(ctx context.Context, entity *patterns.Entity, history []patterns.Match) *patterns.Evidence {
	ev := &patterns.Evidence{}

	closest := closestCodes(history, 2)
	for _, code := range closest {
		ev.Emphasis = append(ev.Emphasis, emphasisFor(code)...)
	}
	if len(closest) > 0 {
		names := make([]string, len(closest))
		for i, c := range closest {
			names[i] = string(c)
		}
		ev.AltContext = fmt.Sprintf("reconsider %s as %s structure", entity.Type, strings.Join(names, " or "))
	}

	hits := e.search(ctx, entity, "revise", e.config.ReviseTopK, e.config.ReviseFloor)
	attachHits(ev, hits)

	if len(ev.Refs) == 0 && len(ev.Emphasis) == 0 && ev.AltContext == "" {
		return nil
	}
	return ev
}

func (e *Escalator) search(ctx context.Context, entity *patterns.Entity, tier string, topK int, floor float64) []Hit {
	if e.index == nil {
		return nil
	}
	start := time.Now()
	hits, err := e.index.Search(ctx, buildQuery(entity), topK, floor)
	e.observeSearch(ctx, tier, time.Since(start), err)
	if err != nil {
		e.logger.WarnContext(ctx, "retrieval degraded to no evidence",
			"tier", tier,
			"entity_id", entity.ID,
			"error", err)
		return nil
	}
	return hits
}

func (e *Escalator) observeSearch(ctx context.Context, tier string, d time.Duration, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RetrievalRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status)))
	e.metrics.RetrievalDuration.Record(ctx, d.Seconds())
}

func attachHits(ev *patterns.Evidence, hits []Hit) {
	for _, h := range hits {
		ev.Refs = append(ev.Refs, h.Ref())
		ev.Snippets = append(ev.Snippets, h.Text)
	}
}

// buildQuery flattens the entity into query text: type first, then
// attributes in key order so the query is deterministic.
func buildQuery(entity *patterns.Entity) string {
	var sb strings.Builder
	sb.WriteString(entity.Type)

	keys := make([]string, 0, len(entity.Attributes))
	for k := range entity.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(" ")
		sb.WriteString(entity.Attributes[k])
	}
	return sb.String()
}

// closestCodes returns up to n distinct codes from history, best confidence
// first, skipping the residual code and zero-confidence failures.
func closestCodes(history []patterns.Match, n int) []patterns.Code {
	best := make(map[patterns.Code]float64)
	for _, m := range history {
		if m.Code == patterns.CodeMist || m.Confidence <= 0 {
			continue
		}
		if m.Confidence > best[m.Code] {
			best[m.Code] = m.Confidence
		}
	}

	codes := make([]patterns.Code, 0, len(best))
	for c := range best {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		if best[codes[i]] != best[codes[j]] {
			return best[codes[i]] > best[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	return codes
}

// emphasisFor maps a near-miss code to the attribute keys its matcher reads.
func emphasisFor(code patterns.Code) []string {
	switch code {
	case patterns.CodeRhythm:
		return []string{"period"}
	case patterns.CodeDeviation:
		return []string{"baseline", "observed", "anomaly"}
	case patterns.CodeSpatial:
		return []string{"position", "location", "region"}
	case patterns.CodeTemporal:
		return []string{"timestamp", "sequence", "duration"}
	default:
		return nil
	}
}

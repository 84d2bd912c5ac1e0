// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// MatcherFunc tests one entity against one pattern signature.
//
// Matchers are pure: no I/O, no shared mutable state. Evidence is advisory
// and may be nil. A matcher must always return a Match, using confidence 0
// for "no signal".
type MatcherFunc func(e *Entity, g *Graph, ev *Evidence) Match

// matcherTable is the closed dispatch table for the eight direct matchers.
// The combination matcher is dispatched separately because it consumes the
// other matchers' results. The taxonomy is fixed; this is intentionally not
// an open registry.
var matcherTable = map[Code]MatcherFunc{
	CodeFlow:        matchFlow,
	CodeSpatial:     matchSpatial,
	CodeRhythm:      matchRhythm,
	CodeDeviation:   matchDeviation,
	CodeCauseEffect: matchCauseEffect,
	CodeTemporal:    matchTemporal,
	CodeHierarchy:   matchHierarchy,
	CodeContrast:    matchContrast,
}

// Set runs the matcher taxonomy against entities.
//
// Thread Safety: Safe for concurrent use; Set holds no per-entity state.
type Set struct {
	// maxConcurrent bounds the matcher goroutines per entity.
	maxConcurrent int
}

// NewSet creates a matcher set.
//
// Inputs:
//
//	maxConcurrent - Matcher goroutines per entity. Values < 1 mean no limit.
func NewSet(maxConcurrent int) *Set {
	return &Set{maxConcurrent: maxConcurrent}
}

// Run executes the requested matchers against one entity and joins results.
//
// Description:
//
//	Builds nothing itself; the caller supplies the pre-built graph. Direct
//	matchers run concurrently. A panicking matcher is converted into a
//	zero-confidence result with an error rationale so one bad matcher never
//	aborts the batch. The combination matcher runs after the join because it
//	reads the other results.
//
// Inputs:
//
//	ctx - Context for cancellation. A cancelled context stops scheduling
//	      further matchers; already-running matchers finish (they are fast
//	      and CPU-bound).
//	entity - The entity under analysis. Must not be nil.
//	g - The pre-built relationship graph. Must not be nil.
//	ev - Advisory evidence for this attempt. May be nil.
//	codes - Which codes to attempt, in heuristic order. Empty means the full
//	        taxonomy. CodeCombination is honored only if at least two direct
//	        matchers also run.
//
// Outputs:
//
//	[]Match - One result per attempted code, combination last when attempted.
//	error - Non-nil only when the context was cancelled before any matcher ran.
func (s *Set) Run(ctx context.Context, entity *Entity, g *Graph, ev *Evidence, codes []Code) ([]Match, error) {
	if len(codes) == 0 {
		codes = Taxonomy
	}

	direct := make([]Code, 0, len(codes))
	wantCombination := false
	for _, c := range codes {
		if c == CodeCombination {
			wantCombination = true
			continue
		}
		if _, ok := matcherTable[c]; ok {
			direct = append(direct, c)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Match, len(direct))
	eg, _ := errgroup.WithContext(ctx)
	if s.maxConcurrent > 0 {
		eg.SetLimit(s.maxConcurrent)
	}
	for i, code := range direct {
		eg.Go(func() error {
			results[i] = runOne(matcherTable[code], code, entity, g, ev)
			return nil
		})
	}
	// Matchers never return errors; errgroup is used for the join + limit.
	_ = eg.Wait()

	if wantCombination && len(direct) >= 2 {
		results = append(results, matchCombination(entity, results, ev))
	}
	return results, nil
}

// runOne invokes a matcher with panic recovery.
func runOne(fn MatcherFunc, code Code, e *Entity, g *Graph, ev *Evidence) (m Match) {
	defer func() {
		if r := recover(); r != nil {
			m = failedMatch(code, fmt.Sprintf("panic: %v", r))
		}
	}()
	m = fn(e, g, ev)
	m.Code = code
	if m.MatchedAt == 0 {
		m.MatchedAt = time.Now().UnixMilli()
	}
	return m
}

// -----------------------------------------------------------------------------
// Direct matchers
// -----------------------------------------------------------------------------

var (
	flowKinds       = []string{"flows_to", "feeds", "streams_to", "moves_to"}
	spatialKinds    = []string{"near", "adjacent_to", "contains", "inside", "above", "below"}
	causeKinds      = []string{"causes", "triggers", "results_in"}
	temporalKinds   = []string{"precedes", "follows", "overlaps"}
	hierarchyKinds  = []string{"parent_of", "child_of", "part_of", "member_of"}
	contrastKinds   = []string{"opposes", "contrasts_with", "inverts"}
	spatialAttrs    = []string{"position", "location", "region"}
	temporalAttrs   = []string{"timestamp", "sequence", "duration"}
	periodicityAttr = "period"
)

func matchFlow(e *Entity, g *Graph, ev *Evidence) Match {
	strength, ok := g.MaxStrength(flowKinds...)
	if !ok {
		return noSignal(CodeFlow, "no flow-kind relationships")
	}
	conf := strength
	depth := g.ChainDepth(flowKinds, 4)
	if depth >= 2 {
		// A multi-hop flow chain is stronger evidence than a single edge.
		conf = clamp(conf + 0.1*float64(depth-1))
	}
	return signal(CodeFlow, conf, ev,
		fmt.Sprintf("flow edges with max strength %.2f, chain depth %d", strength, depth))
}

func matchSpatial(e *Entity, g *Graph, ev *Evidence) Match {
	conf := 0.0
	rationale := ""
	if strength, ok := g.MaxStrength(spatialKinds...); ok {
		conf = strength
		rationale = fmt.Sprintf("spatial edges with max strength %.2f", strength)
	}
	for _, a := range spatialAttrs {
		if _, ok := e.Attributes[a]; ok {
			attrConf := 0.6
			if ev.Emphasizes(a) {
				attrConf = 0.7
			}
			if attrConf > conf {
				conf = attrConf
				rationale = "spatial attribute " + a
			}
		}
	}
	if conf == 0 {
		return noSignal(CodeSpatial, "no spatial structure")
	}
	return signal(CodeSpatial, conf, ev, rationale)
}

func matchRhythm(e *Entity, g *Graph, ev *Evidence) Match {
	if v, ok := attrFloat(e, periodicityAttr); ok && v > 0 {
		conf := 0.7
		if e.Attributes["regular"] == "true" {
			conf = 0.8
		}
		if ev.Emphasizes(periodicityAttr) {
			conf = clamp(conf + 0.05)
		}
		return signal(CodeRhythm, conf, ev,
			fmt.Sprintf("periodic attribute %s=%.2f", periodicityAttr, v))
	}
	// Repetition of one relationship kind is a weaker rhythm signal.
	counts := make(map[string]int)
	for _, r := range e.Relationships {
		counts[r.Kind]++
	}
	for kind, n := range counts {
		if n >= 3 {
			return signal(CodeRhythm, 0.6, ev,
				fmt.Sprintf("repeated relationship kind %q x%d", kind, n))
		}
	}
	return noSignal(CodeRhythm, "no periodic structure")
}

func matchDeviation(e *Entity, g *Graph, ev *Evidence) Match {
	base, okB := attrFloat(e, "baseline")
	obs, okO := attrFloat(e, "observed")
	if okB && okO {
		denom := base
		if denom < 0 {
			denom = -denom
		}
		if denom < 1 {
			denom = 1
		}
		delta := obs - base
		if delta < 0 {
			delta = -delta
		}
		conf := clamp(delta / denom)
		if conf == 0 {
			return noSignal(CodeDeviation, "observed equals baseline")
		}
		return signal(CodeDeviation, conf, ev,
			fmt.Sprintf("observed %.2f departs from baseline %.2f", obs, base))
	}
	if e.Attributes["anomaly"] == "true" {
		return signal(CodeDeviation, 0.8, ev, "anomaly flag set upstream")
	}
	return noSignal(CodeDeviation, "no baseline to deviate from")
}

func matchCauseEffect(e *Entity, g *Graph, ev *Evidence) Match {
	strength, ok := g.MaxStrength(causeKinds...)
	incoming := g.Incoming(g.Root(), causeKinds...)
	if !ok && len(incoming) == 0 {
		return noSignal(CodeCauseEffect, "no causal relationships")
	}
	conf := strength
	for _, in := range incoming {
		if in.Strength > conf {
			conf = in.Strength
		}
	}
	if ok && len(incoming) > 0 {
		// The entity sits inside a causal chain, not merely at an end.
		conf = clamp(conf + 0.1)
	}
	return signal(CodeCauseEffect, conf, ev,
		fmt.Sprintf("causal edges out=%d in=%d", len(g.Outgoing(g.Root(), causeKinds...)), len(incoming)))
}

func matchTemporal(e *Entity, g *Graph, ev *Evidence) Match {
	if strength, ok := g.MaxStrength(temporalKinds...); ok {
		return signal(CodeTemporal, clamp(0.5+strength/2), ev,
			fmt.Sprintf("temporal ordering edges, max strength %.2f", strength))
	}
	for _, a := range temporalAttrs {
		if _, ok := e.Attributes[a]; ok {
			conf := 0.6
			if ev.Emphasizes(a) {
				conf = 0.7
			}
			return signal(CodeTemporal, conf, ev, "temporal attribute "+a)
		}
	}
	return noSignal(CodeTemporal, "no temporal structure")
}

func matchHierarchy(e *Entity, g *Graph, ev *Evidence) Match {
	depth := g.ChainDepth(hierarchyKinds, 5)
	incoming := g.Incoming(g.Root(), hierarchyKinds...)
	if depth == 0 && len(incoming) == 0 {
		return noSignal(CodeHierarchy, "no nesting relationships")
	}
	levels := depth
	if len(incoming) > 0 {
		levels++
	}
	conf := clamp(0.4 + 0.15*float64(levels))
	return signal(CodeHierarchy, conf, ev,
		fmt.Sprintf("nesting depth %d (incoming %d)", depth, len(incoming)))
}

func matchContrast(e *Entity, g *Graph, ev *Evidence) Match {
	if strength, ok := g.MaxStrength(contrastKinds...); ok {
		return signal(CodeContrast, strength, ev,
			fmt.Sprintf("opposition edges, max strength %.2f", strength))
	}
	if pol, ok := e.Attributes["polarity"]; ok {
		for _, edge := range g.Outgoing(g.Root()) {
			if n := g.Entity(edge.To); n != nil {
				if np, ok := n.Attributes["polarity"]; ok && np != pol {
					return signal(CodeContrast, 0.65, ev,
						fmt.Sprintf("polarity %q opposes neighbor %q", pol, np))
				}
			}
		}
	}
	return noSignal(CodeContrast, "no opposition structure")
}

// matchCombination fires when two or more direct matchers report non-trivial
// signals. It runs after the join; see Set.Run.
func matchCombination(e *Entity, direct []Match, ev *Evidence) Match {
	const nonTrivial = 0.4

	strong := make([]Match, 0, len(direct))
	for _, m := range direct {
		if m.Err == "" && m.Confidence >= nonTrivial {
			strong = append(strong, m)
		}
	}
	if len(strong) < 2 {
		return noSignal(CodeCombination, "fewer than two co-occurring signals")
	}
	sort.Slice(strong, func(i, j int) bool { return strong[i].Confidence > strong[j].Confidence })

	conf := clamp(0.1 + (strong[0].Confidence+strong[1].Confidence)/2)
	if conf > 0.95 {
		conf = 0.95
	}
	return signal(CodeCombination, conf, ev,
		fmt.Sprintf("co-occurring %s (%.2f) and %s (%.2f)",
			strong[0].Code, strong[0].Confidence, strong[1].Code, strong[1].Confidence))
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func signal(code Code, conf float64, ev *Evidence, rationale string) Match {
	m := Match{
		Code:       code,
		Confidence: clamp(conf),
		Rationale:  rationale,
		MatchedAt:  time.Now().UnixMilli(),
	}
	if ev.HasRefs() {
		m.EvidenceRefs = append(m.EvidenceRefs, ev.Refs...)
		m.Confidence = clamp(m.Confidence + 0.05)
	}
	return m
}

func noSignal(code Code, rationale string) Match {
	return Match{
		Code:      code,
		Rationale: rationale,
		MatchedAt: time.Now().UnixMilli(),
	}
}

func attrFloat(e *Entity, key string) (float64, bool) {
	raw, ok := e.Attributes[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

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

import "errors"

// ErrNoMatchersRan is returned when ranking receives zero results. This is a
// data-validation failure, not a MIST outcome: with no scores there is no
// complement to derive MIST from.
var ErrNoMatchersRan = errors.New("no matchers ran for entity")

// OutcomeKind classifies one ranking result.
type OutcomeKind int

const (
	// OutcomeNone means no code cleared its threshold; the attempt failed.
	OutcomeNone OutcomeKind = iota
	// OutcomeMatched means a known pattern code cleared the match threshold.
	OutcomeMatched
	// OutcomeMist means the residual unknowable code was assigned.
	OutcomeMist
)

// String returns the string representation of OutcomeKind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMatched:
		return "matched"
	case OutcomeMist:
		return "mist"
	default:
		return "none"
	}
}

// Outcome is the ranked verdict over all matcher results for one attempt.
type Outcome struct {
	// Kind says whether the entity matched, resolved to MIST, or failed.
	Kind OutcomeKind

	// Best is the winning match for OutcomeMatched, or the synthesized MIST
	// match for OutcomeMist. Zero value for OutcomeNone.
	Best Match

	// MistConfidence is 1.0 - max(matcher confidences), always computed.
	MistConfidence float64

	// Results holds every matcher result, for history accumulation.
	Results []Match
}

// RankConfig carries the two confidence thresholds.
type RankConfig struct {
	// MatchThreshold is the floor a known pattern must clear.
	MatchThreshold float64

	// MistThreshold is the (lower) floor the derived MIST confidence must
	// clear before the residual code is assigned.
	MistThreshold float64
}

// DefaultRankConfig returns the documented default thresholds.
func DefaultRankConfig() RankConfig {
	return RankConfig{
		MatchThreshold: 0.65,
		MistThreshold:  0.55,
	}
}

// Rank orders matcher results and derives the attempt outcome.
//
// Description:
//
//	The highest confidence wins; ties break by the fixed Taxonomy order. If
//	the best confidence is below MatchThreshold, the residual MIST code is
//	considered: mist confidence is the complement of the best matcher
//	confidence, a pure O(1) derivation, and is assigned only when it clears
//	MistThreshold. Otherwise the attempt is a failure and the retry state
//	machine decides what happens next.
//
// Inputs:
//
//	results - All matcher results for the attempt. Must be non-empty.
//	cfg - Threshold configuration.
//
// Outputs:
//
//	Outcome - The ranked verdict. MistConfidence is always populated.
//	error - ErrNoMatchersRan when results is empty.
func Rank(results []Match, cfg RankConfig) (Outcome, error) {
	if len(results) == 0 {
		return Outcome{}, ErrNoMatchersRan
	}

	best := results[0]
	for _, m := range results[1:] {
		if m.Confidence > best.Confidence {
			best = m
			continue
		}
		if m.Confidence == best.Confidence && tiePriority[m.Code] < tiePriority[best.Code] {
			best = m
		}
	}

	out := Outcome{
		MistConfidence: 1.0 - best.Confidence,
		Results:        results,
	}

	if best.Confidence >= cfg.MatchThreshold {
		out.Kind = OutcomeMatched
		out.Best = best
		return out, nil
	}

	if out.MistConfidence > cfg.MistThreshold {
		out.Kind = OutcomeMist
		out.Best = Match{
			Code:       CodeMist,
			Confidence: out.MistConfidence,
			Rationale:  "no known pattern cleared threshold; residual assigned",
			MatchedAt:  best.MatchedAt,
		}
		return out, nil
	}

	out.Kind = OutcomeNone
	return out, nil
}

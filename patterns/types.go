// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns implements the cognitive pattern taxonomy and the matcher
// set that classifies entities against it.
//
// The taxonomy is closed: nine fixed pattern codes plus the residual
// "mist" (unknowable) code. Matchers are pure functions of an entity, its
// relationship graph, and optional retrieval evidence, so a single entity's
// matchers can run concurrently.
//
// Thread Safety:
//
//	All types in this package are immutable after creation unless noted.
package patterns

import (
	"time"
)

// Code identifies one cognitive pattern in the closed taxonomy.
type Code string

const (
	// CodeFlow matches motion and transfer structures (A flows into B).
	CodeFlow Code = "flow"

	// CodeSpatial matches spatial arrangement and containment.
	CodeSpatial Code = "spatial"

	// CodeRhythm matches periodic or repeating structure.
	CodeRhythm Code = "rhythm"

	// CodeDeviation matches departures from an established baseline.
	CodeDeviation Code = "deviation"

	// CodeCauseEffect matches causal chains between entities.
	CodeCauseEffect Code = "cause_effect"

	// CodeTemporal matches ordering and duration structure.
	CodeTemporal Code = "temporal"

	// CodeHierarchy matches parent/child and part/whole nesting.
	CodeHierarchy Code = "hierarchy"

	// CodeContrast matches opposition and polarity structure.
	CodeContrast Code = "contrast"

	// CodeCombination matches co-occurrence of two or more other signals.
	CodeCombination Code = "combination"

	// CodeMist is the residual "unknowable" code. It is never produced by a
	// matcher; it is derived from the complement of the best matcher score.
	CodeMist Code = "mist"
)

// Taxonomy lists the nine matcher codes in tie-break priority order.
//
// When two matches carry equal confidence, the code that appears earlier in
// this slice wins. The order is fixed; changing it changes classification
// results for tied entities.
var Taxonomy = []Code{
	CodeFlow,
	CodeSpatial,
	CodeRhythm,
	CodeDeviation,
	CodeCauseEffect,
	CodeTemporal,
	CodeHierarchy,
	CodeContrast,
	CodeCombination,
}

// tiePriority maps each code to its rank in Taxonomy (lower wins ties).
var tiePriority = func() map[Code]int {
	m := make(map[Code]int, len(Taxonomy))
	for i, c := range Taxonomy {
		m[c] = i
	}
	return m
}()

// Valid reports whether c is one of the nine matcher codes or CodeMist.
func (c Code) Valid() bool {
	if c == CodeMist {
		return true
	}
	_, ok := tiePriority[c]
	return ok
}

// Relationship is a directed, weighted edge from one entity to another.
type Relationship struct {
	// TargetID is the entity on the receiving end of the edge.
	TargetID string `json:"target_id" validate:"required"`

	// Kind is the directed relationship kind (e.g., "flows_to", "causes").
	Kind string `json:"kind" validate:"required"`

	// Strength is the edge weight in [0,1].
	Strength float64 `json:"strength" validate:"gte=0,lte=1"`
}

// Entity is the unit of analysis.
//
// Entities are created by the upstream extraction stage and are immutable
// once submitted; a mutation requires a new entity version upstream.
type Entity struct {
	// ID is the stable identifier for this entity version.
	ID string `json:"id" validate:"required"`

	// Type tags the entity (e.g., "process", "measurement").
	Type string `json:"type" validate:"required"`

	// Attributes is the free-form attribute map.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Relationships are the known outgoing edges to other entities.
	Relationships []Relationship `json:"relationships,omitempty" validate:"dive"`
}

// Context carries the surrounding material submitted with an entity.
type Context struct {
	// Neighbors are related entities known to the extraction stage. They are
	// folded into the relationship graph before neighbor-aware matchers run.
	Neighbors []*Entity `json:"neighbors,omitempty"`

	// Text is optional free text from the source document.
	Text string `json:"text,omitempty"`
}

// Evidence is advisory retrieval material attached to one matcher run.
//
// Evidence never blocks a matcher: a nil or empty Evidence is always legal
// and matchers must produce a confidence either way.
type Evidence struct {
	// Refs are retrieval index ids recorded into resulting matches.
	Refs []string `json:"refs,omitempty"`

	// Snippets are the retrieved chunk texts, parallel to Refs.
	Snippets []string `json:"snippets,omitempty"`

	// Emphasis lists attribute keys the next run should weight more heavily.
	// Produced by the revise reframing step.
	Emphasis []string `json:"emphasis,omitempty"`

	// AltContext is a suggested alternate framing for the final attempt.
	AltContext string `json:"alt_context,omitempty"`
}

// HasRefs reports whether any retrieval evidence is attached.
func (e *Evidence) HasRefs() bool {
	return e != nil && len(e.Refs) > 0
}

// Emphasizes reports whether the reframing hint names the given attribute.
func (e *Evidence) Emphasizes(attr string) bool {
	if e == nil {
		return false
	}
	for _, a := range e.Emphasis {
		if a == attr {
			return true
		}
	}
	return false
}

// Match is the result of one matcher against one entity.
//
// A confidence is always produced, 0.0 included, so downstream ranking can
// order every matcher's opinion.
type Match struct {
	// Code is the pattern this match speaks for.
	Code Code `json:"code"`

	// Confidence is the match strength in [0,1].
	Confidence float64 `json:"confidence"`

	// EvidenceRefs are retrieval index ids supporting this match.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// Rationale is a free-text explanation of the score.
	Rationale string `json:"rationale,omitempty"`

	// Err records a matcher failure. A failed matcher still yields a Match
	// with Confidence 0 so the batch is never aborted by one bad matcher.
	Err string `json:"error,omitempty"`

	// MatchedAt is when the matcher ran (Unix milliseconds UTC).
	MatchedAt int64 `json:"matched_at"`
}

// failedMatch builds the zero-confidence result for a matcher error.
func failedMatch(code Code, reason string) Match {
	return Match{
		Code:       code,
		Confidence: 0,
		Rationale:  "matcher failed: " + reason,
		Err:        reason,
		MatchedAt:  time.Now().UnixMilli(),
	}
}

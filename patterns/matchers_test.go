// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flowEntity() *Entity {
	return &Entity{
		ID:   "e1",
		Type: "process",
		Relationships: []Relationship{
			{TargetID: "e2", Kind: "flows_to", Strength: 0.8},
		},
	}
}

func TestMatchFlow(t *testing.T) {
	tests := []struct {
		name      string
		entity    *Entity
		neighbors []*Entity
		wantMin   float64
		wantMax   float64
	}{
		{
			name:    "single flow edge",
			entity:  flowEntity(),
			wantMin: 0.8,
			wantMax: 0.8,
		},
		{
			name:   "multi-hop chain boosts confidence",
			entity: flowEntity(),
			neighbors: []*Entity{
				{ID: "e2", Type: "process", Relationships: []Relationship{
					{TargetID: "e3", Kind: "flows_to", Strength: 0.7},
				}},
			},
			wantMin: 0.85,
			wantMax: 1.0,
		},
		{
			name:    "no flow edges",
			entity:  &Entity{ID: "e1", Type: "thing"},
			wantMin: 0,
			wantMax: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := BuildGraph(tt.entity, tt.neighbors)
			m := matchFlow(tt.entity, g, nil)
			assert.GreaterOrEqual(t, m.Confidence, tt.wantMin)
			assert.LessOrEqual(t, m.Confidence, tt.wantMax)
		})
	}
}

func TestMatchDeviation(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  float64
	}{
		{
			name:  "large departure from baseline",
			attrs: map[string]string{"baseline": "10", "observed": "20"},
			want:  1.0,
		},
		{
			name:  "observed equals baseline",
			attrs: map[string]string{"baseline": "10", "observed": "10"},
			want:  0,
		},
		{
			name:  "anomaly flag",
			attrs: map[string]string{"anomaly": "true"},
			want:  0.8,
		},
		{
			name:  "no baseline",
			attrs: nil,
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entity{ID: "e1", Type: "measurement", Attributes: tt.attrs}
			m := matchDeviation(e, BuildGraph(e, nil), nil)
			assert.InDelta(t, tt.want, m.Confidence, 0.001)
		})
	}
}

func TestMatchRhythm_RepeatedKind(t *testing.T) {
	e := &Entity{
		ID:   "e1",
		Type: "signal",
		Relationships: []Relationship{
			{TargetID: "a", Kind: "pulses", Strength: 0.5},
			{TargetID: "b", Kind: "pulses", Strength: 0.5},
			{TargetID: "c", Kind: "pulses", Strength: 0.5},
		},
	}
	m := matchRhythm(e, BuildGraph(e, nil), nil)
	assert.InDelta(t, 0.6, m.Confidence, 0.001)
}

func TestMatchCombination(t *testing.T) {
	direct := []Match{
		{Code: CodeFlow, Confidence: 0.7},
		{Code: CodeTemporal, Confidence: 0.5},
		{Code: CodeSpatial, Confidence: 0.1},
	}
	m := matchCombination(&Entity{ID: "e1"}, direct, nil)
	require.Greater(t, m.Confidence, 0.0)
	assert.Equal(t, CodeCombination, m.Code)
	assert.Contains(t, m.Rationale, "flow")

	weak := []Match{
		{Code: CodeFlow, Confidence: 0.7},
		{Code: CodeTemporal, Confidence: 0.2},
	}
	m = matchCombination(&Entity{ID: "e1"}, weak, nil)
	assert.Zero(t, m.Confidence)
}

func TestRunOne_RecoversPanic(t *testing.T) {
	panicky := func(e *Entity, g *Graph, ev *Evidence) Match {
		panic("matcher bug")
	}
	m := runOne(panicky, CodeFlow, &Entity{ID: "e1"}, BuildGraph(&Entity{ID: "e1"}, nil), nil)
	assert.Zero(t, m.Confidence)
	assert.Equal(t, CodeFlow, m.Code)
	assert.NotEmpty(t, m.Err)
}

func TestSetRun_AllCodes(t *testing.T) {
	e := flowEntity()
	g := BuildGraph(e, nil)
	set := NewSet(4)

	results, err := set.Run(context.Background(), e, g, nil, nil)
	require.NoError(t, err)
	// Eight direct matchers plus combination.
	require.Len(t, results, 9)

	seen := make(map[Code]bool)
	for _, m := range results {
		assert.False(t, seen[m.Code], "duplicate code %s", m.Code)
		seen[m.Code] = true
		assert.GreaterOrEqual(t, m.Confidence, 0.0)
		assert.LessOrEqual(t, m.Confidence, 1.0)
	}
}

func TestSetRun_FilteredCodes(t *testing.T) {
	e := flowEntity()
	set := NewSet(2)

	results, err := set.Run(context.Background(), e, BuildGraph(e, nil), nil,
		[]Code{CodeFlow, CodeTemporal})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestSetRun_EvidenceBoostRecordsRefs(t *testing.T) {
	e := flowEntity()
	ev := &Evidence{Refs: []string{"doc-1#3"}, Snippets: []string{"water moves downhill"}}

	results, err := NewSet(0).Run(context.Background(), e, BuildGraph(e, nil), ev, []Code{CodeFlow})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"doc-1#3"}, results[0].EvidenceRefs)
}

func TestSetRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSet(0).Run(ctx, flowEntity(), BuildGraph(flowEntity(), nil), nil, nil)
	assert.Error(t, err)
}

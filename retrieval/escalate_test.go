// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/cognition/patterns"
	"github.com/AleutianAI/cognition/telemetry"
)

// mockIndex records calls and serves canned hits or a failure.
type mockIndex struct {
	hits []Hit
	err  error

	calls []searchCall
}

type searchCall struct {
	query string
	topK  int
	floor float64
}

func (m *mockIndex) Search(_ context.Context, query string, topK int, minSimilarity float64) ([]Hit, error) {
	m.calls = append(m.calls, searchCall{query: query, topK: topK, floor: minSimilarity})
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

func testEntity() *patterns.Entity {
	return &patterns.Entity{
		ID:   "e1",
		Type: "measurement",
		Attributes: map[string]string{
			"observed": "9.5",
			"baseline": "2.0",
		},
	}
}

func TestEscalator_GlimpseReturnsSingleHit(t *testing.T) {
	idx := &mockIndex{hits: []Hit{
		{DocID: "doc1", ChunkID: "c3", Similarity: 0.81, Text: "pressure spike"},
	}}
	esc, err := NewEscalator(idx, DefaultEscalatorConfig())
	require.NoError(t, err)

	ev := esc.Glimpse(context.Background(), testEntity())
	require.NotNil(t, ev)
	assert.Equal(t, []string{"doc1#c3"}, ev.Refs)
	assert.Equal(t, []string{"pressure spike"}, ev.Snippets)
	assert.Empty(t, ev.Emphasis, "glimpse never reframes")

	require.Len(t, idx.calls, 1)
	assert.Equal(t, 1, idx.calls[0].topK)
	assert.InDelta(t, 0.50, idx.calls[0].floor, 1e-9)
}

func TestEscalator_GlimpseDegradesOnIndexFailure(t *testing.T) {
	idx := &mockIndex{err: errors.New("connection refused")}
	esc, err := NewEscalator(idx, DefaultEscalatorConfig())
	require.NoError(t, err)

	ev := esc.Glimpse(context.Background(), testEntity())
	assert.Nil(t, ev, "index failure must degrade to no evidence")
}

func TestEscalator_GlimpseWithoutIndex(t *testing.T) {
	esc, err := NewEscalator(nil, DefaultEscalatorConfig())
	require.NoError(t, err)

	ev := esc.Glimpse(context.Background(), testEntity())
	assert.Nil(t, ev)
}

func TestEscalator_ReviseEmphasizesNearMisses(t *testing.T) {
	idx := &mockIndex{hits: []Hit{
		{DocID: "doc1", ChunkID: "c1", Similarity: 0.4, Text: "a"},
		{DocID: "doc1", ChunkID: "c2", Similarity: 0.35, Text: "b"},
	}}
	esc, err := NewEscalator(idx, DefaultEscalatorConfig())
	require.NoError(t, err)

	history := []patterns.Match{
		{Code: patterns.CodeDeviation, Confidence: 0.60},
		{Code: patterns.CodeRhythm, Confidence: 0.55},
		{Code: patterns.CodeFlow, Confidence: 0.10},
		{Code: patterns.CodeContrast, Confidence: 0},
	}
	ev := esc.Revise(context.Background(), testEntity(), history)
	require.NotNil(t, ev)

	// The two closest codes contribute their attribute keys, best first.
	assert.Equal(t, []string{"baseline", "observed", "anomaly", "period"}, ev.Emphasis)
	assert.True(t, ev.Emphasizes("period"))
	assert.Contains(t, ev.AltContext, "deviation")
	assert.Contains(t, ev.AltContext, "rhythm")

	assert.Equal(t, []string{"doc1#c1", "doc1#c2"}, ev.Refs)
	require.Len(t, idx.calls, 1)
	assert.Equal(t, 3, idx.calls[0].topK)
	assert.InDelta(t, 0.30, idx.calls[0].floor, 1e-9)
}

func TestEscalator_ReviseWithoutIndexStillReframes(t *testing.T) {
	esc, err := NewEscalator(nil, DefaultEscalatorConfig())
	require.NoError(t, err)

	history := []patterns.Match{{Code: patterns.CodeTemporal, Confidence: 0.5}}
	ev := esc.Revise(context.Background(), testEntity(), history)
	require.NotNil(t, ev)
	assert.Empty(t, ev.Refs)
	assert.Equal(t, []string{"timestamp", "sequence", "duration"}, ev.Emphasis)
	assert.NotEmpty(t, ev.AltContext)
}

func TestEscalator_ReviseEmptyHistoryNoIndex(t *testing.T) {
	esc, err := NewEscalator(nil, DefaultEscalatorConfig())
	require.NoError(t, err)

	ev := esc.Revise(context.Background(), testEntity(), nil)
	assert.Nil(t, ev, "nothing to say without hits or history")
}

func TestEscalator_QueryIsDeterministic(t *testing.T) {
	idx := &mockIndex{}
	esc, err := NewEscalator(idx, DefaultEscalatorConfig())
	require.NoError(t, err)

	esc.Glimpse(context.Background(), testEntity())
	esc.Glimpse(context.Background(), testEntity())

	require.Len(t, idx.calls, 2)
	assert.Equal(t, "measurement baseline 2.0 observed 9.5", idx.calls[0].query)
	assert.Equal(t, idx.calls[0].query, idx.calls[1].query)
}

func TestClosestCodes_TakesBestPerCode(t *testing.T) {
	history := []patterns.Match{
		{Code: patterns.CodeFlow, Confidence: 0.2},
		{Code: patterns.CodeFlow, Confidence: 0.6},
		{Code: patterns.CodeSpatial, Confidence: 0.55},
		{Code: patterns.CodeMist, Confidence: 0.9},
	}
	codes := closestCodes(history, 2)
	assert.Equal(t, []patterns.Code{patterns.CodeFlow, patterns.CodeSpatial}, codes)
}

func TestEscalatorConfig_Validate(t *testing.T) {
	cfg := DefaultEscalatorConfig()
	cfg.GlimpseTopK = -1
	cfg.Logger = nil
	_, err := NewEscalator(nil, cfg)
	assert.Error(t, err)
}

func TestEscalator_RecordsRetrievalMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := telemetry.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	idx := &mockIndex{hits: []Hit{
		{DocID: "doc1", ChunkID: "c1", Similarity: 0.7, Text: "spike"},
	}}
	cfg := DefaultEscalatorConfig()
	cfg.Metrics = metrics
	esc, err := NewEscalator(idx, cfg)
	require.NoError(t, err)

	require.NotNil(t, esc.Glimpse(context.Background(), testEntity()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	requests := findMetric(t, rm, "cognition_retrieval_requests_total")
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	dp := sum.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)
	tier, _ := dp.Attributes.Value("tier")
	assert.Equal(t, "glimpse", tier.AsString())
	status, _ := dp.Attributes.Value("status")
	assert.Equal(t, "ok", status.AsString())

	duration := findMetric(t, rm, "cognition_retrieval_duration_seconds")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s was not recorded", name)
	return metricdata.Metrics{}
}

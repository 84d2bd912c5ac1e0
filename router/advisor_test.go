// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/patterns"
)

func TestAdvisor_UnknownTypeGetsFullTaxonomy(t *testing.T) {
	a, err := NewAdvisor(DefaultAdvisorConfig())
	require.NoError(t, err)

	codes := a.OrderCodes("never-seen")
	assert.Equal(t, patterns.Taxonomy, codes)
}

func TestAdvisor_StrongCodesMoveFirst(t *testing.T) {
	a, err := NewAdvisor(DefaultAdvisorConfig())
	require.NoError(t, err)

	// Contrast is last in the taxonomy's matcher list but consistently
	// strong for this type.
	for i := 0; i < 10; i++ {
		a.Observe("sensor", patterns.CodeContrast, 0.9)
	}

	codes := a.OrderCodes("sensor")
	require.NotEmpty(t, codes)
	assert.Equal(t, patterns.CodeContrast, codes[0])
	assert.Len(t, codes, len(patterns.Taxonomy), "unobserved codes still run")
}

func TestAdvisor_SkipsProvenUselessCodes(t *testing.T) {
	a, err := NewAdvisor(DefaultAdvisorConfig())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		a.Observe("sensor", patterns.CodeRhythm, 0.0)
	}

	codes := a.OrderCodes("sensor")
	assert.NotContains(t, codes, patterns.CodeRhythm)
	assert.Len(t, codes, len(patterns.Taxonomy)-1)
}

func TestAdvisor_NoSkipBeforeMinObservations(t *testing.T) {
	a, err := NewAdvisor(DefaultAdvisorConfig())
	require.NoError(t, err)

	// Two zero scores are not enough history to drop the code.
	a.Observe("sensor", patterns.CodeRhythm, 0.0)
	a.Observe("sensor", patterns.CodeRhythm, 0.0)

	codes := a.OrderCodes("sensor")
	assert.Contains(t, codes, patterns.CodeRhythm)
}

func TestAdvisor_IgnoresResidualObservations(t *testing.T) {
	a, err := NewAdvisor(DefaultAdvisorConfig())
	require.NoError(t, err)

	a.Observe("sensor", patterns.CodeMist, 1.0)
	assert.Equal(t, patterns.Taxonomy, a.OrderCodes("sensor"))
}

func TestAdvisor_EWMAFollowsRecentScores(t *testing.T) {
	cfg := DefaultAdvisorConfig()
	cfg.Alpha = 0.5
	a, err := NewAdvisor(cfg)
	require.NoError(t, err)

	a.Observe("sensor", patterns.CodeFlow, 1.0)
	a.Observe("sensor", patterns.CodeFlow, 0.0) // ewma 0.5
	a.Observe("sensor", patterns.CodeFlow, 0.0) // ewma 0.25

	a.mu.RLock()
	stat := a.stats["sensor"][patterns.CodeFlow]
	a.mu.RUnlock()
	assert.InDelta(t, 0.25, stat.ewma, 1e-9)
	assert.Equal(t, 3, stat.count)
}

func TestAdvisorConfig_Validate(t *testing.T) {
	cfg := DefaultAdvisorConfig()
	cfg.Alpha = 1.5
	_, err := NewAdvisor(cfg)
	assert.Error(t, err)

	cfg = DefaultAdvisorConfig()
	cfg.MinObservations = 0
	_, err = NewAdvisor(cfg)
	assert.Error(t, err)
}

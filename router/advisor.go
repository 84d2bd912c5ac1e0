// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/cognition/patterns"
)

// AdvisorConfig holds the code-ordering heuristic parameters.
type AdvisorConfig struct {
	// Alpha is the exponential moving average weight for new observations.
	Alpha float64

	// SkipFloor drops a code from the attempt list once its average
	// confidence for an entity type falls below this value.
	SkipFloor float64

	// MinObservations is how many samples a (type, code) pair needs before
	// the skip heuristic applies. Below it, every code runs.
	MinObservations int
}

// DefaultAdvisorConfig returns conservative heuristic defaults.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Alpha:           0.3,
		SkipFloor:       0.05,
		MinObservations: 5,
	}
}

// Validate checks the configuration for correctness.
func (c *AdvisorConfig) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0,1], got %f", c.Alpha)
	}
	if c.SkipFloor < 0 || c.SkipFloor >= 1 {
		return fmt.Errorf("skip floor must be in [0,1), got %f", c.SkipFloor)
	}
	if c.MinObservations < 1 {
		return fmt.Errorf("min observations must be at least 1, got %d", c.MinObservations)
	}
	return nil
}

type codeStat struct {
	ewma  float64
	count int
}

// Advisor orders pattern codes per entity type from observed confidence.
//
// Description:
//
//	Tracks an exponential moving average of matcher confidence per
//	(entity type, code) pair. OrderCodes puts historically strong codes
//	first and drops codes proven near-useless for a type, bounding
//	worst-case matcher cost. The residual computation downstream of the
//	matchers is unaffected: it runs over whatever codes were attempted.
//
// Thread Safety: Safe for concurrent use.
type Advisor struct {
	config AdvisorConfig

	mu    sync.RWMutex
	stats map[string]map[patterns.Code]*codeStat
}

// NewAdvisor creates an advisor.
func NewAdvisor(config AdvisorConfig) (*Advisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid advisor config: %w", err)
	}
	return &Advisor{
		config: config,
		stats:  make(map[string]map[patterns.Code]*codeStat),
	}, nil
}

// Observe folds one matcher result into the history for an entity type.
func (a *Advisor) Observe(entityType string, code patterns.Code, confidence float64) {
	if entityType == "" || !code.Valid() || code == patterns.CodeMist {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	byCode, ok := a.stats[entityType]
	if !ok {
		byCode = make(map[patterns.Code]*codeStat)
		a.stats[entityType] = byCode
	}
	stat, ok := byCode[code]
	if !ok {
		byCode[code] = &codeStat{ewma: confidence, count: 1}
		return
	}
	stat.ewma = a.config.Alpha*confidence + (1-a.config.Alpha)*stat.ewma
	stat.count++
}

// OrderCodes returns the codes to attempt for an entity type, strongest
// history first.
//
// Description:
//
//	Codes with no history keep their taxonomy position and are never
//	skipped; a code is dropped only after MinObservations samples average
//	below SkipFloor. An unknown entity type gets the full taxonomy.
func (a *Advisor) OrderCodes(entityType string) []patterns.Code {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byCode := a.stats[entityType]
	if len(byCode) == 0 {
		return append([]patterns.Code(nil), patterns.Taxonomy...)
	}

	type scored struct {
		code patterns.Code
		rank float64
		pos  int
	}
	out := make([]scored, 0, len(patterns.Taxonomy))
	for i, code := range patterns.Taxonomy {
		stat, ok := byCode[code]
		if !ok {
			// Unobserved codes rank neutrally so they still get tried.
			out = append(out, scored{code: code, rank: 0.5, pos: i})
			continue
		}
		if stat.count >= a.config.MinObservations && stat.ewma < a.config.SkipFloor {
			continue
		}
		out = append(out, scored{code: code, rank: stat.ewma, pos: i})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank > out[j].rank
		}
		return out[i].pos < out[j].pos
	})

	codes := make([]patterns.Code, len(out))
	for i, s := range out {
		codes[i] = s.code
	}
	return codes
}

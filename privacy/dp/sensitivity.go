// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dp

import (
	"fmt"
	"strings"
	"sync"
)

// columnBounds is the configured value range of one numeric column.
type columnBounds struct {
	lower float64
	upper float64
}

// SensitivityAnalyzer maps (aggregation, column) to an L1 sensitivity.
//
// COUNT is always 1. SUM uses the configured bounds range of the column and
// falls back to 1 when no bounds are known, which is the conservative default:
// callers that need tighter noise must register bounds. AVG, MIN, and MAX are
// 1 unless overridden.
type SensitivityAnalyzer struct {
	mu        sync.RWMutex
	bounds    map[string]columnBounds
	overrides map[string]float64
}

// NewSensitivityAnalyzer returns an analyzer with no bounds configured.
func NewSensitivityAnalyzer() *SensitivityAnalyzer {
	return &SensitivityAnalyzer{
		bounds:    make(map[string]columnBounds),
		overrides: make(map[string]float64),
	}
}

// SetBounds registers the value range of a numeric column.
func (s *SensitivityAnalyzer) SetBounds(column string, lower, upper float64) error {
	if upper <= lower {
		return fmt.Errorf("invalid bounds for %s: upper %g must exceed lower %g", column, upper, lower)
	}
	s.mu.Lock()
	s.bounds[strings.ToLower(column)] = columnBounds{lower: lower, upper: upper}
	s.mu.Unlock()
	return nil
}

// SetOverride pins the sensitivity of an aggregation regardless of column.
func (s *SensitivityAnalyzer) SetOverride(aggregation string, sensitivity float64) error {
	if sensitivity <= 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidSensitivity, sensitivity)
	}
	s.mu.Lock()
	s.overrides[strings.ToUpper(aggregation)] = sensitivity
	s.mu.Unlock()
	return nil
}

// Analyze returns the L1 sensitivity for one aggregation over one column.
func (s *SensitivityAnalyzer) Analyze(aggregation, column string) float64 {
	agg := strings.ToUpper(aggregation)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if override, ok := s.overrides[agg]; ok {
		return override
	}

	switch agg {
	case "COUNT":
		return 1
	case "SUM":
		if b, ok := s.bounds[strings.ToLower(column)]; ok {
			return b.upper - b.lower
		}
		return 1
	default:
		return 1
	}
}

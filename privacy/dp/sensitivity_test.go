// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensitivityDefaults(t *testing.T) {
	s := NewSensitivityAnalyzer()

	tests := []struct {
		aggregation string
		column      string
		want        float64
	}{
		{"COUNT", "anything", 1},
		{"count", "anything", 1},
		{"SUM", "unbounded_column", 1},
		{"AVG", "age", 1},
		{"MIN", "age", 1},
		{"MAX", "age", 1},
	}

	for _, tt := range tests {
		t.Run(tt.aggregation+"/"+tt.column, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Analyze(tt.aggregation, tt.column))
		})
	}
}

func TestSensitivitySumUsesBounds(t *testing.T) {
	s := NewSensitivityAnalyzer()
	require.NoError(t, s.SetBounds("salary", 0, 250))

	assert.Equal(t, 250.0, s.Analyze("SUM", "salary"))
	assert.Equal(t, 250.0, s.Analyze("sum", "SALARY"))
	assert.Equal(t, 1.0, s.Analyze("SUM", "other"))
}

func TestSensitivityBoundsValidation(t *testing.T) {
	s := NewSensitivityAnalyzer()

	assert.Error(t, s.SetBounds("x", 10, 10))
	assert.Error(t, s.SetBounds("x", 10, 5))
}

func TestSensitivityOverride(t *testing.T) {
	s := NewSensitivityAnalyzer()
	require.NoError(t, s.SetOverride("AVG", 0.5))

	assert.Equal(t, 0.5, s.Analyze("AVG", "age"))
	assert.Equal(t, 0.5, s.Analyze("avg", "age"))
	assert.Equal(t, 1.0, s.Analyze("MIN", "age"))

	assert.Error(t, s.SetOverride("MAX", -1))
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package deid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []Row {
	ages := []int{25, 25, 26, 40, 40, 40}
	zips := []string{"10001", "10001", "10001", "20002", "20002", "20002"}
	diseases := []string{"flu", "cold", "flu", "diabetes", "flu", "cancer"}

	rows := make([]Row, len(ages))
	for i := range ages {
		rows[i] = Row{"age": ages[i], "zip": zips[i], "disease": diseases[i]}
	}
	return rows
}

func sampleRules() map[string]GeneralizationRule {
	return map[string]GeneralizationRule{
		"age": func(v interface{}) interface{} {
			return GeneralizeAge(v.(int), 10)
		},
		"zip": func(v interface{}) interface{} {
			return GeographicGeneralize(v.(string), GeoZip3)
		},
	}
}

func TestKAnonymizeSatisfiedAfterGeneralization(t *testing.T) {
	ka := NewKAnonymizer(3)

	out, suppressed := ka.Anonymize(sampleRows(), []string{"age", "zip"}, sampleRules())

	require.Len(t, out, 6)
	assert.Equal(t, 0, suppressed)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "20-29", out[i]["age"])
		assert.Equal(t, "100**", out[i]["zip"])
	}
	for i := 3; i < 6; i++ {
		assert.Equal(t, "40-49", out[i]["age"])
		assert.Equal(t, "200**", out[i]["zip"])
	}

	assert.True(t, ka.CheckKAnonymity(out, []string{"age", "zip"}))
}

func TestKAnonymizeSuppressesSmallClasses(t *testing.T) {
	ka := NewKAnonymizer(4)

	out, suppressed := ka.Anonymize(sampleRows(), []string{"age", "zip"}, sampleRules())

	assert.Equal(t, 6, suppressed)
	for i := 0; i < 3; i++ {
		assert.Equal(t, Suppressed, out[i]["age"])
		assert.Equal(t, Suppressed, out[i]["zip"])
	}
}

func TestKAnonymizeWithoutRules(t *testing.T) {
	ka := NewKAnonymizer(3)

	out, suppressed := ka.Anonymize(sampleRows(), []string{"age", "zip"}, nil)

	// Raw ages 25/25/26 form classes of size 2 and 1; both are below k.
	assert.Equal(t, 3, suppressed)
	assert.Equal(t, Suppressed, out[0]["age"])
	assert.Equal(t, Suppressed, out[2]["zip"])

	// The 40/20002 class has exactly three members and survives.
	assert.Equal(t, 40, out[3]["age"])
}

func TestKAnonymizeDoesNotMutateInput(t *testing.T) {
	rows := sampleRows()
	ka := NewKAnonymizer(4)

	ka.Anonymize(rows, []string{"age", "zip"}, sampleRules())

	assert.Equal(t, 25, rows[0]["age"])
	assert.Equal(t, "10001", rows[0]["zip"])
}

func TestCheckKAnonymity(t *testing.T) {
	rows := sampleRows()

	assert.False(t, NewKAnonymizer(3).CheckKAnonymity(rows, []string{"age", "zip"}))
	assert.True(t, NewKAnonymizer(1).CheckKAnonymity(rows, []string{"age", "zip"}))
	assert.True(t, NewKAnonymizer(3).CheckKAnonymity(rows, []string{"zip"}))
}

func TestLDiversify(t *testing.T) {
	ld := NewLDiversifier(2)

	rows := []Row{
		{"zip": "100**", "disease": "flu"},
		{"zip": "100**", "disease": "flu"},
		{"zip": "200**", "disease": "flu"},
		{"zip": "200**", "disease": "cancer"},
	}

	out, suppressed := ld.Diversify(rows, []string{"zip"}, "disease")

	// The 100** class holds a single distinct disease and is suppressed.
	assert.Equal(t, 2, suppressed)
	assert.Equal(t, Suppressed, out[0]["disease"])
	assert.Equal(t, Suppressed, out[1]["disease"])

	// The 200** class already carries two distinct values.
	assert.Equal(t, "flu", out[2]["disease"])
	assert.Equal(t, "cancer", out[3]["disease"])

	// Input untouched.
	assert.Equal(t, "flu", rows[0]["disease"])
}

func TestLDiversifyAllDiverse(t *testing.T) {
	ld := NewLDiversifier(2)

	rows := []Row{
		{"zip": "100**", "disease": "flu"},
		{"zip": "100**", "disease": "cold"},
	}

	_, suppressed := ld.Diversify(rows, []string{"zip"}, "disease")
	assert.Equal(t, 0, suppressed)
}

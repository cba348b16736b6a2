// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"fmt"
	"strings"

	"axonflow/veil/analyzer"
	"axonflow/veil/privacy/deid"
	"axonflow/veil/privacy/dp"
)

// defaultColumnMethods maps well-known column names to the de-identification
// method that preserves the most utility for that shape of value. Columns
// without an entry fall back to hashing.
var defaultColumnMethods = map[string]string{
	"name":     "mask_name",
	"email":    "mask_email",
	"phone":    "mask_phone",
	"mobile":   "mask_phone",
	"age":      "generalize_age",
	"id_card":  "hash",
	"ssn":      "hash",
	"password": "hash",
}

// resolveDeIDMethod picks the concrete method for one column. The generic
// "hash" and "mask" decision methods defer to the per-column mapping; any
// other explicit method applies as-is.
func resolveDeIDMethod(column, decisionMethod string) string {
	if decisionMethod == "" || decisionMethod == "hash" || decisionMethod == "mask" {
		if m, ok := defaultColumnMethods[strings.ToLower(column)]; ok {
			return m
		}
		if decisionMethod == "" {
			return "hash"
		}
		return decisionMethod
	}
	return decisionMethod
}

// deidValue applies one de-identification method to one value.
func deidValue(value interface{}, method string) interface{} {
	if value == nil {
		return nil
	}
	switch method {
	case "mask_name":
		return deid.MaskName(asString(value))
	case "mask_email":
		return deid.MaskEmail(asString(value))
	case "mask_phone", "mask":
		return deid.MaskPhone(asString(value))
	case "generalize_age":
		if f, ok := asNumber(value); ok {
			return deid.GeneralizeAge(int(f), 10)
		}
		return deid.HashValue(asString(value))
	case "suppress":
		return deid.Suppressed
	default: // hash
		return deid.HashValue(asString(value))
	}
}

// applyDeID de-identifies the listed columns across all records and reports
// which columns were actually present and processed.
func applyDeID(records []map[string]interface{}, columns []string, decisionMethod string) ([]map[string]interface{}, []string) {
	if len(records) == 0 || len(columns) == 0 {
		return records, nil
	}

	bare := make([]string, 0, len(columns))
	for _, col := range columns {
		c := strings.ToLower(col)
		if i := strings.LastIndex(c, "."); i >= 0 {
			c = c[i+1:]
		}
		bare = append(bare, c)
	}

	processed := make(map[string]bool)
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		next := make(map[string]interface{}, len(record))
		for k, v := range record {
			next[k] = v
		}
		for _, col := range bare {
			if v, ok := next[col]; ok {
				next[col] = deidValue(v, resolveDeIDMethod(col, decisionMethod))
				processed[col] = true
			}
		}
		out = append(out, next)
	}

	ordered := make([]string, 0, len(processed))
	for _, col := range bare {
		if processed[col] {
			ordered = append(ordered, col)
			processed[col] = false
		}
	}
	return out, ordered
}

// applyDP adds calibrated noise to a scalar or to every numeric field of
// every record. mechanism is "laplace" or "gaussian".
func applyDP(mech *dp.Mechanisms, data interface{}, mechanism string, epsilon, delta, sensitivity float64) (interface{}, error) {
	noise := func(v float64) (float64, error) {
		if mechanism == "gaussian" {
			return mech.Gaussian(v, sensitivity, epsilon, delta)
		}
		return mech.Laplace(v, sensitivity, epsilon)
	}

	if f, ok := asNumber(data); ok {
		return noise(f)
	}

	records, ok := data.([]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("cannot add noise to result of type %T", data)
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		next := make(map[string]interface{}, len(record))
		for k, v := range record {
			if f, ok := asNumber(v); ok {
				noised, err := noise(f)
				if err != nil {
					return nil, err
				}
				next[k] = noised
			} else {
				next[k] = v
			}
		}
		out = append(out, next)
	}
	return out, nil
}

// multiTableSensitivity computes the L1 sensitivity uplift from the query's
// structural complexity: joins widen per-individual contribution, outer
// joins add unmatched rows, subqueries and windows recombine rows.
func multiTableSensitivity(a *analyzer.AnalysisResult) float64 {
	s := 1 + 0.5*float64(len(a.Joins))
	for i := 0; i < a.OuterJoinCount(); i++ {
		s *= 1.2
	}
	s *= 1 + 0.3*float64(len(a.Subqueries))
	s *= 1 + 0.2*float64(len(a.WindowFunctions))
	return s
}

// mechanismLabel is the human-facing mechanism name for privacy_info.
func mechanismLabel(mechanism string) string {
	if mechanism == "gaussian" {
		return "Gaussian"
	}
	return "Laplace"
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package deid

import (
	"fmt"
	"strings"
)

// Row is one record of a result set keyed by column name.
type Row = map[string]interface{}

// GeneralizationRule coarsens one quasi-identifier value before equivalence
// classes are formed.
type GeneralizationRule func(value interface{}) interface{}

// KAnonymizer enforces k-anonymity over a set of quasi-identifier columns.
type KAnonymizer struct {
	k int
}

// NewKAnonymizer returns an anonymizer requiring classes of at least k rows.
func NewKAnonymizer(k int) *KAnonymizer {
	if k < 1 {
		k = 1
	}
	return &KAnonymizer{k: k}
}

// Anonymize applies the generalization rules to the quasi-identifier columns,
// groups rows into equivalence classes over those columns, and suppresses the
// quasi-identifiers of every row in a class smaller than k. It returns the
// transformed copy and the number of suppressed rows; input rows are never
// mutated.
func (ka *KAnonymizer) Anonymize(rows []Row, quasiIdentifiers []string, rules map[string]GeneralizationRule) ([]Row, int) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		copied := make(Row, len(row))
		for col, v := range row {
			copied[col] = v
		}
		for _, qi := range quasiIdentifiers {
			if rule, ok := rules[qi]; ok {
				copied[qi] = rule(copied[qi])
			}
		}
		out[i] = copied
	}

	classes := groupByQuasiIdentifiers(out, quasiIdentifiers)

	suppressed := 0
	for _, indices := range classes {
		if len(indices) >= ka.k {
			continue
		}
		for _, i := range indices {
			for _, qi := range quasiIdentifiers {
				out[i][qi] = Suppressed
			}
			suppressed++
		}
	}

	return out, suppressed
}

// CheckKAnonymity reports whether every equivalence class over the
// quasi-identifiers already has at least k rows.
func (ka *KAnonymizer) CheckKAnonymity(rows []Row, quasiIdentifiers []string) bool {
	for _, indices := range groupByQuasiIdentifiers(rows, quasiIdentifiers) {
		if len(indices) < ka.k {
			return false
		}
	}
	return true
}

// LDiversifier enforces l-diversity of a sensitive attribute within each
// quasi-identifier equivalence class.
type LDiversifier struct {
	l int
}

// NewLDiversifier returns a diversifier requiring l distinct sensitive values
// per class.
func NewLDiversifier(l int) *LDiversifier {
	if l < 1 {
		l = 1
	}
	return &LDiversifier{l: l}
}

// Diversify suppresses the sensitive attribute for every row of a class whose
// distinct sensitive values number fewer than l. It returns the transformed
// copy and the number of suppressed rows.
func (ld *LDiversifier) Diversify(rows []Row, quasiIdentifiers []string, sensitiveColumn string) ([]Row, int) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		copied := make(Row, len(row))
		for col, v := range row {
			copied[col] = v
		}
		out[i] = copied
	}

	suppressed := 0
	for _, indices := range groupByQuasiIdentifiers(out, quasiIdentifiers) {
		distinct := make(map[string]bool)
		for _, i := range indices {
			distinct[fmt.Sprintf("%v", out[i][sensitiveColumn])] = true
		}
		if len(distinct) >= ld.l {
			continue
		}
		for _, i := range indices {
			out[i][sensitiveColumn] = Suppressed
			suppressed++
		}
	}

	return out, suppressed
}

// groupByQuasiIdentifiers maps each equivalence-class key to the indices of
// its member rows.
func groupByQuasiIdentifiers(rows []Row, quasiIdentifiers []string) map[string][]int {
	classes := make(map[string][]int)
	for i, row := range rows {
		parts := make([]string, len(quasiIdentifiers))
		for j, qi := range quasiIdentifiers {
			parts[j] = fmt.Sprintf("%v", row[qi])
		}
		key := strings.Join(parts, "\x00")
		classes[key] = append(classes[key], i)
	}
	return classes
}

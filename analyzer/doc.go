// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package analyzer extracts the semantic features the policy engine and the
// sensitivity scorer need from a SQL statement: tables, selected columns,
// aggregations, joins, subqueries, CTEs, and window functions.
//
// It is deliberately not a SQL parser. Tokenization and regular expressions
// are sufficient for the constructs policy cares about, and keeping the
// extraction behind the AnalysisResult contract means a real parser can be
// swapped in later without touching the rest of the pipeline.
package analyzer

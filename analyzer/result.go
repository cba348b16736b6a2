// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package analyzer

// JoinType classifies a JOIN clause. A bare JOIN defaults to INNER.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinRight JoinType = "RIGHT"
	JoinFull  JoinType = "FULL"
)

// IsOuter reports whether the join can produce unmatched rows.
func (j JoinType) IsOuter() bool {
	return j == JoinLeft || j == JoinRight || j == JoinFull
}

// Join describes one JOIN clause of the outer query.
type Join struct {
	Type       JoinType `json:"type"`
	Table      string   `json:"table"`
	Conditions []string `json:"conditions"` // ON clause split on top-level AND
}

// SubqueryKind classifies a nested (SELECT ...) by its textual left context.
type SubqueryKind string

const (
	SubqueryScalar SubqueryKind = "SCALAR"
	SubqueryExists SubqueryKind = "EXISTS"
	SubqueryIn     SubqueryKind = "IN"
	SubqueryFrom   SubqueryKind = "FROM"
)

// SubqueryLocation names the clause a subquery appears in.
type SubqueryLocation string

const (
	LocationSelect SubqueryLocation = "SELECT"
	LocationWhere  SubqueryLocation = "WHERE"
	LocationHaving SubqueryLocation = "HAVING"
	LocationFrom   SubqueryLocation = "FROM"
)

// Subquery describes one balanced (SELECT ...) found in the statement.
// Discovery is outside-in: an enclosing subquery is reported before the
// subqueries nested inside it.
type Subquery struct {
	Kind               SubqueryKind     `json:"kind"`
	Location           SubqueryLocation `json:"location"`
	Body               string           `json:"body"`
	IsCorrelated       bool             `json:"is_correlated"`
	CorrelationColumns []string         `json:"correlation_columns,omitempty"`
}

// CTE describes one common table expression of a WITH clause.
type CTE struct {
	Name        string   `json:"name"`
	IsRecursive bool     `json:"is_recursive"`
	References  []string `json:"references,omitempty"`
	Body        string   `json:"body"`
}

// WindowFunction describes one IDENT(args) OVER (...) expression.
type WindowFunction struct {
	Function    string   `json:"function"`
	PartitionBy []string `json:"partition_by,omitempty"`
	OrderBy     []string `json:"order_by,omitempty"`
	Frame       string   `json:"frame,omitempty"`
}

// AnalysisResult is the immutable outcome of analyzing one SQL statement.
// When IsValid is false the rest of the pipeline treats the statement as a
// rejection; Error carries the extraction failure.
type AnalysisResult struct {
	OriginalSQL      string           `json:"original_sql"`
	Tables           []string         `json:"tables"`
	SelectColumns    []string         `json:"select_columns"`
	Aggregations     []string         `json:"aggregations"`
	HasWhere         bool             `json:"has_where"`
	WhereConditions  []string         `json:"where_conditions,omitempty"`
	GroupByColumns   []string         `json:"group_by_columns,omitempty"`
	Joins            []Join           `json:"joins,omitempty"`
	Subqueries       []Subquery       `json:"subqueries,omitempty"`
	CTEs             []CTE            `json:"ctes,omitempty"`
	WindowFunctions  []WindowFunction `json:"window_functions,omitempty"`
	IsAggregateQuery bool             `json:"is_aggregate_query"`
	IsValid          bool             `json:"is_valid"`
	Error            string           `json:"error,omitempty"`
}

// HasAggregation reports whether the named aggregate appears in the query.
func (r *AnalysisResult) HasAggregation(fn string) bool {
	for _, a := range r.Aggregations {
		if a == fn {
			return true
		}
	}
	return false
}

// OuterJoinCount returns the number of LEFT/RIGHT/FULL joins.
func (r *AnalysisResult) OuterJoinCount() int {
	n := 0
	for _, j := range r.Joins {
		if j.Type.IsOuter() {
			n++
		}
	}
	return n
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"axonflow/veil/analyzer"
	"axonflow/veil/policy"
	"axonflow/veil/shared/types"
)

var reAggCall = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX)\s*\(\s*([^)]*)\s*\)`)

// MockExecutor serves seeded in-memory tables. It backs development setups
// and the end-to-end tests; no statement ever reaches a real database.
type MockExecutor struct {
	tables map[string][]map[string]interface{}
}

// NewMockExecutor seeds the default dataset: a users table with mixed-script
// names and an orders table.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		tables: map[string][]map[string]interface{}{
			"users": {
				{"id": int64(1), "name": "Alice", "email": "a@x.com", "phone": "13812345678", "age": int64(25), "salary": 52000.0},
				{"id": int64(2), "name": "Bob Smith", "email": "bob.smith@example.com", "phone": "13998765432", "age": int64(34), "salary": 61000.0},
				{"id": int64(3), "name": "张伟", "email": "zhangwei@example.cn", "phone": "13711112222", "age": int64(29), "salary": 58000.0},
				{"id": int64(4), "name": "李娜", "email": "lina@example.cn", "phone": "13633334444", "age": int64(41), "salary": 73000.0},
				{"id": int64(5), "name": "Carol Jones", "email": "carol@example.com", "phone": "13555556666", "age": int64(37), "salary": 66000.0},
			},
			"orders": {
				{"id": int64(101), "user_id": int64(1), "amount": 99.5, "status": "shipped"},
				{"id": int64(102), "user_id": int64(3), "amount": 250.0, "status": "pending"},
				{"id": int64(103), "user_id": int64(5), "amount": 12.75, "status": "shipped"},
			},
		},
	}
}

// AddTable installs or replaces a seeded table.
func (e *MockExecutor) AddTable(name string, rows []map[string]interface{}) {
	e.tables[strings.ToLower(name)] = rows
}

// Execute serves the statement from the seeded tables. Aggregates are
// computed over the full table; projections honor the select list.
func (e *MockExecutor) Execute(ctx context.Context, sqlText string, analysis *analyzer.AnalysisResult, decision *policy.Decision, qctx *types.QueryContext) (*QueryResult, error) {
	if decision != nil && decision.Action == policy.ActionReject {
		return nil, ErrRejectedDecision
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if analysis == nil || len(analysis.Tables) == 0 {
		return nil, fmt.Errorf("statement names no tables")
	}

	table := strings.ToLower(analysis.Tables[0])
	rows, ok := e.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	if analysis.IsAggregateQuery && len(analysis.GroupByColumns) == 0 {
		return e.aggregate(sqlText, rows)
	}
	return e.project(analysis, rows)
}

func (e *MockExecutor) aggregate(sqlText string, rows []map[string]interface{}) (*QueryResult, error) {
	m := reAggCall.FindStringSubmatch(sqlText)
	if m == nil {
		return nil, fmt.Errorf("unsupported aggregate expression")
	}
	fn := strings.ToUpper(m[1])
	column := strings.ToLower(strings.TrimSpace(m[2]))

	if fn == "COUNT" {
		return &QueryResult{Data: float64(len(rows)), RowCount: 1}, nil
	}

	var values []float64
	for _, row := range rows {
		if v, ok := asFloat(row[column]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("column %q has no numeric values", column)
	}

	result := values[0]
	switch fn {
	case "SUM", "AVG":
		result = 0
		for _, v := range values {
			result += v
		}
		if fn == "AVG" {
			result /= float64(len(values))
		}
	case "MIN":
		for _, v := range values[1:] {
			if v < result {
				result = v
			}
		}
	case "MAX":
		for _, v := range values[1:] {
			if v > result {
				result = v
			}
		}
	}
	return &QueryResult{Data: result, RowCount: 1}, nil
}

func (e *MockExecutor) project(analysis *analyzer.AnalysisResult, rows []map[string]interface{}) (*QueryResult, error) {
	selectAll := len(analysis.SelectColumns) == 0
	for _, col := range analysis.SelectColumns {
		if col == "*" {
			selectAll = true
		}
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]interface{}, len(row))
		if selectAll {
			for k, v := range row {
				record[k] = v
			}
		} else {
			for _, col := range analysis.SelectColumns {
				key := bareColumn(col)
				if v, ok := row[key]; ok {
					record[key] = v
				}
			}
		}
		out = append(out, record)
	}
	return &QueryResult{Data: out, RowCount: len(out)}, nil
}

func bareColumn(col string) string {
	col = strings.ToLower(strings.TrimSpace(col))
	if i := strings.LastIndex(col, "."); i >= 0 {
		col = col[i+1:]
	}
	return col
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"errors"

	"axonflow/veil/analyzer"
	"axonflow/veil/policy"
	"axonflow/veil/shared/types"
)

var (
	// ErrRejectedDecision means the caller tried to execute a statement the
	// policy engine rejected. The driver catches rejections earlier; this is
	// a guard against misuse.
	ErrRejectedDecision = errors.New("refusing to execute a rejected statement")

	// ErrUnknownTable means the statement references a table the backend
	// does not have.
	ErrUnknownTable = errors.New("unknown table")
)

// QueryResult is the raw backend outcome before any privacy transform.
// Data is a scalar for aggregate queries and []map[string]interface{}
// otherwise.
type QueryResult struct {
	Data     interface{} `json:"data"`
	RowCount int         `json:"row_count"`
}

// Executor runs a statement against a backend. Implementations must honor
// context cancellation.
type Executor interface {
	Execute(ctx context.Context, sql string, analysis *analyzer.AnalysisResult, decision *policy.Decision, qctx *types.QueryContext) (*QueryResult, error)
}

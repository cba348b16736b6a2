// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"axonflow/veil/analyzer"
	"axonflow/veil/policy"
	"axonflow/veil/shared/logger"
	"axonflow/veil/shared/types"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultQueryTimeout    = 30 * time.Second
)

// SQLExecutor runs statements against a Postgres or MySQL backend through
// database/sql.
type SQLExecutor struct {
	db      *sql.DB
	timeout time.Duration
	log     *logger.Logger
}

// SQLOption customizes a SQLExecutor.
type SQLOption func(*SQLExecutor)

// WithQueryTimeout bounds each statement's execution time.
func WithQueryTimeout(d time.Duration) SQLOption {
	return func(e *SQLExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewSQLExecutor opens a pooled connection. driver is "postgres" or "mysql".
func NewSQLExecutor(driver, dsn string, opts ...SQLOption) (*SQLExecutor, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", driver, err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s backend: %w", driver, err)
	}
	return NewSQLExecutorFromDB(db, opts...), nil
}

// NewSQLExecutorFromDB wraps an existing pool; the caller owns its lifetime
// checks but Close still closes it.
func NewSQLExecutorFromDB(db *sql.DB, opts ...SQLOption) *SQLExecutor {
	e := &SQLExecutor{
		db:      db,
		timeout: defaultQueryTimeout,
		log:     logger.New("sql-executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the statement, returning a scalar for aggregate queries and a
// list of records otherwise.
func (e *SQLExecutor) Execute(ctx context.Context, sqlText string, analysis *analyzer.AnalysisResult, decision *policy.Decision, qctx *types.QueryContext) (*QueryResult, error) {
	if decision != nil && decision.Action == policy.ActionReject {
		return nil, ErrRejectedDecision
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		e.log.InfoWithDuration(qctx.EffectiveUser(), qctx.RequestID, "statement executed", float64(time.Since(start).Milliseconds()), nil)
	}()

	if analysis != nil && analysis.IsAggregateQuery && len(analysis.SelectColumns) == 1 && len(analysis.GroupByColumns) == 0 {
		return e.queryScalar(ctx, sqlText)
	}
	return e.queryRows(ctx, sqlText)
}

func (e *SQLExecutor) queryScalar(ctx context.Context, sqlText string) (*QueryResult, error) {
	var raw interface{}
	if err := e.db.QueryRowContext(ctx, sqlText).Scan(&raw); err != nil {
		return nil, fmt.Errorf("executing aggregate: %w", err)
	}
	return &QueryResult{Data: normalizeScalar(raw), RowCount: 1}, nil
}

func (e *SQLExecutor) queryRows(ctx context.Context, sqlText string) (*QueryResult, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var records []map[string]interface{}
	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			record[col] = normalizeScalar(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return &QueryResult{Data: records, RowCount: len(records)}, nil
}

// Close releases the connection pool.
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// normalizeScalar converts driver-specific representations into plain Go
// values so downstream transforms see numbers as numbers.
func normalizeScalar(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"axonflow/veil/analyzer"
	"axonflow/veil/audit"
	"axonflow/veil/budget"
	"axonflow/veil/executor"
	"axonflow/veil/performance"
	"axonflow/veil/policy"
	"axonflow/veil/privacy/dp"
	"axonflow/veil/shared/logger"
	"axonflow/veil/shared/types"
)

const (
	reasonInsufficientBudget = "insufficient_budget"
	defaultCacheTTL          = 5 * time.Minute
)

var reAggColumn = regexp.MustCompile(`(?i)\b(?:COUNT|SUM|AVG|MIN|MAX)\s*\(\s*([^)]*)\s*\)`)

// Driver runs the full mediation pipeline for one statement: analysis,
// policy evaluation, budget accounting, execution, privacy transform, and
// audit. All collaborators are injected by the composition root.
type Driver struct {
	analyzer *analyzer.Analyzer
	engine   *policy.Engine
	audit    *audit.Logger
	exec     executor.Executor
	mech     *dp.Mechanisms
	sens     *dp.SensitivityAnalyzer

	budget  *budget.Manager
	cache   *performance.QueryCache
	monitor *performance.Monitor
	metrics *performance.Metrics

	refundOnError bool
	cacheTTL      time.Duration
	log           *logger.Logger
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithBudgetManager enables budget accounting for DP decisions.
func WithBudgetManager(m *budget.Manager) DriverOption {
	return func(d *Driver) { d.budget = m }
}

// WithCache enables response caching for PASS and DeID results.
func WithCache(c *performance.QueryCache) DriverOption {
	return func(d *Driver) { d.cache = c }
}

// WithMonitor enables per-phase timing collection.
func WithMonitor(m *performance.Monitor) DriverOption {
	return func(d *Driver) { d.monitor = m }
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *performance.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// WithMechanisms substitutes the noise source, usually to seed it in tests.
func WithMechanisms(m *dp.Mechanisms) DriverOption {
	return func(d *Driver) { d.mech = m }
}

// WithSensitivityAnalyzer substitutes the sensitivity analyzer, usually to
// install column bounds.
func WithSensitivityAnalyzer(s *dp.SensitivityAnalyzer) DriverOption {
	return func(d *Driver) { d.sens = s }
}

// WithoutRefundOnError keeps a DP debit even when the backend fails.
func WithoutRefundOnError() DriverOption {
	return func(d *Driver) { d.refundOnError = false }
}

// WithCacheTTL sets how long cached responses stay fresh.
func WithCacheTTL(ttl time.Duration) DriverOption {
	return func(d *Driver) {
		if ttl > 0 {
			d.cacheTTL = ttl
		}
	}
}

// NewDriver wires the pipeline. Budget, cache, monitor, and metrics are
// optional; everything else is required.
func NewDriver(exec executor.Executor, engine *policy.Engine, auditLog *audit.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		analyzer:      analyzer.New(),
		engine:        engine,
		audit:         auditLog,
		exec:          exec,
		mech:          dp.NewMechanisms(),
		sens:          dp.NewSensitivityAnalyzer(),
		refundOnError: true,
		cacheTTL:      defaultCacheTTL,
		log:           logger.New("driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessQuery runs the statement through the pipeline and returns the
// uniform response. It never panics a request error into the caller.
func (d *Driver) ProcessQuery(ctx context.Context, sql string, qctx *types.QueryContext) *Response {
	if qctx == nil {
		qctx = types.NewQueryContext("", "")
	}
	if qctx.RequestID == "" {
		qctx.RequestID = uuid.NewString()
	}
	queryID := qctx.RequestID
	user := qctx.EffectiveUser()
	start := time.Now()

	if d.monitor != nil {
		d.monitor.StartQuery(queryID, user)
		defer d.monitor.EndQuery(queryID)
	}

	resp := d.process(ctx, sql, qctx, queryID, user)

	if d.metrics != nil {
		d.metrics.ObserveQuery(string(resp.Type), time.Since(start).Seconds())
	}
	return resp
}

func (d *Driver) process(ctx context.Context, sql string, qctx *types.QueryContext, queryID, user string) *Response {
	cacheKey := ""
	if d.cache != nil {
		cacheKey = performance.CacheKey(sql, map[string]string{"user": user, "role": qctx.UserRole})
		if cached, ok := d.cache.Get(cacheKey); ok {
			if d.monitor != nil {
				d.monitor.SetCacheHit(queryID)
			}
			if d.metrics != nil {
				d.metrics.RecordCache(true)
			}
			return cached.(*Response)
		}
		if d.metrics != nil {
			d.metrics.RecordCache(false)
		}
	}

	// Stage 1: analysis.
	phaseStart := time.Now()
	a := d.analyzer.Analyze(sql)
	d.recordPhase(queryID, performance.PhaseAnalysis, phaseStart)

	event := &audit.QueryEvent{
		QueryID:   queryID,
		SQL:       sql,
		QueryHash: budget.QueryHash(sql),
		Tables:    a.Tables,
	}
	d.audit.LogQuerySubmitted(user, event, nil)

	if !a.IsValid {
		d.audit.LogQueryRejected(user, event, a.Error, nil)
		return &Response{Type: TypeError, OriginalQuery: sql, Error: a.Error}
	}
	d.audit.LogQueryAnalyzed(user, event, map[string]interface{}{
		"tables":       a.Tables,
		"aggregations": a.Aggregations,
	})

	// Stage 2: policy.
	phaseStart = time.Now()
	decision := d.engine.Evaluate(a, qctx.UserRole, qctx)
	d.recordPhase(queryID, performance.PhasePolicy, phaseStart)

	if decision.Action == policy.ActionReject {
		d.audit.LogQueryRejected(user, event, decision.Reason, nil)
		if d.monitor != nil {
			d.monitor.SetError(queryID, decision.Reason)
		}
		return &Response{Type: TypeError, OriginalQuery: sql, Error: decision.Reason}
	}

	// Stage 3: budget, only for DP.
	epsilon := decision.Params.Epsilon
	consumed := false
	if decision.Action == policy.ActionDP && d.budget != nil {
		d.budget.EnsureAccount(user, qctx.UserRole)
		// Check and debit happen under one lock acquisition: a request that
		// loses the admission race gets a budget error, never an unpaid
		// noised answer.
		check := d.budget.CheckAndConsume(user, epsilon, queryID, sql, decision.Params.Mechanism)
		if !check.Allowed {
			d.audit.LogQueryRejected(user, event, reasonInsufficientBudget, map[string]interface{}{
				"remaining": check.Remaining,
				"requested": check.Requested,
			})
			remaining, requested := check.Remaining, check.Requested
			return &Response{
				Type:          TypeBudgetError,
				OriginalQuery: sql,
				Error:         reasonInsufficientBudget,
				PrivacyInfo: &PrivacyInfo{
					RemainingBudget: &remaining,
					RequestedBudget: &requested,
				},
			}
		}
		consumed = true
		d.audit.LogBudgetConsumed(user, queryID, epsilon, nil)
		if d.metrics != nil {
			d.metrics.AddEpsilon(epsilon)
		}
	}

	// Stage 4: structural sensitivity uplift.
	uplift := multiTableSensitivity(a)
	qctx.SetMetadata("multi_table_sensitivity", uplift)

	// Stage 5: execution.
	phaseStart = time.Now()
	raw, err := d.exec.Execute(ctx, sql, a, decision, qctx)
	d.recordPhase(queryID, performance.PhaseExecution, phaseStart)
	if err != nil {
		if consumed && d.refundOnError {
			if refundErr := d.budget.RefundBudget(user, epsilon); refundErr == nil {
				d.audit.LogBudgetReset(user, map[string]interface{}{
					"refund":   epsilon,
					"query_id": queryID,
					"reason":   "executor_error",
				})
			}
		}
		d.audit.LogSystemError(user, err.Error(), map[string]interface{}{"query_id": queryID})
		if d.monitor != nil {
			d.monitor.SetError(queryID, err.Error())
		}
		return &Response{Type: TypeError, OriginalQuery: sql, Error: err.Error()}
	}
	if d.monitor != nil {
		d.monitor.SetResultSize(queryID, raw.RowCount)
	}

	// Stage 6: transform; stage 7: privacy audit.
	phaseStart = time.Now()
	resp, err := d.transform(a, decision, raw, sql, uplift, user, queryID)
	d.recordPhase(queryID, performance.PhasePrivacy, phaseStart)
	if err != nil {
		d.audit.LogSystemError(user, err.Error(), map[string]interface{}{"query_id": queryID})
		return &Response{Type: TypeError, OriginalQuery: sql, Error: err.Error()}
	}

	if d.budget != nil && resp.PrivacyInfo != nil && decision.Action == policy.ActionDP {
		resp.PrivacyInfo.BudgetStatus = d.budget.GetBudgetStatus(user)
	}

	// DP responses are never cached: replaying one would hand out a noise
	// sample that was not paid for on this request path.
	if d.cache != nil && (resp.Type == TypePass || resp.Type == TypeDeID) {
		d.cache.Set(cacheKey, resp, d.cacheTTL)
	}
	return resp
}

func (d *Driver) transform(a *analyzer.AnalysisResult, decision *policy.Decision, raw *executor.QueryResult, sql string, uplift float64, user, queryID string) (*Response, error) {
	switch decision.Action {
	case policy.ActionDP:
		base := decision.Params.Sensitivity
		if base <= 0 {
			base = 1
		}
		if len(a.Aggregations) > 0 {
			base = d.sens.Analyze(a.Aggregations[0], aggColumn(sql))
		}
		sensitivity := base * uplift

		noised, err := applyDP(d.mech, raw.Data, decision.Params.Mechanism, decision.Params.Epsilon, decision.Params.Delta, sensitivity)
		if err != nil {
			return nil, err
		}
		d.audit.LogPrivacyApplied(user, &audit.PrivacyEvent{
			QueryID:     queryID,
			Method:      mechanismLabel(decision.Params.Mechanism),
			Epsilon:     decision.Params.Epsilon,
			Delta:       decision.Params.Delta,
			Sensitivity: sensitivity,
		}, nil)
		return &Response{
			Type:            TypeDP,
			OriginalQuery:   sql,
			ProtectedResult: noised,
			RowCount:        raw.RowCount,
			PrivacyInfo: &PrivacyInfo{
				Method:      mechanismLabel(decision.Params.Mechanism),
				Epsilon:     decision.Params.Epsilon,
				Delta:       decision.Params.Delta,
				Sensitivity: sensitivity,
			},
		}, nil

	case policy.ActionDeID:
		records, _ := raw.Data.([]map[string]interface{})
		protected, processed := applyDeID(records, decision.Params.Columns, decision.Params.Method)
		d.audit.LogPrivacyApplied(user, &audit.PrivacyEvent{
			QueryID: queryID,
			Method:  "DeIdentification",
			Columns: processed,
		}, nil)
		return &Response{
			Type:            TypeDeID,
			OriginalQuery:   sql,
			ProtectedResult: protected,
			RowCount:        raw.RowCount,
			PrivacyInfo: &PrivacyInfo{
				Method:           "DeIdentification",
				ColumnsProcessed: processed,
			},
		}, nil

	default: // PASS
		return &Response{
			Type:            TypePass,
			OriginalQuery:   sql,
			ProtectedResult: raw.Data,
			RowCount:        raw.RowCount,
			PrivacyInfo:     &PrivacyInfo{Method: "None"},
		}, nil
	}
}

func (d *Driver) recordPhase(queryID string, phase performance.Phase, start time.Time) {
	if d.monitor != nil {
		d.monitor.RecordPhase(queryID, phase, time.Since(start))
	}
	if d.metrics != nil {
		d.metrics.ObservePhase(phase, time.Since(start).Seconds())
	}
}

// aggColumn extracts the argument of the first aggregate call, lowercased,
// for sensitivity lookup. "*" and expressions map to the empty column.
func aggColumn(sql string) string {
	m := reAggColumn.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	col := strings.ToLower(strings.TrimSpace(m[1]))
	if col == "*" {
		return ""
	}
	if i := strings.LastIndex(col, "."); i >= 0 {
		col = col[i+1:]
	}
	return col
}

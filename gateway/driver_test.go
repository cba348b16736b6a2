// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/veil/analyzer"
	"axonflow/veil/audit"
	"axonflow/veil/budget"
	"axonflow/veil/executor"
	"axonflow/veil/performance"
	"axonflow/veil/policy"
	"axonflow/veil/privacy/dp"
	"axonflow/veil/shared/types"
)

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, sql string, a *analyzer.AnalysisResult, d *policy.Decision, qctx *types.QueryContext) (*executor.QueryResult, error) {
	return nil, errors.New("backend unavailable")
}

func newTestEngine(mutate func(*policy.Config)) *policy.Engine {
	cfg := policy.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return policy.NewEngine(policy.NewConfigManagerFromConfig(cfg))
}

func newTestDriver(t *testing.T, defaultBudget float64, opts ...DriverOption) (*Driver, *audit.Logger, *budget.Manager) {
	t.Helper()
	auditLog := audit.NewLogger()
	budgetMgr := budget.NewManager(defaultBudget)
	base := []DriverOption{
		WithBudgetManager(budgetMgr),
		WithMechanisms(dp.NewMechanismsWithSeed(7)),
	}
	d := NewDriver(executor.NewMockExecutor(), newTestEngine(nil), auditLog, append(base, opts...)...)
	return d, auditLog, budgetMgr
}

func TestDriverAggregateUnderDP(t *testing.T) {
	d, auditLog, budgetMgr := newTestDriver(t, 1.0)

	resp := d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypeDP, resp.Type)
	require.NotNil(t, resp.PrivacyInfo)
	assert.Equal(t, 1.0, resp.PrivacyInfo.Epsilon)
	assert.Equal(t, "Laplace", resp.PrivacyInfo.Method)

	noised, ok := resp.ProtectedResult.(float64)
	require.True(t, ok)
	assert.False(t, noised != noised, "noised result must be finite")

	status := budgetMgr.GetBudgetStatus("alice")
	assert.Equal(t, 0.0, status.RemainingBudget)
	require.NotNil(t, resp.PrivacyInfo.BudgetStatus)
	assert.Equal(t, 0.0, resp.PrivacyInfo.BudgetStatus.RemainingBudget)

	stats := auditLog.GetStatistics()
	assert.Equal(t, 1, stats.ByEventType[audit.EventBudgetConsumed])
	assert.Equal(t, 1, stats.ByEventType[audit.EventPrivacyApplied])
}

func TestDriverDeIDOnSensitiveColumns(t *testing.T) {
	d, _, _ := newTestDriver(t, 1.0)

	resp := d.ProcessQuery(context.Background(), "SELECT name, email FROM users", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypeDeID, resp.Type)
	assert.Equal(t, []string{"name", "email"}, resp.PrivacyInfo.ColumnsProcessed)

	records, ok := resp.ProtectedResult.([]map[string]interface{})
	require.True(t, ok)
	require.NotEmpty(t, records)
	assert.Equal(t, "A****", records[0]["name"])
	assert.Equal(t, "a***@x.com", records[0]["email"])
}

func TestDriverBudgetExhaustion(t *testing.T) {
	d, _, budgetMgr := newTestDriver(t, 0.3)

	resp := d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypeBudgetError, resp.Type)
	assert.Equal(t, reasonInsufficientBudget, resp.Error)
	assert.Nil(t, resp.ProtectedResult)
	require.NotNil(t, resp.PrivacyInfo.RemainingBudget)
	assert.Equal(t, 0.3, *resp.PrivacyInfo.RemainingBudget)
	assert.Equal(t, 1.0, *resp.PrivacyInfo.RequestedBudget)

	// The denied request appends no transaction.
	assert.Empty(t, budgetMgr.GetBudgetHistory("alice", 0))
}

func TestDriverConcurrentDPAdmitsSinglePayer(t *testing.T) {
	d, auditLog, budgetMgr := newTestDriver(t, 1.0)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ResponseType, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))
			results[i] = resp.Type
		}(i)
	}
	wg.Wait()

	// With budget for one query, exactly one request pays and answers;
	// every loser gets a budget error, never an unpaid noised result.
	dpCount, budgetErrCount := 0, 0
	for _, rt := range results {
		switch rt {
		case TypeDP:
			dpCount++
		case TypeBudgetError:
			budgetErrCount++
		}
	}
	assert.Equal(t, 1, dpCount)
	assert.Equal(t, workers-1, budgetErrCount)

	// One DP answer, one debit, one consumed event.
	assert.Len(t, budgetMgr.GetBudgetHistory("alice", 0), 1)
	assert.Equal(t, 1, auditLog.GetStatistics().ByEventType[audit.EventBudgetConsumed])
	assert.Equal(t, 0.0, budgetMgr.GetBudgetStatus("alice").RemainingBudget)
}

func TestDriverRejectedRoleAccess(t *testing.T) {
	engine := newTestEngine(func(cfg *policy.Config) {
		cfg.Roles = map[string]policy.RoleConfig{
			"intern": {DeniedTables: []string{"salaries"}},
		}
	})
	auditLog := audit.NewLogger()
	d := NewDriver(executor.NewMockExecutor(), engine, auditLog)

	resp := d.ProcessQuery(context.Background(), "SELECT AVG(x) FROM salaries", types.NewQueryContext("alice", "intern"))

	require.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.Error, "salaries")
	assert.Equal(t, 1, auditLog.GetStatistics().RejectedQueries)
}

func TestDriverInvalidSQL(t *testing.T) {
	d, auditLog, _ := newTestDriver(t, 1.0)

	resp := d.ProcessQuery(context.Background(), "   ", types.NewQueryContext("alice", "analyst"))

	assert.Equal(t, TypeError, resp.Type)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, 1, auditLog.GetStatistics().RejectedQueries)
}

func TestDriverRefundsOnExecutorError(t *testing.T) {
	auditLog := audit.NewLogger()
	budgetMgr := budget.NewManager(1.0)
	d := NewDriver(failingExecutor{}, newTestEngine(nil), auditLog,
		WithBudgetManager(budgetMgr),
		WithMechanisms(dp.NewMechanismsWithSeed(7)))

	resp := d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.Error, "backend unavailable")

	// The debit was compensated and both sides are in the audit chain.
	assert.Equal(t, 1.0, budgetMgr.GetBudgetStatus("alice").RemainingBudget)
	stats := auditLog.GetStatistics()
	assert.Equal(t, 1, stats.ByEventType[audit.EventBudgetConsumed])
	assert.Equal(t, 1, stats.ByEventType[audit.EventBudgetReset])
}

func TestDriverKeepsDebitWithoutRefund(t *testing.T) {
	budgetMgr := budget.NewManager(1.0)
	d := NewDriver(failingExecutor{}, newTestEngine(nil), audit.NewLogger(),
		WithBudgetManager(budgetMgr),
		WithMechanisms(dp.NewMechanismsWithSeed(7)),
		WithoutRefundOnError())

	resp := d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypeError, resp.Type)
	assert.Equal(t, 0.0, budgetMgr.GetBudgetStatus("alice").RemainingBudget)
}

func TestDriverPassthrough(t *testing.T) {
	engine := newTestEngine(func(cfg *policy.Config) {
		cfg.SensitiveColumns = nil
	})
	d := NewDriver(executor.NewMockExecutor(), engine, audit.NewLogger())

	resp := d.ProcessQuery(context.Background(), "SELECT status FROM orders", types.NewQueryContext("alice", "analyst"))

	require.Equal(t, TypePass, resp.Type)
	records := resp.ProtectedResult.([]map[string]interface{})
	assert.Equal(t, "shipped", records[0]["status"])
}

func TestDriverCachesDeIDResponses(t *testing.T) {
	cache := performance.NewQueryCache()
	d, _, _ := newTestDriver(t, 1.0, WithCache(cache))

	first := d.ProcessQuery(context.Background(), "SELECT name FROM users", types.NewQueryContext("alice", "analyst"))
	require.Equal(t, TypeDeID, first.Type)

	second := d.ProcessQuery(context.Background(), "SELECT name FROM users", types.NewQueryContext("alice", "analyst"))
	assert.Equal(t, first, second)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestDriverDoesNotCacheDPResponses(t *testing.T) {
	cache := performance.NewQueryCache()
	d, _, budgetMgr := newTestDriver(t, 10.0, WithCache(cache))

	d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))
	d.ProcessQuery(context.Background(), "SELECT COUNT(*) FROM users", types.NewQueryContext("alice", "analyst"))

	// Both requests paid: no cached replay of noise.
	assert.Equal(t, 8.0, budgetMgr.GetBudgetStatus("alice").RemainingBudget)
	assert.Equal(t, int64(0), cache.Stats().Hits)
}

func TestDriverStoresSensitivityUplift(t *testing.T) {
	d, _, _ := newTestDriver(t, 10.0)
	qctx := types.NewQueryContext("alice", "analyst")

	d.ProcessQuery(context.Background(),
		"SELECT COUNT(*) FROM users u JOIN orders o ON u.id = o.user_id", qctx)

	uplift, ok := qctx.Metadata["multi_table_sensitivity"].(float64)
	require.True(t, ok)
	assert.Equal(t, 1.5, uplift)
}

func TestMultiTableSensitivity(t *testing.T) {
	a := analyzer.New()

	tests := []struct {
		name string
		sql  string
		want float64
	}{
		{"plain", "SELECT COUNT(*) FROM users", 1.0},
		{"one inner join", "SELECT COUNT(*) FROM a JOIN b ON a.id = b.id", 1.5},
		{"outer join", "SELECT COUNT(*) FROM a LEFT JOIN b ON a.id = b.id", 1.5 * 1.2},
		{"subquery", "SELECT COUNT(*) FROM a WHERE id IN (SELECT id FROM b)", 1.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := a.Analyze(tt.sql)
			require.True(t, result.IsValid)
			assert.InDelta(t, tt.want, multiTableSensitivity(result), 1e-9)
		})
	}
}

func TestResolveDeIDMethod(t *testing.T) {
	assert.Equal(t, "mask_name", resolveDeIDMethod("name", "hash"))
	assert.Equal(t, "mask_email", resolveDeIDMethod("email", ""))
	assert.Equal(t, "mask_phone", resolveDeIDMethod("mobile", "mask"))
	assert.Equal(t, "hash", resolveDeIDMethod("ssn", "hash"))
	assert.Equal(t, "hash", resolveDeIDMethod("address", "hash"))
	assert.Equal(t, "suppress", resolveDeIDMethod("name", "suppress"))
}

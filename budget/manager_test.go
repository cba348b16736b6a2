// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckBudgetAllows(t *testing.T) {
	m := NewManager(10)

	result := m.CheckBudget("alice", 1.0)

	assert.True(t, result.Allowed)
	assert.Equal(t, 10.0, result.Remaining)
	assert.Equal(t, 1.0, result.Requested)
}

func TestCheckBudgetRejectsInvalidEpsilon(t *testing.T) {
	m := NewManager(10)

	assert.False(t, m.CheckBudget("alice", 0).Allowed)
	assert.False(t, m.CheckBudget("alice", -1).Allowed)
}

func TestConsumeBudgetDebitsAndRecords(t *testing.T) {
	m := NewManager(10)

	ok := m.ConsumeBudget("alice", 2.5, "q1", "SELECT COUNT(*) FROM users", "laplace")
	require.True(t, ok)

	status := m.GetBudgetStatus("alice")
	assert.Equal(t, 2.5, status.ConsumedBudget)
	assert.Equal(t, 7.5, status.RemainingBudget)
	assert.Equal(t, 1, status.TransactionCount)

	history := m.GetBudgetHistory("alice", 10)
	require.Len(t, history, 1)
	assert.Equal(t, "q1", history[0].QueryID)
	assert.Equal(t, 2.5, history[0].EpsilonConsumed)
	assert.Equal(t, "laplace", history[0].Mechanism)
	assert.Len(t, history[0].QueryHash, 16)
}

func TestConsumeBudgetInsufficientNoSideEffect(t *testing.T) {
	m := NewManager(1)

	assert.False(t, m.ConsumeBudget("alice", 1.5, "q1", "SELECT COUNT(*) FROM users", "laplace"))

	status := m.GetBudgetStatus("alice")
	assert.Equal(t, 0.0, status.ConsumedBudget)
	assert.Equal(t, 0, status.TransactionCount)
}

func TestConsumeBudgetExactRemaining(t *testing.T) {
	m := NewManager(1)

	assert.True(t, m.ConsumeBudget("alice", 1.0, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	assert.Equal(t, 0.0, m.GetBudgetStatus("alice").RemainingBudget)
	assert.False(t, m.ConsumeBudget("alice", 0.01, "q2", "SELECT COUNT(*) FROM t", "laplace"))
}

func TestBudgetNeverNegative(t *testing.T) {
	m := NewManager(5)

	for i := 0; i < 20; i++ {
		m.ConsumeBudget("alice", 0.7, "q", "SELECT COUNT(*) FROM t", "laplace")
	}

	status := m.GetBudgetStatus("alice")
	assert.GreaterOrEqual(t, status.RemainingBudget, 0.0)
	assert.LessOrEqual(t, status.ConsumedBudget, status.TotalBudget)
}

func TestSequentialComposition(t *testing.T) {
	m := NewManager(10)

	epsilons := []float64{0.5, 1.0, 0.25, 2.0}
	total := 0.0
	for i, eps := range epsilons {
		require.True(t, m.ConsumeBudget("alice", eps, "q", "SELECT COUNT(*) FROM t", "laplace"))
		total += eps
		assert.InDelta(t, total, m.GetBudgetStatus("alice").ConsumedBudget, 1e-9, "after %d debits", i+1)
	}
}

func TestRefundBudget(t *testing.T) {
	m := NewManager(10)

	require.True(t, m.ConsumeBudget("alice", 3.0, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	require.NoError(t, m.RefundBudget("alice", 3.0))

	assert.Equal(t, 0.0, m.GetBudgetStatus("alice").ConsumedBudget)

	// Refund clamps at zero.
	require.NoError(t, m.RefundBudget("alice", 5.0))
	assert.Equal(t, 0.0, m.GetBudgetStatus("alice").ConsumedBudget)
}

func TestRefundBudgetUnknownUser(t *testing.T) {
	m := NewManager(10)

	assert.ErrorIs(t, m.RefundBudget("nobody", 1.0), ErrUnknownUser)
	assert.ErrorIs(t, m.RefundBudget("nobody", 0), ErrInvalidEpsilon)
}

func TestScheduledResetDaily(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(10, WithClock(clock.Now))

	require.True(t, m.ConsumeBudget("alice", 4.0, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	assert.Equal(t, 4.0, m.GetBudgetStatus("alice").ConsumedBudget)

	clock.Advance(23 * time.Hour)
	assert.Equal(t, 4.0, m.GetBudgetStatus("alice").ConsumedBudget)

	clock.Advance(2 * time.Hour)
	status := m.GetBudgetStatus("alice")
	assert.Equal(t, 0.0, status.ConsumedBudget)
	assert.Equal(t, clock.Now(), status.LastReset)
}

func TestScheduledResetNever(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(10,
		WithClock(clock.Now),
		WithDefaultSchedule(ResetSchedule{Frequency: ResetNever}),
	)

	require.True(t, m.ConsumeBudget("alice", 4.0, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	clock.Advance(365 * 24 * time.Hour)

	assert.Equal(t, 4.0, m.GetBudgetStatus("alice").ConsumedBudget)
}

func TestResetIdempotent(t *testing.T) {
	m := NewManager(10)

	require.True(t, m.ConsumeBudget("alice", 2.0, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	m.ResetBudget("alice")
	m.ResetBudget("alice")

	assert.Equal(t, 0.0, m.GetBudgetStatus("alice").ConsumedBudget)
	assert.Equal(t, 10.0, m.GetBudgetStatus("alice").RemainingBudget)
}

func TestRoleBudgets(t *testing.T) {
	m := NewManager(10, WithRoleBudgets(map[string]float64{
		"analyst": 50,
		"intern":  2,
		"default": 999, // overridden by the constructor default
	}))

	assert.Equal(t, 50.0, m.EnsureAccount("a", "analyst").TotalBudget)
	assert.Equal(t, 2.0, m.EnsureAccount("b", "intern").TotalBudget)
	assert.Equal(t, 10.0, m.EnsureAccount("c", "default").TotalBudget)
	assert.Equal(t, 10.0, m.EnsureAccount("d", "unknown-role").TotalBudget)
}

func TestSetBudgetAndSchedule(t *testing.T) {
	m := NewManager(10)

	require.NoError(t, m.SetBudget("alice", 25))
	assert.Equal(t, 25.0, m.GetBudgetStatus("alice").TotalBudget)
	assert.Error(t, m.SetBudget("alice", -1))

	require.NoError(t, m.SetResetSchedule("alice", ResetSchedule{Frequency: ResetWeekly}))
	assert.Equal(t, ResetWeekly, m.GetBudgetStatus("alice").ResetSchedule.Frequency)
	assert.ErrorIs(t, m.SetResetSchedule("alice", ResetSchedule{Frequency: "HOURLY"}), ErrInvalidSchedule)
}

func TestHistoryNewestFirstAndLimit(t *testing.T) {
	m := NewManager(100)

	for _, q := range []string{"q1", "q2", "q3"} {
		require.True(t, m.ConsumeBudget("alice", 1, q, "SELECT COUNT(*) FROM t", "laplace"))
	}

	history := m.GetBudgetHistory("alice", 2)
	require.Len(t, history, 2)
	assert.Equal(t, "q3", history[0].QueryID)
	assert.Equal(t, "q2", history[1].QueryID)

	all := m.GetBudgetHistory("alice", 0)
	assert.Len(t, all, 3)
}

func TestQueryHashNormalization(t *testing.T) {
	a := QueryHash("SELECT  COUNT(*)\nFROM users")
	b := QueryHash("select count(*) from users")

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, QueryHash("select count(*) from orders"))
}

func TestCheckAndConsumeSinglePayer(t *testing.T) {
	m := NewManager(1)

	first := m.CheckAndConsume("alice", 1.0, "q1", "SELECT COUNT(*) FROM t", "laplace")
	require.True(t, first.Allowed)
	assert.Equal(t, 0.0, first.Remaining)

	second := m.CheckAndConsume("alice", 1.0, "q2", "SELECT COUNT(*) FROM t", "laplace")
	assert.False(t, second.Allowed)
	assert.Equal(t, 0.0, second.Remaining)
	assert.Equal(t, 1.0, second.Requested)
	assert.Contains(t, second.Message, "insufficient budget")

	// Exactly one debit paid for exactly one admission.
	assert.Len(t, m.GetBudgetHistory("alice", 0), 1)
}

func TestCheckAndConsumeConcurrentAdmitsExactBudget(t *testing.T) {
	m := NewManager(1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.CheckAndConsume("alice", 0.25, "q", "SELECT COUNT(*) FROM t", "laplace").Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, granted)
	assert.Len(t, m.GetBudgetHistory("alice", 0), 4)
	assert.Equal(t, 1.0, m.GetBudgetStatus("alice").ConsumedBudget)
}

func TestConsumeAndResetObservers(t *testing.T) {
	m := NewManager(10)

	var consumed []float64
	resets := 0
	m.OnConsume(func(userID string, epsilon float64) {
		assert.Equal(t, "alice", userID)
		consumed = append(consumed, epsilon)
	})
	m.OnReset(func(userID string) {
		assert.Equal(t, "alice", userID)
		resets++
	})

	require.True(t, m.ConsumeBudget("alice", 1.5, "q1", "SELECT COUNT(*) FROM t", "laplace"))
	assert.False(t, m.ConsumeBudget("alice", 100, "q2", "SELECT COUNT(*) FROM t", "laplace"))
	m.ResetBudget("alice")

	// Only the successful debit is observed.
	assert.Equal(t, []float64{1.5}, consumed)
	assert.Equal(t, 1, resets)
}

func TestApplyExternalDoesNotNotifyObservers(t *testing.T) {
	m := NewManager(10)

	observed := 0
	m.OnConsume(func(string, float64) { observed++ })
	m.OnReset(func(string) { observed++ })

	m.ApplyExternalConsume("alice", 2.0)
	assert.Equal(t, 2.0, m.GetBudgetStatus("alice").ConsumedBudget)

	m.ApplyExternalState("alice", 7.5)
	assert.Equal(t, 7.5, m.GetBudgetStatus("alice").ConsumedBudget)

	m.ApplyExternalReset("alice")
	assert.Equal(t, 0.0, m.GetBudgetStatus("alice").ConsumedBudget)

	assert.Zero(t, observed)
	assert.Empty(t, m.GetBudgetHistory("alice", 0))
}

func TestConcurrentConsumeNeverOversubscribes(t *testing.T) {
	m := NewManager(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ConsumeBudget("alice", 1.0, "q", "SELECT COUNT(*) FROM t", "laplace") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	status := m.GetBudgetStatus("alice")
	assert.Equal(t, 10.0, status.ConsumedBudget)
	assert.Equal(t, 0.0, status.RemainingBudget)
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/veil/budget"
)

// bridgedPair wires two manager+sync pairs; ops flushed on one side are
// shuttled into the other by the returned functions.
func bridgedPair(t *testing.T) (mgrA, mgrB *budget.Manager, flushAtoB, flushBtoA func()) {
	t.Helper()

	mgrA = budget.NewManager(10)
	mgrB = budget.NewManager(10)
	syncA := NewBudgetSync("inst-a")
	syncB := NewBudgetSync("inst-b")
	NewBudgetBridge(mgrA, syncA)
	NewBudgetBridge(mgrB, syncB)

	shuttle := func(from, to *BudgetSync) func() {
		from.OnSync(func(ops []SyncOperation) {
			for _, op := range ops {
				to.ApplyRemoteOperation(op)
			}
		})
		return from.Flush
	}
	return mgrA, mgrB, shuttle(syncA, syncB), shuttle(syncB, syncA)
}

func TestBridgeMirrorsDebitsAcrossManagers(t *testing.T) {
	mgrA, mgrB, flushAtoB, _ := bridgedPair(t)

	require.True(t, mgrA.ConsumeBudget("alice", 2.5, "q1", "SELECT COUNT(*) FROM users", "laplace"))
	flushAtoB()

	status := mgrB.GetBudgetStatus("alice")
	assert.Equal(t, 2.5, status.ConsumedBudget)
	assert.Equal(t, 7.5, status.RemainingBudget)

	// The peer holds no transaction; the originator does.
	assert.Empty(t, mgrB.GetBudgetHistory("alice", 0))
	assert.Len(t, mgrA.GetBudgetHistory("alice", 0), 1)
}

func TestBridgeMirrorsResets(t *testing.T) {
	mgrA, mgrB, flushAtoB, flushBtoA := bridgedPair(t)

	require.True(t, mgrA.ConsumeBudget("alice", 3.0, "q1", "SELECT COUNT(*) FROM users", "laplace"))
	flushAtoB()
	require.Equal(t, 3.0, mgrB.GetBudgetStatus("alice").ConsumedBudget)

	mgrB.ResetBudget("alice")
	flushBtoA()

	assert.Equal(t, 0.0, mgrA.GetBudgetStatus("alice").ConsumedBudget)
	assert.Equal(t, 0.0, mgrB.GetBudgetStatus("alice").ConsumedBudget)
}

func TestBridgeDebitsAccumulateFromBothSides(t *testing.T) {
	mgrA, mgrB, flushAtoB, flushBtoA := bridgedPair(t)

	require.True(t, mgrA.ConsumeBudget("alice", 1.0, "q1", "SELECT COUNT(*) FROM users", "laplace"))
	require.True(t, mgrB.ConsumeBudget("alice", 2.0, "q2", "SELECT COUNT(*) FROM users", "laplace"))
	flushAtoB()
	flushBtoA()

	assert.Equal(t, 3.0, mgrA.GetBudgetStatus("alice").ConsumedBudget)
	assert.Equal(t, 3.0, mgrB.GetBudgetStatus("alice").ConsumedBudget)
}

func TestBridgeAppliesReconciledState(t *testing.T) {
	mgr := budget.NewManager(10)
	sync := NewBudgetSync("inst-a")
	NewBudgetBridge(mgr, sync)
	sync.EnsureUser("alice", 10)

	sync.SyncState(map[string]BudgetState{
		"alice": {Total: 10, Consumed: 6.5, Version: 9},
	})

	assert.Equal(t, 6.5, mgr.GetBudgetStatus("alice").ConsumedBudget)
}

func TestBridgeOverRedisConvergesManagers(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	mgrA := budget.NewManager(10)
	mgrB := budget.NewManager(10)
	syncA := NewBudgetSync("inst-a")
	syncB := NewBudgetSync("inst-b")
	NewBudgetBridge(mgrA, syncA)
	NewBudgetBridge(mgrB, syncB)

	ta, err := NewRedisTransport(url, "test:bridge", syncA)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ta.Close() })
	tb, err := NewRedisTransport(url, "test:bridge", syncB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tb.Close() })

	ta.Start()
	tb.Start()

	require.True(t, mgrA.ConsumeBudget("alice", 0.5, "q1", "SELECT COUNT(*) FROM users", "laplace"))
	syncA.Flush()

	assert.Eventually(t, func() bool {
		return mgrB.GetBudgetStatus("alice").ConsumedBudget == 0.5
	}, 2*time.Second, 10*time.Millisecond)

	// The originator's own echo does not double-debit.
	assert.Equal(t, 0.5, mgrA.GetBudgetStatus("alice").ConsumedBudget)
}

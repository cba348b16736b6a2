// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetSyncConsumeUpdatesStateAndQueuesOp(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)

	require.NoError(t, s.Consume("alice", 0.5, time.Second))

	state, ok := s.GetState("alice")
	require.True(t, ok)
	assert.Equal(t, 0.5, state.Consumed)
	assert.Equal(t, int64(1), state.Version)

	var delivered []SyncOperation
	s.OnSync(func(ops []SyncOperation) { delivered = append(delivered, ops...) })
	s.Flush()

	require.Len(t, delivered, 1)
	assert.Equal(t, OpConsume, delivered[0].Op)
	assert.Equal(t, 0.5, delivered[0].Amount)
	assert.Equal(t, "inst-a", delivered[0].SourceInstance)
	assert.NotEmpty(t, delivered[0].OperationID)

	// The buffer drains on flush.
	s.Flush()
	assert.Len(t, delivered, 1)
}

func TestBudgetSyncConsumeValidation(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)

	assert.Error(t, s.Consume("alice", 0, time.Second))
	assert.Error(t, s.Consume("alice", -1, time.Second))
	assert.ErrorIs(t, s.Consume("nobody", 0.5, time.Second), ErrUnknownUser)
}

func TestBudgetSyncReset(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)
	require.NoError(t, s.Consume("alice", 2, time.Second))

	require.NoError(t, s.Reset("alice", time.Second))

	state, _ := s.GetState("alice")
	assert.Equal(t, 0.0, state.Consumed)
	assert.Equal(t, int64(2), state.Version)
}

func TestBudgetSyncApplyRemoteOperation(t *testing.T) {
	s := NewBudgetSync("inst-a")

	op := SyncOperation{
		OperationID:    "op-1",
		UserID:         "alice",
		Op:             OpConsume,
		Amount:         1.5,
		SourceInstance: "inst-b",
		Timestamp:      time.Now(),
	}
	s.ApplyRemoteOperation(op)

	state, ok := s.GetState("alice")
	require.True(t, ok)
	assert.Equal(t, 1.5, state.Consumed)

	// Redelivery of the same operation id is idempotent.
	s.ApplyRemoteOperation(op)
	state, _ = s.GetState("alice")
	assert.Equal(t, 1.5, state.Consumed)
}

func TestBudgetSyncIgnoresOwnOperations(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)

	s.ApplyRemoteOperation(SyncOperation{
		OperationID:    "op-self",
		UserID:         "alice",
		Op:             OpConsume,
		Amount:         3,
		SourceInstance: "inst-a",
	})

	state, _ := s.GetState("alice")
	assert.Equal(t, 0.0, state.Consumed)
}

func TestBudgetSyncRemoteReset(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)
	require.NoError(t, s.Consume("alice", 4, time.Second))

	s.ApplyRemoteOperation(SyncOperation{
		OperationID:    "op-reset",
		UserID:         "alice",
		Op:             OpReset,
		SourceInstance: "inst-b",
	})

	state, _ := s.GetState("alice")
	assert.Equal(t, 0.0, state.Consumed)
}

func TestBudgetSyncStateReconciliation(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.EnsureUser("alice", 10)
	require.NoError(t, s.Consume("alice", 1, time.Second)) // version 1

	// Higher remote version wins.
	s.SyncState(map[string]BudgetState{
		"alice": {Total: 10, Consumed: 5, Version: 3},
	})
	state, _ := s.GetState("alice")
	assert.Equal(t, 5.0, state.Consumed)
	assert.Equal(t, int64(3), state.Version)

	// Lower remote version is ignored.
	s.SyncState(map[string]BudgetState{
		"alice": {Total: 10, Consumed: 0, Version: 2},
	})
	state, _ = s.GetState("alice")
	assert.Equal(t, 5.0, state.Consumed)

	// Version tie: the larger consumed value wins.
	s.SyncState(map[string]BudgetState{
		"alice": {Total: 10, Consumed: 7, Version: 3},
	})
	state, _ = s.GetState("alice")
	assert.Equal(t, 7.0, state.Consumed)

	// Tie with smaller consumed is ignored.
	s.SyncState(map[string]BudgetState{
		"alice": {Total: 10, Consumed: 2, Version: 3},
	})
	state, _ = s.GetState("alice")
	assert.Equal(t, 7.0, state.Consumed)

	// Unknown users are adopted wholesale.
	s.SyncState(map[string]BudgetState{
		"bob": {Total: 5, Consumed: 1, Version: 1},
	})
	state, ok := s.GetState("bob")
	require.True(t, ok)
	assert.Equal(t, 1.0, state.Consumed)
}

func TestBudgetSyncAdvisoryLock(t *testing.T) {
	a := NewBudgetSync("inst-a", WithLockTimeout(50*time.Millisecond))

	require.True(t, a.AcquireLock("alice", 10*time.Millisecond))
	// Re-entrant for the same holder.
	require.True(t, a.AcquireLock("alice", 10*time.Millisecond))

	// A different holder cannot take an unexpired lock.
	b := NewBudgetSync("inst-b")
	b.mu.Lock()
	b.locks["alice"] = &userLock{holder: "inst-a", expiresAt: time.Now().Add(time.Minute)}
	b.mu.Unlock()
	assert.False(t, b.AcquireLock("alice", 30*time.Millisecond))

	// An expired lock may be taken over.
	b.mu.Lock()
	b.locks["alice"] = &userLock{holder: "inst-a", expiresAt: time.Now().Add(-time.Second)}
	b.mu.Unlock()
	assert.True(t, b.AcquireLock("alice", 10*time.Millisecond))
}

func TestBudgetSyncReleaseOnlyByHolder(t *testing.T) {
	s := NewBudgetSync("inst-a")
	s.mu.Lock()
	s.locks["alice"] = &userLock{holder: "inst-b", expiresAt: time.Now().Add(time.Minute)}
	s.mu.Unlock()

	s.ReleaseLock("alice")

	s.mu.Lock()
	_, stillHeld := s.locks["alice"]
	s.mu.Unlock()
	assert.True(t, stillHeld)
}

func TestBudgetSyncBackgroundLoop(t *testing.T) {
	s := NewBudgetSync("inst-a", WithSyncInterval(10*time.Millisecond))
	s.EnsureUser("alice", 10)

	delivered := make(chan []SyncOperation, 1)
	s.OnSync(func(ops []SyncOperation) {
		select {
		case delivered <- ops:
		default:
		}
	})

	s.Start()
	defer s.Stop()
	require.NoError(t, s.Consume("alice", 1, time.Second))

	select {
	case ops := <-delivered:
		require.Len(t, ops, 1)
		assert.Equal(t, "alice", ops[0].UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("sync loop never delivered pending operations")
	}
}

func TestBudgetSyncStopIdempotent(t *testing.T) {
	s := NewBudgetSync("inst-a", WithSyncInterval(10*time.Millisecond))
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

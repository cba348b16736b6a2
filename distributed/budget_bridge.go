// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"time"

	"axonflow/veil/budget"
	"axonflow/veil/shared/logger"
)

const defaultBridgeLockWait = time.Second

// BudgetBridge keeps a budget.Manager and a BudgetSync convergent. Local
// debits and explicit resets are mirrored into the sync log for the peers;
// operations arriving from peers, and states adopted during reconciliation,
// are folded back into the manager's accounts.
//
// Refunds stay local until the next full-state reconciliation; the sync log
// carries only consume and reset operations.
type BudgetBridge struct {
	mgr      *budget.Manager
	sync     *BudgetSync
	lockWait time.Duration
	log      *logger.Logger
}

// BridgeOption customizes a BudgetBridge.
type BridgeOption func(*BudgetBridge)

// WithBridgeLockWait bounds how long a mirrored operation waits for the
// advisory lock.
func WithBridgeLockWait(d time.Duration) BridgeOption {
	return func(b *BudgetBridge) {
		if d > 0 {
			b.lockWait = d
		}
	}
}

// NewBudgetBridge wires the manager and the sync together in both
// directions. The bridge registers itself; the returned value only needs to
// be retained if the caller wants to inspect it.
func NewBudgetBridge(mgr *budget.Manager, bs *BudgetSync, opts ...BridgeOption) *BudgetBridge {
	b := &BudgetBridge{
		mgr:      mgr,
		sync:     bs,
		lockWait: defaultBridgeLockWait,
		log:      logger.New("budget-bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}

	mgr.OnConsume(b.mirrorConsume)
	mgr.OnReset(b.mirrorReset)
	bs.OnApply(b.applyOperation)
	bs.OnStateChange(b.applyState)
	return b
}

func (b *BudgetBridge) mirrorConsume(userID string, epsilon float64) {
	status := b.mgr.GetBudgetStatus(userID)
	b.sync.EnsureUser(userID, status.TotalBudget)
	if err := b.sync.Consume(userID, epsilon, b.lockWait); err != nil {
		b.log.ErrorWithErr(userID, "", "mirroring debit into sync log", err, nil)
	}
}

func (b *BudgetBridge) mirrorReset(userID string) {
	status := b.mgr.GetBudgetStatus(userID)
	b.sync.EnsureUser(userID, status.TotalBudget)
	if err := b.sync.Reset(userID, b.lockWait); err != nil {
		b.log.ErrorWithErr(userID, "", "mirroring reset into sync log", err, nil)
	}
}

// applyOperation folds a peer's operation into the manager. ApplyExternal
// methods do not notify observers, so applied operations never echo back
// into the sync log.
func (b *BudgetBridge) applyOperation(op SyncOperation) {
	switch op.Op {
	case OpConsume:
		b.mgr.ApplyExternalConsume(op.UserID, op.Amount)
	case OpReset:
		b.mgr.ApplyExternalReset(op.UserID)
	}
}

func (b *BudgetBridge) applyState(userID string, state BudgetState) {
	b.mgr.ApplyExternalState(userID, state.Consumed)
}

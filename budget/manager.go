// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/veil/shared/logger"
)

var (
	ErrInvalidEpsilon  = errors.New("epsilon must be positive")
	ErrUnknownUser     = errors.New("unknown budget account")
	ErrInvalidSchedule = errors.New("invalid reset schedule")
)

// RoleBudgetDefault is the role_budgets key replaced by the constructor's
// default budget so "default" stays consistent everywhere.
const RoleBudgetDefault = "default"

// ConsumeObserver receives every successful local debit. Observers run
// outside the manager lock and may call back into the Manager.
type ConsumeObserver func(userID string, epsilon float64)

// ResetObserver receives every explicit local reset. Scheduled resets are
// not observed; each instance runs its own schedule.
type ResetObserver func(userID string)

// Manager owns every budget account. All operations are serialized under one
// manager-wide lock; per-user locking is a deliberate non-feature until
// contention demands it.
type Manager struct {
	mu              sync.Mutex
	accounts        map[string]*Account
	history         map[string][]*Transaction
	defaultBudget   float64
	roleBudgets     map[string]float64
	defaultSchedule ResetSchedule
	now             func() time.Time

	consumeObs []ConsumeObserver
	resetObs   []ResetObserver

	log *logger.Logger
}

// ManagerOption customizes a Manager at construction.
type ManagerOption func(*Manager)

// WithRoleBudgets maps role names to total budgets. The "default" key is
// overridden by the constructor's default budget.
func WithRoleBudgets(budgets map[string]float64) ManagerOption {
	return func(m *Manager) {
		for role, b := range budgets {
			m.roleBudgets[role] = b
		}
		m.roleBudgets[RoleBudgetDefault] = m.defaultBudget
	}
}

// WithDefaultSchedule sets the reset schedule stamped on new accounts.
func WithDefaultSchedule(s ResetSchedule) ManagerOption {
	return func(m *Manager) {
		m.defaultSchedule = s
	}
}

// WithClock substitutes the time source; tests use it to drive resets.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager handing defaultBudget to every new account
// whose role carries no explicit budget.
func NewManager(defaultBudget float64, opts ...ManagerOption) *Manager {
	m := &Manager{
		accounts:        make(map[string]*Account),
		history:         make(map[string][]*Transaction),
		defaultBudget:   defaultBudget,
		roleBudgets:     map[string]float64{RoleBudgetDefault: defaultBudget},
		defaultSchedule: ResetSchedule{Frequency: ResetDaily},
		now:             time.Now,
		log:             logger.New("budget-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureAccount creates the account for userID if absent, applying the
// role's budget, and returns its current status.
func (m *Manager) EnsureAccount(userID, role string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.getOrCreate(userID, role)
	return m.statusLocked(acct)
}

// CheckBudget reports whether consuming epsilon would be allowed, applying
// any due reset first. It never debits.
func (m *Manager) CheckBudget(userID string, epsilon float64) *CheckResult {
	if epsilon <= 0 {
		return &CheckResult{
			Allowed:   false,
			Requested: epsilon,
			Message:   ErrInvalidEpsilon.Error(),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	m.resetIfDue(acct)

	remaining := acct.Remaining()
	if remaining < epsilon {
		return &CheckResult{
			Allowed:   false,
			Remaining: remaining,
			Requested: epsilon,
			Message:   fmt.Sprintf("insufficient budget: remaining %.4f, requested %.4f", remaining, epsilon),
		}
	}
	return &CheckResult{
		Allowed:   true,
		Remaining: remaining,
		Requested: epsilon,
	}
}

// ConsumeBudget atomically debits epsilon and appends a transaction. It
// returns false with no side effect when the remaining budget is
// insufficient or epsilon is not positive.
func (m *Manager) ConsumeBudget(userID string, epsilon float64, queryID, querySQL, mechanism string) bool {
	return m.CheckAndConsume(userID, epsilon, queryID, querySQL, mechanism).Allowed
}

// CheckAndConsume verifies and debits epsilon under a single lock
// acquisition, so two admitted checks can never share one payment. On
// refusal it returns the CheckResult CheckBudget would have returned and
// leaves the account untouched.
func (m *Manager) CheckAndConsume(userID string, epsilon float64, queryID, querySQL, mechanism string) *CheckResult {
	if epsilon <= 0 {
		return &CheckResult{
			Allowed:   false,
			Requested: epsilon,
			Message:   ErrInvalidEpsilon.Error(),
		}
	}

	m.mu.Lock()

	acct := m.getOrCreate(userID, "")
	m.resetIfDue(acct)

	remaining := acct.Remaining()
	if remaining < epsilon {
		m.mu.Unlock()
		return &CheckResult{
			Allowed:   false,
			Remaining: remaining,
			Requested: epsilon,
			Message:   fmt.Sprintf("insufficient budget: remaining %.4f, requested %.4f", remaining, epsilon),
		}
	}

	now := m.now()
	acct.ConsumedBudget += epsilon
	acct.UpdatedAt = now
	acct.Version++

	tx := &Transaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		QueryID:         queryID,
		EpsilonConsumed: epsilon,
		Timestamp:       now,
		QueryHash:       QueryHash(querySQL),
		Mechanism:       mechanism,
	}
	m.history[userID] = append([]*Transaction{tx}, m.history[userID]...)

	m.log.Debug(userID, queryID, "budget consumed", map[string]interface{}{
		"epsilon":   epsilon,
		"remaining": acct.Remaining(),
	})
	result := &CheckResult{
		Allowed:   true,
		Remaining: acct.Remaining(),
		Requested: epsilon,
	}
	obs := append([]ConsumeObserver(nil), m.consumeObs...)
	m.mu.Unlock()

	for _, o := range obs {
		o(userID, epsilon)
	}
	return result
}

// RefundBudget returns epsilon to the account, clamped at zero consumption.
// The driver uses it to undo a debit when the executor fails after the
// debit succeeded.
func (m *Manager) RefundBudget(userID string, epsilon float64) error {
	if epsilon <= 0 {
		return ErrInvalidEpsilon
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	acct.ConsumedBudget -= epsilon
	if acct.ConsumedBudget < 0 {
		acct.ConsumedBudget = 0
	}
	acct.UpdatedAt = m.now()
	acct.Version++

	m.log.Debug(userID, "", "budget refunded", map[string]interface{}{
		"epsilon":   epsilon,
		"remaining": acct.Remaining(),
	})
	return nil
}

// ResetBudget zeroes the account's consumption and stamps the reset time.
func (m *Manager) ResetBudget(userID string) {
	m.mu.Lock()
	acct := m.getOrCreate(userID, "")
	m.resetLocked(acct)
	obs := append([]ResetObserver(nil), m.resetObs...)
	m.mu.Unlock()

	for _, o := range obs {
		o(userID)
	}
}

// OnConsume registers an observer for successful local debits.
func (m *Manager) OnConsume(obs ConsumeObserver) {
	m.mu.Lock()
	m.consumeObs = append(m.consumeObs, obs)
	m.mu.Unlock()
}

// OnReset registers an observer for explicit local resets.
func (m *Manager) OnReset(obs ResetObserver) {
	m.mu.Lock()
	m.resetObs = append(m.resetObs, obs)
	m.mu.Unlock()
}

// ApplyExternalConsume folds a peer instance's debit into the account.
// Observers are not notified, so a mirrored operation cannot echo back into
// the sync log. No transaction is recorded; the originating instance holds
// the transaction.
func (m *Manager) ApplyExternalConsume(userID string, epsilon float64) {
	if epsilon <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	acct.ConsumedBudget += epsilon
	acct.UpdatedAt = m.now()
	acct.Version++
}

// ApplyExternalReset folds a peer instance's reset into the account without
// notifying observers.
func (m *Manager) ApplyExternalReset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	m.resetLocked(acct)
}

// ApplyExternalState adopts a reconciled consumed total for the account,
// clamped at zero. Used when full-state reconciliation overrides the local
// view.
func (m *Manager) ApplyExternalState(userID string, consumed float64) {
	if consumed < 0 {
		consumed = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	acct.ConsumedBudget = consumed
	acct.UpdatedAt = m.now()
	acct.Version++
}

// SetBudget replaces the account's total budget.
func (m *Manager) SetBudget(userID string, total float64) error {
	if total < 0 {
		return fmt.Errorf("total budget must be non-negative, got %g", total)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	acct.TotalBudget = total
	acct.UpdatedAt = m.now()
	acct.Version++
	return nil
}

// SetResetSchedule replaces the account's reset schedule.
func (m *Manager) SetResetSchedule(userID string, schedule ResetSchedule) error {
	if !schedule.Frequency.IsValid() {
		return fmt.Errorf("%w: frequency %q", ErrInvalidSchedule, schedule.Frequency)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	acct.ResetSchedule = schedule
	acct.UpdatedAt = m.now()
	acct.Version++
	return nil
}

// GetBudgetStatus returns the account summary, applying any due reset first.
func (m *Manager) GetBudgetStatus(userID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreate(userID, "")
	m.resetIfDue(acct)
	return m.statusLocked(acct)
}

// GetBudgetHistory returns up to limit transactions, newest first. A
// non-positive limit returns the full history.
func (m *Manager) GetBudgetHistory(userID string, limit int) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.history[userID]
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	out := make([]*Transaction, len(history))
	copy(out, history)
	return out
}

// Users returns the ids of every known account.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		users = append(users, id)
	}
	return users
}

func (m *Manager) getOrCreate(userID, role string) *Account {
	if acct, ok := m.accounts[userID]; ok {
		return acct
	}

	total := m.defaultBudget
	if role != "" {
		if b, ok := m.roleBudgets[role]; ok {
			total = b
		}
	}

	now := m.now()
	acct := &Account{
		UserID:        userID,
		TotalBudget:   total,
		Role:          role,
		ResetSchedule: m.defaultSchedule,
		LastReset:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.accounts[userID] = acct

	m.log.Info(userID, "", "budget account created", map[string]interface{}{
		"total_budget": total,
		"role":         role,
	})
	return acct
}

// resetIfDue resets consumption when the schedule's period has elapsed since
// the last reset. A zero LastReset is stamped without resetting.
func (m *Manager) resetIfDue(acct *Account) {
	now := m.now()
	if acct.LastReset.IsZero() {
		acct.LastReset = now
		return
	}

	period, ok := acct.ResetSchedule.Frequency.Period()
	if !ok {
		return
	}
	if now.Sub(acct.LastReset) >= period {
		m.resetLocked(acct)
	}
}

func (m *Manager) resetLocked(acct *Account) {
	acct.ConsumedBudget = 0
	acct.LastReset = m.now()
	acct.UpdatedAt = acct.LastReset
	acct.Version++

	m.log.Info(acct.UserID, "", "budget reset", map[string]interface{}{
		"total_budget": acct.TotalBudget,
	})
}

func (m *Manager) statusLocked(acct *Account) *Status {
	return &Status{
		UserID:           acct.UserID,
		TotalBudget:      acct.TotalBudget,
		ConsumedBudget:   acct.ConsumedBudget,
		RemainingBudget:  acct.Remaining(),
		Role:             acct.Role,
		ResetSchedule:    acct.ResetSchedule,
		LastReset:        acct.LastReset,
		TransactionCount: len(m.history[acct.UserID]),
	}
}

// QueryHash fingerprints a SQL statement: SHA-256 of the lowercased,
// whitespace-normalized text, truncated to 16 hex characters.
func QueryHash(sql string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(sql), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

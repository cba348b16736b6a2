// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"time"
)

// ResetFrequency is how often a budget account returns to zero consumption.
type ResetFrequency string

const (
	ResetDaily   ResetFrequency = "DAILY"
	ResetWeekly  ResetFrequency = "WEEKLY"
	ResetMonthly ResetFrequency = "MONTHLY"
	ResetNever   ResetFrequency = "NEVER"
)

// Period returns the reset interval; ok is false for NEVER.
func (f ResetFrequency) Period() (time.Duration, bool) {
	switch f {
	case ResetDaily:
		return 24 * time.Hour, true
	case ResetWeekly:
		return 7 * 24 * time.Hour, true
	case ResetMonthly:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// IsValid reports whether the frequency is one of the known values.
func (f ResetFrequency) IsValid() bool {
	switch f {
	case ResetDaily, ResetWeekly, ResetMonthly, ResetNever:
		return true
	}
	return false
}

// ResetSchedule describes when an account's consumption resets.
type ResetSchedule struct {
	Frequency ResetFrequency `json:"frequency"`
	Time      string         `json:"time,omitempty"`
	Timezone  string         `json:"timezone,omitempty"`
}

// Account is one user's privacy-budget ledger head.
type Account struct {
	UserID         string        `json:"user_id"`
	TotalBudget    float64       `json:"total_budget"`
	ConsumedBudget float64       `json:"consumed_budget"`
	Role           string        `json:"role,omitempty"`
	ResetSchedule  ResetSchedule `json:"reset_schedule"`
	LastReset      time.Time     `json:"last_reset"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int64         `json:"version"`
}

// Remaining returns the budget still available before the next reset.
func (a *Account) Remaining() float64 {
	return a.TotalBudget - a.ConsumedBudget
}

// Transaction records one budget debit. The history is append-only.
type Transaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	QueryID         string    `json:"query_id"`
	EpsilonConsumed float64   `json:"epsilon_consumed"`
	Timestamp       time.Time `json:"timestamp"`
	QueryHash       string    `json:"query_hash"`
	Mechanism       string    `json:"mechanism"`
}

// CheckResult is the outcome of a budget pre-check.
type CheckResult struct {
	Allowed   bool    `json:"allowed"`
	Remaining float64 `json:"remaining"`
	Requested float64 `json:"requested"`
	Message   string  `json:"message,omitempty"`
}

// Status is the externally visible account summary.
type Status struct {
	UserID           string        `json:"user_id"`
	TotalBudget      float64       `json:"total_budget"`
	ConsumedBudget   float64       `json:"consumed_budget"`
	RemainingBudget  float64       `json:"remaining_budget"`
	Role             string        `json:"role,omitempty"`
	ResetSchedule    ResetSchedule `json:"reset_schedule"`
	LastReset        time.Time     `json:"last_reset"`
	TransactionCount int           `json:"transaction_count"`
}

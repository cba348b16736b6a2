// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package budget tracks per-user differential-privacy budgets: atomic
// check-and-consume, scheduled resets, role-based allowances, and an
// append-only transaction history.
package budget

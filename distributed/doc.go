// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package distributed holds the multi-instance primitives: budget-state
// synchronization with per-user advisory locks and an operation log, the
// instance coordinator with heartbeat health checking, and the load
// balancer strategies.
//
// The advisory locks are TTL-based and explicitly not safe against
// adversarial clock skew between instances.
package distributed

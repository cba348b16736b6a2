// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package gateway is the serving layer: the query driver that runs the
// analyze/policy/budget/execute/transform pipeline, the HTTP API on top of
// it, and the JWT authentication middleware.
package gateway

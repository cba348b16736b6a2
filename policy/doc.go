// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package policy decides how each analyzed query must be protected. The
// ConfigManager loads and hot-reloads the rule document; the Engine maps an
// analysis result plus the caller's role to a PolicyDecision (PASS, DP, DEID,
// or REJECT) that the driver enforces.
package policy

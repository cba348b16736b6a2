// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package types holds the request-scoped types shared by the analyzer,
// policy, executor, and gateway layers.
package types

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package performance holds the gateway's hot-path supporting pieces: the
// LRU result cache, the per-phase performance monitor, and the sliding-window
// rate limiters (in-process and Redis-backed).
package performance

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package dp implements the differential-privacy primitives: the Laplace,
// Gaussian, exponential, and sparse-vector mechanisms, plus the sensitivity
// analyzer that calibrates them per aggregation and column.
//
// Mechanisms are nondeterministic by nature; every constructor accepts a
// seed variant so tests can pin the noise stream.
package dp

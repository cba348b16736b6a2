// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package deid provides the de-identification toolbox: per-value transforms
// (hashing, masking, generalization, format-preserving encryption, date
// shifting) and the k-anonymity and l-diversity group operators.
//
// All transforms are pure and deterministic so that repeated mediation of the
// same result set yields identical output.
package deid

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package executor defines the backend interface the query driver depends
// on, plus two implementations: a database/sql executor for Postgres and
// MySQL backends, and an in-memory mock for development and tests.
//
// Executors run only statements the policy engine did not reject; aggregate
// queries return a scalar, everything else a list of records.
package executor

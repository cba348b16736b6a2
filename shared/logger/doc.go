// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging for the veil gateway.
//
// Every log line carries the component name, the gateway instance id, and,
// when available, the user and query the line relates to. Output goes to
// stdout so the container runtime can capture it.
package logger

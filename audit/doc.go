// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package audit provides the tamper-evident audit log. Entries form a
// SHA-256 hash chain: each entry embeds the previous entry's hash and its
// own hash over a canonical rendering, so any in-place mutation breaks
// verification. The log is bounded; entries truncated from the head can be
// handed to an ArchiveSink for durable storage.
package audit

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventQuerySubmitted EventType = "QUERY_SUBMITTED"
	EventQueryAnalyzed  EventType = "QUERY_ANALYZED"
	EventPrivacyApplied EventType = "PRIVACY_APPLIED"
	EventQueryRejected  EventType = "QUERY_REJECTED"
	EventBudgetConsumed EventType = "BUDGET_CONSUMED"
	EventBudgetReset    EventType = "BUDGET_RESET"
	EventConfigChanged  EventType = "CONFIG_CHANGED"
	EventSystemError    EventType = "SYSTEM_ERROR"
)

// QueryEvent is the query-level payload attached to an entry.
type QueryEvent struct {
	QueryID   string   `json:"query_id"`
	SQL       string   `json:"sql,omitempty"`
	QueryHash string   `json:"query_hash,omitempty"`
	Tables    []string `json:"tables,omitempty"`
}

// PrivacyEvent is the protection-level payload attached to an entry.
type PrivacyEvent struct {
	QueryID     string   `json:"query_id,omitempty"`
	Method      string   `json:"method"`
	Epsilon     float64  `json:"epsilon,omitempty"`
	Delta       float64  `json:"delta,omitempty"`
	Sensitivity float64  `json:"sensitivity,omitempty"`
	Columns     []string `json:"columns,omitempty"`
}

// Entry is one link of the audit chain. Entries are immutable once appended.
type Entry struct {
	EntryID         string                 `json:"entry_id"`
	EventType       EventType              `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	UserID          string                 `json:"user_id,omitempty"`
	Query           *QueryEvent            `json:"query,omitempty"`
	Privacy         *PrivacyEvent          `json:"privacy,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	PreviousHash    string                 `json:"previous_hash"`
	EntryHash       string                 `json:"entry_hash"`
}

// QueryID returns the query id carried by either sub-event, if any.
func (e *Entry) QueryID() string {
	if e.Query != nil && e.Query.QueryID != "" {
		return e.Query.QueryID
	}
	if e.Privacy != nil {
		return e.Privacy.QueryID
	}
	return ""
}

// ComputeHash renders the entry without its own hash into canonical
// sorted-key JSON and returns the lowercase hex SHA-256 of that rendering.
func (e *Entry) ComputeHash() string {
	payload := map[string]interface{}{
		"entry_id":         e.EntryID,
		"event_type":       string(e.EventType),
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
		"user_id":          e.UserID,
		"rejection_reason": e.RejectionReason,
		"previous_hash":    e.PreviousHash,
	}
	if e.Query != nil {
		payload["query"] = map[string]interface{}{
			"query_id":   e.Query.QueryID,
			"sql":        e.Query.SQL,
			"query_hash": e.Query.QueryHash,
			"tables":     e.Query.Tables,
		}
	}
	if e.Privacy != nil {
		payload["privacy"] = map[string]interface{}{
			"query_id":    e.Privacy.QueryID,
			"method":      e.Privacy.Method,
			"epsilon":     e.Privacy.Epsilon,
			"delta":       e.Privacy.Delta,
			"sensitivity": e.Privacy.Sensitivity,
			"columns":     e.Privacy.Columns,
		}
	}
	if len(e.Metadata) > 0 {
		payload["metadata"] = e.Metadata
	}

	// encoding/json renders map keys in sorted order, which is the canonical
	// form the chain depends on.
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(e.EntryID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Statistics summarizes the retained log.
type Statistics struct {
	TotalEntries    int                `json:"total_entries"`
	ByEventType     map[EventType]int  `json:"by_event_type"`
	ByUser          map[string]int     `json:"by_user"`
	ByPrivacyMethod map[string]int     `json:"by_privacy_method"`
	RejectedQueries int                `json:"rejected_queries"`
	TotalEpsilon    float64            `json:"total_epsilon"`
}

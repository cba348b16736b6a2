// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"time"

	"github.com/google/uuid"
)

// AnonymousUser is the account every unauthenticated request is billed to.
const AnonymousUser = "anonymous"

// QueryContext carries the caller identity and per-request metadata through
// the mediation pipeline. Metadata is written by pipeline stages (for example
// the effective multi-table sensitivity) and surfaced in the response.
type QueryContext struct {
	UserID    string                 `json:"user_id,omitempty"`
	UserRole  string                 `json:"user_role,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewQueryContext creates a context with a fresh request id.
func NewQueryContext(userID, userRole string) *QueryContext {
	return &QueryContext{
		UserID:    userID,
		UserRole:  userRole,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

// EffectiveUser returns the budget account the request is billed to.
func (c *QueryContext) EffectiveUser() string {
	if c == nil || c.UserID == "" {
		return AnonymousUser
	}
	return c.UserID
}

// SetMetadata records a pipeline-produced value on the context.
func (c *QueryContext) SetMetadata(key string, value interface{}) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata[key] = value
}

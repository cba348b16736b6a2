// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import "axonflow/veil/budget"

// ResponseType labels what protection the pipeline applied.
type ResponseType string

const (
	TypeDP          ResponseType = "DP"
	TypeDeID        ResponseType = "DeID"
	TypePass        ResponseType = "PASS"
	TypeError       ResponseType = "ERROR"
	TypeBudgetError ResponseType = "BUDGET_ERROR"
)

// PrivacyInfo describes the protection parameters of a response.
type PrivacyInfo struct {
	Method           string         `json:"method,omitempty"`
	Epsilon          float64        `json:"epsilon,omitempty"`
	Delta            float64        `json:"delta,omitempty"`
	Sensitivity      float64        `json:"sensitivity,omitempty"`
	ColumnsProcessed []string       `json:"columns_processed,omitempty"`
	RemainingBudget  *float64       `json:"remaining_budget,omitempty"`
	RequestedBudget  *float64       `json:"requested_budget,omitempty"`
	BudgetStatus     *budget.Status `json:"budget_status,omitempty"`
}

// Response is the uniform pipeline outcome regardless of protection type.
type Response struct {
	Type            ResponseType `json:"type"`
	OriginalQuery   string       `json:"original_query"`
	ProtectedResult interface{}  `json:"protected_result"`
	RowCount        int          `json:"row_count,omitempty"`
	PrivacyInfo     *PrivacyInfo `json:"privacy_info,omitempty"`
	Error           string       `json:"error,omitempty"`
}

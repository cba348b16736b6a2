// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

// Action is the protection the engine selected for a query.
type Action string

const (
	ActionPass   Action = "PASS"
	ActionDP     Action = "DP"
	ActionDeID   Action = "DEID"
	ActionReject Action = "REJECT"
)

// precedence orders actions for conflict resolution; higher wins.
var precedence = map[Action]int{
	ActionReject: 3,
	ActionDP:     2,
	ActionDeID:   1,
	ActionPass:   0,
}

// Classification is the data-sensitivity level of a query, taken as the
// maximum over the classifications of the tables it touches.
type Classification string

const (
	ClassPublic       Classification = "PUBLIC"
	ClassInternal     Classification = "INTERNAL"
	ClassConfidential Classification = "CONFIDENTIAL"
	ClassRestricted   Classification = "RESTRICTED"
)

// Severity orders classifications; higher is more sensitive.
func (c Classification) Severity() int {
	switch c {
	case ClassRestricted:
		return 3
	case ClassConfidential:
		return 2
	case ClassInternal:
		return 1
	default:
		return 0
	}
}

// Params carries the mechanism-specific settings of a decision.
type Params struct {
	Epsilon     float64  `json:"epsilon,omitempty"`
	Delta       float64  `json:"delta,omitempty"`
	Sensitivity float64  `json:"sensitivity,omitempty"`
	Mechanism   string   `json:"mechanism,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	Method      string   `json:"method,omitempty"`
}

// Decision is the engine's verdict for one query.
type Decision struct {
	Action         Action         `json:"action"`
	Params         Params         `json:"params"`
	MatchedRule    string         `json:"matched_rule,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Classification Classification `json:"classification"`
	RoleApplied    string         `json:"role_applied,omitempty"`
}

// Rule is one entry of the ordered rule list.
type Rule struct {
	Condition string                 `yaml:"condition" json:"condition"`
	Action    string                 `yaml:"action" json:"action"`
	Params    map[string]interface{} `yaml:"params" json:"params"`
}

// RoleConfig constrains what one role may query and at what privacy cost.
type RoleConfig struct {
	Epsilon          *float64 `yaml:"epsilon" json:"epsilon,omitempty"`
	Delta            *float64 `yaml:"delta" json:"delta,omitempty"`
	MaxQueriesPerDay int      `yaml:"max_queries_per_day" json:"max_queries_per_day,omitempty"`
	AllowedTables    []string `yaml:"allowed_tables" json:"allowed_tables,omitempty"`
	DeniedTables     []string `yaml:"denied_tables" json:"denied_tables,omitempty"`
	AllowedColumns   []string `yaml:"allowed_columns" json:"allowed_columns,omitempty"`
	DeniedColumns    []string `yaml:"denied_columns" json:"denied_columns,omitempty"`
}

// ColumnPattern applies a privacy method to any selected column matching a
// case-insensitive regular expression.
type ColumnPattern struct {
	Pattern        string                 `yaml:"pattern" json:"pattern"`
	Classification Classification         `yaml:"classification" json:"classification,omitempty"`
	PrivacyMethod  string                 `yaml:"privacy_method" json:"privacy_method"`
	Params         map[string]interface{} `yaml:"params" json:"params,omitempty"`
}

// TablePolicy classifies one table and optionally pins a per-table epsilon.
type TablePolicy struct {
	Classification Classification    `yaml:"classification" json:"classification"`
	DefaultEpsilon *float64          `yaml:"default_epsilon" json:"default_epsilon,omitempty"`
	ColumnPolicies map[string]string `yaml:"column_policies" json:"column_policies,omitempty"`
}

// ClassificationRule sets the privacy budget behavior for one classification.
type ClassificationRule struct {
	Epsilon  float64 `yaml:"epsilon" json:"epsilon"`
	AllowRaw bool    `yaml:"allow_raw" json:"allow_raw"`
}

// Config is the full policy configuration document.
type Config struct {
	Rules               []Rule                                `yaml:"rules" json:"rules"`
	SensitiveColumns    []string                              `yaml:"sensitive_columns" json:"sensitive_columns"`
	DefaultEpsilon      float64                               `yaml:"default_epsilon" json:"default_epsilon"`
	Roles               map[string]RoleConfig                 `yaml:"roles" json:"roles,omitempty"`
	ColumnPatterns      []ColumnPattern                       `yaml:"column_patterns" json:"column_patterns,omitempty"`
	TablePolicies       map[string]TablePolicy                `yaml:"table_policies" json:"table_policies,omitempty"`
	ClassificationRules map[Classification]ClassificationRule `yaml:"classification_rules" json:"classification_rules,omitempty"`
}

// DefaultConfig is the configuration used when no source file is available.
func DefaultConfig() *Config {
	return &Config{
		Rules: []Rule{
			{
				Condition: "aggregations",
				Action:    string(ActionDP),
				Params:    map[string]interface{}{"epsilon": 1.0, "mechanism": "laplace"},
			},
			{
				Condition: "sensitive_columns",
				Action:    string(ActionDeID),
				Params:    map[string]interface{}{"method": "hash"},
			},
		},
		SensitiveColumns: []string{"name", "email", "phone", "id_card", "ssn", "mobile"},
		DefaultEpsilon:   1.0,
	}
}

// clone returns a deep copy so reloads never mutate a config snapshot a
// reader still holds.
func (c *Config) clone() *Config {
	out := &Config{
		DefaultEpsilon: c.DefaultEpsilon,
	}
	out.Rules = append([]Rule(nil), c.Rules...)
	out.SensitiveColumns = append([]string(nil), c.SensitiveColumns...)
	out.ColumnPatterns = append([]ColumnPattern(nil), c.ColumnPatterns...)

	if c.Roles != nil {
		out.Roles = make(map[string]RoleConfig, len(c.Roles))
		for k, v := range c.Roles {
			out.Roles[k] = v
		}
	}
	if c.TablePolicies != nil {
		out.TablePolicies = make(map[string]TablePolicy, len(c.TablePolicies))
		for k, v := range c.TablePolicies {
			out.TablePolicies[k] = v
		}
	}
	if c.ClassificationRules != nil {
		out.ClassificationRules = make(map[Classification]ClassificationRule, len(c.ClassificationRules))
		for k, v := range c.ClassificationRules {
			out.ClassificationRules[k] = v
		}
	}
	return out
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"axonflow/veil/analyzer"
	"axonflow/veil/shared/logger"
	"axonflow/veil/shared/types"
)

// defaultDelta applies when neither the role nor the configuration pins one.
const defaultDelta = 1e-5

// compiledPattern pairs a column pattern with its compiled regex.
type compiledPattern struct {
	re     *regexp.Regexp
	source ColumnPattern
}

// Engine evaluates analysis results against the active policy configuration.
// It caches a derived view of the config (lowercased sensitive set, compiled
// pattern regexes) and refreshes it atomically on every reload.
type Engine struct {
	mu        sync.RWMutex
	cfg       *Config
	sensitive map[string]bool
	patterns  []compiledPattern

	log *logger.Logger
}

// NewEngine builds an engine bound to the config manager and subscribes to
// its reload events.
func NewEngine(cm *ConfigManager) *Engine {
	e := &Engine{log: logger.New("policy-engine")}
	e.refresh(cm.Config())
	cm.OnReload(func(_, cur *Config) {
		e.refresh(cur)
	})
	return e
}

// refresh rebuilds the cached view from a config snapshot.
func (e *Engine) refresh(cfg *Config) {
	sensitive := make(map[string]bool, len(cfg.SensitiveColumns))
	for _, col := range cfg.SensitiveColumns {
		sensitive[strings.ToLower(col)] = true
	}

	var patterns []compiledPattern
	for _, p := range cfg.ColumnPatterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			e.log.Warn("", "", fmt.Sprintf("skipping invalid column pattern %q: %v", p.Pattern, err), nil)
			continue
		}
		patterns = append(patterns, compiledPattern{re: re, source: p})
	}

	e.mu.Lock()
	e.cfg = cfg
	e.sensitive = sensitive
	e.patterns = patterns
	e.mu.Unlock()
}

// AddSensitiveColumn marks a column sensitive at runtime. The set is swapped
// copy-on-write because Evaluate reads it outside the lock.
func (e *Engine) AddSensitiveColumn(column string) {
	e.mu.Lock()
	next := cloneSet(e.sensitive)
	next[strings.ToLower(column)] = true
	e.sensitive = next
	e.mu.Unlock()
}

// RemoveSensitiveColumn unmarks a column at runtime.
func (e *Engine) RemoveSensitiveColumn(column string) {
	e.mu.Lock()
	next := cloneSet(e.sensitive)
	delete(next, strings.ToLower(column))
	e.sensitive = next
	e.mu.Unlock()
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SensitiveColumns returns the current sensitive set, lowercased.
func (e *Engine) SensitiveColumns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cols := make([]string, 0, len(e.sensitive))
	for c := range e.sensitive {
		cols = append(cols, c)
	}
	return cols
}

// Evaluate maps one analysis result plus the caller's role to a decision.
//
// The checks run in a fixed order and the first applicable verdict wins:
// invalid analysis, role table denial, role table allow-list, column
// patterns, aggregate queries, sensitive columns, and finally PASS.
func (e *Engine) Evaluate(result *analyzer.AnalysisResult, userRole string, qctx *types.QueryContext) *Decision {
	e.mu.RLock()
	cfg := e.cfg
	sensitive := e.sensitive
	patterns := e.patterns
	e.mu.RUnlock()

	if result == nil || !result.IsValid {
		reason := "analysis failed"
		if result != nil && result.Error != "" {
			reason = result.Error
		}
		return &Decision{
			Action:         ActionReject,
			Reason:         reason,
			Classification: ClassPublic,
			MatchedRule:    "invalid_query",
		}
	}

	role, hasRole := cfg.Roles[userRole]

	if hasRole {
		if denied := intersectTables(result.Tables, role.DeniedTables); denied != "" {
			return &Decision{
				Action:         ActionReject,
				Reason:         fmt.Sprintf("role %s is denied access to table %s", userRole, denied),
				Classification: classify(cfg, result.Tables),
				MatchedRule:    "role_denied_tables",
				RoleApplied:    userRole,
			}
		}
		if len(role.AllowedTables) > 0 {
			if outside := outsideAllowList(result.Tables, role.AllowedTables); outside != "" {
				return &Decision{
					Action:         ActionReject,
					Reason:         fmt.Sprintf("role %s may not query table %s", userRole, outside),
					Classification: classify(cfg, result.Tables),
					MatchedRule:    "role_allowed_tables",
					RoleApplied:    userRole,
				}
			}
		}
	}

	classification := classify(cfg, result.Tables)

	if decisions := e.matchPatterns(patterns, result.SelectColumns, classification, userRole, cfg, role, hasRole); len(decisions) > 0 {
		return ResolvePolicyConflicts(decisions)
	}

	if result.IsAggregateQuery {
		return e.dpDecision(cfg, role, hasRole, classification, userRole)
	}

	if matched := matchSensitiveColumns(result.SelectColumns, sensitive, role.DeniedColumns); len(matched) > 0 {
		return &Decision{
			Action: ActionDeID,
			Params: Params{
				Columns: matched,
				Method:  "hash",
			},
			MatchedRule:    "sensitive_columns",
			Reason:         fmt.Sprintf("query selects sensitive columns: %s", strings.Join(matched, ", ")),
			Classification: classification,
			RoleApplied:    appliedRole(userRole, hasRole),
		}
	}

	return &Decision{
		Action:         ActionPass,
		Classification: classification,
		RoleApplied:    appliedRole(userRole, hasRole),
	}
}

// matchPatterns emits one decision per column pattern that matches at least
// one selected column.
func (e *Engine) matchPatterns(patterns []compiledPattern, columns []string, classification Classification, userRole string, cfg *Config, role RoleConfig, hasRole bool) []*Decision {
	var decisions []*Decision
	for _, p := range patterns {
		var matched []string
		for _, col := range columns {
			if p.re.MatchString(col) {
				matched = append(matched, col)
			}
		}
		if len(matched) == 0 {
			continue
		}

		cls := classification
		if p.source.Classification.Severity() > cls.Severity() {
			cls = p.source.Classification
		}

		switch strings.ToLower(p.source.PrivacyMethod) {
		case "dp":
			d := e.dpDecision(cfg, role, hasRole, cls, userRole)
			d.MatchedRule = "column_pattern:" + p.source.Pattern
			d.Params.Columns = matched
			if eps, ok := floatParam(p.source.Params, "epsilon"); ok && eps < d.Params.Epsilon {
				d.Params.Epsilon = eps
			}
			decisions = append(decisions, d)
		default:
			method := strings.ToLower(p.source.PrivacyMethod)
			if method == "" {
				method = "hash"
			}
			decisions = append(decisions, &Decision{
				Action: ActionDeID,
				Params: Params{
					Columns: matched,
					Method:  method,
				},
				MatchedRule:    "column_pattern:" + p.source.Pattern,
				Reason:         fmt.Sprintf("columns match pattern %q", p.source.Pattern),
				Classification: cls,
				RoleApplied:    appliedRole(userRole, hasRole),
			})
		}
	}
	return decisions
}

// dpDecision builds the DP verdict for an aggregate query: epsilon is the
// minimum of the role's (or default) epsilon and the classification's.
func (e *Engine) dpDecision(cfg *Config, role RoleConfig, hasRole bool, classification Classification, userRole string) *Decision {
	epsilon := cfg.DefaultEpsilon
	if hasRole && role.Epsilon != nil {
		epsilon = *role.Epsilon
	}
	if rule, ok := cfg.ClassificationRules[classification]; ok && rule.Epsilon < epsilon {
		epsilon = rule.Epsilon
	}

	delta := defaultDelta
	if hasRole && role.Delta != nil {
		delta = *role.Delta
	}

	return &Decision{
		Action: ActionDP,
		Params: Params{
			Epsilon:     epsilon,
			Delta:       delta,
			Sensitivity: 1,
			Mechanism:   "laplace",
		},
		MatchedRule:    "aggregations",
		Reason:         "aggregate query requires calibrated noise",
		Classification: classification,
		RoleApplied:    appliedRole(userRole, hasRole),
	}
}

// ResolvePolicyConflicts combines decisions with precedence
// REJECT > DP > DEID > PASS. When several DP decisions combine, the smallest
// epsilon wins; DEID column lists are merged.
func ResolvePolicyConflicts(decisions []*Decision) *Decision {
	if len(decisions) == 0 {
		return &Decision{Action: ActionPass, Classification: ClassPublic}
	}

	winner := decisions[0]
	for _, d := range decisions[1:] {
		if precedence[d.Action] > precedence[winner.Action] {
			winner = d
		}
	}

	out := *winner
	out.Params.Columns = append([]string(nil), winner.Params.Columns...)

	for _, d := range decisions {
		if d == winner || d.Action != winner.Action {
			continue
		}
		switch winner.Action {
		case ActionDP:
			if d.Params.Epsilon < out.Params.Epsilon {
				out.Params.Epsilon = d.Params.Epsilon
			}
		case ActionDeID:
			out.Params.Columns = mergeColumns(out.Params.Columns, d.Params.Columns)
		}
		if d.Classification.Severity() > out.Classification.Severity() {
			out.Classification = d.Classification
		}
	}

	return &out
}

// classify returns the highest classification among the queried tables.
func classify(cfg *Config, tables []string) Classification {
	result := ClassPublic
	for _, table := range tables {
		if tp, ok := cfg.TablePolicies[strings.ToLower(table)]; ok {
			if tp.Classification.Severity() > result.Severity() {
				result = tp.Classification
			}
		}
	}
	return result
}

// matchSensitiveColumns returns the selected columns that are in the
// sensitive set or in the role's denied columns. A qualified column matches
// on its unqualified name as well.
func matchSensitiveColumns(columns []string, sensitive map[string]bool, deniedColumns []string) []string {
	denied := make(map[string]bool, len(deniedColumns))
	for _, c := range deniedColumns {
		denied[strings.ToLower(c)] = true
	}

	var matched []string
	for _, col := range columns {
		lower := strings.ToLower(col)
		bare := lower
		if idx := strings.LastIndex(lower, "."); idx >= 0 {
			bare = lower[idx+1:]
		}
		if sensitive[lower] || sensitive[bare] || denied[lower] || denied[bare] {
			matched = append(matched, col)
		}
	}
	return matched
}

func intersectTables(tables, denied []string) string {
	deniedSet := make(map[string]bool, len(denied))
	for _, t := range denied {
		deniedSet[strings.ToLower(t)] = true
	}
	for _, t := range tables {
		if deniedSet[strings.ToLower(t)] {
			return t
		}
	}
	return ""
}

func outsideAllowList(tables, allowed []string) string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[strings.ToLower(t)] = true
	}
	for _, t := range tables {
		if !allowedSet[strings.ToLower(t)] {
			return t
		}
	}
	return ""
}

func appliedRole(role string, hasRole bool) string {
	if hasRole {
		return role
	}
	return ""
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func mergeColumns(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, c := range a {
		seen[c] = true
	}
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			a = append(a, c)
		}
	}
	return a
}

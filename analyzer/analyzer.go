// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package analyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// AggregateFunctions lists the aggregates the policy layer budgets for.
var AggregateFunctions = []string{"COUNT", "SUM", "AVG", "MIN", "MAX"}

// windowFunctions is the set of identifiers recognized before OVER (...).
var windowFunctions = map[string]bool{
	"ROW_NUMBER":   true,
	"RANK":         true,
	"DENSE_RANK":   true,
	"NTILE":        true,
	"LAG":          true,
	"LEAD":         true,
	"FIRST_VALUE":  true,
	"LAST_VALUE":   true,
	"NTH_VALUE":    true,
	"CUME_DIST":    true,
	"PERCENT_RANK": true,
	"SUM":          true,
	"AVG":          true,
	"COUNT":        true,
	"MIN":          true,
	"MAX":          true,
}

var (
	reSelectList = regexp.MustCompile(`(?is)\bSELECT\s+(.*?)\s+FROM\b`)
	reTableRef   = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_]\w*)`)
	reWhere      = regexp.MustCompile(`(?i)\bWHERE\b`)
	reWhereBody  = regexp.MustCompile(`(?is)\bWHERE\s+(.*?)(?:\bGROUP\s+BY\b|\bORDER\s+BY\b|\bLIMIT\b|$)`)
	reGroupBy    = regexp.MustCompile(`(?is)\bGROUP\s+BY\s+(.*?)(?:\bHAVING\b|\bORDER\s+BY\b|\bLIMIT\b|$)`)
	reJoin       = regexp.MustCompile(`(?i)\b(?:(LEFT|RIGHT|FULL|INNER)\s+)?(?:OUTER\s+)?JOIN\s+`)
	reWindowCall = regexp.MustCompile(`(?i)\b([a-zA-Z_]\w*)\s*\(([^()]*)\)\s+OVER\s*\(`)
	reQualified  = regexp.MustCompile(`\b([a-zA-Z_]\w*)\.([a-zA-Z_]\w*)`)
	reIdent      = regexp.MustCompile(`^[a-zA-Z_]\w*`)
)

// joinStopKeywords end an ON clause at paren depth zero.
var joinStopKeywords = []string{"INNER JOIN", "LEFT JOIN", "RIGHT JOIN", "FULL JOIN", "JOIN", "WHERE", "GROUP BY", "ORDER BY", "LIMIT"}

// Analyzer extracts AnalysisResults from SQL text. It is stateless and safe
// for concurrent use.
type Analyzer struct{}

// New returns a ready Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze extracts the policy-relevant features of one SQL statement.
// Extraction failures never propagate: the returned result has IsValid=false
// and Error set, and downstream stages treat it as a rejection.
func (a *Analyzer) Analyze(sql string) (result *AnalysisResult) {
	result = &AnalysisResult{
		OriginalSQL: sql,
		IsValid:     true,
	}

	defer func() {
		if r := recover(); r != nil {
			result.IsValid = false
			result.Error = fmt.Sprintf("analysis failed: %v", r)
		}
	}()

	normalized := normalizeSQL(sql)
	if normalized == "" {
		result.IsValid = false
		result.Error = "empty SQL statement"
		return result
	}

	result.Tables = extractTables(normalized)
	result.SelectColumns = extractSelectColumns(normalized)
	result.Aggregations = extractAggregations(normalized)
	result.HasWhere = reWhere.MatchString(normalized)
	result.WhereConditions = extractWhereConditions(normalized)
	result.GroupByColumns = extractGroupBy(normalized)
	result.Joins = extractJoins(normalized)
	result.Subqueries = extractSubqueries(normalized)
	result.CTEs = extractCTEs(normalized)
	result.WindowFunctions = extractWindowFunctions(normalized)
	result.IsAggregateQuery = len(result.Aggregations) > 0

	return result
}

// normalizeSQL collapses all whitespace runs to single spaces.
func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// extractTables returns the FROM-clause table and every table following a
// JOIN, deduplicated, in first-seen order.
func extractTables(sql string) []string {
	var tables []string
	seen := make(map[string]bool)

	for _, m := range reTableRef.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		tables = append(tables, name)
	}

	return tables
}

// extractSelectColumns returns the comma-split SELECT list. An item carrying
// an AS alias is reduced to the alias; everything else (including aggregate
// wrappers) is kept verbatim.
func extractSelectColumns(sql string) []string {
	m := reSelectList.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}

	var columns []string
	for _, raw := range splitTopLevel(m[1], ",") {
		col := strings.TrimSpace(raw)
		if col == "" {
			continue
		}
		if idx := indexWordFold(col, "AS"); idx >= 0 {
			parts := strings.Fields(col)
			col = parts[len(parts)-1]
		}
		columns = append(columns, col)
	}

	return columns
}

func extractAggregations(sql string) []string {
	var aggs []string
	for _, fn := range AggregateFunctions {
		re := regexp.MustCompile(`(?i)\b` + fn + `\s*\(`)
		if re.MatchString(sql) {
			aggs = append(aggs, fn)
		}
	}
	return aggs
}

func extractWhereConditions(sql string) []string {
	m := reWhereBody.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	cond := strings.TrimSpace(m[1])
	if cond == "" {
		return nil
	}
	return []string{cond}
}

func extractGroupBy(sql string) []string {
	m := reGroupBy.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}

	var cols []string
	for _, c := range splitTopLevel(m[1], ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

// extractJoins returns one Join per JOIN phrase: its type (defaulting to
// INNER), the joined table, and the ON clause split on top-level AND. The ON
// clause ends at the next JOIN or clause keyword at paren depth zero.
func extractJoins(sql string) []Join {
	var joins []Join

	for _, loc := range reJoin.FindAllStringSubmatchIndex(sql, -1) {
		joinType := JoinInner
		if loc[2] >= 0 {
			switch strings.ToUpper(sql[loc[2]:loc[3]]) {
			case "LEFT":
				joinType = JoinLeft
			case "RIGHT":
				joinType = JoinRight
			case "FULL":
				joinType = JoinFull
			}
		}

		rest := sql[loc[1]:]
		table := reIdent.FindString(rest)
		if table == "" {
			continue
		}

		join := Join{Type: joinType, Table: table}

		if onIdx := indexWordFold(rest, "ON"); onIdx >= 0 {
			onBody := cutAtTopLevelKeyword(rest[onIdx+2:], joinStopKeywords)
			for _, cond := range splitTopLevelWord(onBody, "AND") {
				if cond = strings.TrimSpace(cond); cond != "" {
					join.Conditions = append(join.Conditions, cond)
				}
			}
		}

		joins = append(joins, join)
	}

	return joins
}

// extractSubqueries finds every balanced "(SELECT ...)" span, outer spans
// first, and classifies each by the text immediately to its left. Correlation
// is detected by qualified references to an outer table or alias.
func extractSubqueries(sql string) []Subquery {
	aliases := collectAliases(sql)
	upper := strings.ToUpper(sql)

	var subs []Subquery
	for i := 0; i < len(sql); i++ {
		if sql[i] != '(' {
			continue
		}
		j := i + 1
		for j < len(sql) && sql[j] == ' ' {
			j++
		}
		if !hasWordAt(upper, j, "SELECT") {
			continue
		}
		end := matchParen(sql, i)
		if end < 0 {
			continue
		}

		body := sql[i+1 : end]
		sub := Subquery{
			Kind:     classifySubquery(upper[:i]),
			Location: locateSubquery(sql, i),
			Body:     body,
		}
		sub.IsCorrelated, sub.CorrelationColumns = detectCorrelation(body, aliases)
		subs = append(subs, sub)
	}

	return subs
}

// classifySubquery inspects the trimmed left context of a "(SELECT".
// Prefix ending in EXISTS -> EXISTS, in IN -> IN, in a comparison operator ->
// SCALAR, immediately after FROM -> FROM. SCALAR is the documented fallback.
func classifySubquery(left string) SubqueryKind {
	left = strings.TrimRight(left, " ")

	switch {
	case hasSuffixWord(left, "EXISTS"):
		return SubqueryExists
	case hasSuffixWord(left, "IN"):
		return SubqueryIn
	case strings.HasSuffix(left, "=") || strings.HasSuffix(left, ">") ||
		strings.HasSuffix(left, "<") || strings.HasSuffix(left, ">=") ||
		strings.HasSuffix(left, "<=") || strings.HasSuffix(left, "<>") ||
		strings.HasSuffix(left, "!="):
		return SubqueryScalar
	case hasSuffixWord(left, "FROM"):
		return SubqueryFrom
	default:
		return SubqueryScalar
	}
}

// locateSubquery reports the last clause keyword seen at paren depth zero
// before the subquery opens.
func locateSubquery(sql string, pos int) SubqueryLocation {
	upper := strings.ToUpper(sql)
	depth := 0
	location := LocationSelect

	for i := 0; i < pos; i++ {
		switch sql[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth != 0 {
			continue
		}
		switch {
		case hasWordAt(upper, i, "SELECT"):
			location = LocationSelect
		case hasWordAt(upper, i, "FROM"):
			location = LocationFrom
		case hasWordAt(upper, i, "WHERE"):
			location = LocationWhere
		case hasWordAt(upper, i, "HAVING"):
			location = LocationHaving
		}
	}

	return location
}

// detectCorrelation reports qualified column references in body whose
// qualifier is an outer table or alias and is not redefined inside the body.
func detectCorrelation(body string, outerAliases map[string]bool) (bool, []string) {
	inner := collectAliases(body)

	var cols []string
	seen := make(map[string]bool)
	for _, m := range reQualified.FindAllStringSubmatch(body, -1) {
		qualifier := strings.ToLower(m[1])
		if !outerAliases[qualifier] || inner[qualifier] {
			continue
		}
		ref := m[0]
		if !seen[ref] {
			seen[ref] = true
			cols = append(cols, ref)
		}
	}

	return len(cols) > 0, cols
}

// collectAliases maps every table name and alias introduced by FROM/JOIN to
// true, lowercased.
func collectAliases(sql string) map[string]bool {
	aliases := make(map[string]bool)

	for _, loc := range reTableRef.FindAllStringSubmatchIndex(sql, -1) {
		table := sql[loc[2]:loc[3]]
		aliases[strings.ToLower(table)] = true

		// Optional alias token after the table name.
		rest := strings.TrimLeft(sql[loc[3]:], " ")
		if strings.HasPrefix(strings.ToUpper(rest), "AS ") {
			rest = strings.TrimLeft(rest[3:], " ")
		}
		alias := reIdent.FindString(rest)
		if alias != "" && !sqlKeywords[strings.ToUpper(alias)] {
			aliases[strings.ToLower(alias)] = true
		}
	}

	return aliases
}

var sqlKeywords = map[string]bool{
	"ON": true, "USING": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"LIMIT": true, "HAVING": true, "JOIN": true, "INNER": true, "LEFT": true,
	"RIGHT": true, "FULL": true, "OUTER": true, "CROSS": true, "AND": true,
	"OR": true, "SELECT": true, "FROM": true, "AS": true, "SET": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true,
}

// extractCTEs parses a leading WITH [RECURSIVE] clause into its top-level
// comma-separated definitions. A definition is recursive only when the global
// RECURSIVE keyword is present and the body references the CTE's own name.
func extractCTEs(sql string) []CTE {
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "WITH ") {
		return nil
	}

	pos := len("WITH ")
	recursive := false
	if strings.HasPrefix(upper[pos:], "RECURSIVE ") {
		recursive = true
		pos += len("RECURSIVE ")
	}

	var ctes []CTE
	for pos < len(sql) {
		for pos < len(sql) && sql[pos] == ' ' {
			pos++
		}
		name := reIdent.FindString(sql[pos:])
		if name == "" {
			break
		}
		pos += len(name)
		for pos < len(sql) && sql[pos] == ' ' {
			pos++
		}

		// Optional column list.
		if pos < len(sql) && sql[pos] == '(' {
			end := matchParen(sql, pos)
			if end < 0 {
				break
			}
			pos = end + 1
			for pos < len(sql) && sql[pos] == ' ' {
				pos++
			}
		}

		if !hasWordAt(upper, pos, "AS") {
			break
		}
		pos += 2
		for pos < len(sql) && sql[pos] == ' ' {
			pos++
		}
		if pos >= len(sql) || sql[pos] != '(' {
			break
		}
		end := matchParen(sql, pos)
		if end < 0 {
			break
		}
		body := sql[pos+1 : end]
		pos = end + 1

		selfRef := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		ctes = append(ctes, CTE{
			Name:        name,
			IsRecursive: recursive && selfRef.MatchString(body),
			References:  extractTables(body),
			Body:        body,
		})

		for pos < len(sql) && sql[pos] == ' ' {
			pos++
		}
		if pos < len(sql) && sql[pos] == ',' {
			pos++
			continue
		}
		break
	}

	return ctes
}

// extractWindowFunctions finds IDENT(args) OVER (...) expressions whose IDENT
// is a known window function and parses the window specification.
func extractWindowFunctions(sql string) []WindowFunction {
	var wins []WindowFunction

	for _, loc := range reWindowCall.FindAllStringSubmatchIndex(sql, -1) {
		name := strings.ToUpper(sql[loc[2]:loc[3]])
		if !windowFunctions[name] {
			continue
		}

		// loc[1] points just past the OVER's opening paren.
		end := matchParen(sql, loc[1]-1)
		if end < 0 {
			continue
		}
		spec := sql[loc[1]:end]

		wins = append(wins, parseWindowSpec(name, spec))
	}

	return wins
}

func parseWindowSpec(name, spec string) WindowFunction {
	win := WindowFunction{Function: name}
	upper := strings.ToUpper(spec)

	frameIdx := -1
	for _, kw := range []string{"ROWS", "RANGE", "GROUPS"} {
		if idx := indexWord(upper, kw); idx >= 0 && (frameIdx < 0 || idx < frameIdx) {
			frameIdx = idx
		}
	}
	if frameIdx >= 0 {
		win.Frame = strings.TrimSpace(spec[frameIdx:])
		spec = spec[:frameIdx]
		upper = upper[:frameIdx]
	}

	orderIdx := indexWord(upper, "ORDER BY")
	if orderIdx >= 0 {
		for _, c := range splitTopLevel(spec[orderIdx+len("ORDER BY"):], ",") {
			if c = strings.TrimSpace(c); c != "" {
				win.OrderBy = append(win.OrderBy, c)
			}
		}
		spec = spec[:orderIdx]
		upper = upper[:orderIdx]
	}

	partIdx := indexWord(upper, "PARTITION BY")
	if partIdx >= 0 {
		for _, c := range splitTopLevel(spec[partIdx+len("PARTITION BY"):], ",") {
			if c = strings.TrimSpace(c); c != "" {
				win.PartitionBy = append(win.PartitionBy, c)
			}
		}
	}

	return win
}

// --- scanning helpers ---

// matchParen returns the index of the ')' closing the '(' at open, or -1.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits on sep (a single rune separator such as ",") ignoring
// separators nested inside parentheses.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[start:i])
			start = i + len(sep)
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// splitTopLevelWord splits on a keyword (word-bounded, case-insensitive) at
// paren depth zero.
func splitTopLevelWord(s, word string) []string {
	upper := strings.ToUpper(s)
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && hasWordAt(upper, i, word) {
			parts = append(parts, s[start:i])
			start = i + len(word)
			i = start - 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// cutAtTopLevelKeyword returns the prefix of s ending at the first of the
// given keywords found at paren depth zero.
func cutAtTopLevelKeyword(s string, keywords []string) string {
	upper := strings.ToUpper(s)
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth != 0 {
			continue
		}
		for _, kw := range keywords {
			if hasWordAt(upper, i, kw) {
				return s[:i]
			}
		}
	}
	return s
}

// hasWordAt reports whether the word starts at position i of upper-cased s
// with word boundaries on both sides. Multi-word keywords ("GROUP BY") are
// matched against the single-space-normalized input.
func hasWordAt(upper string, i int, word string) bool {
	if i < 0 || i+len(word) > len(upper) {
		return false
	}
	if upper[i:i+len(word)] != word {
		return false
	}
	if i > 0 && isWordByte(upper[i-1]) {
		return false
	}
	if i+len(word) < len(upper) && isWordByte(upper[i+len(word)]) {
		return false
	}
	return true
}

// hasSuffixWord reports whether s ends with the word at a word boundary.
func hasSuffixWord(s, word string) bool {
	upper := strings.ToUpper(s)
	if !strings.HasSuffix(upper, word) {
		return false
	}
	idx := len(upper) - len(word)
	return idx == 0 || !isWordByte(upper[idx-1])
}

// indexWord returns the first word-bounded occurrence of word in upper, or -1.
func indexWord(upper, word string) int {
	for i := 0; i+len(word) <= len(upper); i++ {
		if hasWordAt(upper, i, word) {
			return i
		}
	}
	return -1
}

// indexWordFold is indexWord over a raw (not yet upper-cased) string.
func indexWordFold(s, word string) int {
	return indexWord(strings.ToUpper(s), strings.ToUpper(word))
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/veil/shared/logger"
)

// defaultMaxEntries bounds the in-memory chain before head truncation.
const defaultMaxEntries = 10000

// Logger is the append-only, hash-chained audit log. A single mutex
// serializes every operation.
type Logger struct {
	mu         sync.Mutex
	entries    []*Entry
	maxEntries int
	lastHash   string
	archive    ArchiveSink
	now        func() time.Time

	log *logger.Logger
}

// Option customizes a Logger at construction.
type Option func(*Logger)

// WithMaxEntries bounds the retained chain length.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// WithArchiveSink receives entries truncated from the head of the chain.
func WithArchiveSink(sink ArchiveSink) Option {
	return func(l *Logger) {
		l.archive = sink
	}
}

// WithClock substitutes the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates an empty audit log.
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		maxEntries: defaultMaxEntries,
		archive:    NopSink{},
		now:        time.Now,
		log:        logger.New("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// append links a new entry onto the chain and truncates on overflow.
func (l *Logger) append(eventType EventType, userID string, query *QueryEvent, privacy *PrivacyEvent, rejectionReason string, metadata map[string]interface{}) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		EntryID:         uuid.NewString(),
		EventType:       eventType,
		Timestamp:       l.now().UTC(),
		UserID:          userID,
		Query:           query,
		Privacy:         privacy,
		RejectionReason: rejectionReason,
		Metadata:        metadata,
		PreviousHash:    l.lastHash,
	}
	entry.EntryHash = entry.ComputeHash()

	l.entries = append(l.entries, entry)
	l.lastHash = entry.EntryHash

	if over := len(l.entries) - l.maxEntries; over > 0 {
		evicted := make([]*Entry, over)
		copy(evicted, l.entries[:over])
		l.entries = append(l.entries[:0], l.entries[over:]...)

		if err := l.archive.Archive(evicted); err != nil {
			l.log.ErrorWithErr("", "", "archiving evicted audit entries failed", err, map[string]interface{}{
				"evicted": over,
			})
		}
	}

	return entry
}

// LogQuerySubmitted records a query entering the pipeline.
func (l *Logger) LogQuerySubmitted(userID string, query *QueryEvent, metadata map[string]interface{}) *Entry {
	return l.append(EventQuerySubmitted, userID, query, nil, "", metadata)
}

// LogQueryAnalyzed records a completed analysis.
func (l *Logger) LogQueryAnalyzed(userID string, query *QueryEvent, metadata map[string]interface{}) *Entry {
	return l.append(EventQueryAnalyzed, userID, query, nil, "", metadata)
}

// LogPrivacyApplied records the protection applied to a result.
func (l *Logger) LogPrivacyApplied(userID string, privacy *PrivacyEvent, metadata map[string]interface{}) *Entry {
	return l.append(EventPrivacyApplied, userID, nil, privacy, "", metadata)
}

// LogQueryRejected records a policy or analysis rejection.
func (l *Logger) LogQueryRejected(userID string, query *QueryEvent, reason string, metadata map[string]interface{}) *Entry {
	return l.append(EventQueryRejected, userID, query, nil, reason, metadata)
}

// LogBudgetConsumed records a budget debit.
func (l *Logger) LogBudgetConsumed(userID string, queryID string, epsilon float64, metadata map[string]interface{}) *Entry {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["epsilon"] = epsilon
	return l.append(EventBudgetConsumed, userID, &QueryEvent{QueryID: queryID}, nil, "", metadata)
}

// LogBudgetReset records a budget reset or refund.
func (l *Logger) LogBudgetReset(userID string, metadata map[string]interface{}) *Entry {
	return l.append(EventBudgetReset, userID, nil, nil, "", metadata)
}

// LogConfigChanged records a policy-configuration change.
func (l *Logger) LogConfigChanged(metadata map[string]interface{}) *Entry {
	return l.append(EventConfigChanged, "", nil, nil, "", metadata)
}

// LogSystemError records an internal failure.
func (l *Logger) LogSystemError(userID string, reason string, metadata map[string]interface{}) *Entry {
	return l.append(EventSystemError, userID, nil, nil, reason, metadata)
}

// VerifyChainIntegrity recomputes every entry hash and checks the linkage
// between consecutive entries. The first retained entry is treated as the
// chain head, so a truncated log still verifies.
func (l *Logger) VerifyChainIntegrity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range l.entries {
		if entry.ComputeHash() != entry.EntryHash {
			return false
		}
		if i > 0 && entry.PreviousHash != l.entries[i-1].EntryHash {
			return false
		}
	}
	return true
}

// Filter selects entries. Zero values leave a dimension unconstrained;
// ExcludeRejected drops QUERY_REJECTED entries.
type Filter struct {
	UserID          string
	EventTypes      []EventType
	From            time.Time
	To              time.Time
	QueryID         string
	PrivacyMethod   string
	ExcludeRejected bool
	Offset          int
	Limit           int
}

// Query returns the entries matching the filter, oldest first, paginated by
// Offset and Limit.
func (l *Logger) Query(f Filter) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	types := make(map[EventType]bool, len(f.EventTypes))
	for _, t := range f.EventTypes {
		types[t] = true
	}

	var matched []*Entry
	for _, entry := range l.entries {
		if f.UserID != "" && entry.UserID != f.UserID {
			continue
		}
		if len(types) > 0 && !types[entry.EventType] {
			continue
		}
		if !f.From.IsZero() && entry.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && entry.Timestamp.After(f.To) {
			continue
		}
		if f.QueryID != "" && entry.QueryID() != f.QueryID {
			continue
		}
		if f.PrivacyMethod != "" && (entry.Privacy == nil || entry.Privacy.Method != f.PrivacyMethod) {
			continue
		}
		if f.ExcludeRejected && entry.EventType == EventQueryRejected {
			continue
		}
		matched = append(matched, entry)
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]*Entry, len(matched))
	copy(out, matched)
	return out
}

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ExportJSON renders the retained log as one JSON document.
func (l *Logger) ExportJSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := map[string]interface{}{
		"export_timestamp": l.now().UTC().Format(time.RFC3339Nano),
		"total_entries":    len(l.entries),
		"entries":          l.entries,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// csvHeader is the fixed column set of the CSV export.
var csvHeader = []string{"entry_id", "event_type", "timestamp", "user_id", "query_id", "privacy_method", "epsilon", "rejection_reason"}

// ExportCSV renders the retained log as CSV with a fixed header.
func (l *Logger) ExportCSV() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, entry := range l.entries {
		method := ""
		epsilon := ""
		if entry.Privacy != nil {
			method = entry.Privacy.Method
			if entry.Privacy.Epsilon != 0 {
				epsilon = strconv.FormatFloat(entry.Privacy.Epsilon, 'g', -1, 64)
			}
		}
		record := []string{
			entry.EntryID,
			string(entry.EventType),
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			entry.UserID,
			entry.QueryID(),
			method,
			epsilon,
			entry.RejectionReason,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetStatistics summarizes the retained log.
func (l *Logger) GetStatistics() *Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Statistics{
		TotalEntries:    len(l.entries),
		ByEventType:     make(map[EventType]int),
		ByUser:          make(map[string]int),
		ByPrivacyMethod: make(map[string]int),
	}

	for _, entry := range l.entries {
		stats.ByEventType[entry.EventType]++
		if entry.UserID != "" {
			stats.ByUser[entry.UserID]++
		}
		if entry.Privacy != nil && entry.Privacy.Method != "" {
			stats.ByPrivacyMethod[entry.Privacy.Method]++
		}
		if entry.EventType == EventQueryRejected {
			stats.RejectedQueries++
		}
		if entry.EventType == EventPrivacyApplied && entry.Privacy != nil {
			stats.TotalEpsilon += entry.Privacy.Epsilon
		}
	}

	return stats
}

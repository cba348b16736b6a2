// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"sort"
	"sync"
	"time"
)

// Phase names one stage of the mediation pipeline.
type Phase string

const (
	PhaseAnalysis  Phase = "analysis"
	PhasePolicy    Phase = "policy"
	PhaseExecution Phase = "execution"
	PhasePrivacy   Phase = "privacy"
)

// QueryMetrics accumulates the timings of one query through the pipeline.
type QueryMetrics struct {
	QueryID     string            `json:"query_id"`
	UserID      string            `json:"user_id,omitempty"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	PhaseTimes  map[Phase]float64 `json:"phase_times_ms"`
	CacheHit    bool              `json:"cache_hit"`
	ResultSize  int               `json:"result_size"`
	Error       string            `json:"error,omitempty"`
	TotalTimeMS float64           `json:"total_time_ms"`
}

// AggregateStats summarizes completed queries.
type AggregateStats struct {
	TotalQueries int     `json:"total_queries"`
	AvgTimeMS    float64 `json:"avg_time_ms"`
	P50MS        float64 `json:"p50_ms"`
	P90MS        float64 `json:"p90_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	SlowQueries  int     `json:"slow_queries"`
	Errors       int     `json:"errors"`
}

// maxCompleted bounds the retained per-query records.
const maxCompleted = 10000

// Monitor tracks per-query phase timings and serves aggregate statistics.
type Monitor struct {
	mu            sync.Mutex
	active        map[string]*QueryMetrics
	completed     []*QueryMetrics
	slowThreshold float64
	now           func() time.Time
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithSlowThreshold sets the slow-query cutoff in milliseconds.
func WithSlowThreshold(ms float64) MonitorOption {
	return func(m *Monitor) {
		if ms > 0 {
			m.slowThreshold = ms
		}
	}
}

// WithMonitorClock substitutes the time source for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor returns a Monitor with a 1s slow-query threshold.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		active:        make(map[string]*QueryMetrics),
		slowThreshold: 1000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartQuery opens a metrics record for queryID.
func (m *Monitor) StartQuery(queryID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[queryID] = &QueryMetrics{
		QueryID:    queryID,
		UserID:     userID,
		StartTime:  m.now(),
		PhaseTimes: make(map[Phase]float64),
	}
}

// RecordPhase adds the duration of one pipeline phase.
func (m *Monitor) RecordPhase(queryID string, phase Phase, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm, ok := m.active[queryID]; ok {
		qm.PhaseTimes[phase] += float64(d.Microseconds()) / 1000.0
	}
}

// SetCacheHit marks the query as served from cache.
func (m *Monitor) SetCacheHit(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm, ok := m.active[queryID]; ok {
		qm.CacheHit = true
	}
}

// SetResultSize records the row count of the result.
func (m *Monitor) SetResultSize(queryID string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm, ok := m.active[queryID]; ok {
		qm.ResultSize = size
	}
}

// SetError records a failure on the query.
func (m *Monitor) SetError(queryID, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm, ok := m.active[queryID]; ok {
		qm.Error = errMsg
	}
}

// EndQuery closes the record, computes the total time, and moves it to the
// completed ring. It returns the finished record, or nil for an unknown id.
func (m *Monitor) EndQuery(queryID string) *QueryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	qm, ok := m.active[queryID]
	if !ok {
		return nil
	}
	delete(m.active, queryID)

	qm.EndTime = m.now()
	qm.TotalTimeMS = float64(qm.EndTime.Sub(qm.StartTime).Microseconds()) / 1000.0

	m.completed = append(m.completed, qm)
	if len(m.completed) > maxCompleted {
		m.completed = m.completed[len(m.completed)-maxCompleted:]
	}
	return qm
}

// GetAggregates summarizes every completed query.
func (m *Monitor) GetAggregates() *AggregateStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &AggregateStats{TotalQueries: len(m.completed)}
	if len(m.completed) == 0 {
		return stats
	}

	times := make([]float64, 0, len(m.completed))
	sum := 0.0
	hits := 0
	for _, qm := range m.completed {
		times = append(times, qm.TotalTimeMS)
		sum += qm.TotalTimeMS
		if qm.CacheHit {
			hits++
		}
		if qm.TotalTimeMS > m.slowThreshold {
			stats.SlowQueries++
		}
		if qm.Error != "" {
			stats.Errors++
		}
	}
	sort.Float64s(times)

	stats.AvgTimeMS = sum / float64(len(times))
	stats.P50MS = percentile(times, 50)
	stats.P90MS = percentile(times, 90)
	stats.P95MS = percentile(times, 95)
	stats.P99MS = percentile(times, 99)
	stats.CacheHitRate = float64(hits) / float64(len(m.completed))
	return stats
}

// percentile returns the p-th percentile of a sorted slice using the
// nearest-rank method.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the gateway's mediation counters and timings in Prometheus
// format. It owns a private registry so tests can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal    *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	phaseDuration   *prometheus.HistogramVec
	epsilonConsumed prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	rateLimited     prometheus.Counter
}

// NewMetrics registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_queries_total",
			Help: "Mediated queries by response type.",
		}, []string{"result"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_query_duration_seconds",
			Help:    "End-to-end mediation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_phase_duration_seconds",
			Help:    "Pipeline phase latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		epsilonConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_epsilon_consumed_total",
			Help: "Cumulative privacy budget debited across all users.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_cache_hits_total",
			Help: "Query cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_cache_misses_total",
			Help: "Query cache misses.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_rate_limited_total",
			Help: "Requests denied by the rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.phaseDuration,
		m.epsilonConsumed,
		m.cacheHits,
		m.cacheMisses,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one finished mediation.
func (m *Metrics) ObserveQuery(result string, seconds float64) {
	m.queriesTotal.WithLabelValues(result).Inc()
	m.queryDuration.Observe(seconds)
}

// ObservePhase records one pipeline phase duration.
func (m *Metrics) ObservePhase(phase Phase, seconds float64) {
	m.phaseDuration.WithLabelValues(string(phase)).Observe(seconds)
}

// AddEpsilon accumulates debited budget.
func (m *Metrics) AddEpsilon(epsilon float64) {
	m.epsilonConsumed.Add(epsilon)
}

// RecordCache counts one cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordRateLimited counts one denied request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

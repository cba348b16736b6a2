// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"sync"
	"time"
)

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	Reason     string        `json:"reason,omitempty"`
}

// window is a deque of admission timestamps within a fixed span.
type window struct {
	span  time.Duration
	limit int
	times []time.Time
}

// prune drops timestamps older than the span.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *window) remaining() int {
	r := w.limit - len(w.times)
	if r < 0 {
		return 0
	}
	return r
}

// retryAfter is how long until the oldest admission leaves the window.
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.times) == 0 {
		return 0
	}
	return w.times[0].Add(w.span).Sub(now)
}

// RateLimiter enforces two global sliding windows (per second and per
// minute) plus a per-user per-minute window.
type RateLimiter struct {
	mu           sync.Mutex
	globalSecond *window
	globalMinute *window
	perUserLimit int
	users        map[string]*window
	now          func() time.Time
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock substitutes the time source for tests.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		r.now = now
	}
}

// NewRateLimiter builds a limiter with perSecond/perMinute global caps and a
// perUserMinute cap for each user.
func NewRateLimiter(perSecond, perMinute, perUserMinute int, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		globalSecond: &window{span: time.Second, limit: perSecond},
		globalMinute: &window{span: time.Minute, limit: perMinute},
		perUserLimit: perUserMinute,
		users:        make(map[string]*window),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check reports whether a request from user would be admitted. It never
// records.
func (r *RateLimiter) Check(user string) *RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(user, r.now())
}

// CheckAndRecord admits and records the request atomically; a denied request
// is not recorded.
func (r *RateLimiter) CheckAndRecord(user string) *RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := r.checkLocked(user, now)
	if !result.Allowed {
		return result
	}

	r.globalSecond.times = append(r.globalSecond.times, now)
	r.globalMinute.times = append(r.globalMinute.times, now)
	uw := r.userWindow(user)
	uw.times = append(uw.times, now)

	result.Remaining = minInt(r.globalSecond.remaining(), r.globalMinute.remaining(), uw.remaining())
	return result
}

func (r *RateLimiter) checkLocked(user string, now time.Time) *RateLimitResult {
	uw := r.userWindow(user)
	r.globalSecond.prune(now)
	r.globalMinute.prune(now)
	uw.prune(now)

	for _, probe := range []struct {
		w      *window
		reason string
	}{
		{r.globalSecond, "global per-second limit"},
		{r.globalMinute, "global per-minute limit"},
		{uw, "per-user limit"},
	} {
		if len(probe.w.times) >= probe.w.limit {
			return &RateLimitResult{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: probe.w.retryAfter(now),
				Reason:     probe.reason,
			}
		}
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: minInt(r.globalSecond.remaining(), r.globalMinute.remaining(), uw.remaining()),
	}
}

func (r *RateLimiter) userWindow(user string) *window {
	uw, ok := r.users[user]
	if !ok {
		uw = &window{span: time.Minute, limit: r.perUserLimit}
		r.users[user] = uw
	}
	return uw
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

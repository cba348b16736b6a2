// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerUserWindow(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(100, 100, 3, WithRateLimiterClock(clock.Now))

	for i := 0; i < 3; i++ {
		result := rl.CheckAndRecord("alice")
		require.True(t, result.Allowed, "request %d", i)
		clock.Advance(time.Second)
	}

	denied := rl.CheckAndRecord("alice")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "per-user limit", denied.Reason)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	// A different user is unaffected.
	assert.True(t, rl.CheckAndRecord("bob").Allowed)
}

func TestRateLimiterGlobalSecondWindow(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(2, 100, 100, WithRateLimiterClock(clock.Now))

	assert.True(t, rl.CheckAndRecord("u1").Allowed)
	assert.True(t, rl.CheckAndRecord("u2").Allowed)

	denied := rl.CheckAndRecord("u3")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "global per-second limit", denied.Reason)

	// The window slides: a second later both admissions expired.
	clock.Advance(1100 * time.Millisecond)
	assert.True(t, rl.CheckAndRecord("u3").Allowed)
}

func TestRateLimiterGlobalMinuteWindow(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(100, 5, 100, WithRateLimiterClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, rl.CheckAndRecord("alice").Allowed)
		clock.Advance(2 * time.Second)
	}

	denied := rl.CheckAndRecord("alice")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "global per-minute limit", denied.Reason)

	// 52 seconds elapsed within the minute for the first admission;
	// after it leaves the window one slot opens.
	clock.Advance(51 * time.Second)
	assert.True(t, rl.CheckAndRecord("alice").Allowed)
}

func TestRateLimiterCheckDoesNotRecord(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(100, 100, 1, WithRateLimiterClock(clock.Now))

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Check("alice").Allowed)
	}

	require.True(t, rl.CheckAndRecord("alice").Allowed)
	assert.False(t, rl.Check("alice").Allowed)
}

func TestRateLimiterDeniedNotRecorded(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(100, 100, 1, WithRateLimiterClock(clock.Now))

	require.True(t, rl.CheckAndRecord("alice").Allowed)
	for i := 0; i < 10; i++ {
		assert.False(t, rl.CheckAndRecord("alice").Allowed)
	}

	// Only the single admitted request occupies the window; it expires on
	// schedule despite the denied burst.
	clock.Advance(61 * time.Second)
	assert.True(t, rl.CheckAndRecord("alice").Allowed)
}

func TestRateLimiterRemaining(t *testing.T) {
	clock := newCacheClock()
	rl := NewRateLimiter(10, 10, 4, WithRateLimiterClock(clock.Now))

	result := rl.CheckAndRecord("alice")
	require.True(t, result.Allowed)
	assert.Equal(t, 3, result.Remaining)

	result = rl.CheckAndRecord("alice")
	require.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
}

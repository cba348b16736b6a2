// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/veil/shared/logger"
)

// DistributedRateLimiter enforces the per-user per-minute window across
// gateway instances using a Redis sorted set as the sliding window. Redis
// being unreachable fails open into the local fallback limiter so the
// mediation pipeline never stalls on the limiter.
type DistributedRateLimiter struct {
	client   *redis.Client
	fallback *RateLimiter
	perUser  int
	prefix   string

	log *logger.Logger
}

// NewDistributedRateLimiter connects to redisURL. perUserMinute caps each
// user's requests per minute; fallback handles Redis outages and may be nil
// to fail fully open.
func NewDistributedRateLimiter(redisURL string, perUserMinute int, fallback *RateLimiter) (*DistributedRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &DistributedRateLimiter{
		client:   client,
		fallback: fallback,
		perUser:  perUserMinute,
		prefix:   "veil:ratelimit:",
		log:      logger.New("rate-limit-redis"),
	}, nil
}

// CheckAndRecord admits and records one request for user. The removal,
// count, and insert run in a single pipeline so concurrent instances observe
// a consistent window.
func (d *DistributedRateLimiter) CheckAndRecord(ctx context.Context, user string) *RateLimitResult {
	now := time.Now()
	key := d.prefix + user

	pipe := d.client.Pipeline()
	minScore := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		d.log.Warn(user, "", "redis rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		if d.fallback != nil {
			return d.fallback.CheckAndRecord(user)
		}
		return &RateLimitResult{Allowed: true, Remaining: d.perUser}
	}

	// Count before this request was added.
	count := int(countCmd.Val())
	if count >= d.perUser {
		// Roll back the optimistic insert so denied requests do not count.
		d.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%d", now.UnixNano()), fmt.Sprintf("%d", now.UnixNano()))
		return &RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: d.retryAfter(ctx, key, now),
			Reason:     "per-user limit",
		}
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: d.perUser - count - 1,
	}
}

// Status returns the user's current window count and its reset time.
func (d *DistributedRateLimiter) Status(ctx context.Context, user string) (int, time.Time, error) {
	now := time.Now()
	key := d.prefix + user

	minScore := now.Add(-time.Minute).UnixNano()
	count, err := d.client.ZCount(ctx, key, fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit status: %w", err)
	}
	return int(count), now.Truncate(time.Minute).Add(time.Minute), nil
}

// retryAfter computes how long until the oldest entry leaves the window.
func (d *DistributedRateLimiter) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	oldest, err := d.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return time.Minute
	}
	expiry := time.Unix(0, int64(oldest[0].Score)).Add(time.Minute)
	if after := expiry.Sub(now); after > 0 {
		return after
	}
	return 0
}

// Close releases the Redis connection pool.
func (d *DistributedRateLimiter) Close() error {
	return d.client.Close()
}

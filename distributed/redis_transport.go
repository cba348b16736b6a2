// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/veil/shared/logger"
)

const defaultSyncChannel = "veil:budget-sync"

// RedisTransport fans SyncOperations out to peer instances over a Redis
// pub/sub channel and folds incoming operations into the local BudgetSync.
type RedisTransport struct {
	client  *redis.Client
	channel string
	sync    *BudgetSync
	log     *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisTransport connects to Redis and wires itself as a delivery
// callback on the given BudgetSync. Start must be called to begin receiving.
func NewRedisTransport(redisURL, channel string, bs *BudgetSync) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if channel == "" {
		channel = defaultSyncChannel
	}
	t := &RedisTransport{
		client:  client,
		channel: channel,
		sync:    bs,
		log:     logger.New("sync-transport"),
	}
	bs.OnSync(t.Publish)
	return t, nil
}

// Publish sends each operation as a JSON message on the sync channel.
// Failures are logged, not returned; the next full-state sync reconciles.
func (t *RedisTransport) Publish(ops []SyncOperation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, op := range ops {
		payload, err := json.Marshal(op)
		if err != nil {
			t.log.ErrorWithErr(op.UserID, "", "marshaling sync operation", err, nil)
			continue
		}
		if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
			t.log.ErrorWithErr(op.UserID, "", "publishing sync operation", err, nil)
		}
	}
}

// Start subscribes to the sync channel and applies incoming operations until
// Stop is called. Own operations are filtered by BudgetSync.
func (t *RedisTransport) Start() {
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	pubsub := t.client.Subscribe(ctx, t.channel)

	// Wait for the subscribe confirmation so that operations published
	// right after Start returns are not lost.
	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := pubsub.Receive(rctx); err != nil {
		t.log.ErrorWithErr("", "", "confirming sync subscription", err, nil)
	}
	rcancel()

	go func() {
		defer close(t.done)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var op SyncOperation
				if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
					t.log.ErrorWithErr("", "", "decoding sync operation", err, nil)
					continue
				}
				t.sync.ApplyRemoteOperation(op)
			}
		}
	}()
}

// Stop ends the subscription, waiting at most two seconds for the receiver.
func (t *RedisTransport) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(stopJoinTimeout):
		t.log.Warn("", "", "sync transport receiver did not stop in time", nil)
	}
	t.cancel = nil
	t.done = nil
}

// Close stops the receiver and releases the Redis connection.
func (t *RedisTransport) Close() error {
	t.Stop()
	return t.client.Close()
}

// Copyright 2025 James Ross
package statusbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/batcherd/internal/request"
)

// RedisRelay mirrors a Bus's transitions onto a Redis Pub/Sub channel, so
// observers attached to a different daemon replica's process can
// subscribe to the canonical transition stream. This is purely an
// observability convenience layered on top of the in-process Bus;
// storage remains the system of record, never this relay.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay returns a relay publishing to and subscribing from the
// given Pub/Sub channel name.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

// Attach subscribes r to bus and republishes every update it sees onto
// the Redis channel until ctx is canceled. Intended to be run in its own
// goroutine by the daemon process hosting the canonical Bus.
func (rl *RedisRelay) Attach(ctx context.Context, bus *Bus) {
	updates := bus.Subscribe(ctx, nil)
	for u := range updates {
		payload, err := json.Marshal(u.Request)
		if err != nil {
			continue
		}
		rl.client.Publish(ctx, rl.channel, payload)
	}
}

// Subscribe returns a channel of AnyRequest transitions received over
// Redis Pub/Sub, for processes that aren't hosting the canonical Bus.
// Unlike Bus.Subscribe, delivery here is best-effort: Redis Pub/Sub does
// not buffer for disconnected subscribers, so an observer that was down
// when a terminal transition was published will miss it and must fall
// back to polling Storage.GetRequests.
func (rl *RedisRelay) Subscribe(ctx context.Context) (<-chan request.AnyRequest, error) {
	pubsub := rl.client.Subscribe(ctx, rl.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("statusbus: subscribe to relay channel %s: %w", rl.channel, err)
	}

	out := make(chan request.AnyRequest)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var a request.AnyRequest
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Package redis holds the Redis-backed pieces of boardwire: the pub/sub
// fan-out channel and the idempotency store.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PubSub publishes and subscribes to activity channels.
type PubSub struct {
	client *redis.Client
}

// New connects to the Redis instance at url (redis://host:port/db) and pings it.
func New(ctx context.Context, url string) (*PubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis.New: parse url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

// Client exposes the underlying client for stores sharing the connection pool.
func (ps *PubSub) Client() *redis.Client {
	return ps.client
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Ping(ctx context.Context) error {
	if err := ps.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Ping: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// Subscription is one confirmed SUBSCRIBE on a single channel.
type Subscription struct {
	sub *redis.PubSub
}

// Subscribe subscribes to channel and waits for the server confirmation.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := ps.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	return &Subscription{sub: sub}, nil
}

// ReceiveMessage blocks for the next published payload.
func (s *Subscription) ReceiveMessage(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.ReceiveMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis.Subscription.ReceiveMessage: %w", err)
	}
	return []byte(msg.Payload), nil
}

func (s *Subscription) Close() error {
	if err := s.sub.Close(); err != nil {
		return fmt.Errorf("redis.Subscription.Close: %w", err)
	}
	return nil
}

// IdempotencyKey returns the Redis key that records a processed event.
func IdempotencyKey(prefix, key string) string {
	return prefix + ":" + key
}

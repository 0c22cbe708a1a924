// Package events publishes typed workflow lifecycle events to logical
// channels and keeps a bounded log of significant events.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Transport delivers a serialized event to one logical channel.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// RedisTransport publishes events over Redis pub/sub channels.
type RedisTransport struct {
	client *redis.Client
}

// RedisTransportOptions configures the Redis connection.
type RedisTransportOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisTransport creates a RedisTransport and verifies connectivity.
func NewRedisTransport(opts RedisTransportOptions) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return &RedisTransport{client: client}, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends the payload to a Redis channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

// Ping reports Redis reachability.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/doxops/orchestrator/types"
)

const stateKeyPrefix = "workflow_state:"

// RedisOptions extends redis.Options with the settings the cache tier
// actually uses.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// RedisCache is a Redis-backed implementation of the Cache interface.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache and verifies connectivity.
func NewRedisCache(opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client. The pub/sub
// transport and the cache share one pooled connection in production.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func stateKey(workflowID string) string {
	return stateKeyPrefix + workflowID
}

// SetState stores a JSON snapshot of the record under
// workflow_state:<id> with the given TTL.
func (c *RedisCache) SetState(ctx context.Context, rec types.StateRecord, ttl time.Duration) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal state %s: %v", rec.WorkflowID, err)
		}
		key := stateKey(rec.WorkflowID)
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetState retrieves a cached state snapshot, ErrNotFound on miss.
func (c *RedisCache) GetState(ctx context.Context, workflowID string) (types.StateRecord, error) {
	return withContext(ctx, func() (types.StateRecord, error) {
		key := stateKey(workflowID)
		data, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.StateRecord{}, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return types.StateRecord{}, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var rec types.StateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return types.StateRecord{}, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return rec, nil
	})
}

// DeleteState drops a cached snapshot.
func (c *RedisCache) DeleteState(ctx context.Context, workflowID string) error {
	return withContextError(ctx, func() error {
		return c.client.Del(ctx, stateKey(workflowID)).Err()
	})
}

// Ping reports Redis reachability.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

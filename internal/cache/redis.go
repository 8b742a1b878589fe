package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/eventchain/indexer/config"
)

// RedisCache remembers which on-chain events were seen in the store. Rows can
// be deleted outside the indexer, so an entry is a hint and callers confirm
// it before writing.
type RedisCache struct {
	client    *redis.Client
	enabled   bool
	ttl       time.Duration
	namespace string
}

// Namespace scopes cache keys to one stream of one contract
func Namespace(stream, contract string) string {
	return fmt.Sprintf("indexer:%s:%s", stream, contract)
}

// NewRedisCache creates a new Redis cache with keys under namespace. A
// disabled cache answers every lookup with a miss.
func NewRedisCache(cfg config.RedisConfig, namespace string) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:    client,
		enabled:   true,
		ttl:       cfg.TTL,
		namespace: namespace,
	}, nil
}

// Enabled reports whether lookups reach Redis
func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// EventKnown reports whether eventID was remembered earlier
func (c *RedisCache) EventKnown(ctx context.Context, eventID uint64) (bool, error) {
	if !c.enabled {
		return false, nil
	}

	n, err := c.client.Exists(ctx, EventCacheKey(c.namespace, eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check event in Redis")
	}
	return n > 0, nil
}

// RememberEvent records that eventID exists in the store
func (c *RedisCache) RememberEvent(ctx context.Context, eventID uint64) error {
	if !c.enabled {
		return nil
	}

	if err := c.client.Set(ctx, EventCacheKey(c.namespace, eventID), 1, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set event in Redis")
	}
	return nil
}

// ForgetEvent drops a stale entry
func (c *RedisCache) ForgetEvent(ctx context.Context, eventID uint64) error {
	if !c.enabled {
		return nil
	}

	if err := c.client.Del(ctx, EventCacheKey(c.namespace, eventID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete event from Redis")
	}
	return nil
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// EventCacheKey generates a cache key for an on-chain event id
func EventCacheKey(namespace string, eventID uint64) string {
	return fmt.Sprintf("%s:event:%d", namespace, eventID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}

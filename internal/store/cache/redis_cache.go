package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache backs Cache with a shared Redis instance, for deployments that
// run more than one alignment-engine process against the same stores.
// Grounded on original_source's CustomerDataStoreCacheLayer, which wraps
// redis.asyncio the same way: get/setex/delete. Redis errors are logged and
// swallowed (a failed Get reads as a miss) whatever fallbackOnError is set
// to; the flag is stored but not consulted.
type RedisCache struct {
	client          *redis.Client
	fallbackOnError bool
}

func NewRedisCache(client *redis.Client, fallbackOnError bool) *RedisCache {
	return &RedisCache{client: client, fallbackOnError: fallbackOnError}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logCacheError("get", key, err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		logCacheError("set", key, err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logCacheError("delete", keys[0], err)
	}
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) {
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logCacheError("scan", prefix, err)
		return
	}
	c.Delete(ctx, keys...)
}

func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

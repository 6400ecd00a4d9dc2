// Package cache provides write-through caching decorators over
// internal/store's AgentConfigStore and CustomerDataStore, grounded on
// original_source/focal/infrastructure/stores/interlocutor/cached.py: cache
// reads with a TTL, invalidate on every write, fall back to the backend on
// cache errors. The default Cache implementation is in-process; RedisCache
// (github.com/go-redis/redis/v8, carried from the rest of the example pack)
// is wired for a real multi-instance deployment.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is the narrow key-value contract the decorators consume: get/set a
// JSON blob by key with a TTL, delete by key, and a health check. Both
// MemoryCache and RedisCache implement it.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	// DeletePrefix removes every key under the prefix; explicit
	// tenant/agent invalidation uses it.
	DeletePrefix(ctx context.Context, prefix string)
	HealthCheck(ctx context.Context) error
}

// Stats are the hit/miss/invalidation counters the decorators expose,
// mirroring the teacher/original's PROFILE_CACHE_HITS/MISSES/INVALIDATIONS
// metric triplet without requiring a Prometheus registry to be wired in.
type Stats struct {
	mu           sync.Mutex
	Hits         int64
	Misses       int64
	Invalidations int64
	Errors       int64
}

func (s *Stats) hit()          { s.mu.Lock(); s.Hits++; s.mu.Unlock() }
func (s *Stats) miss()         { s.mu.Lock(); s.Misses++; s.mu.Unlock() }
func (s *Stats) invalidate()   { s.mu.Lock(); s.Invalidations++; s.mu.Unlock() }
func (s *Stats) err()          { s.mu.Lock(); s.Errors++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Hits: s.Hits, Misses: s.Misses, Invalidations: s.Invalidations, Errors: s.Errors}
}

type memoryEntry struct {
	value    string
	expireAt time.Time
}

// MemoryCache is a process-local TTL cache, the default backend for
// single-instance deployments and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expireAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expireAt: time.Now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) HealthCheck(_ context.Context) error { return nil }

// FallbackOnError names the original's
// RedisProfileCacheConfig.fallback_on_error setting. Nothing in this package
// reads it: cache-layer errors are always logged and swallowed, and the
// decorators fall through to the backend.
type FallbackOnError bool

// logCacheError is the shared "warn and swallow" helper RedisCache calls on
// every Get/Set/Delete/Scan error path.
func logCacheError(op, key string, err error) {
	log.Warn().Err(err).Str("op", op).Str("key", key).Msg("cache_layer_error")
}

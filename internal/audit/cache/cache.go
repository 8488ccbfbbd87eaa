// Package cache holds the per-tenant last-hash cache used by the audit
// logger to skip a chain store read on the hot path.
//
// The cache is an optimization only. It is never authoritative: the chain
// store's conditional append catches any staleness, and losing the cache
// (process restart, Redis flush) only costs one extra store read per tenant.
package cache

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const shardCount = 64

const redisKeyPrefix = "chainlog:lasthash:"

type shard struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// LastHash is a sharded tenant→hash map with an optional shared Redis tier.
// Sharding keeps unrelated tenants off the same lock; the Redis tier lets a
// freshly started instance warm from its peers instead of the store.
type LastHash struct {
	shards [shardCount]*shard
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a LastHash cache.
type Option func(*LastHash)

// WithRedis enables the shared Redis tier. Entries expire after ttl so a
// stale hash from a crashed instance cannot linger indefinitely.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(c *LastHash) {
		c.redis = client
		c.ttl = ttl
	}
}

// WithLogger sets a logger for Redis-tier failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *LastHash) {
		c.logger = logger
	}
}

func New(opts ...Option) *LastHash {
	c := &LastHash{ttl: time.Hour}
	for i := range c.shards {
		c.shards[i] = &shard{hashes: make(map[string]string)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LastHash) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached hash for a tenant. On a local miss it consults the
// Redis tier (best-effort) and promotes a hit into the local map.
func (c *LastHash) Get(ctx context.Context, tenantID string) (string, bool) {
	s := c.shardFor(tenantID)
	s.mu.RLock()
	hash, ok := s.hashes[tenantID]
	s.mu.RUnlock()
	if ok {
		return hash, true
	}

	if c.redis == nil {
		return "", false
	}
	hash, err := c.redis.Get(ctx, redisKeyPrefix+tenantID).Result()
	if err != nil {
		if c.logger != nil && err != redis.Nil {
			c.logger.WarnContext(ctx, "redis last-hash read failed",
				"tenant_id", tenantID, "error", err)
		}
		return "", false
	}

	s.mu.Lock()
	s.hashes[tenantID] = hash
	s.mu.Unlock()
	return hash, true
}

// Set records the latest hash locally and, when configured, in Redis.
func (c *LastHash) Set(ctx context.Context, tenantID, hash string) {
	s := c.shardFor(tenantID)
	s.mu.Lock()
	s.hashes[tenantID] = hash
	s.mu.Unlock()

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+tenantID, hash, c.ttl).Err(); err != nil {
		if c.logger != nil {
			c.logger.WarnContext(ctx, "redis last-hash write failed",
				"tenant_id", tenantID, "error", err)
		}
	}
}

// Forget drops the tenant's local entry. The Redis key is left to expire;
// the next Get revalidates against it or the store either way.
func (c *LastHash) Forget(tenantID string) {
	s := c.shardFor(tenantID)
	s.mu.Lock()
	delete(s.hashes, tenantID)
	s.mu.Unlock()
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is the window in which a repeated transaction is a no-op.
const DefaultDedupTTL = 10 * time.Minute

// DedupCache remembers recently verified transaction ids.
// It is a fast path only; the ledger enforces idempotent crediting.
type DedupCache interface {
	Has(ctx context.Context, id string) (bool, error)
	// Add inserts or refreshes id. ttl <= 0 means the cache default.
	Add(ctx context.Context, id string, ttl time.Duration) error
}

// MemoryDedupCache is a process-local TTL set with lazy eviction on lookup.
type MemoryDedupCache struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryDedupCache(ttl time.Duration) *MemoryDedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDedupCache{
		expiry: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *MemoryDedupCache) Has(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.expiry[id]
	if !ok {
		return false, nil
	}
	if !c.now().Before(exp) {
		delete(c.expiry, id)
		return false, nil
	}
	return true, nil
}

func (c *MemoryDedupCache) Add(_ context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.expiry[id] = c.now().Add(ttl)
	c.mu.Unlock()
	return nil
}

// Len reports stored entries, expired ones included until they are looked up.
func (c *MemoryDedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expiry)
}

// RedisDedupCache shares the dedup window between service instances.
type RedisDedupCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDedupCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if prefix == "" {
		prefix = "iap:dedup:"
	}
	return &RedisDedupCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisDedupCache) Has(ctx context.Context, id string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisDedupCache) Add(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.rdb.Set(ctx, c.prefix+id, 1, ttl).Err()
}

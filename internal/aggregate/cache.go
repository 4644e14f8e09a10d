package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/timeledger/internal/ir"
)

// Cache stores computed buckets. Put replaces the whole entry atomically;
// readers never observe a partially written bucket.
type Cache interface {
	Get(ctx context.Context, key string) (ir.AggregateBucket, bool, error)
	Put(ctx context.Context, b ir.AggregateBucket) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	buckets map[string]ir.AggregateBucket
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{buckets: make(map[string]ir.AggregateBucket)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (ir.AggregateBucket, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[key]
	if !ok {
		return ir.AggregateBucket{}, false, nil
	}
	return b.Clone(), true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, b ir.AggregateBucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[b.CacheKey()] = b.Clone()
	return nil
}

// Len returns the number of cached buckets.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

// RedisCache keeps buckets as JSON strings under "<prefix><cache key>".
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps a client. A zero ttl keeps entries until replaced.
func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "timeledger:bucket:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (ir.AggregateBucket, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ir.AggregateBucket{}, false, nil
	}
	if err != nil {
		return ir.AggregateBucket{}, false, fmt.Errorf("redis get bucket: %w", err)
	}
	var b ir.AggregateBucket
	if err := json.Unmarshal(val, &b); err != nil {
		return ir.AggregateBucket{}, false, fmt.Errorf("decode bucket %s: %w", key, err)
	}
	return b, true, nil
}

// Put implements Cache. SET replaces the value in one command.
func (c *RedisCache) Put(ctx context.Context, b ir.AggregateBucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bucket: %w", err)
	}
	if err := c.rdb.Set(ctx, c.prefix+b.CacheKey(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set bucket: %w", err)
	}
	return nil
}

// BucketStore is a database that can hold buckets, such as the SQLite
// store's buckets table.
type BucketStore interface {
	GetBucket(ctx context.Context, key string) (ir.AggregateBucket, bool, error)
	PutBucket(ctx context.Context, b ir.AggregateBucket) error
}

// StoreCache adapts a BucketStore to Cache.
type StoreCache struct {
	Store BucketStore
}

// Get implements Cache.
func (c StoreCache) Get(ctx context.Context, key string) (ir.AggregateBucket, bool, error) {
	return c.Store.GetBucket(ctx, key)
}

// Put implements Cache.
func (c StoreCache) Put(ctx context.Context, b ir.AggregateBucket) error {
	return c.Store.PutBucket(ctx, b)
}

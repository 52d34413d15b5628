package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores listing results by key
type Cache interface {
	Get(ctx context.Context, key string) ([]*Listing, bool)
	Set(ctx context.Context, key string, items []*Listing)
	Purge(ctx context.Context) error
}

func cloneListings(items []*Listing) []*Listing {
	out := make([]*Listing, len(items))
	for i, l := range items {
		out[i] = l.Clone()
	}
	return out
}

// MemoryCache is a process-local expiring LRU
type MemoryCache struct {
	lru *expirable.LRU[string, []*Listing]
}

// NewMemoryCache creates an in-memory cache holding up to size keys for ttl
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 256
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []*Listing](size, nil, ttl)}
}

// Get returns a copy of the cached listings
func (c *MemoryCache) Get(_ context.Context, key string) ([]*Listing, bool) {
	items, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return cloneListings(items), true
}

// Set stores a copy of items
func (c *MemoryCache) Set(_ context.Context, key string, items []*Listing) {
	c.lru.Add(key, cloneListings(items))
}

// Purge drops every entry
func (c *MemoryCache) Purge(context.Context) error {
	c.lru.Purge()
	return nil
}

// Len returns the number of cached keys
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// redisKeyPrefix namespaces marketplace keys in a shared Redis
const redisKeyPrefix = "hangar:marketplace:"

// RedisCache shares cached results between hangar processes
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis at redisURL
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Set connection timeouts
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get reads a cached entry. Errors and corrupt data count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]*Listing, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var items []*Listing
	if err := json.Unmarshal(data, &items); err != nil {
		// If unmarshal fails, delete corrupt data
		c.client.Del(ctx, redisKeyPrefix+key)
		return nil, false
	}
	return items, true
}

// Set writes an entry with the cache TTL. Failures are ignored; the cache is advisory.
func (c *RedisCache) Set(ctx context.Context, key string, items []*Listing) {
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl)
}

// Purge removes every marketplace key
func (c *RedisCache) Purge(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

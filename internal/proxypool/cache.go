package proxypool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps validated proxies between runs.
type Cache interface {
	List(ctx context.Context) ([]string, error)
	Put(ctx context.Context, address string, ttl time.Duration) error
	Remove(ctx context.Context, address string) error
}

const defaultCacheKey = "olx-scraper:proxies"

// RedisCache stores addresses in a sorted set scored by expiry time.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache stores proxies in a sorted set under key, scored by expiry.
func NewRedisCache(client *redis.Client, key string) *RedisCache {
	if key == "" {
		key = defaultCacheKey
	}
	return &RedisCache{client: client, key: key}
}

// List returns the addresses that have not expired yet.
func (c *RedisCache) List(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	if err := c.client.ZRemRangeByScore(ctx, c.key, "-inf", "("+now).Err(); err != nil {
		return nil, fmt.Errorf("failed to expire cached proxies: %w", err)
	}

	addrs, err := c.client.ZRangeByScore(ctx, c.key, &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cached proxies: %w", err)
	}
	return addrs, nil
}

// Put stores address until ttl elapses.
func (c *RedisCache) Put(ctx context.Context, address string, ttl time.Duration) error {
	expiry := float64(time.Now().Add(ttl).Unix())
	if err := c.client.ZAdd(ctx, c.key, redis.Z{Score: expiry, Member: address}).Err(); err != nil {
		return fmt.Errorf("failed to cache proxy %s: %w", address, err)
	}
	return nil
}

// Remove evicts address.
func (c *RedisCache) Remove(ctx context.Context, address string) error {
	if err := c.client.ZRem(ctx, c.key, address).Err(); err != nil {
		return fmt.Errorf("failed to evict proxy %s: %w", address, err)
	}
	return nil
}

// MemoryCache is the in-process fallback when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache returns a Cache that lives as long as the process.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCache) List(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]string, 0, len(c.entries))
	for addr, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, addr)
			continue
		}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryCache) Put(_ context.Context, address string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[address] = c.now().Add(ttl)
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, address)
	return nil
}

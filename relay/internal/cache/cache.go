// Package cache stores completed image lists in Redis keyed by prompt.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// Cache is a Redis-backed result cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps rdb. A non-positive ttl keeps entries until evicted.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached URLs for prompt. A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, prompt string) ([]string, bool, error) {
	data, err := c.rdb.Get(ctx, model.CacheKey(prompt)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	if len(urls) == 0 {
		return nil, false, nil
	}
	return urls, true, nil
}

// Set stores urls for prompt. Empty results are not cached.
func (c *Cache) Set(ctx context.Context, prompt string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, model.CacheKey(prompt), data, c.ttl).Err()
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

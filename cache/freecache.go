package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

type freeCache struct {
	cache *freecache.Cache
}

// NewFreeCache wraps an in-process freecache.Cache.
// Recommended size for descriptors: 1MB = 1024 * 1024
func NewFreeCache(cache *freecache.Cache) Cache {
	return &freeCache{cache: cache}
}

func (c *freeCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	ttlSeconds := int(expiry.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 0 // No expiry
	}

	err := c.cache.Set([]byte(key), []byte(value), ttlSeconds)
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *freeCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return "", ErrKeyNotFound.Wrap(nil, "%s", key)
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(data), nil
}

// Delete succeeds whether or not key was present.
func (c *freeCache) Delete(ctx context.Context, key string) error {
	c.cache.Del([]byte(key))
	return nil
}

func (c *freeCache) Clear(ctx context.Context) error {
	c.cache.Clear()
	return nil
}

// Package cache stores short-lived string values, such as subscription
// descriptors, in process (freecache) or shared (redis).
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache satisfies pubsub.DescriptorCache. An expiry of zero keeps the value
// until it is evicted or deleted.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiry time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

func SetTyped[T any](ctx context.Context, cache Cache, key string, value T, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return ErrJsonMarshal.Wrap(err, "%s", key)
	}

	return cache.Set(ctx, key, string(data), expiry)
}

func GetTyped[T any](ctx context.Context, cache Cache, key string) (T, error) {
	var result T

	value, err := cache.Get(ctx, key)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return result, ErrJsonUnmarshal.Wrap(err, "%s", key)
	}

	return result, nil
}

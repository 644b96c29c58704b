package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisCacheConfig struct {
	Addr           string `envconfig:"ADDR" default:"localhost:6379"`
	DB             int64  `envconfig:"DB"`
	ConnectTimeout int64  `envconfig:"CONNECT_TIMEOUT" default:"5"`
	// Prefix namespaces every key so several services can share a database.
	Prefix string `envconfig:"PREFIX"`
}

type redisCache struct {
	lg     *zap.Logger
	client *redis.Client
	prefix string
}

// NewRedisCache connects and pings redis. The returned func closes the
// connection.
func NewRedisCache(lg *zap.Logger, cfg *RedisCacheConfig) (Cache, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   int(cfg.DB),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		lg.Error("failed to connect to redis for cache", zap.String("addr", cfg.Addr), zap.Int("db", int(cfg.DB)), zap.Error(err))
		return nil, nil, ErrConnect.Wrap(err, "%s", cfg.Addr)
	}
	lg.Info("connected to redis for cache", zap.String("addr", cfg.Addr), zap.Int("db", int(cfg.DB)))

	return NewRedisCacheFromClient(lg, client, cfg.Prefix), func() {
		_ = client.Close()
		lg.Info("closed redis connection for cache", zap.String("addr", cfg.Addr), zap.Int("db", int(cfg.DB)))
	}, nil
}

// NewRedisCacheFromClient uses an existing client; the caller keeps
// ownership of it.
func NewRedisCacheFromClient(lg *zap.Logger, client *redis.Client, prefix string) Cache {
	return &redisCache{
		lg:     lg,
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache) key(key string) string {
	return c.prefix + key
}

func (c *redisCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiry).Err()
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound.Wrap(nil, "%s", key)
		}
		return "", err
	}

	return data, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Clear removes the keys under the prefix, or the whole database when there
// is none.
func (c *redisCache) Clear(ctx context.Context) error {
	if c.prefix == "" {
		return c.client.FlushDB(ctx).Err()
	}
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

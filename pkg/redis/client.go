package redis

import (
	"context"
	"fmt"
	"time"

	"longevity-sync/pkg/config"

	"github.com/go-redis/redis/v8"
)

// Client alias so callers don't import go-redis directly
type Client = redis.Client

// connectTimeout bounds the startup ping; the service runs without Redis when it fails
const connectTimeout = 3 * time.Second

// NewRedisClient builds a client from cfg (no connection is made until first use)
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return redis.NewClient(opts)
}

// Connect builds the client and pings it. On failure the client is closed.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s db=%d unreachable: %w", cfg.Addr, cfg.DB, err)
	}
	return client, nil
}

// Close closes the client
func Close(client *redis.Client) error {
	return client.Close()
}

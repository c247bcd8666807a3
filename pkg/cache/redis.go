package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/iam-gate-api/pkg/config"
)

const defaultConnectWait = 5 * time.Second

// Options maps the redis section of the configuration onto client options.
// Reads and writes share one deadline.
func Options(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.IOTimeout > 0 {
		opts.ReadTimeout = cfg.IOTimeout
		opts.WriteTimeout = cfg.IOTimeout
	}
	if cfg.ConnectWait > 0 {
		opts.DialTimeout = cfg.ConnectWait
	}
	return opts
}

// NewRedis returns a connected client. The caller owns Close.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg))

	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = defaultConnectWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", client.Options().Addr, err)
	}
	return client, nil
}

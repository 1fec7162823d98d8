// Package rediscache provides a Redis-backed linkcache.Cache so that every
// server instance resolves the same linkages regardless of which node
// handled the attach.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/ssokit/ssolink/linkcache"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces linkage keys inside a shared Redis.
const DefaultKeyPrefix = "ssolink:link:"

// Config for the Redis-backed cache.
type Config struct {
	// Client is the Redis client instance. Required by New; NewFromEnv
	// builds one from the environment.
	Client *redis.Client

	// KeyPrefix for all linkage keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// EnvConfig is the envdecode-friendly shape used by NewFromEnv.
type EnvConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all linkage keys. ENV: SSOLINK_CACHE_PREFIX
	KeyPrefix string `env:"SSOLINK_CACHE_PREFIX,default=ssolink:link:"`
}

// Cache implements linkcache.Cache on Redis.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("rediscache: redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Cache{client: cfg.Client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Cache from REDIS_ADDR and SSOLINK_CACHE_PREFIX,
// verifying connectivity with a ping.
func NewFromEnv() (*Cache, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("rediscache: decode env: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("rediscache: redis ping: %w", err)
	}
	return New(Config{Client: client, KeyPrefix: cfg.KeyPrefix})
}

// Get implements linkcache.Cache.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rediscache: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements linkcache.Cache.
func (c *Cache) Set(ctx context.Context, key, value string, opts ...linkcache.Option) error {
	options := &linkcache.Options{}
	for _, opt := range opts {
		opt(options)
	}

	var ttl time.Duration
	if options.TTL != nil {
		ttl = *options.TTL
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set %s: %w", key, err)
	}
	return nil
}

// Close implements linkcache.Cache.
func (c *Cache) Close() error {
	return c.client.Close()
}

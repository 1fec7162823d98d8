// Package redisengine is a Redis-backed sessions.Engine. Session state
// lives in one hash per session so that any server instance can resume a
// session the attach phase established elsewhere.
package redisengine

import (
	"context"
	"fmt"
	"time"

	"github.com/ssokit/ssolink/sessions"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces session hashes inside a shared Redis.
	DefaultKeyPrefix = "ssolink:session:"
	// DefaultTTL bounds session lifetime when none is configured.
	DefaultTTL = time.Hour

	fieldClientAddr = "client_addr"
	fieldPrincipal  = "principal"
)

// Config for the Redis-backed engine.
type Config struct {
	// Client is the Redis client instance. Required by New.
	Client *redis.Client

	// KeyPrefix for session hashes. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TTL bounds session lifetime; refreshed on every write. Defaults to
	// DefaultTTL.
	TTL time.Duration
}

// EnvConfig is the envdecode-friendly shape used by NewFromEnv.
type EnvConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for session hashes. ENV: SSOLINK_SESSION_PREFIX
	KeyPrefix string `env:"SSOLINK_SESSION_PREFIX,default=ssolink:session:"`
	// TTL for sessions. ENV: SSOLINK_SESSION_TTL
	TTL time.Duration `env:"SSOLINK_SESSION_TTL,default=1h"`
}

// Engine implements sessions.Engine on Redis.
type Engine struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed session engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisengine: redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{client: cfg.Client, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds an Engine from the environment, verifying connectivity
// with a ping.
func NewFromEnv() (*Engine, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redisengine: decode env: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisengine: redis ping: %w", err)
	}
	return New(Config{Client: client, KeyPrefix: cfg.KeyPrefix, TTL: cfg.TTL})
}

func (e *Engine) key(id string) string { return e.keyPrefix + id }

// Start implements sessions.Engine.
func (e *Engine) Start(ctx context.Context) (sessions.Session, error) {
	id := uuid.NewString()
	// An empty client_addr field materializes the hash so Resume can tell
	// a live anonymous session apart from an unknown id.
	if err := e.client.HSet(ctx, e.key(id), fieldClientAddr, "").Err(); err != nil {
		return nil, fmt.Errorf("redisengine: create session: %w", err)
	}
	if err := e.client.Expire(ctx, e.key(id), e.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redisengine: expire session: %w", err)
	}
	return &session{engine: e, id: id}, nil
}

// Resume implements sessions.Engine.
func (e *Engine) Resume(ctx context.Context, id string) (sessions.Session, error) {
	n, err := e.client.Exists(ctx, e.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisengine: resume session: %w", err)
	}
	if n == 0 {
		return nil, sessions.ErrNoSession
	}
	return &session{engine: e, id: id}, nil
}

// Close implements sessions.Engine.
func (e *Engine) Close() error {
	return e.client.Close()
}

type session struct {
	engine *Engine
	id     string
}

func (s *session) ID() string { return s.id }

func (s *session) RegenerateID(ctx context.Context) (string, error) {
	newID := uuid.NewString()
	// RENAME carries both the fields and the remaining TTL to the new key.
	if err := s.engine.client.Rename(ctx, s.engine.key(s.id), s.engine.key(newID)).Err(); err != nil {
		return "", fmt.Errorf("redisengine: rotate session id: %w", err)
	}
	s.id = newID
	return newID, nil
}

func (s *session) ClientAddr(ctx context.Context) (string, error) {
	return s.field(ctx, fieldClientAddr)
}

func (s *session) BindClientAddr(ctx context.Context, addr string) error {
	return s.setField(ctx, fieldClientAddr, addr)
}

func (s *session) Principal(ctx context.Context) (string, error) {
	return s.field(ctx, fieldPrincipal)
}

func (s *session) SetPrincipal(ctx context.Context, userID string) error {
	return s.setField(ctx, fieldPrincipal, userID)
}

func (s *session) ClearPrincipal(ctx context.Context) error {
	if err := s.engine.client.HDel(ctx, s.engine.key(s.id), fieldPrincipal).Err(); err != nil {
		return fmt.Errorf("redisengine: clear principal: %w", err)
	}
	return nil
}

func (s *session) field(ctx context.Context, field string) (string, error) {
	value, err := s.engine.client.HGet(ctx, s.engine.key(s.id), field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redisengine: read %s: %w", field, err)
	}
	return value, nil
}

func (s *session) setField(ctx context.Context, field, value string) error {
	key := s.engine.key(s.id)
	if err := s.engine.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redisengine: write %s: %w", field, err)
	}
	// Writing is activity; push the lease out.
	if err := s.engine.client.Expire(ctx, key, s.engine.ttl).Err(); err != nil {
		return fmt.Errorf("redisengine: refresh ttl: %w", err)
	}
	return nil
}

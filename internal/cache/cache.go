// Package cache is an optional redis layer in front of the read-heavy
// store endpoints. A nil *Client is valid and misses everything, so
// callers never branch on whether redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"studysync/internal/config"
)

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

// DefaultTTL bounds staleness of cached pages and stats.
const DefaultTTL = 30 * time.Second

// Client wraps go-redis to centralize configuration.
type Client struct {
	inner *redis.Client
}

// New creates the redis client from app config. Returns (nil, nil) when
// redis is disabled.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil || !cfg.Redis.Enabled {
		return nil, nil
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// GetJSON fetches a key and decodes it into out. ErrCacheMiss when the
// key is absent or the client is nil.
func (c *Client) GetJSON(ctx context.Context, key string, out any) error {
	if c == nil || c.inner == nil {
		return ErrCacheMiss
	}
	raw, err := c.inner.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// SetJSON stores a value under key with TTL. No-op on a nil client.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.inner.Set(ctx, key, raw, ttl).Err()
}

// InvalidatePrefix drops every key under prefix. Used after mutations
// so list pages and stats never serve deleted data.
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) error {
	if c == nil || c.inner == nil {
		return nil
	}
	iter := c.inner.Scan(ctx, 0, prefix+"*", 100).Iterator()
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
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes the client. Safe on nil.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Miss reports whether err is a cache miss rather than a real failure.
func Miss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

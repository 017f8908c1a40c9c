// Package cache provides the cross-process Redis caching layer: a
// degradation-tolerant client wrapper plus the prediction result cache and
// the model metadata cache built on top of it.
//
// Caching is an optimization, never a dependency: every operation tolerates a
// nil, disabled, or unreachable backend. Lookups miss, writes report false,
// and nothing propagates an error to the request path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"modelforge.evalgo.org/common"
)

// scanCount is the COUNT hint used when iterating keys with SCAN.
const scanCount = 100

// ClientConfig configures the Redis cache client.
type ClientConfig struct {
	URL            string        // Redis URL (redis://host:port/db)
	MaxConnections int           // Connection pool size
	SocketTimeout  time.Duration // Dial/read/write timeout
	KeyPrefix      string        // Prefix prepended to every key
	Enabled        bool          // Master switch; false disables all caching
}

// Client wraps go-redis with graceful degradation. A Client whose backend is
// unreachable (or that was disabled by configuration) still serves every
// method: reads miss and writes are dropped with a warning log.
type Client struct {
	rdb     *redis.Client
	prefix  string
	enabled bool
	logger  *common.ContextLogger
}

// NewClient creates a cache client from configuration. The client starts
// disconnected; call Connect before use. A malformed URL degrades the client
// permanently instead of failing startup.
func NewClient(cfg ClientConfig) *Client {
	logger := common.ServiceLogger("cache")

	c := &Client{
		prefix: cfg.KeyPrefix,
		logger: logger,
	}

	if !cfg.Enabled {
		logger.Info("Caching disabled by configuration")
		return c
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.WithError(err).Warn("Invalid Redis URL, caching disabled")
		return c
	}

	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	if cfg.SocketTimeout > 0 {
		opts.DialTimeout = cfg.SocketTimeout
		opts.ReadTimeout = cfg.SocketTimeout
		opts.WriteTimeout = cfg.SocketTimeout
	}

	c.rdb = redis.NewClient(opts)
	return c
}

// Connect pings the backend and enables the client on success. An unreachable
// backend logs a warning and leaves the client disabled; it never returns the
// process to a failed state.
func (c *Client) Connect(ctx context.Context) bool {
	if c == nil || c.rdb == nil {
		return false
	}

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.logger.WithError(err).Warn("Redis unavailable, caching disabled")
		c.enabled = false
		return false
	}

	c.enabled = true
	c.logger.WithField("prefix", c.prefix).Info("Redis cache connected")
	return true
}

// Enabled reports whether the client has a live backend.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// HealthCheck verifies the backend connection.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return errors.New("redis cache disabled")
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// key prepends the configured prefix.
func (c *Client) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get fetches a key and JSON-decodes it into dest. Returns false on miss,
// decode failure, or degraded backend.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) bool {
	if !c.Enabled() {
		return false
	}

	raw, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Redis GET failed")
		return false
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Failed to decode cached value")
		return false
	}
	return true
}

// GetRaw fetches a key without decoding.
func (c *Client) GetRaw(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}

	raw, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Redis GET failed")
		return "", false
	}
	return raw, true
}

// Set JSON-encodes value and stores it under key with the given TTL.
// A zero TTL stores without expiry. Returns false when the write was dropped.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Failed to encode value for cache")
		return false
	}

	if err := c.rdb.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Redis SET failed")
		return false
	}
	return true
}

// Delete removes keys and returns how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) int {
	if !c.Enabled() || len(keys) == 0 {
		return 0
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	deleted, err := c.rdb.Del(ctx, full...).Result()
	if err != nil {
		c.logger.WithError(err).Warn("Redis DEL failed")
		return 0
	}
	return int(deleted)
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}

	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Redis EXISTS failed")
		return false
	}
	return n > 0
}

// Incr atomically increments a counter, creating it at 1.
func (c *Client) Incr(ctx context.Context, key string) (int64, bool) {
	if !c.Enabled() {
		return 0, false
	}

	n, err := c.rdb.Incr(ctx, c.key(key)).Result()
	if err != nil {
		c.logger.WithField("key", key).WithError(err).Warn("Redis INCR failed")
		return 0, false
	}
	return n, true
}

// ClearPrefix deletes every key under the given prefix using cursor
// iteration so large keyspaces never block the backend. Returns the number
// of keys removed.
func (c *Client) ClearPrefix(ctx context.Context, prefix string) int {
	if !c.Enabled() {
		return 0
	}

	pattern := c.key(prefix) + "*"
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			c.logger.WithField("pattern", pattern).WithError(err).Warn("Redis SCAN failed")
			return removed
		}

		if len(keys) > 0 {
			deleted, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.WithError(err).Warn("Redis DEL failed")
				return removed
			}
			removed += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	c.enabled = false
	return c.rdb.Close()
}

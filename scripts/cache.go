package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxCacheValueSize rejects values that would bloat store memory (10MB)
const maxCacheValueSize = 10 * 1024 * 1024

// CacheConfig tunes stampede protection in GetOrLoad
type CacheConfig struct {
	// LockTTL bounds how long a rebuilding caller holds the lock
	LockTTL time.Duration
	// WaitTimeout is how long other callers poll before loading themselves
	WaitTimeout time.Duration
	// PollInterval is the delay between polls while waiting
	PollInterval time.Duration
}

// DefaultCacheConfig returns the cache defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		LockTTL:      10 * time.Second,
		WaitTimeout:  5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// LoadFunc rebuilds a cache value on a miss
type LoadFunc func(ctx context.Context) (interface{}, error)

// Cache is a JSON value cache whose misses are rebuilt by a single caller
type Cache struct {
	conn   Connector
	exec   *Executor
	cfg    CacheConfig
	logger *zap.SugaredLogger
}

// NewCache creates a cache that shares exec's script SHAs
func NewCache(conn Connector, exec *Executor, cfg CacheConfig, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultCacheConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Cache{conn: conn, exec: exec, cfg: cfg, logger: logger}
}

// LockKey returns the rebuild lock key for a cache key
func LockKey(key string) string {
	return key + ":lock"
}

// Set stores a value in the cache with expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("marshal").Inc()
		return fmt.Errorf("%w: cache value for %s: %v", core.ErrSerialization, key, err)
	}

	if len(data) > maxCacheValueSize {
		c.logger.Warnw("Cache value exceeds size limit, rejecting",
			"key", key,
			"size", len(data),
			"max_size", maxCacheValueSize)
		metrics.CacheErrorsTotal.WithLabelValues("size_limit").Inc()
		return fmt.Errorf("%w: cache value size %d bytes exceeds maximum %d bytes", core.ErrInvalidArgument, len(data), maxCacheValueSize)
	}

	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	err = c.conn.WithRetry(ctx, "cache_set", func(ctx context.Context) error {
		return client.Set(ctx, key, data, expiration).Err()
	})
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Get decodes the cached value into dest, reporting whether it was found
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return false, err
	}

	var data string
	err = c.conn.WithRetry(ctx, "cache_get", func(ctx context.Context) error {
		var err error
		data, err = client.Get(ctx, key).Result()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return false, nil
		}
		metrics.CacheErrorsTotal.WithLabelValues("get").Inc()
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := core.DecodeInto(data, dest); err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("unmarshal").Inc()
		return false, err
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return true, nil
}

// Delete removes a key from the cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	return c.conn.WithRetry(ctx, "cache_delete", func(ctx context.Context) error {
		return client.Del(ctx, key).Err()
	})
}

// GetOrLoad returns the cached value for key, rebuilding it with load on a
// miss. Concurrent callers that miss together poll while the lock holder
// rebuilds; if the holder has not finished within WaitTimeout they load
// without caching.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest interface{}, load LoadFunc) error {
	token := uuid.NewString()
	lockKey := LockKey(key)
	deadline := time.Now().Add(c.cfg.WaitTimeout)

	for {
		res, err := c.exec.StampedeGuard(ctx, key, lockKey, token, c.cfg.LockTTL)
		if err != nil {
			return err
		}

		if res.CacheHit {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return core.DecodeInto(res.Value, dest)
		}

		if res.LockAcquired {
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return c.rebuild(ctx, key, lockKey, token, ttl, dest, load)
		}

		if time.Now().After(deadline) {
			metrics.CacheLookupsTotal.WithLabelValues("wait_timeout").Inc()
			c.logger.Warnw("Timed out waiting for cache rebuild, loading directly", "key", key)
			return c.loadInto(ctx, dest, load)
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Cache) rebuild(ctx context.Context, key, lockKey, token string, ttl time.Duration, dest interface{}, load LoadFunc) error {
	defer func() {
		if _, err := c.exec.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			c.logger.Warnw("Failed to release cache rebuild lock", "key", key, "error", err)
		}
	}()

	v, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		return err
	}
	return assign(v, dest)
}

func (c *Cache) loadInto(ctx context.Context, dest interface{}, load LoadFunc) error {
	v, err := load(ctx)
	if err != nil {
		return err
	}
	return assign(v, dest)
}

// assign copies v into dest through JSON so callers see the same shape
// they would on a cache hit.
func assign(v interface{}, dest interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	return core.DecodeInto(string(data), dest)
}

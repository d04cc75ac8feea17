// Package scripts runs small Lua programs inside the store so that
// read-modify-write sequences happen in one atomic round trip.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connector hands out the shared store client, dialling on first use, and
// retries transient store failures with backoff
type Connector interface {
	EnsureConnected(ctx context.Context) (*redis.Client, error)
	WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// ConditionalUpdateResult is the outcome of ConditionalIncrement
type ConditionalUpdateResult struct {
	Updated  bool
	OldValue int64
	NewValue int64
}

// CompareAndSetResult is the outcome of CompareAndSet and HashCompareAndSet.
// Current is the stored value after the call ("" when absent).
type CompareAndSetResult struct {
	Swapped bool
	Current string
}

// RateLimitResult is the outcome of one sliding-window decision
type RateLimitResult struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// StampedeResult is the outcome of StampedeGuard
type StampedeResult struct {
	CacheHit     bool
	Value        string
	LockAcquired bool
}

// Executor caches script SHAs and runs scripts with EVALSHA
type Executor struct {
	conn   Connector
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	shas map[string]string

	// now is swapped in tests to pin the rate limiter clock
	now func() time.Time
}

// NewExecutor creates a script executor
func NewExecutor(conn Connector, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		conn:   conn,
		logger: logger,
		shas:   make(map[string]string),
		now:    time.Now,
	}
}

// Preload loads every builtin script so the first calls skip SCRIPT LOAD
func (e *Executor) Preload(ctx context.Context) error {
	client, err := e.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	err = e.conn.WithRetry(ctx, "script_preload", func(ctx context.Context) error {
		for _, s := range Builtin() {
			if _, err := e.load(ctx, client, s, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Infow("Atomic scripts loaded", "count", len(Builtin()))
	return nil
}

// Run executes script. When the store no longer knows the cached SHA the
// script is reloaded and the call retried exactly once. Idempotent scripts
// are also retried on transient store errors.
func (e *Executor) Run(ctx context.Context, s Script, keys []string, args ...interface{}) (interface{}, error) {
	client, err := e.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	var res interface{}
	eval := func(ctx context.Context) error {
		sha, err := e.load(ctx, client, s, false)
		if err != nil {
			return err
		}

		res, err = client.EvalSha(ctx, sha, keys, args...).Result()
		if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
			metrics.ScriptReloadsTotal.WithLabelValues(s.Name).Inc()
			e.logger.Warnw("Script missing from store, reloading", "script", s.Name)

			sha, err = e.load(ctx, client, s, true)
			if err != nil {
				return err
			}
			res, err = client.EvalSha(ctx, sha, keys, args...).Result()
		}
		return err
	}

	if s.Idempotent {
		err = e.conn.WithRetry(ctx, "script_"+s.Name, eval)
	} else {
		err = eval(ctx)
	}
	if err != nil {
		if errors.Is(err, core.ErrScriptExecution) {
			return nil, err
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if core.IsTransient(err) {
			return nil, fmt.Errorf("script %s: %w", s.Name, err)
		}
		metrics.ScriptErrorsTotal.WithLabelValues(s.Name).Inc()
		e.logger.Errorw("Script execution failed", "script", s.Name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", core.ErrScriptExecution, s.Name, err)
	}
	return res, nil
}

func (e *Executor) load(ctx context.Context, client *redis.Client, s Script, force bool) (string, error) {
	if !force {
		e.mu.RLock()
		sha, ok := e.shas[s.Name]
		e.mu.RUnlock()
		if ok {
			return sha, nil
		}
	}

	sha, err := client.ScriptLoad(ctx, s.Source).Result()
	if err != nil {
		if core.IsTransient(err) {
			return "", fmt.Errorf("load script %s: %w", s.Name, err)
		}
		metrics.ScriptErrorsTotal.WithLabelValues(s.Name).Inc()
		return "", fmt.Errorf("%w: load %s: %v", core.ErrScriptExecution, s.Name, err)
	}

	e.mu.Lock()
	e.shas[s.Name] = sha
	e.mu.Unlock()
	return sha, nil
}

// ConditionalIncrement adds delta to key unless the result would exceed a
// positive ceiling, in which case nothing changes.
func (e *Executor) ConditionalIncrement(ctx context.Context, key string, delta, ceiling int64, ttl time.Duration) (ConditionalUpdateResult, error) {
	res, err := e.Run(ctx, conditionalIncrement, []string{key}, delta, ceiling, ttl.Milliseconds())
	if err != nil {
		return ConditionalUpdateResult{}, err
	}
	vals, err := replySlice(res, 3)
	if err != nil {
		return ConditionalUpdateResult{}, err
	}
	return ConditionalUpdateResult{
		Updated:  toInt64(vals[0]) == 1,
		OldValue: toInt64(vals[1]),
		NewValue: toInt64(vals[2]),
	}, nil
}

// CompareAndSet sets key to value only if it currently equals expected.
// An empty expected value means the key must be absent.
func (e *Executor) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (CompareAndSetResult, error) {
	res, err := e.Run(ctx, compareAndSet, []string{key}, expected, value, ttl.Milliseconds())
	if err != nil {
		return CompareAndSetResult{}, err
	}
	return casResult(res)
}

// RateLimit admits one request for key if fewer than limit were admitted in
// the trailing window.
func (e *Executor) RateLimit(ctx context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	if limit <= 0 || window <= 0 {
		return RateLimitResult{}, fmt.Errorf("%w: rate limit needs positive limit and window", core.ErrInvalidArgument)
	}

	now := e.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	res, err := e.Run(ctx, slidingWindowRateLimit, []string{key}, limit, window.Milliseconds(), now, member)
	if err != nil {
		return RateLimitResult{}, err
	}
	vals, err := replySlice(res, 4)
	if err != nil {
		return RateLimitResult{}, err
	}

	result := RateLimitResult{
		Allowed:   toInt64(vals[0]) == 1,
		Count:     toInt64(vals[1]),
		Remaining: toInt64(vals[2]),
		ResetAt:   time.UnixMilli(toInt64(vals[3])),
	}
	if result.Allowed {
		metrics.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()
		e.logger.Debugw("Rate limit exceeded", "key", key, "limit", limit, "reset_at", result.ResetAt)
	}
	return result, nil
}

// GetAndRefresh returns the value of key and, if present, resets its TTL
func (e *Executor) GetAndRefresh(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	res, err := e.Run(ctx, getAndRefresh, []string{key}, ttl.Milliseconds())
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return toString(res), true, nil
}

// RotateQueue moves up to n of the oldest items from src to the tail of dst
func (e *Executor) RotateQueue(ctx context.Context, src, dst string, n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: rotate count %d", core.ErrInvalidArgument, n)
	}
	if n == 0 {
		return 0, nil
	}
	res, err := e.Run(ctx, rotateQueue, []string{src, dst}, n)
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// IncrementWithExpire increments key, setting ttl only when the counter is created
func (e *Executor) IncrementWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := e.Run(ctx, incrementWithExpire, []string{key}, ttl.Milliseconds())
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// HashCompareAndSet sets a hash field only if it currently equals expected.
// An empty expected value means the field must be absent.
func (e *Executor) HashCompareAndSet(ctx context.Context, key, field, expected, value string) (CompareAndSetResult, error) {
	res, err := e.Run(ctx, hashCompareAndSet, []string{key}, field, expected, value)
	if err != nil {
		return CompareAndSetResult{}, err
	}
	return casResult(res)
}

// MultiSet sets keys[i] to values[i] with one shared TTL
func (e *Executor) MultiSet(ctx context.Context, keys, values []string, ttl time.Duration) (int64, error) {
	if len(keys) != len(values) {
		return 0, fmt.Errorf("%w: %d keys but %d values", core.ErrInvalidArgument, len(keys), len(values))
	}
	if len(keys) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, len(values)+1)
	for _, v := range values {
		args = append(args, v)
	}
	args = append(args, ttl.Milliseconds())

	res, err := e.Run(ctx, multiSet, keys, args...)
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// StampedeGuard returns the cached value if present; otherwise it tries to
// take lockKey for lockTTL on behalf of token so exactly one caller rebuilds.
func (e *Executor) StampedeGuard(ctx context.Context, cacheKey, lockKey, token string, lockTTL time.Duration) (StampedeResult, error) {
	if lockTTL <= 0 {
		return StampedeResult{}, fmt.Errorf("%w: lock ttl must be positive", core.ErrInvalidArgument)
	}
	res, err := e.Run(ctx, stampedeGuard, []string{cacheKey, lockKey}, token, lockTTL.Milliseconds())
	if err != nil {
		return StampedeResult{}, err
	}
	vals, err := replySlice(res, 3)
	if err != nil {
		return StampedeResult{}, err
	}
	return StampedeResult{
		CacheHit:     toInt64(vals[0]) == 1,
		Value:        toString(vals[1]),
		LockAcquired: toInt64(vals[2]) == 1,
	}, nil
}

// ReleaseLock deletes lockKey only if it is still held by token
func (e *Executor) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	res, err := e.Run(ctx, releaseLock, []string{lockKey}, token)
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func casResult(res interface{}) (CompareAndSetResult, error) {
	vals, err := replySlice(res, 2)
	if err != nil {
		return CompareAndSetResult{}, err
	}
	return CompareAndSetResult{
		Swapped: toInt64(vals[0]) == 1,
		Current: toString(vals[1]),
	}, nil
}

func replySlice(res interface{}, n int) ([]interface{}, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < n {
		return nil, fmt.Errorf("%w: unexpected script reply %v", core.ErrScriptExecution, res)
	}
	return vals, nil
}

func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

package redisconn

import (
	"context"
	"fmt"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"
)

// Operation is a store call that may be retried. It must be idempotent or
// tolerate at-least-once execution.
type Operation = func(ctx context.Context) error

// WithRetry runs op, retrying transient connection and timeout errors with
// the configured backoff up to the default retry count.
func (m *Manager) WithRetry(ctx context.Context, name string, op Operation) error {
	return m.WithRetryMax(ctx, name, m.cfg.Backoff.MaxRetries, op)
}

// WithRetryMax is WithRetry with an explicit retry budget. The last error is
// returned once the budget is spent; non-transient errors return at once.
func (m *Manager) WithRetryMax(ctx context.Context, name string, maxRetries int, op Operation) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				m.logger.Infow("Operation succeeded after retries", "operation", name, "retries", attempt)
			}
			return nil
		}

		class := core.ClassifyError(lastErr)
		if !core.IsTransient(lastErr) {
			return lastErr
		}

		if attempt >= maxRetries {
			m.logger.Errorw("Operation failed after retries",
				"operation", name,
				"retries", maxRetries,
				"error_class", class,
				"error", lastErr)
			return lastErr
		}

		delay := m.cfg.Backoff.Jittered(attempt + 1)
		m.logger.Warnw("Retrying store operation",
			"operation", name,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"error_class", class,
			"delay", delay,
			"error", lastErr)
		metrics.OperationRetriesTotal.WithLabelValues(name).Inc()

		if err := m.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

// Do is WithRetry for operations that return a value
func Do[T any](ctx context.Context, m *Manager, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.WithRetry(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

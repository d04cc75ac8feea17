package redisconn

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig defines the retry schedule shared by Connect and WithRetry
type BackoffConfig struct {
	// MaxAttempts is the number of connection attempts made by Connect
	MaxAttempts int
	// MaxRetries is the default number of retries made by WithRetry
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay before jitter is added
	MaxDelay time.Duration
	// JitterFactor adds up to this fraction of the delay (0.25 = 25%)
	JitterFactor float64
}

// DefaultBackoffConfig returns the schedule used when none is configured
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  3,
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Delay returns base * 2^(attempt-1) capped at MaxDelay, without jitter.
// attempt is 1-based; values below 1 are treated as 1.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.BaseDelay <= 0 {
		return 0
	}

	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			return b.MaxDelay
		}
		// overflow guard for absurd attempt counts without a cap
		if delay <= 0 {
			return time.Duration(1<<63 - 1)
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Jittered returns Delay(attempt) plus a random 0..JitterFactor fraction of it,
// so the result lies in [d, d*(1+JitterFactor)].
func (b BackoffConfig) Jittered(attempt int) time.Duration {
	return b.jittered(attempt, rand.Float64)
}

func (b BackoffConfig) jittered(attempt int, random func() float64) time.Duration {
	delay := b.Delay(attempt)
	if b.JitterFactor <= 0 || delay <= 0 {
		return delay
	}
	return delay + time.Duration(float64(delay)*b.JitterFactor*random())
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

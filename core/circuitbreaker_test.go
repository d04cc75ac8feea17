package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb, err := NewCircuitBreaker("detector", cfg)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb.now = clock.Now
	return cb, clock
}

// TestCircuitBreakerBasicFlow tests the closed -> open -> half-open -> closed cycle
func TestCircuitBreakerBasicFlow(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{
		MaxFailures:   3,
		OpenTimeout:   100 * time.Millisecond,
		MaxTrialCalls: 1,
	})

	assert.Equal(t, BreakerClosed, cb.State())

	for i := 0; i < 2; i++ {
		_, newState := cb.RecordFailure()
		assert.Equal(t, BreakerClosed, newState, "should stay closed after %d failures", i+1)
	}
	oldState, newState := cb.RecordFailure()
	assert.Equal(t, BreakerClosed, oldState)
	assert.Equal(t, BreakerOpen, newState)

	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)

	clock.Advance(150 * time.Millisecond)
	require.NoError(t, cb.Allow(), "first call after timeout is the trial call")
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyTrialCalls)

	oldState, newState = cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, oldState)
	assert.Equal(t, BreakerClosed, newState)
	assert.Equal(t, uint32(0), cb.Failures())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{
		MaxFailures:   1,
		OpenTimeout:   time.Second,
		MaxTrialCalls: 2,
	})

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	_, newState := cb.RecordFailure()
	assert.Equal(t, BreakerOpen, newState)
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestBreakerConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  BreakerConfig
	}{
		{"zero failures", BreakerConfig{MaxFailures: 0, OpenTimeout: time.Second, MaxTrialCalls: 1}},
		{"zero timeout", BreakerConfig{MaxFailures: 1, OpenTimeout: 0, MaxTrialCalls: 1}},
		{"zero trial calls", BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second, MaxTrialCalls: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCircuitBreaker("svc", tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidBreakerConfig)
		})
	}
	assert.NoError(t, DefaultBreakerConfig().Validate())
}

func TestBreakerRegistry(t *testing.T) {
	reg, err := NewBreakerRegistry(BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute, MaxTrialCalls: 1})
	require.NoError(t, err)

	a := reg.Get("yolo")
	assert.Same(t, a, reg.Get("yolo"), "registry must return the same breaker per name")

	a.RecordFailure()
	a.RecordFailure()
	reg.Get("florence")

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "florence", snap[0].Name)
	assert.Equal(t, BreakerClosed, snap[0].State)
	assert.Equal(t, "yolo", snap[1].Name)
	assert.Equal(t, BreakerOpen, snap[1].State)
	assert.Equal(t, uint32(2), snap[1].Failures)
}

func TestBreakerRegistryConcurrentGet(t *testing.T) {
	reg, err := NewBreakerRegistry(DefaultBreakerConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.Get("redis")
		}(i)
	}
	wg.Wait()

	for _, cb := range results {
		assert.Same(t, results[0], cb)
	}
}

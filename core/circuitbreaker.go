package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState represents the state of a service circuit breaker
type BreakerState string

const (
	// BreakerClosed means calls to the service pass through normally
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means calls should fail fast without touching the service
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen means a limited number of trial calls are allowed
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrBreakerOpen is returned by Allow while the breaker is open
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyTrialCalls is returned when the half-open budget is spent
	ErrTooManyTrialCalls = errors.New("too many trial calls in half-open state")
	// ErrInvalidBreakerConfig is returned for an unusable configuration
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before half-open
	OpenTimeout time.Duration
	// MaxTrialCalls is the number of concurrent calls allowed in half-open
	MaxTrialCalls uint32
}

// Validate checks if the breaker configuration is usable
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.OpenTimeout <= 0 {
		return errors.New("OpenTimeout must be greater than 0")
	}
	if c.MaxTrialCalls == 0 {
		return errors.New("MaxTrialCalls must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:   5,
		OpenTimeout:   60 * time.Second,
		MaxTrialCalls: 1,
	}
}

// CircuitBreaker guards calls to one downstream service
type CircuitBreaker struct {
	name       string
	config     BreakerConfig
	state      BreakerState
	failures   uint32
	openedAt   time.Time
	trialCalls uint32
	now        func() time.Time
	mu         sync.Mutex
}

// NewCircuitBreaker creates a breaker for the named service
func NewCircuitBreaker(name string, config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}, nil
}

// Name returns the service name the breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow checks if a call is allowed through the breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			return ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
		cb.trialCalls = 1
		return nil

	case BreakerHalfOpen:
		if cb.trialCalls >= cb.config.MaxTrialCalls {
			return ErrTooManyTrialCalls
		}
		cb.trialCalls++
		return nil
	}
	return nil
}

// RecordSuccess records a successful call and returns the old and new state
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.state = BreakerClosed
	cb.failures = 0
	cb.trialCalls = 0
	return oldState, cb.state
}

// RecordFailure records a failed call and returns the old and new state
func (cb *CircuitBreaker) RecordFailure() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures++

	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trialCalls = 0
	case BreakerOpen:
		cb.openedAt = cb.now()
	}
	return oldState, cb.state
}

// State returns the current state of the breaker
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// BreakerSnapshot is a point-in-time view of one breaker
type BreakerSnapshot struct {
	Name     string       `json:"name" yaml:"name"`
	State    BreakerState `json:"state" yaml:"state"`
	Failures uint32       `json:"failures" yaml:"failures"`
}

// BreakerRegistry holds one breaker per downstream service. The degradation
// manager feeds it from health updates; callers above this layer query it
// before attempting calls to AI services.
type BreakerRegistry struct {
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewBreakerRegistry creates a registry whose breakers share one config
func NewBreakerRegistry(config BreakerConfig) (*BreakerRegistry, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// Get returns the breaker for name, creating it on first use
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	// config was validated by NewBreakerRegistry
	cb, _ = NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Snapshot returns the state of every breaker sorted by name
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for name, cb := range r.breakers {
		out = append(out, BreakerSnapshot{
			Name:     name,
			State:    cb.State(),
			Failures: cb.Failures(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

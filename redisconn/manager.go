// Package redisconn owns the pooled connection to the remote store, its TLS
// setup, the liveness probe, and the retry-with-backoff wrapper every other
// component uses for transient failures.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected is returned by Client before Connect succeeds
var ErrNotConnected = errors.New("store client is not connected")

// State is the lifecycle state of the managed connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config holds connection settings
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          TLSConfig
	Backoff      BackoffConfig
}

// DefaultConfig returns settings for a local store
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Backoff:      DefaultBackoffConfig(),
	}
}

// Manager owns the pooled client. Build one per process in the composition
// root and pass it to the components that need it.
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	client *redis.Client
	state  State

	connectGroup singleflight.Group

	// sleep is swapped in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager; nothing is dialled until Connect
func NewManager(cfg Config, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Backoff.MaxAttempts < 1 {
		cfg.Backoff.MaxAttempts = 1
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		sleep:  sleepContext,
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Client returns the live client
func (m *Manager) Client() (*redis.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || m.state != StateConnected {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Connect dials the store and verifies it with a ping, retrying with
// exponential backoff. After the final attempt it returns an error wrapping
// core.ErrConnectionFailure.
func (m *Manager) Connect(ctx context.Context) error {
	opts, err := m.options()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectionFailure, err)
	}

	m.mu.Lock()
	if m.state == StateConnected || m.client != nil {
		m.state = StateReconnecting
	} else {
		m.state = StateConnecting
	}
	old := m.client
	m.client = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debugw("Error closing previous client", "error", err)
		}
	}

	var lastErr error
	attempts := m.cfg.Backoff.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		lastErr = client.Ping(ctx).Err()
		if lastErr == nil {
			m.mu.Lock()
			m.client = client
			m.state = StateConnected
			m.mu.Unlock()

			metrics.ConnectionAttemptsTotal.WithLabelValues("success").Inc()
			m.logger.Infow("Connected to store",
				"addr", m.cfg.Addr,
				"db", m.cfg.DB,
				"tls", m.cfg.TLS.Enabled,
				"attempt", attempt)
			return nil
		}

		_ = client.Close()
		metrics.ConnectionAttemptsTotal.WithLabelValues("failure").Inc()

		if attempt == attempts || ctx.Err() != nil {
			break
		}

		delay := m.cfg.Backoff.Jittered(attempt)
		m.logger.Warnw("Store connection attempt failed, retrying",
			"addr", m.cfg.Addr,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", lastErr)

		if err := m.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Errorw("Failed to connect to store",
		"addr", m.cfg.Addr,
		"attempts", attempts,
		"error", lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %v", core.ErrConnectionFailure, m.cfg.Addr, attempts, lastErr)
}

// EnsureConnected connects on first use. Concurrent callers share a single
// connect attempt instead of each dialling the store. The shared attempt is
// detached from the caller that started it, so one cancelled caller does not
// fail the others; each caller still stops waiting when its own ctx ends.
func (m *Manager) EnsureConnected(ctx context.Context) (*redis.Client, error) {
	if client, err := m.Client(); err == nil {
		return client, nil
	}

	connectCtx := context.WithoutCancel(ctx)
	ch := m.connectGroup.DoChan("connect", func() (interface{}, error) {
		if _, err := m.Client(); err == nil {
			return nil, nil
		}
		return nil, m.Connect(connectCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Client()
}

// Disconnect releases the pool. Errors during teardown are logged, not returned.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		m.logger.Warnw("Error while closing store connection", "error", err)
		return
	}
	m.logger.Info("Store connection closed")
}

// HealthStatus is the result of a liveness probe
type HealthStatus struct {
	Status     string        `json:"status" yaml:"status"`
	State      State         `json:"state" yaml:"state"`
	Addr       string        `json:"addr" yaml:"addr"`
	Latency    time.Duration `json:"latency_ns" yaml:"latency"`
	TotalConns uint32        `json:"total_conns" yaml:"total_conns"`
	IdleConns  uint32        `json:"idle_conns" yaml:"idle_conns"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Healthy reports whether the probe succeeded
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// HealthCheck pings the store. It never returns an error; failures are
// reported in the status record.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		State: m.State(),
		Addr:  m.cfg.Addr,
	}

	client, err := m.Client()
	if err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
		return status
	}

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
		return status
	}
	status.Latency = time.Since(start)
	status.Status = "healthy"

	stats := client.PoolStats()
	status.TotalConns = stats.TotalConns
	status.IdleConns = stats.IdleConns
	return status
}

// Ping is a health probe suitable for the degradation manager
func (m *Manager) Ping(ctx context.Context) error {
	client, err := m.Client()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (m *Manager) options() (*redis.Options, error) {
	tlsConfig, err := m.cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	return &redis.Options{
		Addr:         m.cfg.Addr,
		Password:     m.cfg.Password,
		DB:           m.cfg.DB,
		PoolSize:     m.cfg.PoolSize,
		DialTimeout:  m.cfg.DialTimeout,
		ReadTimeout:  m.cfg.ReadTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		TLSConfig:    tlsConfig,
		// retries are owned by WithRetry so the schedule stays observable
		MaxRetries: -1,
	}, nil
}

package degradation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/queue"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/util"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// StoreService is the service name the manager tracks for the shared store.
// Its health gates the primary path of QueueWithFallback.
const StoreService = "redis"

// Service statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Config holds degradation manager settings
type Config struct {
	// FailureThreshold is the number of consecutive failures that count a
	// service as down
	FailureThreshold int
	// HealthCheckTimeout bounds each probe
	HealthCheckTimeout time.Duration
	// HealthCheckInterval is the period of the background health loop
	HealthCheckInterval time.Duration
	// MaxMemoryQueueSize bounds the in-memory job buffer
	MaxMemoryQueueSize int
	// FallbackMaxSize bounds each disk fallback queue
	FallbackMaxSize int
	// DrainRate limits re-adds per second while draining; 0 means unlimited
	DrainRate float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		HealthCheckTimeout:  5 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		MaxMemoryQueueSize:  1000,
		FallbackMaxSize:     10000,
		DrainRate:           0,
	}
}

// HealthProbe reports a service as healthy by returning nil
type HealthProbe func(ctx context.Context) error

// Primary is the bounded store queue that QueueWithFallback writes to first
type Primary interface {
	AddSafe(ctx context.Context, queue string, item interface{}, opts ...queue.AddOption) (queue.AddResult, error)
}

// ServiceHealth is the tracked health of one dependency
type ServiceHealth struct {
	Name                string    `json:"name" yaml:"name"`
	Critical            bool      `json:"critical" yaml:"critical"`
	Status              string    `json:"status" yaml:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastCheck           time.Time `json:"last_check" yaml:"last_check"`
}

// Status is a point-in-time view of the manager
type Status struct {
	Mode            Mode                   `json:"mode" yaml:"mode"`
	Services        []ServiceHealth        `json:"services" yaml:"services"`
	Features        []string               `json:"available_features" yaml:"available_features"`
	FallbackQueues  map[string]int         `json:"fallback_queues" yaml:"fallback_queues"`
	MemoryQueueSize int                    `json:"memory_queue_size" yaml:"memory_queue_size"`
	Breakers        []core.BreakerSnapshot `json:"circuit_breakers" yaml:"circuit_breakers"`
	CheckedAt       time.Time              `json:"checked_at" yaml:"checked_at"`
}

// PendingJob is what QueueWithFallback buffers in memory when no disk store
// is configured
type PendingJob struct {
	Queue string      `json:"queue"`
	Item  interface{} `json:"item"`
}

type service struct {
	health ServiceHealth
	probe  HealthProbe
}

// Manager tracks dependency health, derives the degradation mode and keeps
// work flowing into local fallback queues while the store is unreachable.
type Manager struct {
	cfg      Config
	primary  Primary
	store    *FallbackStore
	breakers *core.BreakerRegistry
	memory   *memoryQueue
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu       sync.RWMutex
	services map[string]*service
	mode     Mode

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager in normal mode. primary and store may be
// nil; without a store, fallback writes go to the in-memory buffer.
func NewManager(cfg Config, primary Primary, store *FallbackStore, logger *zap.SugaredLogger) (*Manager, error) {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.MaxMemoryQueueSize <= 0 {
		cfg.MaxMemoryQueueSize = def.MaxMemoryQueueSize
	}
	if cfg.FallbackMaxSize <= 0 {
		cfg.FallbackMaxSize = def.FallbackMaxSize
	}
	if cfg.DrainRate < 0 {
		return nil, fmt.Errorf("%w: drain rate must not be negative", core.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	breakerCfg := core.DefaultBreakerConfig()
	breakerCfg.MaxFailures = uint32(cfg.FailureThreshold)
	breakers, err := core.NewBreakerRegistry(breakerCfg)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.DrainRate > 0 {
		limit = rate.Limit(cfg.DrainRate)
	}

	metrics.DegradationMode.Set(float64(ModeNormal.Level()))
	return &Manager{
		cfg:      cfg,
		primary:  primary,
		store:    store,
		breakers: breakers,
		memory:   newMemoryQueue(cfg.MaxMemoryQueueSize),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		now:      time.Now,
		services: make(map[string]*service),
		mode:     ModeNormal,
	}, nil
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Breakers returns the per-service circuit breakers fed by health updates
func (m *Manager) Breakers() *core.BreakerRegistry {
	return m.breakers
}

// Mode returns the current degradation mode
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// RegisterService adds (or replaces the probe of) a tracked service
func (m *Manager) RegisterService(name string, probe HealthProbe, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if svc, ok := m.services[name]; ok {
		svc.probe = probe
		svc.health.Critical = critical
		return
	}
	m.services[name] = &service{
		health: ServiceHealth{Name: name, Critical: critical, Status: StatusUnknown},
		probe:  probe,
	}
	m.logger.Infow("Registered service for health tracking", "service", name, "critical", critical)
}

// ServiceHealth returns the tracked health of name
func (m *Manager) ServiceHealth(name string) (ServiceHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return ServiceHealth{}, false
	}
	return svc.health, true
}

// UpdateServiceHealth records one health observation and re-derives the
// mode. Unknown services are registered as non-critical.
func (m *Manager) UpdateServiceHealth(name string, healthy bool, errMsg string) {
	errMsg = util.SanitizeString(errMsg)

	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		svc = &service{health: ServiceHealth{Name: name}}
		m.services[name] = svc
	}

	svc.health.LastCheck = m.now()
	if healthy {
		svc.health.ConsecutiveFailures = 0
		svc.health.LastError = ""
		svc.health.Status = StatusHealthy
	} else {
		svc.health.ConsecutiveFailures++
		svc.health.LastError = errMsg
		if svc.health.ConsecutiveFailures >= m.cfg.FailureThreshold {
			svc.health.Status = StatusUnhealthy
		} else {
			svc.health.Status = StatusDegraded
		}
	}
	status := svc.health.Status
	failures := svc.health.ConsecutiveFailures

	oldMode := m.mode
	m.mode = m.evaluateLocked()
	newMode := m.mode
	m.mu.Unlock()

	metrics.ServiceHealthChecksTotal.WithLabelValues(name, status).Inc()

	breaker := m.breakers.Get(name)
	var from, to core.BreakerState
	if healthy {
		from, to = breaker.RecordSuccess()
	} else {
		from, to = breaker.RecordFailure()
	}
	if from != to {
		m.logger.Infow("Service circuit breaker changed state",
			"service", name,
			"from", from,
			"to", to)
	}

	if !healthy {
		m.logger.Warnw("Service health check failed",
			"service", name,
			"consecutive_failures", failures,
			"status", status,
			"error", errMsg)
	}

	if oldMode != newMode {
		metrics.DegradationMode.Set(float64(newMode.Level()))
		metrics.DegradationTransitionsTotal.WithLabelValues(string(oldMode), string(newMode)).Inc()
		m.logger.Warnw("Degradation mode changed",
			"from", oldMode,
			"to", newMode,
			"trigger", name)
	}
}

// evaluateLocked maps service health to a mode: any critical service over
// the failure threshold gives minimal, otherwise any non-critical service
// over it gives degraded.
func (m *Manager) evaluateLocked() Mode {
	mode := ModeNormal
	for _, svc := range m.services {
		if svc.health.ConsecutiveFailures < m.cfg.FailureThreshold {
			continue
		}
		if svc.health.Critical {
			return ModeMinimal
		}
		mode = ModeDegraded
	}
	return mode
}

// RunHealthChecks probes every registered service concurrently. Each probe
// is bounded by HealthCheckTimeout; panics and timeouts count as failures.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]HealthProbe, len(m.services))
	for name, svc := range m.services {
		if svc.probe != nil {
			probes[name] = svc.probe
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			err := m.runProbe(ctx, probe)
			if err != nil {
				m.UpdateServiceHealth(name, false, err.Error())
			} else {
				m.UpdateServiceHealth(name, true, "")
			}
			return nil
		})
	}
	_ = g.Wait()
}

type timeoutError struct {
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("health check timed out after %s", e.timeout)
}

func (e *timeoutError) Unwrap() error {
	return core.ErrHealthProbeTimeout
}

func (m *Manager) runProbe(ctx context.Context, probe HealthProbe) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- goroutine.Call(func() error { return probe(pctx) })
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &timeoutError{timeout: m.cfg.HealthCheckTimeout}
		}
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &timeoutError{timeout: m.cfg.HealthCheckTimeout}
	}
}

// Start launches the periodic health loop. After each pass, disk fallback
// queues are drained once the store is healthy again.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	goroutine.Go("degradation-health-loop", m.logger, func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			m.RunHealthChecks(ctx)
			m.drainIfRecovered(ctx)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	m.logger.Infow("Degradation health loop started", "interval", m.cfg.HealthCheckInterval)
}

// Stop halts the health loop and waits for it to exit
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Infow("Degradation health loop stopped")
}

func (m *Manager) drainIfRecovered(ctx context.Context) {
	if ctx.Err() != nil || m.store == nil || m.primary == nil || !m.StoreAvailable() {
		return
	}
	if _, err := m.DrainAll(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warnw("Fallback drain stopped early", "error", err)
	}
}

// GetAvailableFeatures returns the features offered in the current mode
func (m *Manager) GetAvailableFeatures() []string {
	return FeaturesFor(m.Mode())
}

// IsFeatureAvailable reports whether feature is offered in the current mode
func (m *Manager) IsFeatureAvailable(feature string) bool {
	for _, f := range m.GetAvailableFeatures() {
		if f == feature {
			return true
		}
	}
	return false
}

// StoreAvailable reports whether the store is below the failure threshold
func (m *Manager) StoreAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[StoreService]
	if !ok {
		return true
	}
	return svc.health.ConsecutiveFailures < m.cfg.FailureThreshold
}

// QueueWithFallback adds item to the primary queue. When the store is known
// to be down, or the add fails with a connection-class error, the item is
// written to the local fallback queue instead and the add still succeeds.
func (m *Manager) QueueWithFallback(ctx context.Context, name string, item interface{}) (queue.AddResult, error) {
	if m.primary != nil && m.StoreAvailable() {
		result, err := m.primary.AddSafe(ctx, name, item)
		if err == nil {
			return result, nil
		}
		if !core.IsConnectionError(err) {
			return queue.AddResult{}, err
		}
		m.UpdateServiceHealth(StoreService, false, err.Error())
		m.logger.Warnw("Store unavailable, writing to fallback queue",
			"queue", name,
			"error", err)
	}
	return m.addFallback(name, item)
}

func (m *Manager) addFallback(name string, item interface{}) (queue.AddResult, error) {
	if m.store == nil {
		evicted := m.QueueJobForLater(PendingJob{Queue: name, Item: item})
		result := queue.AddResult{
			Success:     true,
			QueueLength: int64(m.MemoryQueueSize()),
			Warning:     "queued in memory until the store recovers",
		}
		if evicted {
			result.DroppedCount = 1
		}
		return result, nil
	}

	fq := m.store.Queue(name, m.cfg.FallbackMaxSize)
	evicted, err := fq.Add(item)
	if err != nil {
		return queue.AddResult{}, err
	}
	count, err := fq.Count()
	if err != nil {
		return queue.AddResult{}, err
	}
	return queue.AddResult{
		Success:      true,
		QueueLength:  int64(count),
		DroppedCount: int64(evicted),
		Warning:      "queued to local fallback until the store recovers",
	}, nil
}

// FallbackQueue returns the disk fallback queue for name, or nil when no
// store is configured
func (m *Manager) FallbackQueue(name string) *FallbackQueue {
	if m.store == nil {
		return nil
	}
	return m.store.Queue(name, m.cfg.FallbackMaxSize)
}

// DrainFallbackQueue re-adds buffered items to the primary queue in order.
// Only items the primary accepted are removed; draining stops at the first
// failure and returns how many were moved.
func (m *Manager) DrainFallbackQueue(ctx context.Context, name string) (int, error) {
	if m.store == nil || m.primary == nil {
		return 0, nil
	}
	fq := m.store.Queue(name, m.cfg.FallbackMaxSize)

	drained := 0
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return drained, err
		}

		item, seq, found, err := fq.head()
		if err != nil {
			return drained, err
		}
		if !found {
			break
		}

		result, err := m.primary.AddSafe(ctx, name, json.RawMessage(item.Raw))
		if err != nil {
			if core.IsConnectionError(err) {
				m.UpdateServiceHealth(StoreService, false, err.Error())
			}
			return drained, fmt.Errorf("drain %s: %w", name, err)
		}
		if !result.Success {
			m.logger.Warnw("Primary queue refused drained item, stopping",
				"queue", name,
				"drained", drained,
				"error", result.Error)
			break
		}

		if _, err := fq.removeHead(seq); err != nil {
			return drained, err
		}
		drained++
		metrics.FallbackDrainedTotal.WithLabelValues(name).Inc()
	}

	if drained > 0 {
		m.logger.Infow("Drained fallback queue", "queue", name, "items", drained)
	}
	return drained, nil
}

// DrainAll drains every non-empty fallback queue
func (m *Manager) DrainAll(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	if m.store == nil {
		return out, nil
	}
	names, err := m.store.Names()
	if err != nil {
		return out, err
	}
	for _, name := range names {
		count, err := m.store.Queue(name, m.cfg.FallbackMaxSize).Count()
		if err != nil {
			return out, err
		}
		if count == 0 {
			continue
		}
		n, err := m.DrainFallbackQueue(ctx, name)
		out[name] = n
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// QueueJobForLater buffers job in memory, evicting the oldest job when the
// buffer is full. It reports whether a job was evicted.
func (m *Manager) QueueJobForLater(job interface{}) bool {
	evicted := m.memory.push(job)
	metrics.FallbackQueuedTotal.WithLabelValues("memory", "memory").Inc()
	if evicted {
		metrics.FallbackEvictedTotal.WithLabelValues("memory", "memory").Inc()
		m.logger.Warnw("Memory job buffer full, evicted oldest job",
			"max_size", m.cfg.MaxMemoryQueueSize)
	}
	return evicted
}

// DrainMemoryQueue removes and returns every buffered job, oldest first
func (m *Manager) DrainMemoryQueue() []interface{} {
	return m.memory.drain()
}

// MemoryQueueSize returns the number of buffered in-memory jobs
func (m *Manager) MemoryQueueSize() int {
	return m.memory.len()
}

// GetStatus returns a snapshot of mode, services and buffers
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	mode := m.mode
	services := make([]ServiceHealth, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc.health)
	}
	m.mu.RUnlock()
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	status := Status{
		Mode:            mode,
		Services:        services,
		Features:        FeaturesFor(mode),
		FallbackQueues:  make(map[string]int),
		MemoryQueueSize: m.MemoryQueueSize(),
		Breakers:        m.breakers.Snapshot(),
		CheckedAt:       m.now().UTC(),
	}

	if m.store != nil {
		names, err := m.store.Names()
		if err != nil {
			m.logger.Warnw("Failed to list fallback queues", "error", err)
		}
		for _, name := range names {
			count, err := m.store.Queue(name, m.cfg.FallbackMaxSize).Count()
			if err != nil {
				m.logger.Warnw("Failed to count fallback queue", "queue", name, "error", err)
				continue
			}
			status.FallbackQueues[name] = count
		}
	}
	return status
}

// Package queue implements bounded list-backed queues with explicit
// backpressure. Queue lengths are always read from the store; nothing is
// cached client-side.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnsafeAddDisabled is returned by AddUnsafe unless AllowUnsafeAdd is set
var ErrUnsafeAddDisabled = errors.New("unsafe queue add is disabled")

// Connector hands out the shared store client, dialling on first use, and
// retries transient store failures with backoff
type Connector interface {
	EnsureConnected(ctx context.Context) (*redis.Client, error)
	WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// pushIfRoom checks the bound and pushes in one step so concurrent writers
// can never push past max_size.
var pushIfRoom = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if len >= tonumber(ARGV[2]) then
  return {0, len}
end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
return {1, n}
`)

// moveOverflowAndPush makes room by moving the oldest (len-max)+1 items to
// the dead-letter list, then pushes. The dead-letter push runs before the
// trim so a failed write leaves the queue untouched.
//
// KEYS[1] queue, KEYS[2] dead-letter list
// ARGV[1] item, ARGV[2] max size, ARGV[3] queue name, ARGV[4] policy
var moveOverflowAndPush = redis.NewScript(`
local max = tonumber(ARGV[2])
local len = redis.call('LLEN', KEYS[1])
local moved = 0
if len >= max then
  local n = len - max + 1
  local head = redis.call('LRANGE', KEYS[1], 0, n - 1)
  local prefix = '{"original_queue":' .. cjson.encode(ARGV[3]) .. ',"data":'
  local suffix = ',"reason":"queue_overflow","overflow_policy":' .. cjson.encode(ARGV[4]) .. '}'
  for _, raw in ipairs(head) do
    local data = raw
    if not pcall(cjson.decode, raw) then
      data = cjson.encode(raw)
    end
    redis.call('RPUSH', KEYS[2], prefix .. data .. suffix)
  end
  redis.call('LTRIM', KEYS[1], n, -1)
  moved = #head
end
local after = redis.call('RPUSH', KEYS[1], ARGV[1])
return {moved, after}
`)

// AddResult describes the outcome of AddSafe
type AddResult struct {
	Success         bool   `json:"success"`
	QueueLength     int64  `json:"queue_length"`
	DroppedCount    int64  `json:"dropped_count"`
	MovedToDLQCount int64  `json:"moved_to_dlq_count"`
	Error           string `json:"error,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// HadBackpressure reports whether the add dropped, moved or rejected anything
func (r AddResult) HadBackpressure() bool {
	return r.DroppedCount > 0 || r.MovedToDLQCount > 0 || r.Error != ""
}

// DLQEnvelope wraps an item moved to the overflow dead-letter list
type DLQEnvelope struct {
	OriginalQueue  string         `json:"original_queue"`
	Data           interface{}    `json:"data"`
	Reason         string         `json:"reason"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy"`
}

// AddOption overrides a queue default for one AddSafe call
type AddOption func(*addOptions)

type addOptions struct {
	maxSize int64
	policy  OverflowPolicy
	dlqName string
}

// WithMaxSize overrides the queue bound; 0 means unbounded
func WithMaxSize(n int64) AddOption {
	return func(o *addOptions) {
		if n < 0 {
			n = 0
		}
		o.maxSize = n
	}
}

// WithPolicy overrides the overflow policy
func WithPolicy(p OverflowPolicy) AddOption {
	return func(o *addOptions) {
		if !p.Valid() {
			p = PolicyReject
		}
		o.policy = p
	}
}

// WithDLQ overrides the dead-letter list used by PolicyDLQ
func WithDLQ(name string) AddOption {
	return func(o *addOptions) {
		o.dlqName = name
	}
}

// Controller adds to and reads from bounded queues
type Controller struct {
	conn   Connector
	cfg    Config
	logger *zap.SugaredLogger
}

// NewController creates a queue controller
func NewController(conn Connector, cfg Config, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !cfg.OverflowPolicy.Valid() {
		cfg.OverflowPolicy = PolicyReject
	}
	if cfg.MaxPeekItems <= 0 {
		cfg.MaxPeekItems = DefaultConfig().MaxPeekItems
	}
	if cfg.MetricsTimeout <= 0 {
		cfg.MetricsTimeout = DefaultConfig().MetricsTimeout
	}
	return &Controller{conn: conn, cfg: cfg, logger: logger}
}

// Config returns the controller defaults
func (c *Controller) Config() Config {
	return c.cfg
}

// AddSafe appends item to queue while enforcing the bound with the
// configured overflow policy. A rejection is reported through the result,
// not as an error; errors are reserved for store and encoding failures.
//
// Every policy check and its writes run in one atomic step, so concurrent
// writers never leave more than max_size items behind. Transient store
// errors are retried; a push whose reply was lost may then be applied
// twice, which consumers tolerate under at-least-once delivery.
//
// Strings are stored JSON-encoded; pass []byte or json.RawMessage to store
// pre-encoded JSON unchanged.
func (c *Controller) AddSafe(ctx context.Context, queue string, item interface{}, opts ...AddOption) (AddResult, error) {
	o := addOptions{
		maxSize: c.cfg.MaxSize,
		policy:  c.cfg.OverflowPolicy,
		dlqName: DLQName(queue),
	}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := core.EncodePayload(item)
	if err != nil {
		return AddResult{}, err
	}

	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return AddResult{}, err
	}

	if o.maxSize <= 0 {
		var n int64
		err := c.conn.WithRetry(ctx, "queue_push", func(ctx context.Context) error {
			var err error
			n, err = client.RPush(ctx, queue, data).Result()
			return err
		})
		if err != nil {
			return AddResult{}, fmt.Errorf("push to %s: %w", queue, err)
		}
		return AddResult{Success: true, QueueLength: n}, nil
	}

	var current int64
	err = c.conn.WithRetry(ctx, "queue_length", func(ctx context.Context) error {
		var err error
		current, err = client.LLen(ctx, queue).Result()
		return err
	})
	if err != nil {
		return AddResult{}, fmt.Errorf("length of %s: %w", queue, err)
	}

	var warning string
	ratio := float64(current) / float64(o.maxSize)
	metrics.QueueFillRatio.WithLabelValues(queue).Set(ratio)
	if c.cfg.BackpressureThreshold > 0 && ratio >= c.cfg.BackpressureThreshold {
		warning = fmt.Sprintf("queue %s at %.0f%% capacity (%d/%d)", queue, ratio*100, current, o.maxSize)
		metrics.QueuePressureWarningsTotal.WithLabelValues(queue).Inc()
		c.logger.Warnw("Queue under backpressure",
			"queue", queue,
			"length", current,
			"max_size", o.maxSize,
			"fill_ratio", ratio,
			"policy", o.policy)
	}

	var result AddResult
	err = c.conn.WithRetry(ctx, "queue_add_"+string(o.policy), func(ctx context.Context) error {
		var err error
		switch o.policy {
		case PolicyDLQ:
			result, err = c.addWithDLQ(ctx, client, queue, data, o)
		case PolicyDropOldest:
			result, err = c.addDropOldest(ctx, client, queue, data, o)
		default:
			result, err = c.addReject(ctx, client, queue, data, o)
		}
		return err
	})
	if err != nil {
		return AddResult{}, err
	}
	if result.Warning == "" {
		result.Warning = warning
	}
	return result, nil
}

func (c *Controller) addReject(ctx context.Context, client *redis.Client, queue, data string, o addOptions) (AddResult, error) {
	res, err := pushIfRoom.Run(ctx, client, []string{queue}, data, o.maxSize).Int64Slice()
	if err != nil {
		return AddResult{}, fmt.Errorf("bounded push to %s: %w", queue, err)
	}
	if len(res) != 2 {
		return AddResult{}, fmt.Errorf("bounded push to %s: unexpected reply %v", queue, res)
	}

	if res[0] == 1 {
		return AddResult{Success: true, QueueLength: res[1]}, nil
	}

	metrics.QueueOverflowTotal.WithLabelValues(queue, string(PolicyReject)).Inc()
	metrics.QueueRejectionsTotal.WithLabelValues(queue).Inc()
	c.logger.Warnw("Queue full, rejecting item",
		"queue", queue,
		"length", res[1],
		"max_size", o.maxSize)

	return AddResult{
		Success:     false,
		QueueLength: res[1],
		Error:       fmt.Sprintf("%s: %s has %d/%d items", core.ErrQueueFull, queue, res[1], o.maxSize),
	}, nil
}

func (c *Controller) addWithDLQ(ctx context.Context, client *redis.Client, queue, data string, o addOptions) (AddResult, error) {
	res, err := moveOverflowAndPush.Run(ctx, client, []string{queue, o.dlqName},
		data, o.maxSize, queue, string(PolicyDLQ)).Int64Slice()
	if err != nil {
		if !core.IsTransient(err) {
			c.logger.Errorw("Failed to move overflow items to dead-letter queue",
				"queue", queue,
				"dlq", o.dlqName,
				"error", err)
		}
		return AddResult{}, fmt.Errorf("dead-letter push to %s via %s: %w", queue, o.dlqName, err)
	}
	if len(res) != 2 {
		return AddResult{}, fmt.Errorf("dead-letter push to %s: unexpected reply %v", queue, res)
	}

	moved := res[0]
	if moved > 0 {
		metrics.QueueOverflowTotal.WithLabelValues(queue, string(PolicyDLQ)).Inc()
		metrics.QueueItemsMovedToDLQTotal.WithLabelValues(queue).Add(float64(moved))
		c.logger.Warnw("Moved overflow items to dead-letter queue",
			"queue", queue,
			"dlq", o.dlqName,
			"moved", moved,
			"max_size", o.maxSize)
	}
	return AddResult{Success: true, QueueLength: res[1], MovedToDLQCount: moved}, nil
}

func (c *Controller) addDropOldest(ctx context.Context, client *redis.Client, queue, data string, o addOptions) (AddResult, error) {
	var push *redis.IntCmd
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, queue, data)
		pipe.LTrim(ctx, queue, -o.maxSize, -1)
		return nil
	})
	if err != nil {
		return AddResult{}, fmt.Errorf("push to %s: %w", queue, err)
	}

	after := push.Val()
	dropped := after - o.maxSize
	if dropped < 0 {
		dropped = 0
	}
	length := after
	if length > o.maxSize {
		length = o.maxSize
	}

	if dropped > 0 {
		metrics.QueueOverflowTotal.WithLabelValues(queue, string(PolicyDropOldest)).Inc()
		metrics.QueueItemsDroppedTotal.WithLabelValues(queue).Add(float64(dropped))
		c.logger.Warnw("Dropped oldest queue items",
			"queue", queue,
			"dropped", dropped,
			"max_size", o.maxSize)
	}

	return AddResult{Success: true, QueueLength: length, DroppedCount: dropped}, nil
}

// AddUnsafe is the legacy add: push then trim to maxSize with no reporting.
// Items trimmed this way are lost silently, so it has no backpressure
// guarantees and is only available when AllowUnsafeAdd is set.
func (c *Controller) AddUnsafe(ctx context.Context, queue string, item interface{}, maxSize int64) (int64, error) {
	if !c.cfg.AllowUnsafeAdd {
		return 0, ErrUnsafeAddDisabled
	}
	data, err := core.EncodePayload(item)
	if err != nil {
		return 0, err
	}
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return 0, err
	}

	var push *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, queue, data)
		if maxSize > 0 {
			pipe.LTrim(ctx, queue, -maxSize, -1)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("push to %s: %w", queue, err)
	}
	n := push.Val()
	if maxSize > 0 && n > maxSize {
		n = maxSize
	}
	return n, nil
}

// GetBlocking pops the oldest item, waiting up to timeout. The configured
// minimum timeout is applied even when timeout is 0, so callers looping on
// GetBlocking always regain control to observe shutdown. Returns nil when
// nothing arrived.
func (c *Controller) GetBlocking(ctx context.Context, queue string, timeout time.Duration) (interface{}, error) {
	if timeout < c.cfg.MinBlockTimeout {
		timeout = c.cfg.MinBlockTimeout
	}
	if timeout <= 0 {
		timeout = DefaultConfig().MinBlockTimeout
	}

	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	res, err := client.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("blocking pop from %s: %w", queue, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return c.decode(res[1]), nil
}

// GetNonBlocking pops the oldest item, returning nil if the queue is empty
func (c *Controller) GetNonBlocking(ctx context.Context, queue string) (interface{}, error) {
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := client.LPop(ctx, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop from %s: %w", queue, err)
	}
	return c.decode(raw), nil
}

// Peek returns items in [start, end] without removing them. The window is
// clamped to maxItems (the configured cap when maxItems <= 0); end = -1
// means "as far as the cap allows".
func (c *Controller) Peek(ctx context.Context, queue string, start, end, maxItems int64) ([]interface{}, error) {
	if maxItems <= 0 || maxItems > c.cfg.MaxPeekItems {
		maxItems = c.cfg.MaxPeekItems
	}
	if start < 0 {
		start = 0
	}
	if end < 0 || end-start+1 > maxItems {
		end = start + maxItems - 1
	}

	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	var raw []string
	err = c.conn.WithRetry(ctx, "queue_peek", func(ctx context.Context) error {
		var err error
		raw, err = client.LRange(ctx, queue, start, end).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", queue, err)
	}

	items := make([]interface{}, 0, len(raw))
	for _, r := range raw {
		items = append(items, c.decode(r))
	}
	return items, nil
}

// Length returns the current queue length as stored
func (c *Controller) Length(ctx context.Context, queue string) (int64, error) {
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.conn.WithRetry(ctx, "queue_length", func(ctx context.Context) error {
		var err error
		n, err = client.LLen(ctx, queue).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", queue, err)
	}
	return n, nil
}

// Clear deletes the queue, reporting whether it existed
func (c *Controller) Clear(ctx context.Context, queue string) (bool, error) {
	client, err := c.conn.EnsureConnected(ctx)
	if err != nil {
		return false, err
	}
	n, err := client.Del(ctx, queue).Result()
	if err != nil {
		return false, fmt.Errorf("clear %s: %w", queue, err)
	}
	if n > 0 {
		c.logger.Infow("Queue cleared", "queue", queue)
	}
	return n > 0, nil
}

// PressureMetrics is a point-in-time view of a queue's fill level
type PressureMetrics struct {
	QueueName             string         `json:"queue_name" yaml:"queue_name"`
	CurrentLength         int64          `json:"current_length" yaml:"current_length"`
	MaxSize               int64          `json:"max_size" yaml:"max_size"`
	FillRatio             float64        `json:"fill_ratio" yaml:"fill_ratio"`
	IsAtPressureThreshold bool           `json:"is_at_pressure_threshold" yaml:"is_at_pressure_threshold"`
	IsFull                bool           `json:"is_full" yaml:"is_full"`
	OverflowPolicy        OverflowPolicy `json:"overflow_policy" yaml:"overflow_policy"`
}

// PressureMetrics reads the queue length under the configured metrics
// timeout. maxSize <= 0 and an empty policy fall back to the defaults.
func (c *Controller) PressureMetrics(ctx context.Context, queue string, maxSize int64, policy OverflowPolicy) (PressureMetrics, error) {
	if maxSize <= 0 {
		maxSize = c.cfg.MaxSize
	}
	if !policy.Valid() {
		policy = c.cfg.OverflowPolicy
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.MetricsTimeout)
	defer cancel()

	length, err := c.Length(ctx, queue)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return PressureMetrics{}, fmt.Errorf("%w: pressure metrics for %s", core.ErrOperationTimeout, queue)
		}
		return PressureMetrics{}, err
	}

	pm := PressureMetrics{
		QueueName:      queue,
		CurrentLength:  length,
		MaxSize:        maxSize,
		OverflowPolicy: policy,
	}
	if maxSize > 0 {
		pm.FillRatio = float64(length) / float64(maxSize)
		pm.IsAtPressureThreshold = pm.FillRatio >= c.cfg.BackpressureThreshold
		pm.IsFull = length >= maxSize
		metrics.QueueFillRatio.WithLabelValues(queue).Set(pm.FillRatio)
	}
	return pm, nil
}

func (c *Controller) decode(raw string) interface{} {
	v, err := core.DecodePayload(raw)
	if err != nil {
		metrics.PayloadDecodeFallbacksTotal.Inc()
		c.logger.Debugw("Queue payload is not JSON, returning raw string", "error", err)
	}
	return v
}

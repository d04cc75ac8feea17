// Package stream manages an append-only detection log read by a consumer
// group: publish, consume, acknowledge, reclaim and dead-letter.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PayloadField is the entry field PublishPayload writes to
const PayloadField = "payload"

// DLQ entry fields added by MoveToDLQ
const (
	FieldOriginalID    = "original_id"
	FieldDLQReason     = "dlq_reason"
	FieldDeliveryCount = "delivery_count"
	FieldDLQTimestamp  = "dlq_timestamp"
)

// Connector hands out the shared store client, dialling on first use, and
// retries transient store failures with backoff
type Connector interface {
	EnsureConnected(ctx context.Context) (*redis.Client, error)
	WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// minPendingPage is the smallest page ClaimStale reads from the pending list
const minPendingPage = 64

// Config holds stream settings
type Config struct {
	Key              string
	Group            string
	MaxLen           int64
	BlockTimeout     time.Duration
	ClaimIdle        time.Duration
	MaxDeliveryCount int64
	// BatchSize is the count used by Run for consume and claim
	BatchSize int64
}

// DefaultConfig returns the detection pipeline defaults
func DefaultConfig() Config {
	return Config{
		Key:              "detections:stream",
		Group:            "detection-workers",
		MaxLen:           100000,
		BlockTimeout:     5 * time.Second,
		ClaimIdle:        60 * time.Second,
		MaxDeliveryCount: 3,
		BatchSize:        10,
	}
}

// DLQKey returns the companion dead-letter stream for key
func DLQKey(key string) string {
	return key + ":dlq"
}

// Entry is one stream entry as delivered to a consumer
type Entry struct {
	ID            string
	Fields        map[string]string
	DeliveryCount int64
}

// Payload decodes the payload field, falling back to the raw string
func (e Entry) Payload() interface{} {
	raw, ok := e.Fields[PayloadField]
	if !ok {
		return nil
	}
	v, err := core.DecodePayload(raw)
	if err != nil {
		metrics.PayloadDecodeFallbacksTotal.Inc()
	}
	return v
}

// Info describes the stream itself
type Info struct {
	Length       int64  `json:"length" yaml:"length"`
	FirstEntryID string `json:"first_entry_id" yaml:"first_entry_id"`
	LastEntryID  string `json:"last_entry_id" yaml:"last_entry_id"`
	Groups       int64  `json:"groups" yaml:"groups"`
}

// GroupInfo describes the configured consumer group
type GroupInfo struct {
	Name            string `json:"name" yaml:"name"`
	Consumers       int64  `json:"consumers" yaml:"consumers"`
	Pending         int64  `json:"pending" yaml:"pending"`
	LastDeliveredID string `json:"last_delivered_id" yaml:"last_delivered_id"`
}

// Manager reads and writes one stream through one consumer group
type Manager struct {
	conn   Connector
	cfg    Config
	logger *zap.SugaredLogger

	groupMu      sync.Mutex
	groupCreated bool
}

// NewManager creates a stream manager
func NewManager(conn Connector, cfg Config, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = def.ClaimIdle
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = def.MaxDeliveryCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Manager{conn: conn, cfg: cfg, logger: logger}
}

// Config returns the stream settings
func (m *Manager) Config() Config {
	return m.cfg
}

// NewConsumerID returns a consumer name unique to this process
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Publish appends an entry, trimming the stream to roughly MaxLen. A
// transient failure is retried, so an entry whose reply was lost can be
// appended twice; consumers already handle redelivery.
func (m *Manager) Publish(ctx context.Context, fields map[string]interface{}) (string, error) {
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: m.cfg.Key,
		Values: fields,
	}
	if m.cfg.MaxLen > 0 {
		args.MaxLen = m.cfg.MaxLen
		args.Approx = true
	}
	var id string
	err = m.conn.WithRetry(ctx, "stream_publish", func(ctx context.Context) error {
		var err error
		id, err = client.XAdd(ctx, args).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", m.cfg.Key, err)
	}
	return id, nil
}

// PublishPayload JSON-encodes v into the payload field and publishes it
func (m *Manager) PublishPayload(ctx context.Context, v interface{}) (string, error) {
	data, err := core.EncodePayload(v)
	if err != nil {
		return "", err
	}
	return m.Publish(ctx, map[string]interface{}{PayloadField: data})
}

// EnsureGroup creates the consumer group from the start of the stream if it
// does not exist yet. Safe to call concurrently.
func (m *Manager) EnsureGroup(ctx context.Context) error {
	m.groupMu.Lock()
	defer m.groupMu.Unlock()

	if m.groupCreated {
		return nil
	}

	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	err = client.XGroupCreateMkStream(ctx, m.cfg.Key, m.cfg.Group, "0").Err()
	if err != nil && !redis.HasErrorPrefix(err, "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", m.cfg.Group, m.cfg.Key, err)
	}
	if err == nil {
		m.logger.Infow("Created consumer group", "stream", m.cfg.Key, "group", m.cfg.Group)
	}
	m.groupCreated = true
	return nil
}

// Consume reads up to count entries never delivered to the group. When
// blocking, it waits up to the configured block timeout.
func (m *Manager) Consume(ctx context.Context, consumer string, count int64, blocking bool) ([]Entry, error) {
	if err := m.EnsureGroup(ctx); err != nil {
		return nil, err
	}
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    m.cfg.Group,
		Consumer: consumer,
		Streams:  []string{m.cfg.Key, ">"},
		Count:    count,
		Block:    -1,
	}
	if blocking {
		args.Block = m.cfg.BlockTimeout
	}

	streams, err := client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if redis.HasErrorPrefix(err, "NOGROUP") {
			m.resetGroup()
		}
		return nil, fmt.Errorf("read group %s: %w", m.cfg.Group, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg, 1))
		}
	}
	return entries, nil
}

// Acknowledge removes ids from the group's pending list, returning how many
// were actually pending. Acknowledging an id twice returns 0 the second time.
func (m *Manager) Acknowledge(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return 0, err
	}
	n, err := client.XAck(ctx, m.cfg.Key, m.cfg.Group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("ack on %s: %w", m.cfg.Key, err)
	}
	if n > 0 {
		metrics.StreamMessagesAckedTotal.WithLabelValues(m.cfg.Key).Add(float64(n))
	}
	return n, nil
}

// ClaimStale takes over up to count entries that have been pending for at
// least minIdle, typically from a consumer that died mid-processing. The
// pending list is read page by page, so stale entries queued behind fresh
// ones are still found.
func (m *Manager) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := m.EnsureGroup(ctx); err != nil {
		return nil, err
	}
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	ids, retries, err := m.stalePending(ctx, client, minIdle, count)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	msgs, err := client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   m.cfg.Key,
		Group:    m.cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim on %s: %w", m.cfg.Key, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		// XCLAIM bumps the delivery counter
		entries = append(entries, toEntry(msg, retries[msg.ID]+1))
	}
	if len(entries) > 0 {
		metrics.StreamMessagesClaimedTotal.WithLabelValues(m.cfg.Key).Add(float64(len(entries)))
		m.logger.Infow("Claimed stale stream entries",
			"stream", m.cfg.Key,
			"consumer", consumer,
			"count", len(entries))
	}
	return entries, nil
}

// stalePending walks the pending list from its oldest id and collects up to
// count ids idle for at least minIdle, with their delivery counts.
func (m *Manager) stalePending(ctx context.Context, client *redis.Client, minIdle time.Duration, count int64) ([]string, map[string]int64, error) {
	pageSize := count
	if pageSize < minPendingPage {
		pageSize = minPendingPage
	}

	retries := make(map[string]int64)
	var ids []string
	start := "-"
	for int64(len(ids)) < count {
		var page []redis.XPendingExt
		err := m.conn.WithRetry(ctx, "stream_pending", func(ctx context.Context) error {
			var err error
			page, err = client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: m.cfg.Key,
				Group:  m.cfg.Group,
				Start:  start,
				End:    "+",
				Count:  pageSize,
			}).Result()
			return err
		})
		if err != nil {
			if isMissing(err) {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("pending on %s: %w", m.cfg.Key, err)
		}

		for _, p := range page {
			if p.Idle < minIdle {
				continue
			}
			ids = append(ids, p.ID)
			retries[p.ID] = p.RetryCount
			if int64(len(ids)) == count {
				break
			}
		}
		if int64(len(page)) < pageSize {
			break
		}

		next, err := nextStreamID(page[len(page)-1].ID)
		if err != nil {
			return nil, nil, err
		}
		start = next
	}
	return ids, retries, nil
}

// ShouldDeadLetter reports whether entry has been delivered too many times
func (m *Manager) ShouldDeadLetter(entry Entry) bool {
	return entry.DeliveryCount >= m.cfg.MaxDeliveryCount
}

// MoveToDLQ copies entry to the dead-letter stream with the reason and
// delivery metadata, then acknowledges the original.
func (m *Manager) MoveToDLQ(ctx context.Context, entry Entry, reason string) (string, error) {
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return "", err
	}

	values := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		values[k] = v
	}
	values[FieldOriginalID] = entry.ID
	values[FieldDLQReason] = reason
	values[FieldDeliveryCount] = strconv.FormatInt(entry.DeliveryCount, 10)
	values[FieldDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)

	args := &redis.XAddArgs{Stream: DLQKey(m.cfg.Key), Values: values}
	if m.cfg.MaxLen > 0 {
		args.MaxLen = m.cfg.MaxLen
		args.Approx = true
	}
	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}

	if _, err := m.Acknowledge(ctx, entry.ID); err != nil {
		return id, err
	}

	metrics.StreamDeadLetteredTotal.WithLabelValues(m.cfg.Key, reason).Inc()
	m.logger.Warnw("Moved stream entry to dead-letter stream",
		"stream", m.cfg.Key,
		"entry_id", entry.ID,
		"reason", reason,
		"delivery_count", entry.DeliveryCount)
	return id, nil
}

// StreamInfo returns the stream length and boundary ids; a missing stream
// yields a zero Info.
func (m *Manager) StreamInfo(ctx context.Context) (Info, error) {
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return Info{}, err
	}

	var length int64
	err = m.conn.WithRetry(ctx, "stream_length", func(ctx context.Context) error {
		var err error
		length, err = client.XLen(ctx, m.cfg.Key).Result()
		return err
	})
	if err != nil {
		if isMissing(err) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("length of %s: %w", m.cfg.Key, err)
	}

	info := Info{Length: length}
	if length > 0 {
		if first, err := client.XRangeN(ctx, m.cfg.Key, "-", "+", 1).Result(); err == nil && len(first) > 0 {
			info.FirstEntryID = first[0].ID
		}
		if last, err := client.XRevRangeN(ctx, m.cfg.Key, "+", "-", 1).Result(); err == nil && len(last) > 0 {
			info.LastEntryID = last[0].ID
		}
	}

	groups, err := client.XInfoGroups(ctx, m.cfg.Key).Result()
	if err == nil {
		info.Groups = int64(len(groups))
	}
	return info, nil
}

// GroupInfo returns consumer and pending counts for the configured group; a
// missing stream or group yields a zero GroupInfo carrying only the name.
func (m *Manager) GroupInfo(ctx context.Context) (GroupInfo, error) {
	info := GroupInfo{Name: m.cfg.Group}

	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return info, err
	}

	var groups []redis.XInfoGroup
	err = m.conn.WithRetry(ctx, "stream_group_info", func(ctx context.Context) error {
		var err error
		groups, err = client.XInfoGroups(ctx, m.cfg.Key).Result()
		return err
	})
	if err != nil {
		if isMissing(err) {
			return info, nil
		}
		return info, fmt.Errorf("group info for %s: %w", m.cfg.Key, err)
	}
	for _, g := range groups {
		if g.Name == m.cfg.Group {
			info.Consumers = g.Consumers
			info.Pending = g.Pending
			info.LastDeliveredID = g.LastDeliveredID
			break
		}
	}
	return info, nil
}

// PendingCount returns the number of delivered but unacknowledged entries
func (m *Manager) PendingCount(ctx context.Context) (int64, error) {
	client, err := m.conn.EnsureConnected(ctx)
	if err != nil {
		return 0, err
	}
	var p *redis.XPending
	err = m.conn.WithRetry(ctx, "stream_pending_count", func(ctx context.Context) error {
		var err error
		p, err = client.XPending(ctx, m.cfg.Key, m.cfg.Group).Result()
		return err
	})
	if err != nil {
		if isMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending on %s: %w", m.cfg.Key, err)
	}
	return p.Count, nil
}

func (m *Manager) resetGroup() {
	m.groupMu.Lock()
	m.groupCreated = false
	m.groupMu.Unlock()
}

func toEntry(msg redis.XMessage, deliveries int64) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return Entry{ID: msg.ID, Fields: fields, DeliveryCount: deliveries}
}

// nextStreamID returns the smallest id greater than id, for exclusive paging
// on servers without "(" range syntax
func nextStreamID(id string) (string, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("%w: stream id %q", core.ErrInvalidArgument, id)
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: stream id %q", core.ErrInvalidArgument, id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: stream id %q", core.ErrInvalidArgument, id)
	}
	if seq == math.MaxUint64 {
		return strconv.FormatUint(ms+1, 10) + "-0", nil
	}
	return msPart + "-" + strconv.FormatUint(seq+1, 10), nil
}

// isMissing matches the errors the store returns for absent streams or groups
func isMissing(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	if redis.HasErrorPrefix(err, "NOGROUP") {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "nogroup")
}

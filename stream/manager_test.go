package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/redisconn"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStream(t *testing.T, cfg Config) (*Manager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc := redisconn.DefaultConfig()
	rc.Addr = mr.Addr()
	logger := zaptest.NewLogger(t).Sugar()
	conn := redisconn.NewManager(rc, logger)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(conn.Disconnect)

	client, err := conn.Client()
	require.NoError(t, err)
	return NewManager(conn, cfg, logger), client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Key = "detections:test"
	cfg.BlockTimeout = 100 * time.Millisecond
	cfg.ClaimIdle = 20 * time.Millisecond
	return cfg
}

func TestPublishConsumeAck(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	detection := map[string]interface{}{
		"camera_id":  "backyard",
		"label":      "person",
		"confidence": 0.87,
	}
	id, err := m.PublishPayload(ctx, detection)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := m.Consume(ctx, "worker-1", 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, int64(1), entries[0].DeliveryCount)
	assert.Equal(t, detection, entries[0].Payload())

	pending, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	n, err := m.Acknowledge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Acknowledge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	pending, err = m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// nothing new for the group
	entries, err = m.Consume(ctx, "worker-1", 10, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConsume_BlockingReturnsAfterTimeout(t *testing.T) {
	m, _ := newTestStream(t, testConfig())

	start := time.Now()
	entries, err := m.Consume(context.Background(), "worker-1", 1, true)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnsureGroup_Concurrent(t *testing.T) {
	m, client := newTestStream(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureGroup(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// a second manager sees BUSYGROUP and treats it as success
	other := NewManager(staticConn{client}, m.Config(), nil)
	assert.NoError(t, other.EnsureGroup(ctx))

	groups, err := client.XInfoGroups(ctx, m.Config().Key).Result()
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestClaimStale(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	id, err := m.Publish(ctx, map[string]interface{}{"event": "motion"})
	require.NoError(t, err)

	entries, err := m.Consume(ctx, "dead-worker", 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// not idle long enough yet
	claimed, err := m.ClaimStale(ctx, "live-worker", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(50 * time.Millisecond)

	claimed, err = m.ClaimStale(ctx, "live-worker", 20*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, int64(2), claimed[0].DeliveryCount)
	assert.Equal(t, "motion", claimed[0].Fields["event"])
}

func TestClaimStale_SkipsFreshEntriesAhead(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	first, err := m.Publish(ctx, map[string]interface{}{"n": "1"})
	require.NoError(t, err)
	second, err := m.Publish(ctx, map[string]interface{}{"n": "2"})
	require.NoError(t, err)

	entries, err := m.Consume(ctx, "dead-worker", 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	time.Sleep(80 * time.Millisecond)

	// reclaiming the first entry makes it fresh again but it stays first in
	// the pending list
	claimed, err := m.ClaimStale(ctx, "worker-b", 50*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first, claimed[0].ID)

	claimed, err = m.ClaimStale(ctx, "worker-c", 50*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second, claimed[0].ID)
}

func TestClaimStale_PagesPastFirstPage(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	total := minPendingPage + 6
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := m.Publish(ctx, map[string]interface{}{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	entries, err := m.Consume(ctx, "dead-worker", int64(total), false)
	require.NoError(t, err)
	require.Len(t, entries, total)

	time.Sleep(80 * time.Millisecond)

	claimed, err := m.ClaimStale(ctx, "worker-b", 50*time.Millisecond, minPendingPage+1)
	require.NoError(t, err)
	require.Len(t, claimed, minPendingPage+1)

	claimed, err = m.ClaimStale(ctx, "worker-c", 50*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[minPendingPage+1], claimed[0].ID)
}

func TestNextStreamID(t *testing.T) {
	next, err := nextStreamID("1700000000000-4")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-5", next)

	next, err = nextStreamID("5-18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, "6-0", next)

	_, err = nextStreamID("garbage")
	assert.Error(t, err)
}

func TestMoveToDLQ(t *testing.T) {
	m, client := newTestStream(t, testConfig())
	ctx := context.Background()

	id, err := m.Publish(ctx, map[string]interface{}{"event": "glass_break"})
	require.NoError(t, err)
	entries, err := m.Consume(ctx, "worker-1", 1, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	entry.DeliveryCount = 3
	assert.True(t, m.ShouldDeadLetter(entry))

	_, err = m.MoveToDLQ(ctx, entry, "max_deliveries_exceeded")
	require.NoError(t, err)

	pending, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	dlq, err := client.XRange(ctx, DLQKey(m.Config().Key), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, id, dlq[0].Values[FieldOriginalID])
	assert.Equal(t, "max_deliveries_exceeded", dlq[0].Values[FieldDLQReason])
	assert.Equal(t, "3", dlq[0].Values[FieldDeliveryCount])
	assert.Equal(t, "glass_break", dlq[0].Values["event"])
	assert.NotEmpty(t, dlq[0].Values[FieldDLQTimestamp])
}

func TestShouldDeadLetter(t *testing.T) {
	m := NewManager(nil, Config{MaxDeliveryCount: 3}, nil)
	assert.False(t, m.ShouldDeadLetter(Entry{DeliveryCount: 1}))
	assert.False(t, m.ShouldDeadLetter(Entry{DeliveryCount: 2}))
	assert.True(t, m.ShouldDeadLetter(Entry{DeliveryCount: 3}))
	assert.True(t, m.ShouldDeadLetter(Entry{DeliveryCount: 9}))
}

func TestIntrospection_MissingStream(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	info, err := m.StreamInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, Info{}, info)

	group, err := m.GroupInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, GroupInfo{Name: m.Config().Group}, group)

	pending, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestIntrospection(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx := context.Background()

	first, err := m.Publish(ctx, map[string]interface{}{"n": "1"})
	require.NoError(t, err)
	_, err = m.Publish(ctx, map[string]interface{}{"n": "2"})
	require.NoError(t, err)
	last, err := m.Publish(ctx, map[string]interface{}{"n": "3"})
	require.NoError(t, err)

	_, err = m.Consume(ctx, "worker-1", 2, false)
	require.NoError(t, err)

	info, err := m.StreamInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Length)
	assert.Equal(t, first, info.FirstEntryID)
	assert.Equal(t, last, info.LastEntryID)
	assert.Equal(t, int64(1), info.Groups)

	group, err := m.GroupInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), group.Consumers)
	assert.Equal(t, int64(2), group.Pending)
}

func TestRun_AcksHandledEntries(t *testing.T) {
	m, _ := newTestStream(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := m.PublishPayload(ctx, map[string]int{"seq": i})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, "worker-1", func(ctx context.Context, e Entry) error {
			mu.Lock()
			seen = append(seen, e.ID)
			mu.Unlock()
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	pending, err := m.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRun_DeadLettersRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeliveryCount = 2
	m, client := newTestStream(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.PublishPayload(ctx, map[string]string{"camera": "porch"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, "worker-1", func(ctx context.Context, e Entry) error {
			if e.DeliveryCount == 1 {
				panic("decoder crashed")
			}
			return errors.New("model unavailable")
		})
	}()

	assert.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), DLQKey(cfg.Key)).Result()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	dlq, err := client.XRange(context.Background(), DLQKey(cfg.Key), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, ReasonMaxDeliveries, dlq[0].Values[FieldDLQReason])
	assert.Equal(t, "2", dlq[0].Values[FieldDeliveryCount])
}

type staticConn struct {
	client *redis.Client
}

func (s staticConn) EnsureConnected(ctx context.Context) (*redis.Client, error) {
	return s.client, nil
}

func (s staticConn) WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return op(ctx)
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
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

func newTestController(t *testing.T, cfg Config) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc := redisconn.DefaultConfig()
	rc.Addr = mr.Addr()
	logger := zaptest.NewLogger(t).Sugar()
	mgr := redisconn.NewManager(rc, logger)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(mgr.Disconnect)

	return NewController(mgr, cfg, logger), mr
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := map[string]OverflowPolicy{
		"reject":      PolicyReject,
		"dlq":         PolicyDLQ,
		"DLQ":         PolicyDLQ,
		"dead_letter": PolicyDLQ,
		"drop_oldest": PolicyDropOldest,
		"drop-oldest": PolicyDropOldest,
		"":            PolicyReject,
		"fifo":        PolicyReject,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseOverflowPolicy(in), "input %q", in)
	}
	assert.False(t, OverflowPolicy("bogus").Valid())
}

// Scenario A: reject policy leaves a full queue unchanged
func TestAddSafe_Reject(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := c.AddSafe(ctx, "jobs", map[string]int{"i": i}, WithMaxSize(5), WithPolicy(PolicyReject))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(i+1), res.QueueLength)
		assert.False(t, res.HadBackpressure())
	}

	res, err := c.AddSafe(ctx, "jobs", map[string]int{"i": 5}, WithMaxSize(5), WithPolicy(PolicyReject))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(5), res.QueueLength)
	assert.Contains(t, res.Error, "queue is full")
	assert.True(t, res.HadBackpressure())
	assert.NotEmpty(t, res.Warning)

	items, err := mr.List("jobs")
	require.NoError(t, err)
	assert.Len(t, items, 5)
	assert.False(t, mr.Exists(DLQName("jobs")))
}

// Scenario B: dlq policy moves the oldest item out to keep the bound
func TestAddSafe_DLQ(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := c.AddSafe(ctx, "detections", map[string]int{"index": i}, WithMaxSize(5), WithPolicy(PolicyDLQ))
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := c.AddSafe(ctx, "detections", map[string]int{"index": 5}, WithMaxSize(5), WithPolicy(PolicyDLQ))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.MovedToDLQCount)
	assert.Equal(t, int64(5), res.QueueLength)
	assert.True(t, res.HadBackpressure())

	dlq, err := mr.List(DLQName("detections"))
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	var env DLQEnvelope
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &env))
	assert.Equal(t, "detections", env.OriginalQueue)
	assert.Equal(t, "queue_overflow", env.Reason)
	assert.Equal(t, PolicyDLQ, env.OverflowPolicy)
	assert.Equal(t, map[string]interface{}{"index": float64(0)}, env.Data)

	items, err := mr.List("detections")
	require.NoError(t, err)
	assert.Equal(t, `{"index":1}`, items[0])
	assert.Equal(t, `{"index":5}`, items[4])
}

func TestAddSafe_DLQRestoresBoundWhenOverfilled(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		mr.Push("overfull", fmt.Sprintf("raw-%d", i))
	}

	res, err := c.AddSafe(ctx, "overfull", "new", WithMaxSize(5), WithPolicy(PolicyDLQ), WithDLQ("custom:dlq"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.MovedToDLQCount)
	assert.Equal(t, int64(5), res.QueueLength)

	dlq, err := mr.List("custom:dlq")
	require.NoError(t, err)
	require.Len(t, dlq, 4)

	var env DLQEnvelope
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &env))
	assert.Equal(t, "raw-0", env.Data)
}

func TestAddSafe_DLQWriteFailureKeepsQueue(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mr.Push("detections", fmt.Sprintf(`{"index":%d}`, i))
	}
	require.NoError(t, mr.Set(DLQName("detections"), "not a list"))

	_, err := c.AddSafe(ctx, "detections", map[string]int{"index": 5}, WithMaxSize(5), WithPolicy(PolicyDLQ))
	require.Error(t, err)

	items, err := mr.List("detections")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"index":0}`, `{"index":1}`, `{"index":2}`, `{"index":3}`, `{"index":4}`}, items)

	v, err := mr.Get(DLQName("detections"))
	require.NoError(t, err)
	assert.Equal(t, "not a list", v)
}

func TestAddSafe_ConcurrentWritersRespectBound(t *testing.T) {
	const (
		maxSize = 10
		writers = 20
		perW    = 5
		total   = writers * perW
	)

	for _, policy := range []OverflowPolicy{PolicyReject, PolicyDLQ, PolicyDropOldest} {
		t.Run(string(policy), func(t *testing.T) {
			c, mr := newTestController(t, DefaultConfig())
			ctx := context.Background()

			var (
				mu       sync.Mutex
				wg       sync.WaitGroup
				accepted int64
				rejected int64
				dropped  int64
				moved    int64
			)
			errs := make(chan error, total)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perW; i++ {
						res, err := c.AddSafe(ctx, "shared", map[string]int{"w": w, "i": i},
							WithMaxSize(maxSize), WithPolicy(policy))
						if err != nil {
							errs <- err
							continue
						}
						mu.Lock()
						if res.Success {
							accepted++
						} else {
							rejected++
						}
						dropped += res.DroppedCount
						moved += res.MovedToDLQCount
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			items, err := mr.List("shared")
			require.NoError(t, err)
			assert.Len(t, items, maxSize)

			switch policy {
			case PolicyReject:
				assert.Equal(t, int64(maxSize), accepted)
				assert.Equal(t, int64(total-maxSize), rejected)
				assert.False(t, mr.Exists(DLQName("shared")))
			case PolicyDLQ:
				assert.Equal(t, int64(total), accepted)
				assert.Equal(t, int64(total-maxSize), moved)
				dlq, err := mr.List(DLQName("shared"))
				require.NoError(t, err)
				assert.Len(t, dlq, total-maxSize)
			case PolicyDropOldest:
				assert.Equal(t, int64(total), accepted)
				assert.Equal(t, int64(total-maxSize), dropped)
			}
		})
	}
}

func TestAddSafe_DropOldest(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()

	wantDropped := []int64{0, 0, 0, 1, 1}
	for i := 0; i < 5; i++ {
		res, err := c.AddSafe(ctx, "frames", map[string]int{"index": i}, WithMaxSize(3), WithPolicy(PolicyDropOldest))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, wantDropped[i], res.DroppedCount, "add %d", i)
		assert.LessOrEqual(t, res.QueueLength, int64(3))
	}

	items, err := mr.List("frames")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"index":2}`, `{"index":3}`, `{"index":4}`}, items)
}

func TestAddSafe_DropOldestCountsExistingOverflow(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())

	for i := 0; i < 6; i++ {
		mr.Push("frames", fmt.Sprintf("f%d", i))
	}
	res, err := c.AddSafe(context.Background(), "frames", "f6", WithMaxSize(4), WithPolicy(PolicyDropOldest))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.DroppedCount)
	assert.Equal(t, int64(4), res.QueueLength)
}

// recoveringConnector fails the first attempt of each retried operation with
// a server reply error, then lets the store answer normally
type recoveringConnector struct {
	*redisconn.Manager
	mr       *miniredis.Miniredis
	attempts int
}

func (r *recoveringConnector) WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Manager.WithRetry(ctx, name, func(ctx context.Context) error {
		r.attempts++
		err := op(ctx)
		r.mr.SetError("")
		return err
	})
}

func newRecoveringController(t *testing.T, cfg Config) (*Controller, *recoveringConnector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc := redisconn.DefaultConfig()
	rc.Addr = mr.Addr()
	rc.Backoff.BaseDelay = 5 * time.Millisecond
	rc.Backoff.MaxDelay = 20 * time.Millisecond
	logger := zaptest.NewLogger(t).Sugar()
	mgr := redisconn.NewManager(rc, logger)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(mgr.Disconnect)

	conn := &recoveringConnector{Manager: mgr, mr: mr}
	return NewController(conn, cfg, logger), conn, mr
}

func TestAddSafe_RetriesTransientStoreError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 0
	c, conn, mr := newRecoveringController(t, cfg)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	res, err := c.AddSafe(context.Background(), "jobs", map[string]int{"id": 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.QueueLength)
	assert.Equal(t, 2, conn.attempts)

	items, err := mr.List("jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1}`}, items)
}

func TestAddSafe_BoundedRetriesTransientStoreError(t *testing.T) {
	c, _, mr := newRecoveringController(t, DefaultConfig())

	mr.SetError("LOADING Redis is loading the dataset in memory")
	res, err := c.AddSafe(context.Background(), "jobs", "first", WithMaxSize(5), WithPolicy(PolicyDLQ))
	require.NoError(t, err)
	assert.True(t, res.Success)

	items, err := mr.List("jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{`"first"`}, items)
}

func TestAddSafe_StringPayloadRoundTrips(t *testing.T) {
	c, _ := newTestController(t, DefaultConfig())
	ctx := context.Background()

	for _, s := range []string{"123", "true", "null"} {
		_, err := c.AddSafe(ctx, "strings", s)
		require.NoError(t, err)
	}
	for _, want := range []string{"123", "true", "null"} {
		got, err := c.GetNonBlocking(ctx, "strings")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAddSafe_Unbounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 0
	c, _ := newTestController(t, cfg)

	for i := 0; i < 20; i++ {
		res, err := c.AddSafe(context.Background(), "unbounded", i)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(i+1), res.QueueLength)
		assert.Empty(t, res.Warning)
	}
}

func TestAddSafe_PressureWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackpressureThreshold = 0.5
	c, _ := newTestController(t, cfg)
	ctx := context.Background()

	res, err := c.AddSafe(ctx, "q", "a", WithMaxSize(4))
	require.NoError(t, err)
	assert.Empty(t, res.Warning)

	_, err = c.AddSafe(ctx, "q", "b", WithMaxSize(4))
	require.NoError(t, err)

	res, err = c.AddSafe(ctx, "q", "c", WithMaxSize(4))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Warning, "capacity")
	assert.False(t, res.HadBackpressure())
}

func TestAddSafe_UnencodablePayload(t *testing.T) {
	c, _ := newTestController(t, DefaultConfig())
	_, err := c.AddSafe(context.Background(), "q", make(chan int))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestController(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{
		"camera_id": "garage",
		"objects":   []interface{}{"person", "car"},
		"score":     0.92,
		"nested":    map[string]interface{}{"ok": true},
	}
	_, err := c.AddSafe(ctx, "rt", payload)
	require.NoError(t, err)

	got, err := c.GetNonBlocking(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = c.GetNonBlocking(ctx, "rt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNonBlocking_RawStringFallback(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	mr.Push("legacy", "not json {")

	got, err := c.GetNonBlocking(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, "not json {", got)
}

func TestGetBlocking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBlockTimeout = time.Second
	c, mr := newTestController(t, cfg)

	producer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer producer.Close()
	go func() {
		time.Sleep(100 * time.Millisecond)
		producer.LPush(context.Background(), "work", `{"job":1}`)
	}()

	got, err := c.GetBlocking(context.Background(), "work", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"job": float64(1)}, got)
}

func TestGetBlocking_ZeroTimeoutStillReturns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBlockTimeout = time.Second
	c, _ := newTestController(t, cfg)

	start := time.Now()
	got, err := c.GetBlocking(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestPeek_ClampsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPeekItems = 3
	c, mr := newTestController(t, cfg)
	for i := 0; i < 10; i++ {
		mr.Push("big", fmt.Sprintf("%d", i))
	}
	ctx := context.Background()

	items, err := c.Peek(ctx, "big", 0, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(0), float64(1), float64(2)}, items)

	items, err = c.Peek(ctx, "big", 2, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(2), float64(3)}, items)

	items, err = c.Peek(ctx, "big", 8, 9, 5)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	n, err := c.Length(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestClear(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	ctx := context.Background()
	mr.Push("q", "a")

	ok, err := c.Clear(ctx, "q")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Clear(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPressureMetrics(t *testing.T) {
	c, mr := newTestController(t, DefaultConfig())
	for i := 0; i < 8; i++ {
		mr.Push("pm", "x")
	}

	pm, err := c.PressureMetrics(context.Background(), "pm", 10, PolicyDropOldest)
	require.NoError(t, err)
	assert.Equal(t, "pm", pm.QueueName)
	assert.Equal(t, int64(8), pm.CurrentLength)
	assert.InDelta(t, 0.8, pm.FillRatio, 1e-9)
	assert.True(t, pm.IsAtPressureThreshold)
	assert.False(t, pm.IsFull)
	assert.Equal(t, PolicyDropOldest, pm.OverflowPolicy)

	pm, err = c.PressureMetrics(context.Background(), "missing", 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pm.CurrentLength)
	assert.Equal(t, DefaultConfig().MaxSize, pm.MaxSize)
	assert.Equal(t, PolicyReject, pm.OverflowPolicy)
}

func TestAddUnsafe(t *testing.T) {
	c, _ := newTestController(t, DefaultConfig())
	_, err := c.AddUnsafe(context.Background(), "legacy", "x", 2)
	assert.ErrorIs(t, err, ErrUnsafeAddDisabled)

	cfg := DefaultConfig()
	cfg.AllowUnsafeAdd = true
	c, mr := newTestController(t, cfg)
	for i := 0; i < 4; i++ {
		n, err := c.AddUnsafe(context.Background(), "legacy", i, 2)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(2))
	}
	items, err := mr.List("legacy")
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, items)
}

package goroutine

import (
	"runtime"
	"testing"
	"time"
)

type leakCheck struct {
	timeout  time.Duration
	interval time.Duration
	slack    int
}

// LeakOption tunes AssertNoLeaks
type LeakOption func(*leakCheck)

// WithLeakTimeout sets how long the cleanup waits for background loops to exit
func WithLeakTimeout(timeout, interval time.Duration) LeakOption {
	return func(c *leakCheck) {
		c.timeout = timeout
		c.interval = interval
	}
}

// WithSlack tolerates n extra goroutines, e.g. connection handlers of an
// in-process store that close after the test returns
func WithSlack(n int) LeakOption {
	return func(c *leakCheck) {
		c.slack = n
	}
}

// AssertNoLeaks records the goroutine count and registers a cleanup that
// fails the test when the count has not come back down. Call it before
// starting health loops, stream workers or ops listeners:
//
//	goroutine.AssertNoLeaks(t, goroutine.WithSlack(2))
func AssertNoLeaks(t testing.TB, opts ...LeakOption) {
	t.Helper()
	check := leakCheck{timeout: 5 * time.Second, interval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&check)
	}
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		target := before + check.slack
		if WaitForGoroutineCount(target, check.timeout, check.interval) {
			return
		}
		current := runtime.NumGoroutine()
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutines still running after cleanup: %d, allowed %d\n%s", current, target, buf[:n])
	})
}

// WaitForGoroutineCount polls until at most target goroutines remain and
// reports whether that happened before timeout
func WaitForGoroutineCount(target int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for runtime.NumGoroutine() > target {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
	return true
}

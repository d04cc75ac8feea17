package queue

import (
	"strings"
	"time"
)

// OverflowPolicy decides what happens when an add would exceed the queue bound
type OverflowPolicy string

const (
	// PolicyReject refuses the new item and leaves the queue untouched
	PolicyReject OverflowPolicy = "reject"
	// PolicyDLQ moves the oldest items to a dead-letter list to make room
	PolicyDLQ OverflowPolicy = "dlq"
	// PolicyDropOldest pushes the new item and trims the oldest ones
	PolicyDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy converts a configuration string to a policy.
// Unknown values map to PolicyReject, which never loses data.
func ParseOverflowPolicy(s string) OverflowPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dlq", "dead_letter", "deadletter":
		return PolicyDLQ
	case "drop_oldest", "drop-oldest", "dropoldest":
		return PolicyDropOldest
	default:
		return PolicyReject
	}
}

// Valid reports whether p is one of the known policies
func (p OverflowPolicy) Valid() bool {
	switch p {
	case PolicyReject, PolicyDLQ, PolicyDropOldest:
		return true
	}
	return false
}

// Config holds queue defaults; per-call options override them
type Config struct {
	// MaxSize bounds every queue unless overridden; 0 means unbounded
	MaxSize int64
	// OverflowPolicy is applied when MaxSize is reached
	OverflowPolicy OverflowPolicy
	// BackpressureThreshold is the fill ratio that triggers a pressure warning
	BackpressureThreshold float64
	// MinBlockTimeout is the floor applied to every blocking pop
	MinBlockTimeout time.Duration
	// MaxPeekItems caps the window returned by Peek
	MaxPeekItems int64
	// MetricsTimeout bounds PressureMetrics reads
	MetricsTimeout time.Duration
	// AllowUnsafeAdd enables the legacy AddUnsafe path
	AllowUnsafeAdd bool
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		MaxSize:               10000,
		OverflowPolicy:        PolicyReject,
		BackpressureThreshold: 0.8,
		MinBlockTimeout:       5 * time.Second,
		MaxPeekItems:          1000,
		MetricsTimeout:        2 * time.Second,
	}
}

// DLQName returns the default overflow dead-letter list for a queue
func DLQName(queue string) string {
	return "dlq:overflow:" + queue
}

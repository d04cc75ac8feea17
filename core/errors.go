package core

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// Error taxonomy shared by every component that talks to the remote store.
var (
	// ErrConnectionFailure means the store was unreachable or the handshake
	// failed after all retries. The caller must reconnect before retrying.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrOperationTimeout means a blocking call exceeded its bound.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrScriptExecution means an atomic script failed for a reason other
	// than the server no longer knowing it. Never retried automatically.
	ErrScriptExecution = errors.New("script execution failed")

	// ErrQueueFull is reported through queue.AddResult, never returned.
	ErrQueueFull = errors.New("queue is full")

	// ErrSerialization marks a payload that did not round-trip as structured
	// data. Readers fall back to the raw string.
	ErrSerialization = errors.New("payload serialization failed")

	// ErrHealthProbeTimeout is recorded as a failed health check and never
	// surfaced to callers of the degradation manager.
	ErrHealthProbeTimeout = errors.New("health probe timed out")

	// ErrInvalidArgument is returned for malformed input such as mismatched
	// key/value counts. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorClass is the category of an error for retry decisions
type ErrorClass string

const (
	ErrorClassNetwork ErrorClass = "network"
	ErrorClassTimeout ErrorClass = "timeout"
	ErrorClassScript  ErrorClass = "script"
	ErrorClassInvalid ErrorClass = "invalid"
	ErrorClassUnknown ErrorClass = "unknown"
)

// ClassifyError determines the error class for retry logic.
// Cancellation by the caller is never classified as transient.
func ClassifyError(err error) ErrorClass {
	if err == nil || errors.Is(err, redis.Nil) {
		return ErrorClassUnknown
	}

	if errors.Is(err, context.Canceled) {
		return ErrorClassUnknown
	}

	if errors.Is(err, ErrInvalidArgument) {
		return ErrorClassInvalid
	}
	if errors.Is(err, ErrScriptExecution) {
		return ErrorClassScript
	}
	if errors.Is(err, ErrConnectionFailure) || errors.Is(err, redis.ErrClosed) {
		return ErrorClassNetwork
	}
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorClassNetwork
	}

	msg := strings.ToLower(err.Error())
	// server replies keep their prefix even when callers wrap them
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg = strings.ToLower(replyErr.Error())
	}
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "client is closed"),
		strings.HasPrefix(msg, "loading "),
		strings.HasPrefix(msg, "tryagain"),
		strings.HasPrefix(msg, "clusterdown"):
		return ErrorClassNetwork
	case strings.Contains(msg, "wrong number of arguments"),
		strings.HasPrefix(msg, "wrongtype"):
		return ErrorClassInvalid
	}

	return ErrorClassUnknown
}

// IsTransient reports whether err is worth retrying with backoff
func IsTransient(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassNetwork, ErrorClassTimeout:
		return true
	default:
		return false
	}
}

// IsConnectionError reports whether err means the store could not be reached
func IsConnectionError(err error) bool {
	return IsTransient(err)
}

// Package core holds the pieces shared by every store-facing package: the
// sentinel error taxonomy and its classifier, the JSON payload codec with
// raw-string passthrough, and the per-service circuit breaker registry.
//
// Errors are wrapped with fmt.Errorf and %w; callers test them with
// errors.Is against the sentinels or with ClassifyError and IsTransient.
package core

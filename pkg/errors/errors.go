package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind represents the category of an error
type ErrorKind string

const (
	// KindUpstreamUnavailable means the rule store or the client roster could not be read.
	// The current reconciliation pass is aborted and retried on the next tick.
	KindUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
	// KindBindError means a local port could not be bound.
	KindBindError ErrorKind = "BIND_ERROR"
	// KindTargetUnreachable means a live proxy could not reach its target.
	KindTargetUnreachable ErrorKind = "TARGET_UNREACHABLE"
	// KindShutdownTimeout means graceful teardown exceeded its bound.
	KindShutdownTimeout ErrorKind = "SHUTDOWN_TIMEOUT"
)

// ProxyError is a categorised error carrying the operation and port it happened on
type ProxyError struct {
	Kind      ErrorKind `json:"kind"`
	Operation string    `json:"operation"`
	Port      int       `json:"port,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	cause := "unknown cause"
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	if e.Port != 0 {
		return fmt.Sprintf("%s error in %s operation on port %d: %s", e.Kind, e.Operation, e.Port, cause)
	}
	return fmt.Sprintf("%s error in %s operation: %s", e.Kind, e.Operation, cause)
}

// Unwrap returns the underlying cause
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

func newProxyError(kind ErrorKind, operation string, port int, cause error, retryable bool) *ProxyError {
	return &ProxyError{
		Kind:      kind,
		Operation: operation,
		Port:      port,
		Cause:     cause,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// NewUpstreamUnavailable wraps a failed rule store or roster read
func NewUpstreamUnavailable(operation string, cause error) *ProxyError {
	return newProxyError(KindUpstreamUnavailable, operation, 0, cause, true)
}

// NewBindError wraps a failed listen on a local port
func NewBindError(port int, cause error) *ProxyError {
	return newProxyError(KindBindError, "bind", port, cause, true)
}

// NewTargetUnreachable wraps a failed dial from a live proxy to its target
func NewTargetUnreachable(port int, cause error) *ProxyError {
	return newProxyError(KindTargetUnreachable, "forward", port, cause, true)
}

// NewShutdownTimeout reports that teardown did not finish within the bound
func NewShutdownTimeout(timeout time.Duration) *ProxyError {
	return newProxyError(KindShutdownTimeout, "shutdown", 0,
		fmt.Errorf("graceful shutdown did not complete within %v", timeout), false)
}

// IsKind reports whether any error in err's chain is a ProxyError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Kind == kind
	}
	return false
}

// GetKind extracts the kind from a ProxyError, or "" for anything else
func GetKind(err error) ErrorKind {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Kind
	}
	return ""
}

// IsRetryable checks if an error is expected to clear up on a later pass
func IsRetryable(err error) bool {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Retryable
	}
	return false
}

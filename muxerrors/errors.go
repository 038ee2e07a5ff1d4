package muxerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors for use with errors.Is().
// These allow quick checks without type assertions.
var (
	// ErrTransient indicates a connection-level network failure that may
	// succeed on retry.
	ErrTransient = errors.New("transient network error")

	// ErrMalformedSpec indicates an upstream returned a body that is not
	// valid structured data where a swagger document was expected.
	ErrMalformedSpec = errors.New("malformed upstream spec")

	// ErrUnresolvedOperation indicates a dispatch was requested for an
	// operationId absent from the binding table.
	ErrUnresolvedOperation = errors.New("unresolved operation")

	// ErrConfig indicates an invalid aggregation configuration.
	ErrConfig = errors.New("configuration error")
)

// TransportError represents a connection-level failure while fetching an
// upstream document or proxying a request. TransportError is the only error
// kind retried by the retry package.
type TransportError struct {
	// URL is the target of the failed call
	URL string
	// Op describes the call being made, e.g. "fetch" or "proxy"
	Op string
	// Cause is the underlying network error
	Cause error
}

// Error returns a human-readable error message.
func (e *TransportError) Error() string {
	msg := "transient network error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error type.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransient
}

// IsNetworkError reports whether err is a connection-level failure worth
// retrying. Context cancellation is never considered retryable even though
// it surfaces through the same *url.Error wrapper as transport failures.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// WrapNetwork classifies err: connection-level failures come back as a
// retryable *TransportError, anything else is returned unchanged.
func WrapNetwork(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if IsNetworkError(err) {
		return &TransportError{URL: target, Op: op, Cause: err}
	}
	return err
}

// SpecError represents a failure to obtain a usable swagger document from an
// upstream. It is recorded on the upstream and never aborts the overall
// aggregation pass.
type SpecError struct {
	// Upstream is the configured name of the upstream
	Upstream string
	// URL is the document URL that was fetched
	URL string
	// Message describes the failure
	Message string
	// Cause is the underlying error, if any
	Cause error
}

// Error returns a human-readable error message.
func (e *SpecError) Error() string {
	msg := "malformed upstream spec"
	if e.Upstream != "" {
		msg += " from " + e.Upstream
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *SpecError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error type.
func (e *SpecError) Is(target error) bool {
	return target == ErrMalformedSpec
}

// OperationError represents a dispatch against an operationId that is not
// present in the binding table. This indicates a stale or corrupted table
// and should never occur for a well-formed aggregated document.
type OperationError struct {
	// OperationID is the unknown identifier
	OperationID string
}

// Error returns a human-readable error message.
func (e *OperationError) Error() string {
	return fmt.Sprintf("unresolved operation: no binding for operationId %q", e.OperationID)
}

// Unwrap returns nil as OperationError has no underlying cause.
func (e *OperationError) Unwrap() error {
	return nil
}

// Is reports whether target matches this error type.
func (e *OperationError) Is(target error) bool {
	return target == ErrUnresolvedOperation
}

// ConfigError represents an invalid configuration or input.
type ConfigError struct {
	// Option is the name of the problematic configuration key
	Option string
	// Value is the invalid value that was provided (may be nil)
	Value any
	// Message describes the configuration error
	Message string
	// Cause is the underlying error, if any
	Cause error
}

// Error returns a human-readable error message.
func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.Option != "" {
		msg += " for " + e.Option
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error type.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

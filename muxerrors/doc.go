// Package muxerrors provides structured error types for the oasmux library.
//
// Import path: github.com/oasmux/oasmux/muxerrors
//
// This package enables programmatic error handling via [errors.Is] and
// [errors.As], allowing callers to distinguish between different categories
// of errors and implement appropriate recovery strategies.
//
// # Error Types
//
//   - [TransportError]: connection-level network failures (retryable)
//   - [SpecError]: upstream swagger documents that could not be fetched or
//     parsed (never retried, never aborts a pass)
//   - [OperationError]: dispatch against an unknown operationId
//   - [ConfigError]: invalid configuration or input options
//
// # Sentinel Errors
//
// Each error type has a corresponding sentinel for use with errors.Is():
//
//   - [ErrTransient]: matches any [TransportError]
//   - [ErrMalformedSpec]: matches any [SpecError]
//   - [ErrUnresolvedOperation]: matches any [OperationError]
//   - [ErrConfig]: matches any [ConfigError]
//
// # Usage Examples
//
// Decide whether a proxy failure is retryable:
//
//	payload, status, err := d.Dispatch(ctx, req)
//	if errors.Is(err, muxerrors.ErrTransient) {
//	    // upstream unreachable even after bounded backoff
//	}
//
// Extract failure details with errors.As():
//
//	var specErr *muxerrors.SpecError
//	if errors.As(err, &specErr) {
//	    fmt.Printf("skipping upstream %s: %s\n", specErr.Upstream, specErr.Message)
//	}
package muxerrors

// Package dispatch resolves synthetic operationIds to concrete upstream
// calls. A dispatcher forwards the inbound request to the owning upstream
// with bounded-backoff retries on connection failure, then redacts
// configured fields from structured response payloads before returning
// them. Dispatches are stateless aside from reading the immutable binding
// table, so any number may run concurrently.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oasmux/oasmux/internal/httputil"
	"github.com/oasmux/oasmux/merger"
	"github.com/oasmux/oasmux/muxerrors"
	"github.com/oasmux/oasmux/retry"
)

// Request carries everything the inbound server layer extracted from one
// call on the aggregated surface.
type Request struct {
	// OperationID is the synthetic dispatch token from the aggregated
	// document
	OperationID string
	// PathParams maps path parameter names to the values extracted from the
	// inbound URL
	PathParams map[string]string
	// QueryString is the raw inbound query string, forwarded verbatim
	QueryString string
	// Headers are the inbound request headers; empty values are dropped
	Headers map[string]string
	// Body is the request body: buffered for ordinary requests, streamed
	// for multipart requests. A streamed body cannot be replayed, so a
	// retry after the upstream consumed part of it will fail upstream.
	Body io.Reader
	// Multipart indicates the inbound Content-Type is multipart/form-data
	Multipart bool
}

// Dispatcher forwards calls on the aggregated surface to their upstreams.
type Dispatcher struct {
	table      *merger.BindingTable
	client     *http.Client
	caller     *retry.Caller
	exclusions map[string][]string
	resolver   SchemaNameResolver
	redactor   *Redactor
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithRetryCaller replaces the backoff caller used for upstream calls.
func WithRetryCaller(caller *retry.Caller) Option {
	return func(d *Dispatcher) {
		d.caller = caller
	}
}

// WithFieldExclusions sets the schema-name to excluded-field-names mapping
// applied to structured response payloads. Without a schema name resolver
// the mapping has no effect.
func WithFieldExclusions(exclusions map[string][]string) Option {
	return func(d *Dispatcher) {
		d.exclusions = exclusions
	}
}

// WithSchemaResolver sets the resolver used to name the schema each response
// object conforms to, keying it into the field exclusion mapping.
func WithSchemaResolver(resolver SchemaNameResolver) Option {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

// New creates a Dispatcher over a binding table produced by merger.Merge.
func New(table *merger.BindingTable, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:  table,
		client: http.DefaultClient,
		caller: retry.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.redactor = NewRedactor(d.exclusions, d.resolver)
	return d
}

// upstreamResult is one completed upstream exchange.
type upstreamResult struct {
	body       []byte
	statusCode int
}

// Dispatch resolves req.OperationID, forwards the call to the owning
// upstream, and returns the response payload with the upstream's status
// code verbatim. Structured (JSON) response bodies are parsed and redacted;
// anything else is returned as raw text with redaction skipped. An unknown
// operationId is fatal for the request and yields a
// *muxerrors.OperationError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, int, error) {
	binding, ok := d.table.Lookup(req.OperationID)
	if !ok {
		return nil, 0, &muxerrors.OperationError{OperationID: req.OperationID}
	}

	target := binding.UpstreamBaseURL + substitutePathParams(binding.PathTemplate, req.PathParams)
	if req.QueryString != "" {
		target += "?" + req.QueryString
	}

	// Ordinary bodies are buffered so every retry attempt re-sends the full
	// body; multipart bodies stream through once.
	newBody := func() io.Reader { return req.Body }
	if !req.Multipart && req.Body != nil {
		buffered, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("dispatch: failed to read request body: %w", err)
		}
		newBody = func() io.Reader { return bytes.NewReader(buffered) }
	}

	result, err := retry.Call(d.caller, func() (upstreamResult, error) {
		return d.callUpstream(ctx, binding, target, req, newBody())
	})
	if err != nil {
		return nil, 0, err
	}

	var payload any
	if jsonErr := json.Unmarshal(result.body, &payload); jsonErr != nil {
		// Not structured data: pass the raw text through unfiltered with
		// its original status code.
		return string(result.body), result.statusCode, nil
	}
	if d.redactor != nil {
		payload = d.redactor.Redact(payload)
	}
	return payload, result.statusCode, nil
}

// callUpstream performs a single upstream exchange. Connection-level
// failures come back as retryable transport errors.
func (d *Dispatcher) callUpstream(ctx context.Context, binding *merger.OperationBinding, target string, req Request, body io.Reader) (upstreamResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(binding.Method), target, body)
	if err != nil {
		return upstreamResult{}, fmt.Errorf("dispatch: failed to build upstream request: %w", err)
	}
	copyHeaders(httpReq, req.Headers)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return upstreamResult{}, muxerrors.WrapNetwork("proxy", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstreamResult{}, muxerrors.WrapNetwork("proxy", target, err)
	}
	return upstreamResult{body: respBody, statusCode: resp.StatusCode}, nil
}

// copyHeaders copies the inbound headers onto the upstream request,
// dropping empty values. When the content type indicates multipart form
// data, Content-Length is renamed to X-Content-Length: the body is streamed
// rather than buffered, and a stale Content-Length causes length mismatches
// on reverse proxies in front of the upstream.
func copyHeaders(httpReq *http.Request, headers map[string]string) {
	multipart := httputil.IsMultipartContentType(headers["Content-Type"])
	for name, value := range headers {
		if value == "" {
			continue
		}
		if multipart && http.CanonicalHeaderKey(name) == "Content-Length" {
			httpReq.Header.Set("X-Content-Length", value)
			continue
		}
		httpReq.Header.Set(name, value)
	}
}

// substitutePathParams replaces each exact {name} token in the path
// template with its bound value. Unlike config placeholder substitution,
// this match is brace-delimited, never a bare substring.
func substitutePathParams(template string, params map[string]string) string {
	for name, value := range params {
		template = strings.ReplaceAll(template, "{"+name+"}", value)
	}
	return template
}

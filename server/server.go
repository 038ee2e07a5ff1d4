// Package server exposes the aggregated API surface over HTTP: it serves the
// aggregated document, matches inbound calls against the binding table's
// path templates, and hands them to the dispatcher. The server always works
// against the aggregator's current snapshot, so a concurrent re-aggregation
// never disturbs requests already in flight.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/oasmux/oasmux/aggregator"
	"github.com/oasmux/oasmux/dispatch"
	"github.com/oasmux/oasmux/internal/httputil"
	"github.com/oasmux/oasmux/muxerrors"
	"github.com/oasmux/oasmux/schemaname"
)

// serverLogger is used for request and lifecycle diagnostics.
// Tests can replace this with a discard logger to suppress expected warnings.
var serverLogger = slog.Default()

// Server routes inbound calls on the aggregated surface to the dispatcher.
// It derives its routing table and dispatcher from the aggregator's current
// snapshot and rebuilds them only when a new snapshot is published.
type Server struct {
	agg          *aggregator.Aggregator
	dispatchOpts []dispatch.Option

	mu     sync.Mutex
	cached *snapshotRuntime
}

// snapshotRuntime is everything derived from one snapshot: the routing
// table, the dispatcher bound to the snapshot's bindings, and the document
// serializations.
type snapshotRuntime struct {
	snap       *aggregator.Snapshot
	router     *router
	dispatcher *dispatch.Dispatcher
	specJSON   []byte
	specYAML   []byte
}

// Option configures a Server.
type Option func(*Server)

// WithDispatchOptions forwards extra options to the dispatchers the server
// builds, after the snapshot-derived redaction options. Intended for
// injecting HTTP clients and retry callers.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Server) {
		s.dispatchOpts = opts
	}
}

// New creates a Server over an aggregator. The aggregator does not need a
// published snapshot yet; until one exists every route answers 503.
func New(agg *aggregator.Aggregator, opts ...Option) *Server {
	s := &Server{agg: agg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runtime returns the routing state for the current snapshot, rebuilding it
// when a new snapshot has been published since the last call.
func (s *Server) runtime() (*snapshotRuntime, error) {
	snap := s.agg.Snapshot()
	if snap == nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cached.snap == snap {
		return s.cached, nil
	}

	rt, err := newRouter(snap.Bindings)
	if err != nil {
		return nil, fmt.Errorf("server: failed to build routes: %w", err)
	}
	specJSON, err := json.Marshal(snap.Spec)
	if err != nil {
		return nil, fmt.Errorf("server: failed to serialize aggregated document: %w", err)
	}
	specYAML, err := yaml.Marshal(snap.Spec)
	if err != nil {
		return nil, fmt.Errorf("server: failed to serialize aggregated document: %w", err)
	}

	opts := []dispatch.Option{
		dispatch.WithFieldExclusions(s.agg.Config().ExcludeFields),
		// The resolver matches upstream responses, which still carry the
		// excluded fields, so it must see the pre-exclusion definitions.
		dispatch.WithSchemaResolver(schemaname.NewStructuralResolver(snap.Spec.UnfilteredDefinitions())),
	}
	opts = append(opts, s.dispatchOpts...)

	s.cached = &snapshotRuntime{
		snap:       snap,
		router:     rt,
		dispatcher: dispatch.New(snap.Bindings, opts...),
		specJSON:   specJSON,
		specYAML:   specYAML,
	}
	return s.cached, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		s.serveHealth(w)
		return
	}

	rt, err := s.runtime()
	if err != nil {
		serverLogger.Error("server: failed to prepare snapshot runtime", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rt == nil {
		http.Error(w, "no aggregated document yet", http.StatusServiceUnavailable)
		return
	}

	basePath := rt.snap.Spec.BasePath
	rest, found := strings.CutPrefix(r.URL.Path, basePath)
	if !found {
		http.NotFound(w, r)
		return
	}

	switch rest {
	case "/swagger.json":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(rt.specJSON)
		return
	case "/" + aggregator.SpecFileName:
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(rt.specYAML)
		return
	}

	operationID, params, pathKnown, ok := rt.router.route(rest, r.Method)
	if !ok {
		if pathKnown {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		http.NotFound(w, r)
		return
	}

	s.proxy(w, r, rt, operationID, params)
}

// serveHealth answers the liveness probe: healthy once a snapshot exists.
func (s *Server) serveHealth(w http.ResponseWriter) {
	if s.agg.Snapshot() == nil {
		http.Error(w, "no aggregated document yet", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// proxy builds the dispatch request from the inbound one and writes the
// upstream's payload back with its status code verbatim.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, rt *snapshotRuntime, operationID string, params map[string]string) {
	req := dispatch.Request{
		OperationID: operationID,
		PathParams:  params,
		QueryString: r.URL.RawQuery,
		Headers:     flattenHeaders(r),
		Body:        r.Body,
		Multipart:   httputil.IsMultipartContentType(r.Header.Get("Content-Type")),
	}

	payload, status, err := rt.dispatcher.Dispatch(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, muxerrors.ErrTransient):
		serverLogger.Warn("server: upstream unavailable", "operationId", operationID, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	case errors.Is(err, muxerrors.ErrUnresolvedOperation):
		http.NotFound(w, r)
		return
	default:
		serverLogger.Error("server: dispatch failed", "operationId", operationID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writePayload(w, payload, status)
}

// writePayload serializes the dispatch payload: structured payloads as JSON,
// raw text passthrough as-is.
func writePayload(w http.ResponseWriter, payload any, status int) {
	if text, isText := payload.(string); isText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(text))
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		serverLogger.Error("server: failed to encode response payload", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// flattenHeaders reduces the inbound header map to single values. The
// Content-Length header is re-synthesized from the parsed request since the
// HTTP server strips it from the header map.
func flattenHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	if r.ContentLength > 0 {
		headers["Content-Length"] = strconv.FormatInt(r.ContentLength, 10)
	}
	return headers
}

// ListenAndServe runs the server on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		serverLogger.Info("server: listening", "addr", addr)
		listenErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serverLogger.Error("server: shutdown failed", "error", err)
	}
	if err := <-listenErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package registry fetches and caches each configured upstream's swagger
// document and tracks per-upstream fetch error state. Fetch failures are
// local to one upstream and never abort an aggregation pass: the merge
// proceeds with whatever documents were obtainable.
package registry

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.yaml.in/yaml/v4"

	"github.com/oasmux/oasmux"
	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/muxerrors"
	"github.com/oasmux/oasmux/retry"
)

// registryLogger is used for fetch diagnostics.
// Tests can replace this with a discard logger to suppress expected warnings.
var registryLogger = slog.Default()

// HTTPFetcher is a function type for fetching content from HTTP/HTTPS URLs.
// Returns the response body, content-type header, and any error.
type HTTPFetcher func(url string) ([]byte, string, error)

// maxSpecSize is the maximum size (in bytes) accepted for an upstream
// swagger document. This prevents resource exhaustion from a misbehaving
// upstream. 10MB is sufficient for very large documents.
const maxSpecSize = 10 * 1024 * 1024

// UpstreamAPI is one constituent API being aggregated. Spec is populated
// lazily by FetchOne and is nil until the first successful fetch. LastError
// records the most recent fetch failure and is cleared the moment a
// subsequent fetch succeeds. Fetches for a single upstream are not
// re-entrant; the registry performs them sequentially.
type UpstreamAPI struct {
	// Name is the configured upstream name
	Name string
	// BaseURL is the base URL after placeholder substitution
	BaseURL string
	// Spec is the fetched swagger document, nil until fetched
	Spec map[string]any
	// LastError is the most recent fetch failure: a *muxerrors.TransportError
	// for connection failures or a *muxerrors.SpecError for malformed bodies
	LastError error
}

// Registry owns the upstream fetch state for aggregation passes. It is not
// safe for concurrent use; it is owned by the aggregation pass, which runs
// as a single logical operation.
type Registry struct {
	apis   []*UpstreamAPI
	byName map[string]*UpstreamAPI
	fetch  HTTPFetcher
	caller *retry.Caller
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPFetcher replaces the HTTP fetch function. Intended for tests and
// for callers that need custom transport behavior.
func WithHTTPFetcher(fetch HTTPFetcher) Option {
	return func(r *Registry) {
		r.fetch = fetch
	}
}

// WithRetryCaller replaces the backoff caller used for fetches.
func WithRetryCaller(caller *retry.Caller) Option {
	return func(r *Registry) {
		r.caller = caller
	}
}

// New creates a Registry for the upstreams configured in cfg. Base URL
// templates are placeholder-substituted here, once, at construction.
func New(cfg *config.Config, opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*UpstreamAPI, len(cfg.APIs)),
		fetch:  defaultFetcher,
		caller: retry.New(),
	}
	for _, api := range cfg.APIs {
		u := &UpstreamAPI{
			Name:    api.Name,
			BaseURL: cfg.Substitute(api.URLTemplate),
		}
		r.apis = append(r.apis, u)
		r.byName[api.Name] = u
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// defaultFetcher fetches a URL with the default HTTP client.
func defaultFetcher(url string) ([]byte, string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", oasmux.UserAgent())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecSize))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// APIs returns the upstreams in config order.
func (r *Registry) APIs() []*UpstreamAPI {
	return r.apis
}

// Get returns the upstream with the given name, or nil.
func (r *Registry) Get(name string) *UpstreamAPI {
	return r.byName[name]
}

// FetchAll fetches the swagger document of every upstream that does not
// already have a cached one. It is idempotent: upstreams with a cached Spec
// are not re-fetched. Failures are recorded on the upstream and skipped.
// The returned slice is the full upstream list in config order, including
// errored entries.
func (r *Registry) FetchAll() []*UpstreamAPI {
	for _, api := range r.apis {
		if api.Spec != nil {
			continue
		}
		if err := r.FetchOne(api); err != nil {
			registryLogger.Warn("registry: cannot get swagger document",
				"upstream", api.Name, "url", api.BaseURL, "error", err)
		}
	}
	return r.apis
}

// FetchOne performs GET {BaseURL}/swagger.json for one upstream and parses
// the body as structured data (the parser accepts both JSON and YAML).
// Connection-level failures are retried with bounded backoff; a malformed
// body is not. Either failure kind is recorded as the upstream's LastError
// and no partial document is stored. A success clears LastError.
func (r *Registry) FetchOne(api *UpstreamAPI) error {
	url := fmt.Sprintf("%s/swagger.json", api.BaseURL)

	body, err := retry.Call(r.caller, func() ([]byte, error) {
		data, _, err := r.fetch(url)
		if err != nil {
			return nil, muxerrors.WrapNetwork("fetch", url, err)
		}
		return data, nil
	})
	if err != nil {
		api.LastError = err
		return err
	}

	var spec map[string]any
	if err := yaml.Unmarshal(body, &spec); err != nil || spec == nil {
		specErr := &muxerrors.SpecError{
			Upstream: api.Name,
			URL:      url,
			Message:  "body is not structured data",
			Cause:    err,
		}
		api.LastError = specErr
		return specErr
	}

	api.Spec = spec
	api.LastError = nil
	return nil
}

// Invalidate drops every cached document so the next FetchAll re-fetches all
// upstreams. Error state is kept until the corresponding fetch succeeds.
func (r *Registry) Invalidate() {
	for _, api := range r.apis {
		api.Spec = nil
	}
}

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasmux/oasmux/aggregator"
	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/dispatch"
	"github.com/oasmux/oasmux/retry"
)

func init() {
	serverLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

const upstreamDoc = `{
	"paths": {
		"/users/{id}": {"get": {"responses": {"200": {"description": "ok"}}}},
		"/users": {"post": {"responses": {"201": {"description": "created"}}}},
		"/notes": {"get": {"responses": {"200": {"description": "ok"}}}}
	},
	"definitions": {
		"User": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "integer"},
				"name": {"type": "string"},
				"token": {"type": "string"}
			}
		}
	}
}`

// newUpstream serves both the swagger document and the proxied operations.
func newUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/swagger.json" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(upstreamDoc))
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/users/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"id": %s, "name": "alice", "token": "secret"}`,
				strings.TrimPrefix(r.URL.Path, "/users/"))
		case r.Method == http.MethodPost && r.URL.Path == "/users":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		case r.Method == http.MethodGet && r.URL.Path == "/notes":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("just some notes"))
		default:
			http.NotFound(w, r)
		}
	}))
}

// newStack aggregates the upstream and returns a ready Server.
func newStack(t *testing.T, upstreamURL string, opts ...Option) *Server {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
basePath: /api
info:
  title: Aggregated
  version: "1.0"
apis:
  users: %s
exclude_fields:
  usersUser:
    - token
`, upstreamURL)))
	require.NoError(t, err)

	agg := aggregator.New(cfg)
	_, err = agg.Run(context.Background())
	require.NoError(t, err)
	return New(agg, opts...)
}

func get(t *testing.T, s *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServeSwaggerDocument(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	rec := get(t, s, http.MethodGet, "/api/swagger.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"swagger":"2.0"`)
	assert.Contains(t, rec.Body.String(), "getUsersId")
	assert.NotContains(t, rec.Body.String(), `"token"`, "excluded fields are stripped from the served document")

	rec = get(t, s, http.MethodGet, "/api/swagger.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "swagger:")
}

func TestHealthz(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf("apis:\n  users: %s\n", upstream.URL)))
	require.NoError(t, err)
	agg := aggregator.New(cfg)
	s := New(agg)

	rec := get(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = agg.Run(context.Background())
	require.NoError(t, err)
	rec = get(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyGetSubstitutesAndRedacts(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	rec := get(t, s, http.MethodGet, "/api/users/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), hits.Load())

	body := rec.Body.String()
	assert.Contains(t, body, `"name":"alice"`)
	assert.Contains(t, body, `"id":42`)
	assert.NotContains(t, body, "secret", "excluded fields must not reach the client")
}

func TestProxyPostForwardsBody(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	rec := get(t, s, http.MethodPost, "/api/users", strings.NewReader(`{"name": "bob"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"bob"`)
}

func TestProxyNonJSONResponsePassthrough(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	rec := get(t, s, http.MethodGet, "/api/notes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "just some notes", rec.Body.String())
}

func TestUnknownRoutes(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown path", http.MethodGet, "/api/unknown", http.StatusNotFound},
		{"missing base path", http.MethodGet, "/users/42", http.StatusNotFound},
		{"known path unknown method", http.MethodDelete, "/api/users/42", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUpstreamDownYieldsBadGateway(t *testing.T) {
	upstream := newUpstream(t, nil)
	noRetry := retry.New(retry.WithBackoff(retry.DefaultMultiplier, retry.DefaultInterval, retry.DefaultJitter, 0))
	s := newStack(t, upstream.URL, WithDispatchOptions(dispatch.WithRetryCaller(noRetry)))
	upstream.Close()

	rec := get(t, s, http.MethodGet, "/api/users/42", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRuntimeRebuiltOnNewSnapshot(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	first, err := s.runtime()
	require.NoError(t, err)
	again, err := s.runtime()
	require.NoError(t, err)
	assert.Same(t, first, again, "runtime must be reused while the snapshot is unchanged")

	_, err = s.agg.Run(context.Background())
	require.NoError(t, err)
	rebuilt, err := s.runtime()
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt, "a new snapshot must rebuild the runtime")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	upstream := newUpstream(t, nil)
	defer upstream.Close()
	s := newStack(t, upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after cancellation")
	}
}

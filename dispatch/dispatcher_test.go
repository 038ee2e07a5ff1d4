package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasmux/oasmux/merger"
	"github.com/oasmux/oasmux/muxerrors"
	"github.com/oasmux/oasmux/registry"
	"github.com/oasmux/oasmux/retry"
)

// buildTable produces a binding table with two operations against baseURL:
// getUsersId (GET /users/{id}) and postUsers (POST /users).
func buildTable(t *testing.T, baseURL string) *merger.BindingTable {
	t.Helper()
	u := &registry.UpstreamAPI{
		Name:    "users",
		BaseURL: baseURL,
		Spec: map[string]any{
			"paths": map[string]any{
				"/users/{id}": map[string]any{
					"get": map[string]any{"responses": map[string]any{}},
				},
				"/users": map[string]any{
					"post": map[string]any{"responses": map[string]any{}},
				},
			},
		},
	}
	_, table, err := merger.Merge(merger.Skeleton{}, []*registry.UpstreamAPI{u}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	return table
}

// noSleepCaller retries without actually sleeping.
func noSleepCaller() *retry.Caller {
	return retry.New(
		retry.WithSleep(func(time.Duration) {}),
		retry.WithRand(func() float64 { return 0.5 }),
	)
}

// singleAttemptCaller never retries: a zero cap means the first backoff
// would already exceed it.
func singleAttemptCaller() *retry.Caller {
	return retry.New(retry.WithBackoff(retry.DefaultMultiplier, retry.DefaultInterval, retry.DefaultJitter, 0))
}

func TestDispatchSubstitutesPathParams(t *testing.T) {
	var calls atomic.Int32
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "name": "alice"}`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	payload, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "42"},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "/users/42", gotPath)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, http.StatusOK, status)
	require.IsType(t, map[string]any{}, payload)
	assert.Equal(t, "alice", payload.(map[string]any)["name"])
}

func TestDispatchForwardsQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	_, _, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
		QueryString: "limit=5&offset=10",
	})
	require.NoError(t, err)
	assert.Equal(t, "limit=5&offset=10", gotQuery)
}

func TestDispatchUnknownOperation(t *testing.T) {
	d := New(merger.NewBindingTable())
	payload, status, err := d.Dispatch(context.Background(), Request{OperationID: "getNothing"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, muxerrors.ErrUnresolvedOperation))
	var opErr *muxerrors.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "getNothing", opErr.OperationID)
	assert.Nil(t, payload)
	assert.Equal(t, 0, status)
}

func TestDispatchCopiesHeaders(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	_, _, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
		Headers: map[string]string{
			"X-Request-Id":  "abc-123",
			"Authorization": "Bearer tok",
			"X-Empty":       "",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "abc-123", gotHeader.Get("X-Request-Id"))
	assert.Equal(t, "Bearer tok", gotHeader.Get("Authorization"))
	_, present := gotHeader["X-Empty"]
	assert.False(t, present, "empty header values must be dropped")
}

func TestDispatchMultipartRenamesContentLength(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	_, _, err := d.Dispatch(context.Background(), Request{
		OperationID: "postUsers",
		Headers: map[string]string{
			"Content-Type":   "multipart/form-data; boundary=xyz",
			"Content-Length": "123",
		},
		Body:      strings.NewReader("--xyz--"),
		Multipart: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "123", gotHeader.Get("X-Content-Length"))
	assert.Equal(t, "multipart/form-data; boundary=xyz", gotHeader.Get("Content-Type"))
}

func TestDispatchNonJSONBodyPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("plain text, not json"))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	payload, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "plain text, not json", payload)
}

func TestDispatchErrorStatusPassthrough(t *testing.T) {
	// An HTTP-level error from the upstream is a valid response, not a
	// dispatch failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "no such user"}`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL))
	payload, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "9000"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no such user", payload.(map[string]any)["message"])
}

func TestDispatchConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	d := New(buildTable(t, srv.URL), WithRetryCaller(singleAttemptCaller()))
	_, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, muxerrors.ErrTransient))
	assert.Equal(t, 0, status)
}

// failOnceTransport fails the first exchange at the transport level after
// consuming the request body, then delegates to the real transport.
type failOnceTransport struct {
	attempts atomic.Int32
	next     http.RoundTripper
}

func (ft *failOnceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if ft.attempts.Add(1) == 1 {
		if req.Body != nil {
			_, _ = io.Copy(io.Discard, req.Body)
			_ = req.Body.Close()
		}
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return ft.next.RoundTrip(req)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	var serverHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	transport := &failOnceTransport{next: http.DefaultTransport}
	d := New(buildTable(t, srv.URL),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryCaller(noSleepCaller()))

	payload, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), transport.attempts.Load())
	assert.Equal(t, int32(1), serverHits.Load())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload.(map[string]any)["ok"])
}

func TestDispatchBufferedBodyReplayedAcrossRetries(t *testing.T) {
	// The first attempt consumes the request body at the transport level;
	// the second attempt must still deliver the full body upstream.
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	transport := &failOnceTransport{next: http.DefaultTransport}
	d := New(buildTable(t, srv.URL),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryCaller(noSleepCaller()))

	_, _, err := d.Dispatch(context.Background(), Request{
		OperationID: "postUsers",
		Body:        strings.NewReader(`{"name": "alice"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"name": "alice"}`, gotBody)
}

func TestDispatchRedactsStructuredResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"kind": "User", "id": 1, "token": "secret"}]`))
	}))
	defer srv.Close()

	d := New(buildTable(t, srv.URL),
		WithFieldExclusions(map[string][]string{"User": {"token"}}),
		WithSchemaResolver(kindResolver{}))

	payload, status, err := d.Dispatch(context.Background(), Request{
		OperationID: "getUsersId",
		PathParams:  map[string]string{"id": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	list := payload.([]any)
	require.Len(t, list, 1)
	user := list[0].(map[string]any)
	assert.NotContains(t, user, "token")
	assert.Contains(t, user, "id")
}

func TestSubstitutePathParams(t *testing.T) {
	tests := []struct {
		name     string
		template string
		params   map[string]string
		want     string
	}{
		{
			name:     "single parameter",
			template: "/users/{id}",
			params:   map[string]string{"id": "42"},
			want:     "/users/42",
		},
		{
			name:     "multiple parameters",
			template: "/users/{userId}/orders/{orderId}",
			params:   map[string]string{"userId": "7", "orderId": "99"},
			want:     "/users/7/orders/99",
		},
		{
			name:     "token match is brace-delimited",
			template: "/ids/{id}/{idSuffix}",
			params:   map[string]string{"id": "1", "idSuffix": "2"},
			want:     "/ids/1/2",
		},
		{
			name:     "missing parameter left in place",
			template: "/users/{id}",
			params:   nil,
			want:     "/users/{id}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substitutePathParams(tt.template, tt.params))
		})
	}
}

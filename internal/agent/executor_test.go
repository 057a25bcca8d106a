package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

type recorder struct {
	mu      sync.Mutex
	replies []proto.Reply
	failAt  int
}

func (r *recorder) emit(rep proto.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.replies)+1 == r.failAt {
		r.failAt = 0
		return errors.New("control connection closed")
	}
	r.replies = append(r.replies, rep)
	return nil
}

func newTestExecutor(t *testing.T, h http.Handler) *Executor {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	x := NewExecutor(base, time.Second, util.NopLogger())
	t.Cleanup(x.client.CloseIdleConnections)
	return x
}

func TestExecuteBufferedJSON(t *testing.T) {
	x := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"a":1}`)
	}))

	var rec recorder
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/"}, rec.emit)

	require.Len(t, rec.replies, 1)
	resp, ok := rec.replies[0].(*proto.Response)
	require.True(t, ok)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, proto.BodyJSON, resp.Encoding)
	var v map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &v))
	assert.Equal(t, map[string]any{"a": float64(1)}, v)
}

func TestExecuteForwardsErrorStatus(t *testing.T) {
	x := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))

	var rec recorder
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/"}, rec.emit)

	require.Len(t, rec.replies, 1)
	resp := rec.replies[0].(*proto.Response)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Empty(t, resp.Error)
	body, err := resp.DecodeBody()
	require.NoError(t, err)
	assert.Equal(t, "teapot\n", string(body))
}

func TestExecuteRequestShape(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	x := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
	}))

	var rec recorder
	x.Execute(context.Background(), &proto.Request{
		RequestID: "r1",
		Method:    "POST",
		Path:      "/v1/items",
		Query:     proto.ParseQuery("b=2&a=1&b=3"),
		Header: map[string][]string{
			"Host":       {"relay.example"},
			"X-Trace":    {"t1"},
			"Connection": {"close"},
		},
		Body: []byte("hello"),
	}, rec.emit)

	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/v1/items", got.URL.Path)
	assert.Equal(t, "b=2&a=1&b=3", got.URL.RawQuery)
	assert.Equal(t, "t1", got.Header.Get("X-Trace"))
	assert.Equal(t, x.base.Host, got.Host)
	assert.Equal(t, "hello", string(gotBody))
}

func TestExecuteKeepsEscapedPath(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
	}))
	t.Cleanup(ts.Close)
	base, err := url.Parse(ts.URL + "/api%2Fv1")
	require.NoError(t, err)
	x := NewExecutor(base, time.Second, util.NopLogger())
	t.Cleanup(x.client.CloseIdleConnections)

	var rec recorder
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/files/a%2Fb"}, rec.emit)
	require.Len(t, rec.replies, 1)
	assert.Equal(t, 200, rec.replies[0].(*proto.Response).StatusCode)
	assert.Equal(t, "/api%2Fv1/files/a%2Fb", gotPath)

	rec = recorder{}
	x.Execute(context.Background(), &proto.Request{RequestID: "r2", Method: "GET", Path: "/bad%zz"}, rec.emit)
	require.Len(t, rec.replies, 1)
	resp := rec.replies[0].(*proto.Response)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Error, "bad path")
}

func TestExecuteEventStream(t *testing.T) {
	x := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, s := range []string{"a", "b", "c"} {
			_, _ = io.WriteString(w, s)
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))

	var rec recorder
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/"}, rec.emit)

	require.GreaterOrEqual(t, len(rec.replies), 3)
	start, ok := rec.replies[0].(*proto.StreamStart)
	require.True(t, ok)
	assert.Equal(t, 200, start.StatusCode)
	assert.Equal(t, "text/event-stream", start.Header["Content-Type"][0])

	var body []byte
	for _, r := range rec.replies[1 : len(rec.replies)-1] {
		c, ok := r.(*proto.StreamChunk)
		require.True(t, ok, "%T", r)
		assert.Empty(t, c.Encoding)
		data, err := c.Data()
		require.NoError(t, err)
		body = append(body, data...)
	}
	assert.Equal(t, "abc", string(body))
	_, ok = rec.replies[len(rec.replies)-1].(*proto.StreamEnd)
	assert.True(t, ok)
}

func TestExecuteStreamBrokenByEmit(t *testing.T) {
	x := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, "{}\n")
			w.(http.Flusher).Flush()
		}
	}))

	rec := recorder{failAt: 2}
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/"}, rec.emit)

	require.Len(t, rec.replies, 2)
	assert.IsType(t, &proto.StreamStart{}, rec.replies[0])
	serr, ok := rec.replies[1].(*proto.StreamError)
	require.True(t, ok)
	assert.Contains(t, serr.Error, "control connection closed")
}

func TestExecuteConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base, _ := url.Parse(ts.URL)
	ts.Close()
	x := NewExecutor(base, time.Second, util.NopLogger())

	var rec recorder
	x.Execute(context.Background(), &proto.Request{RequestID: "r1", Method: "GET", Path: "/"}, rec.emit)

	require.Len(t, rec.replies, 1)
	resp := rec.replies[0].(*proto.Response)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Error)
}

func TestIsStreaming(t *testing.T) {
	tests := []struct {
		ct      string
		chunked bool
		want    bool
	}{
		{"text/event-stream", false, true},
		{"text/event-stream; charset=utf-8", false, true},
		{"application/x-ndjson", false, true},
		{"application/ndjson", false, true},
		{"application/jsonl", false, true},
		{"Text/Event-Stream", false, true},
		{"text/plain", true, true},
		{"text/plain; charset=utf-8", true, true},
		{"text/plain", false, false},
		{"application/json", true, false},
		{"text/html", false, false},
		{"", true, false},
		{";charset=utf-8", false, false},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.ct != "" {
			resp.Header.Set("Content-Type", tt.ct)
		}
		if tt.chunked {
			resp.TransferEncoding = []string{"chunked"}
		}
		assert.Equal(t, tt.want, IsStreaming(resp), "%q chunked=%v", tt.ct, tt.chunked)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/api/v1", singleJoiningSlash("/api/", "/v1"))
	assert.Equal(t, "/api/v1", singleJoiningSlash("/api", "v1"))
	assert.Equal(t, "/api/v1", singleJoiningSlash("/api", "/v1"))
	assert.Equal(t, "/v1", singleJoiningSlash("", "/v1"))
}

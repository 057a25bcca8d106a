package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

// Emit sends one reply back to the relay.
type Emit func(proto.Reply) error

var streamingTypes = []string{
	"text/event-stream",    // server-sent events
	"application/x-ndjson", // newline-delimited JSON
	"application/ndjson",
	"application/jsonl",
}

const chunkSize = 32 << 10

// Executor replays forwarded requests against the local service.
type Executor struct {
	base   *url.URL
	client *http.Client
	log    *util.Logger
}

// NewExecutor targets base. headerTimeout bounds the wait for response
// headers only; an open stream may run as long as the local service keeps it.
func NewExecutor(base *url.URL, headerTimeout time.Duration, log *util.Logger) *Executor {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &Executor{base: base, client: &http.Client{Transport: tr}, log: log}
}

// Execute performs req and emits either one Response or a stream of
// StreamStart, StreamChunk... and StreamEnd/StreamError.
func (x *Executor) Execute(ctx context.Context, req *proto.Request, emit Emit) {
	start := time.Now()
	status, kind := x.execute(ctx, req, emit)
	x.log.Infof("%s %s -> %d %s (%s)", req.Method, req.Path, status, kind, time.Since(start))
}

func (x *Executor) execute(ctx context.Context, req *proto.Request, emit Emit) (int, string) {
	fail := func(err error) (int, string) {
		_ = emit(&proto.Response{RequestID: req.RequestID, StatusCode: http.StatusInternalServerError, Error: err.Error()})
		return http.StatusInternalServerError, "error"
	}

	httpReq, err := x.newRequest(ctx, req)
	if err != nil {
		return fail(err)
	}
	// every status, 4xx and 5xx included, is an answer to relay
	resp, err := x.client.Do(httpReq)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if !IsStreaming(resp) {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fail(err)
		}
		out := &proto.Response{RequestID: req.RequestID, StatusCode: resp.StatusCode, Header: resp.Header}
		out.SetBody(resp.Header.Get("Content-Type"), b)
		_ = emit(out)
		return resp.StatusCode, "buffered"
	}

	if err := emit(&proto.StreamStart{RequestID: req.RequestID, StatusCode: resp.StatusCode, Header: resp.Header}); err != nil {
		return resp.StatusCode, "stream aborted"
	}
	if err := x.pump(req.RequestID, resp.Body, emit); err != nil {
		_ = emit(&proto.StreamError{RequestID: req.RequestID, Error: err.Error()})
		return resp.StatusCode, "stream failed"
	}
	_ = emit(&proto.StreamEnd{RequestID: req.RequestID})
	return resp.StatusCode, "streamed"
}

// pump forwards body reads as chunks in arrival order until EOF.
func (x *Executor) pump(id string, body io.Reader, emit Emit) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if eerr := emit(proto.NewStreamChunk(id, buf[:n])); eerr != nil {
				return eerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (x *Executor) newRequest(ctx context.Context, req *proto.Request) (*http.Request, error) {
	// req.Path arrives escaped; keep it that way so %2F stays inside its segment
	escaped := singleJoiningSlash(x.base.EscapedPath(), req.Path)
	p, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("bad path %q: %w", req.Path, err)
	}
	u := *x.base
	u.Path, u.RawPath = p, escaped
	u.RawQuery = proto.EncodeQuery(req.Query)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vv := range req.Header {
		if hopByHop[strings.ToLower(k)] || strings.EqualFold(k, "host") {
			continue
		}
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Host = x.base.Host
	return httpReq, nil
}

// IsStreaming reports whether resp should be relayed chunk by chunk: event
// streams, newline-delimited JSON, and chunked plain text.
func IsStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	mt = strings.ToLower(mt)
	if slices.Contains(streamingTypes, mt) {
		return true
	}
	return mt == "text/plain" && slices.Contains(resp.TransferEncoding, "chunked")
}

var hopByHop = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
}

// lifted from net/http/httputil to join path segments
func singleJoiningSlash(a, b string) string {
	slashA := strings.HasSuffix(a, "/")
	slashB := strings.HasPrefix(b, "/")
	switch {
	case slashA && slashB:
		return a + b[1:]
	case !slashA && !slashB:
		return a + "/" + b
	}
	return a + b
}

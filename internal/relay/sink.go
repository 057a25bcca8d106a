package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// httpSink replays a reply into an http.ResponseWriter. Status and headers
// are held back until the first body write so a stream that fails before
// producing bytes can still answer with an error status. Once closed, failed
// or detached every call is a no-op.
type httpSink struct {
	w http.ResponseWriter

	mu        sync.Mutex
	status    int
	header    http.Header
	committed bool
	closed    bool
	aborted   bool
	done      chan struct{}
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, done: make(chan struct{})}
}

func (s *httpSink) WriteHeader(status int, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.committed {
		return
	}
	s.status, s.header = status, header
}

func (s *httpSink) commitLocked() {
	dst := s.w.Header()
	for k, vv := range sanitizeRespHeaders(s.header) {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	if s.status == 0 {
		s.status = http.StatusOK
	}
	s.w.WriteHeader(s.status)
	s.committed = true
}

func (s *httpSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.committed {
		s.commitLocked()
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *httpSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.committed {
		s.commitLocked()
	}
	s.finishLocked()
}

func (s *httpSink) Fail(status int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.committed {
		s.aborted = true
	} else {
		writeJSON(s.w, status, map[string]string{"error": msg})
		s.status, s.committed = status, true
	}
	s.finishLocked()
}

// detach stops all further writes; the handler calls it before returning
// when the caller went away first.
func (s *httpSink) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.finishLocked()
	}
}

func (s *httpSink) finishLocked() {
	s.closed = true
	close(s.done)
}

func (s *httpSink) Done() <-chan struct{} { return s.done }

// result reports the final status and whether the connection must be cut.
func (s *httpSink) result() (status int, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.aborted
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sanitizeRespHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		// the relay re-frames the body, so the agent's length no longer holds
		if hopByHop[lk] || lk == "content-length" {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

func filterReqHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if hopByHop[lk] || lk == "host" {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
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

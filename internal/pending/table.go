// Package pending tracks forwarded requests that are still waiting for a
// reply from an agent.
//
// Every entry moves through AwaitingReply -> (StreamOpen ->) Terminal exactly
// once. Whoever performs the move into Terminal owns the final write to the
// sink; every later call for the same id is a no-op that returns false. That
// is what lets a late agent reply and the deadline timer race safely.
package pending

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrDuplicate = errors.New("request id already pending")

type Mode int

const (
	Buffered Mode = iota
	Streaming
)

func (m Mode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "buffered"
}

type Status int

const (
	AwaitingReply Status = iota
	StreamOpen
	Terminal
)

func (s Status) String() string {
	switch s {
	case AwaitingReply:
		return "awaiting_reply"
	case StreamOpen:
		return "stream_open"
	default:
		return "terminal"
	}
}

// Sink is where a reply is replayed. Implementations must treat every call
// made after Close or Fail as a no-op.
type Sink interface {
	// WriteHeader records status and headers; they reach the wire with the
	// first Write or with Close.
	WriteHeader(status int, header http.Header)
	Write(p []byte) error
	Close()
	// Fail sends a JSON error with status if nothing reached the wire yet,
	// otherwise it cuts the connection.
	Fail(status int, msg string)
}

const (
	msgTimeout  = "Gateway timeout"
	msgInternal = "Internal server error"
	msgIdle     = "Stream idle timeout"
)

type entry struct {
	id   string
	sink Sink

	mu       sync.Mutex
	mode     Mode
	status   Status
	deadline time.Time
	lastSeen time.Time
}

// Handle identifies a freshly created entry.
type Handle struct {
	ID       string
	Deadline time.Time
}

// Snapshot is a read-only view of an entry.
type Snapshot struct {
	ID       string
	Mode     Mode
	Status   Status
	Deadline time.Time
}

type Table struct {
	m   sync.Map // id -> *entry
	now func() time.Time
}

type Option func(*Table)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Table) { t.now = now } }

func New(opts ...Option) *Table {
	t := &Table{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) Create(id string, sink Sink, timeout time.Duration) (*Handle, error) {
	now := t.now()
	e := &entry{id: id, sink: sink, mode: Buffered, status: AwaitingReply, deadline: now.Add(timeout), lastSeen: now}
	if _, loaded := t.m.LoadOrStore(id, e); loaded {
		return nil, fmt.Errorf("create %s: %w", id, ErrDuplicate)
	}
	return &Handle{ID: id, Deadline: e.deadline}, nil
}

// claim moves the entry for id from an accepted state to next, running
// mutate under the entry lock. Entries reaching Terminal leave the table.
func (t *Table) claim(id string, from func(Status) bool, next Status, mutate func(*entry)) (*entry, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	e.mu.Lock()
	if !from(e.status) {
		e.mu.Unlock()
		return nil, false
	}
	e.status = next
	if mutate != nil {
		mutate(e)
	}
	e.mu.Unlock()
	if next == Terminal {
		t.m.CompareAndDelete(id, e)
	}
	return e, true
}

func is(s Status) func(Status) bool { return func(c Status) bool { return c == s } }

func live(s Status) bool { return s != Terminal }

func (t *Table) CompleteBuffered(id string, status int, header http.Header, body []byte) bool {
	e, ok := t.claim(id, is(AwaitingReply), Terminal, nil)
	if !ok {
		return false
	}
	e.sink.WriteHeader(status, header)
	if len(body) > 0 {
		_ = e.sink.Write(body)
	}
	e.sink.Close()
	return true
}

// StartStream opens a stream and clears the deadline; an open stream is only
// bounded by its end, its error, an idle check or the caller leaving.
func (t *Table) StartStream(id string, status int, header http.Header) bool {
	now := t.now()
	e, ok := t.claim(id, is(AwaitingReply), StreamOpen, func(e *entry) {
		e.mode = Streaming
		e.deadline = time.Time{}
		e.lastSeen = now
	})
	if !ok {
		return false
	}
	e.sink.WriteHeader(status, header)
	return true
}

func (t *Table) WriteChunk(id string, data []byte) bool {
	v, ok := t.m.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	open := e.status == StreamOpen
	if open {
		e.lastSeen = t.now()
	}
	e.mu.Unlock()
	if !open {
		return false
	}
	return e.sink.Write(data) == nil
}

func (t *Table) EndStream(id string) bool {
	e, ok := t.claim(id, is(StreamOpen), Terminal, nil)
	if !ok {
		return false
	}
	e.sink.Close()
	return true
}

func (t *Table) FailStream(id, reason string) bool {
	e, ok := t.claim(id, is(StreamOpen), Terminal, nil)
	if !ok {
		return false
	}
	e.sink.Fail(http.StatusInternalServerError, "Streaming error: "+reason)
	return true
}

// Fail resolves a request that never produced output with a fixed 500.
func (t *Table) Fail(id, reason string) bool {
	e, ok := t.claim(id, is(AwaitingReply), Terminal, nil)
	if !ok {
		return false
	}
	e.sink.Fail(http.StatusInternalServerError, msgInternal)
	return true
}

func (t *Table) Expire(id string) bool {
	e, ok := t.claim(id, is(AwaitingReply), Terminal, nil)
	if !ok {
		return false
	}
	e.sink.Fail(http.StatusGatewayTimeout, msgTimeout)
	return true
}

// Cancel drops a live entry without touching its sink, for callers that
// went away.
func (t *Table) Cancel(id string) bool {
	_, ok := t.claim(id, live, Terminal, nil)
	return ok
}

// ExpireIdle fails an open stream that has seen no chunk for idle. When the
// stream is still active it returns the time left before it could go idle;
// a zero wait with expired false means there is nothing left to watch.
func (t *Table) ExpireIdle(id string, idle time.Duration) (expired bool, wait time.Duration) {
	v, ok := t.m.Load(id)
	if !ok {
		return false, 0
	}
	e := v.(*entry)
	now := t.now()
	e.mu.Lock()
	if e.status != StreamOpen {
		e.mu.Unlock()
		return false, 0
	}
	if left := e.lastSeen.Add(idle).Sub(now); left > 0 {
		e.mu.Unlock()
		return false, left
	}
	e.status = Terminal
	e.mu.Unlock()
	t.m.CompareAndDelete(id, e)
	e.sink.Fail(http.StatusGatewayTimeout, msgIdle)
	return true, 0
}

func (t *Table) Lookup(id string) (Snapshot, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		return Snapshot{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{ID: e.id, Mode: e.mode, Status: e.status, Deadline: e.deadline}, true
}

func (t *Table) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

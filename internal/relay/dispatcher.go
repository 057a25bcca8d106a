package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/DragonSecurity/burrow/internal/pending"
	"github.com/DragonSecurity/burrow/internal/registry"
	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

type Outcome int

const (
	OutcomeDispatched Outcome = iota
	OutcomeNotFound
	OutcomeSendFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "send_failed"
	}
}

// Inbound is a public request already split from its tunnel prefix.
type Inbound struct {
	Method string
	Path   string
	Query  []proto.QueryParam
	Header http.Header
	Body   []byte
}

// Ticket is what Dispatch hands back: the request id and the armed deadline.
type Ticket struct {
	RequestID string
	Outcome   Outcome
	timer     *time.Timer
}

// Release stops the deadline timer once the request is settled.
func (t *Ticket) Release() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

const usage = "Use /{tunnel-name}/path/to/endpoint"

// Dispatcher forwards public requests to the agent registered for a name.
type Dispatcher struct {
	reg     *registry.Registry[Conn]
	table   *pending.Table
	timeout time.Duration
	log     *util.Logger
	newID   func() string
}

func NewDispatcher(reg *registry.Registry[Conn], table *pending.Table, timeout time.Duration, log *util.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, table: table, timeout: timeout, log: log, newID: uuid.NewString}
}

// Dispatch sends in to the tunnel called name and returns without waiting for
// the reply; the reply is written into sink by the ReplyProcessor, or by the
// deadline timer if the agent stays silent.
func (d *Dispatcher) Dispatch(name string, in *Inbound, sink pending.Sink) *Ticket {
	conn, err := d.reg.Resolve(name)
	if err != nil {
		sink.WriteHeader(http.StatusNotFound, http.Header{"Content-Type": {"application/json; charset=utf-8"}})
		_ = sink.Write(mustJSON(map[string]any{
			"error":             "Tunnel not found",
			"message":           fmt.Sprintf("No tunnel registered with name '%s'", name),
			"available_tunnels": d.reg.Names(),
			"usage":             usage,
		}))
		sink.Close()
		return &Ticket{Outcome: OutcomeNotFound}
	}

	id := d.newID()
	if _, err := d.table.Create(id, sink, d.timeout); err != nil {
		d.log.Errorf("pending create %s: %v", id, err)
		sink.Fail(http.StatusInternalServerError, "Internal server error")
		return &Ticket{RequestID: id, Outcome: OutcomeSendFailed}
	}

	env, err := proto.Wrap(proto.TypeRequest, &proto.Request{
		RequestID: id,
		Method:    in.Method,
		Path:      in.Path,
		Query:     in.Query,
		Header:    filterReqHeaders(in.Header),
		Body:      in.Body,
	})
	if err == nil {
		err = conn.Send(env)
	}
	if err != nil {
		d.log.Errorf("tunnel %s: send %s: %v", name, id, err)
		d.table.Fail(id, err.Error())
		return &Ticket{RequestID: id, Outcome: OutcomeSendFailed}
	}

	timer := time.AfterFunc(d.timeout, func() {
		if d.table.Expire(id) {
			metricTimeouts.WithLabelValues("deadline").Inc()
			d.log.Warnf("tunnel %s: request %s timed out after %s", name, id, d.timeout)
		}
	})
	return &Ticket{RequestID: id, Outcome: OutcomeDispatched, timer: timer}
}

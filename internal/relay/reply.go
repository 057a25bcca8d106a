package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/DragonSecurity/burrow/internal/pending"
	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

// ReplyProcessor drives the pending table from reply envelopes. It must be
// fed from one goroutine per agent connection so chunks keep their order.
type ReplyProcessor struct {
	table *pending.Table
	idle  time.Duration
	log   *util.Logger
}

func NewReplyProcessor(table *pending.Table, idle time.Duration, log *util.Logger) *ReplyProcessor {
	return &ReplyProcessor{table: table, idle: idle, log: log}
}

// Process applies one reply and reports whether it changed any state. Replies
// for unknown or finished requests are expected after a timeout and are
// dropped silently.
func (p *ReplyProcessor) Process(r proto.Reply) bool {
	var ok bool
	var kind string
	switch m := r.(type) {
	case *proto.Response:
		kind = proto.TypeResponse
		if m.Error != "" {
			ok = p.table.Fail(m.RequestID, m.Error)
			if ok {
				p.log.Warnf("request %s: agent error: %s", m.RequestID, m.Error)
			}
			break
		}
		body, err := m.DecodeBody()
		if err != nil {
			ok = p.table.Fail(m.RequestID, fmt.Sprintf("decode body: %v", err))
			break
		}
		status := m.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		ok = p.table.CompleteBuffered(m.RequestID, status, http.Header(m.Header), body)
	case *proto.StreamStart:
		kind = proto.TypeStreamStart
		status := m.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		ok = p.table.StartStream(m.RequestID, status, http.Header(m.Header))
		if ok && p.idle > 0 {
			p.watchIdle(m.RequestID)
		}
	case *proto.StreamChunk:
		kind = proto.TypeStreamChunk
		data, err := m.Data()
		if err != nil {
			ok = p.table.FailStream(m.RequestID, err.Error())
			break
		}
		ok = p.table.WriteChunk(m.RequestID, data)
	case *proto.StreamEnd:
		kind = proto.TypeStreamEnd
		ok = p.table.EndStream(m.RequestID)
	case *proto.StreamError:
		kind = proto.TypeStreamError
		ok = p.table.FailStream(m.RequestID, m.Error)
		if ok {
			p.log.Warnf("request %s: stream error: %s", m.RequestID, m.Error)
		}
	default:
		p.log.Errorf("unhandled reply %T", r)
		return false
	}
	metricRepliesTotal.WithLabelValues(kind).Inc()
	if !ok {
		metricStaleEnvelopes.WithLabelValues(kind).Inc()
		p.log.Debugf("dropped %s for %s", kind, r.ReplyID())
	}
	return ok
}

func (p *ReplyProcessor) watchIdle(id string) {
	var check func()
	check = func() {
		expired, wait := p.table.ExpireIdle(id, p.idle)
		switch {
		case expired:
			metricTimeouts.WithLabelValues("stream_idle").Inc()
			p.log.Warnf("request %s: stream idle for %s", id, p.idle)
		case wait > 0:
			time.AfterFunc(wait, check)
		}
	}
	time.AfterFunc(p.idle, check)
}

package relay

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	metricActiveTunnels = prom.NewGauge(prom.GaugeOpts{
		Name: "burrow_active_tunnels",
		Help: "Number of currently registered tunnel names.",
	})
	metricPendingRequests = prom.NewGauge(prom.GaugeOpts{
		Name: "burrow_pending_requests",
		Help: "Forwarded requests still waiting for a terminal reply.",
	})
	metricRequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "burrow_requests_total",
		Help: "Total number of public requests by tunnel and outcome.",
	}, []string{"tunnel", "method", "outcome"})
	metricRequestDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "burrow_request_seconds",
		Help:    "Duration of proxied requests.",
		Buckets: prom.DefBuckets,
	}, []string{"tunnel", "method", "status"})
	metricRepliesTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "burrow_replies_total",
		Help: "Reply envelopes received from agents by kind.",
	}, []string{"type"})
	metricStaleEnvelopes = prom.NewCounterVec(prom.CounterOpts{
		Name: "burrow_stale_envelopes_total",
		Help: "Reply envelopes dropped because their request was no longer pending.",
	}, []string{"type"})
	metricTimeouts = prom.NewCounterVec(prom.CounterOpts{
		Name: "burrow_timeouts_total",
		Help: "Requests abandoned by the relay, by reason.",
	}, []string{"reason"})
)

func init() {
	prom.MustRegister(metricActiveTunnels, metricPendingRequests, metricRequestsTotal,
		metricRequestDuration, metricRepliesTotal, metricStaleEnvelopes, metricTimeouts)
}

// unknownTunnel labels requests for names nobody registered, so callers
// cannot mint new series.
const unknownTunnel = "_unknown"

func tunnelLabel(name string, o Outcome) string {
	if o == OutcomeNotFound {
		return unknownTunnel
	}
	return name
}

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

func methodLabel(m string) string {
	if knownMethods[m] {
		return m
	}
	return "OTHER"
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DragonSecurity/burrow/internal/pending"
	"github.com/DragonSecurity/burrow/internal/registry"
	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the public side of the relay: it owns the tunnel registry and the
// pending table and wires the dispatcher and reply processor around them.
type Server struct {
	cfg        Config
	log        *util.Logger
	reg        *registry.Registry[Conn]
	table      *pending.Table
	dispatcher *Dispatcher
	replies    *ReplyProcessor
}

func NewServer(cfg Config, log *util.Logger) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := registry.New[Conn]()
	table := pending.New()
	return &Server{
		cfg:        cfg,
		log:        log,
		reg:        reg,
		table:      table,
		dispatcher: NewDispatcher(reg, table, cfg.RequestTimeout, log),
		replies:    NewReplyProcessor(table, cfg.StreamIdleTimeout, log),
	}, nil
}

func Run(ctx context.Context, cfg Config, log *util.Logger) error {
	s, err := NewServer(cfg, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.cfg.PublicAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on %s (request timeout %s)", srv.Addr, s.cfg.RequestTimeout)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/__health", s.handleHealth)
	r.Handle("/__metrics", promhttp.Handler())
	r.Get("/_control", s.handleControl)
	r.HandleFunc("/", s.handlePublic)
	r.HandleFunc("/*", s.handlePublic)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := s.reg.Names()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"active_tunnels":   names,
		"tunnel_count":     len(names),
		"pending_requests": s.table.Len(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	names := s.reg.Names()
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	examples := make([]string, 0, len(names))
	for _, n := range names {
		examples = append(examples, fmt.Sprintf("%s://%s/%s/", scheme, r.Host, n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":           "Tunneling Service",
		"available_tunnels": names,
		"usage":             usage,
		"examples":          examples,
	})
}

// splitTunnelPath takes the first segment of an escaped path as the tunnel
// name and keeps the remainder, still escaped, as the target path.
func splitTunnelPath(escaped string) (name, rest string) {
	escaped = strings.TrimLeft(escaped, "/")
	name, rest, _ = strings.Cut(escaped, "/")
	if n, err := url.PathUnescape(name); err == nil {
		name = n
	}
	return name, "/" + rest
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	name, target := splitTunnelPath(r.URL.EscapedPath())
	if name == "" {
		s.handleDiscovery(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBody))
	_ = r.Body.Close()
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Could not read request body"})
		return
	}

	start := time.Now()
	sink := newHTTPSink(w)
	t := s.dispatcher.Dispatch(name, &Inbound{
		Method: r.Method,
		Path:   target,
		Query:  proto.ParseQuery(r.URL.RawQuery),
		Header: r.Header,
		Body:   body,
	}, sink)
	defer t.Release()
	metricRequestsTotal.WithLabelValues(tunnelLabel(name, t.Outcome), methodLabel(r.Method), t.Outcome.String()).Inc()
	if t.Outcome != OutcomeDispatched {
		return
	}

	metricPendingRequests.Inc()
	select {
	case <-sink.Done():
	case <-r.Context().Done():
		if s.table.Cancel(t.RequestID) {
			s.log.Infof("tunnel %s: caller left before reply %s", name, t.RequestID)
		}
		sink.detach()
	}
	metricPendingRequests.Dec()

	status, aborted := sink.result()
	label := strconv.Itoa(status)
	if aborted {
		label = "aborted"
	}
	metricRequestDuration.WithLabelValues(name, methodLabel(r.Method), label).Observe(time.Since(start).Seconds())
	s.log.Debugf("%s /%s%s -> %s (%s)", r.Method, name, target, label, time.Since(start))
	if aborted {
		// partial output already went out; cut the connection instead of
		// pretending the body is complete
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("ws upgrade: %v", err)
		return
	}
	conn := newWSConn(c, 2*s.cfg.MaxBody)
	defer conn.Close()
	go conn.keepalive()

	// the first envelope must register a tunnel
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))
	env, err := conn.ReadEnvelope()
	if err != nil {
		s.log.Errorf("agent %s: no registration: %v", r.RemoteAddr, err)
		return
	}
	if !s.register(conn, env) {
		return
	}

	defer func() {
		names := s.reg.UnregisterByConnection(conn)
		metricActiveTunnels.Set(float64(s.reg.Len()))
		s.log.Infof("agent disconnected: %s (tunnels %v)", r.RemoteAddr, names)
	}()
	s.readLoop(conn)
}

// register handles a register envelope and reports whether the agent may
// stay connected.
func (s *Server) register(conn *wsConn, env *proto.Envelope) bool {
	if env.Type != proto.TypeRegister {
		s.reply(conn, &proto.Registered{Error: "expected " + proto.TypeRegister + ", got " + env.Type})
		return false
	}
	var reg proto.Register
	if err := proto.Unwrap(env, &reg); err != nil {
		s.reply(conn, &proto.Registered{Error: "bad registration: " + err.Error()})
		return false
	}
	if !ValidName(reg.Name) {
		s.reply(conn, &proto.Registered{Error: fmt.Sprintf("invalid tunnel name %q", reg.Name)})
		return false
	}
	s.reg.Register(reg.Name, reg.TunnelID, conn)
	metricActiveTunnels.Set(float64(s.reg.Len()))
	s.log.Infof("tunnel registered: %s (id %s)", reg.Name, reg.TunnelID)
	s.reply(conn, &proto.Registered{Success: true, Name: reg.Name})
	return true
}

func (s *Server) reply(conn *wsConn, v *proto.Registered) {
	env, err := proto.Wrap(proto.TypeRegistered, v)
	if err != nil {
		return
	}
	if err := conn.Send(env); err != nil {
		s.log.Errorf("send registered: %v", err)
	}
}

func (s *Server) readLoop(conn *wsConn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("control read: %v", err)
			}
			return
		}
		if env.Type == proto.TypeRegister {
			// further names on the same connection; a rejected one
			// leaves the others in place
			s.register(conn, env)
			continue
		}
		rep, err := proto.DecodeReply(env)
		if err != nil {
			s.log.Errorf("control: %v", err)
			continue
		}
		s.replies.Process(rep)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

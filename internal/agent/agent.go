package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/burrow/pkg/proto"
	"github.com/DragonSecurity/burrow/pkg/util"
)

type Config struct {
	ServerURL     string        `mapstructure:"server" validate:"required,url"` // e.g. http://relay.example.com:3001
	Name          string        `mapstructure:"name"`                           // tunnel name, the first path segment on the relay
	LocalTo       string        `mapstructure:"to" validate:"required,url"`     // e.g. http://localhost:7860
	HeaderTimeout time.Duration `mapstructure:"header_timeout" validate:"gte=0"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max" validate:"gte=0"`
}

const (
	DefaultLocalTo       = "http://localhost:7860"
	DefaultHeaderTimeout = 25 * time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// ErrRejected means the relay refused the registration; retrying would not help.
var ErrRejected = errors.New("registration rejected")

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) WithDefaults() Config {
	if c.LocalTo == "" {
		c.LocalTo = DefaultLocalTo
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("tunnel-%d", time.Now().UnixMilli())
	}
	if c.HeaderTimeout == 0 {
		c.HeaderTimeout = DefaultHeaderTimeout
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	return c
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	return nil
}

// safeWS serializes writes to a websocket.Conn
type safeWS struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (s *safeWS) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteJSON(v)
}

func (s *safeWS) emit(r proto.Reply) error {
	env, err := proto.WrapReply(r)
	if err != nil {
		return err
	}
	return s.WriteJSON(env)
}

// Run keeps a tunnel registered until ctx ends, reconnecting with
// exponential backoff whenever the connection drops.
func Run(ctx context.Context, cfg Config, log *util.Logger) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	serverBase, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	localBase, err := url.Parse(cfg.LocalTo)
	if err != nil {
		return fmt.Errorf("invalid --to url: %w", err)
	}

	a := &agent{
		cfg:        cfg,
		log:        log,
		tunnelID:   uuid.NewString(),
		serverBase: serverBase,
		exec:       NewExecutor(localBase, cfg.HeaderTimeout, log),
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = cfg.ReconnectMax
	b.MaxElapsedTime = 0
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if registered {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Errorf("connection lost: %v; reconnecting in %s", err, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

type agent struct {
	cfg        Config
	log        *util.Logger
	tunnelID   string
	serverBase *url.URL
	exec       *Executor
}

func (a *agent) controlURL() string {
	ctrl := *a.serverBase
	ctrl.Path = path.Join(ctrl.Path, "/_control")
	// WebSocket schemes must be ws/wss, not http/https.
	if a.serverBase.Scheme == "https" || a.serverBase.Scheme == "wss" {
		ctrl.Scheme = "wss"
	} else {
		ctrl.Scheme = "ws"
	}
	return ctrl.String()
}

// session runs one connection: dial, register, serve requests until the
// connection or ctx ends. It reports whether registration succeeded.
func (a *agent) session(ctx context.Context) (bool, error) {
	wsURL := a.controlURL()
	a.log.Infof("dialing control: %s", wsURL)

	host := a.serverBase.Hostname()
	tlsSkip := a.serverBase.Scheme == "https" && (host == "localhost" || strings.HasSuffix(host, ".local"))
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: tlsSkip},
		HandshakeTimeout: 10 * time.Second,
	}
	c, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("ws dial failed: %w", err)
	}
	defer c.Close()
	ws := &safeWS{c: c}

	if err := a.register(ws); err != nil {
		return false, err
	}
	a.log.Infof("tunnel active: %s/%s/ -> %s", strings.TrimSuffix(a.serverBase.String(), "/"), a.cfg.Name, a.exec.base)

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = c.Close()
	}()

	for {
		var env proto.Envelope
		if err := c.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		switch env.Type {
		case proto.TypeRequest:
			var req proto.Request
			if err := proto.Unwrap(&env, &req); err != nil {
				a.log.Errorf("bad request payload: %v", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.exec.Execute(sctx, &req, ws.emit)
			}()
		default:
			a.log.Debugf("ignoring %s envelope", env.Type)
		}
	}
}

func (a *agent) register(ws *safeWS) error {
	env, err := proto.Wrap(proto.TypeRegister, &proto.Register{TunnelID: a.tunnelID, Name: a.cfg.Name})
	if err != nil {
		return err
	}
	if err := ws.WriteJSON(env); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	_ = ws.c.SetReadDeadline(time.Now().Add(10 * time.Second))
	var resp proto.Envelope
	if err := ws.c.ReadJSON(&resp); err != nil {
		return fmt.Errorf("await registration: %w", err)
	}
	_ = ws.c.SetReadDeadline(time.Time{})
	if resp.Type != proto.TypeRegistered {
		return fmt.Errorf("unexpected %s envelope during registration", resp.Type)
	}
	var reg proto.Registered
	if err := proto.Unwrap(&resp, &reg); err != nil {
		return err
	}
	if !reg.Success {
		return fmt.Errorf("%w: %s", ErrRejected, reg.Error)
	}
	return nil
}

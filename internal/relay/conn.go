package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/burrow/pkg/proto"
)

// Conn is the relay's handle on one agent session.
type Conn interface {
	Send(*proto.Envelope) error
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type wsConn struct {
	c    *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func newWSConn(c *websocket.Conn, readLimit int64) *wsConn {
	c.SetReadLimit(readLimit)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(pongWait)) })
	return &wsConn{c: c, done: make(chan struct{})}
}

func (w *wsConn) ReadEnvelope() (*proto.Envelope, error) {
	var env proto.Envelope
	if err := w.c.ReadJSON(&env); err != nil {
		return nil, err
	}
	// any traffic proves the agent is alive
	_ = w.c.SetReadDeadline(time.Now().Add(pongWait))
	return &env, nil
}

func (w *wsConn) Send(env *proto.Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(env)
}

// keepalive pings the agent until the connection is closed.
func (w *wsConn) keepalive() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			// WriteControl may run alongside Send
			if err := w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (w *wsConn) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.c.Close()
}

package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"remotecast/backend/internal/gateway"
	"remotecast/backend/internal/ratelimit"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Transport is the socket a connection talks over. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type frame struct {
	payload []byte
	// closeAfter ends the connection once payload is written.
	closeAfter bool
}

// Conn is one realtime connection. Reads happen on the goroutine running Serve, writes only on
// the write pump.
type Conn struct {
	id        string
	transport Transport
	send      chan frame
	done      chan struct{}
	writerEnd chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	state     atomic.Int32
	logger    *zap.Logger

	// window is touched only from the read loop.
	window *ratelimit.Window

	mu        sync.Mutex
	principal *gateway.Principal
	subs      map[string]struct{}
}

func newConn(id string, t Transport, window *ratelimit.Window, logger *zap.Logger) *Conn {
	return &Conn{
		id:        id,
		transport: t,
		send:      make(chan frame, sendBuffer),
		done:      make(chan struct{}),
		writerEnd: make(chan struct{}),
		window:    window,
		subs:      make(map[string]struct{}),
		logger:    logger.With(zap.String("conn_id", id)),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) setPrincipal(p *gateway.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
}

// current returns a copy of the principal so callers never race with a token swap.
func (c *Conn) current() (gateway.Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal == nil {
		return gateway.Principal{}, false
	}
	return *c.principal, true
}

func (c *Conn) addSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; ok {
		return false
	}
	c.subs[id] = struct{}{}
	return true
}

func (c *Conn) removeSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *Conn) channelIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// enqueue hands f to the write pump without blocking. It reports false when the buffer is full
// or the connection is closing.
func (c *Conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// reply sends one message to this connection.
func (c *Conn) reply(msgType, requestID string, data any) bool {
	payload, err := json.Marshal(Outbound{Type: msgType, Timestamp: time.Now().UTC(), Data: data, RequestID: requestID})
	if err != nil {
		c.logger.Error("channel: marshal reply", zap.String("type", msgType), zap.Error(err))
		return false
	}
	if !c.enqueue(frame{payload: payload}) {
		c.logger.Warn("channel: outbound buffer full, dropping message", zap.String("type", msgType))
		return false
	}
	return true
}

// terminate sends a final notice and asks the write pump to close the socket after it.
func (c *Conn) terminate(msgType string, data any) {
	payload, err := json.Marshal(Outbound{Type: msgType, Timestamp: time.Now().UTC(), Data: data})
	if err == nil && c.enqueue(frame{payload: payload, closeAfter: true}) {
		c.closing.Store(true)
		return
	}
	c.close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
	})
}

// writePump is the only writer to the transport.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.transport.Close()
		close(c.writerEnd)
	}()
	for {
		select {
		case f := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, f.payload); err != nil {
				c.logger.Debug("channel: write failed", zap.Error(err))
				c.close()
				return
			}
			if f.closeAfter {
				_ = c.transport.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), time.Now().Add(writeWait))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop delivers inbound frames to handle in arrival order until the socket fails or the
// connection closes.
func (c *Conn) readLoop(ctx context.Context, handle func(context.Context, []byte)) {
	c.transport.SetReadLimit(maxMessageSize)
	_ = c.transport.SetReadDeadline(time.Now().Add(pongWait))
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("channel: read error", zap.Error(err))
			}
			return
		}
		_ = c.transport.SetReadDeadline(time.Now().Add(pongWait))
		handle(ctx, msg)
		if c.closing.Load() || c.State() == StateClosed {
			return
		}
	}
}

// shutdown waits for a pending final notice to flush, then stops the write pump.
func (c *Conn) shutdown() {
	if c.closing.Load() {
		select {
		case <-c.writerEnd:
		case <-time.After(writeWait):
		}
	}
	c.close()
	<-c.writerEnd
}

// Package hub owns every live WebSocket in the control plane: the agent
// sockets it supervises, the browser sockets it fans events out to, and
// the registry both sides share.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait bounds how long a connection may go without a pong.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// registerWait is how long a fresh agent socket gets to send its
	// register frame.
	registerWait = 10 * time.Second

	// Agents ship scan reports with thousands of packages; browsers
	// only send small control frames.
	agentReadLimit = 1 << 20
	webReadLimit   = 512 << 10

	agentSendBuffer = 64
	webSendBuffer   = 256
)

// wsConn is the slice of *websocket.Conn the hub uses. An interface so
// tests can drive connections without a network.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// conn is the shared half of both connection kinds: a buffered outbound
// queue drained by a single writePump, an idempotent close, and a closed
// flag so late sends never hit a closed channel.
type conn struct {
	ws        wsConn
	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws wsConn, buffer int) *conn {
	return &conn{ws: ws, send: make(chan []byte, buffer)}
}

// SafeSend queues data for the write pump. It never blocks; the return
// is false when the connection is closed or its buffer is full.
func (c *conn) SafeSend(data []byte) (ok bool) {
	if c.closed.Load() {
		return false
	}
	// Close can win the race between the flag check and the send; the
	// recover turns the resulting panic into a plain refusal.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendJSON marshals a frame and queues it.
func (c *conn) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.SafeSend(data)
}

// Close shuts the send channel exactly once; the write pump then sends
// a close frame and closes the socket.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// CloseWithReason writes a close control frame carrying a policy code
// and reason before tearing the connection down. Best effort.
func (c *conn) CloseWithReason(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.Close()
}

// prepareRead applies the read-side protections: frame size limit and a
// pong-refreshed read deadline.
func (c *conn) prepareRead(limit int64) {
	c.ws.SetReadLimit(limit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with periodic pings. One per connection; exits when
// the send channel closes or a write fails, closing the socket either
// way so the read side unblocks.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, chOpen := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !chOpen {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// AgentConn is one registered agent socket.
type AgentConn struct {
	*conn
	MachineID   string
	Hostname    string
	ConnectedAt time.Time
}

// WebConn is one authenticated browser socket. The allowed set is
// resolved at connect time; nil means every machine (admins).
type WebConn struct {
	*conn
	UserID   string
	Username string
	Role     fleet.Role

	allowed map[string]struct{}

	mu       sync.Mutex
	sessions map[string]string // terminal sessionID -> machineID
}

// CanSee reports whether frames scoped to machineID may reach this
// client. Frames with no machine scope go to everyone.
func (w *WebConn) CanSee(machineID string) bool {
	if machineID == "" || w.allowed == nil {
		return true
	}
	_, ok := w.allowed[machineID]
	return ok
}

// trackSession remembers a terminal session spawned over this socket so
// it can be revoked when the socket goes away.
func (w *WebConn) trackSession(sessionID, machineID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions == nil {
		w.sessions = make(map[string]string)
	}
	w.sessions[sessionID] = machineID
}

// takeSessions returns and clears the tracked terminal sessions.
func (w *WebConn) takeSessions() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.sessions
	w.sessions = nil
	return out
}

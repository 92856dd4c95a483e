// Package wsgateway implements the connection state machine (C5, spec
// §4.3) and owns the WebSocket transport. It is adapted from the teacher's
// pkg/channels/web/web_channel.go: same gorilla/websocket upgrader
// (CheckOrigin always true — the gateway is meant to sit behind a reverse
// proxy) and the same SafeConn mutex-guarded-writer idiom, generalized from
// a single always-open chat channel into the spec's
// fresh -> challenged -> authenticated -> closing lifecycle.
package wsgateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatgateway/pkg/bus"
)

// State is a connection's position in the handshake state machine.
type State int32

const (
	StateFresh State = iota
	StateChallenged
	StateAuthenticated
	StateClosing
)

// ClientDescriptor is the client-supplied identity presented on `connect`.
type ClientDescriptor struct {
	ID              string `json:"id"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Mode            string `json:"mode"`
	DisplayName     string `json:"displayName,omitempty"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
}

// Connection is one accepted WebSocket, guarded by a single writer
// goroutine draining a bounded outbox — the generalized SafeConn.
type Connection struct {
	id    string
	conn  *websocket.Conn
	state atomic.Int32

	outbox    chan []byte
	outboxMu  sync.RWMutex // guards send-vs-close: Close takes the write lock so no TrySend can enqueue after the channel is closed
	closeOnce sync.Once
	closed    atomic.Bool

	mu               sync.RWMutex
	nonce            string
	client           ClientDescriptor
	authenticated    bool
	role             string
	scopes           []string
	handshakeTimer   *time.Timer

	connectedAt time.Time
}

func newConnection(id string, conn *websocket.Conn, outboxSize int) *Connection {
	c := &Connection{
		id:          id,
		conn:        conn,
		outbox:      make(chan []byte, outboxSize),
		connectedAt: time.Now(),
	}
	c.state.Store(int32(StateFresh))
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// TrySend implements bus.Sink: a non-blocking enqueue onto the outbox. Held
// under outboxMu's read lock so it can never race Close's channel close —
// Close takes the write lock before closing the channel, so any TrySend
// that observes closed==false is guaranteed to finish its send (or bail on
// a full buffer) before Close proceeds.
func (c *Connection) TrySend(payload []byte) bool {
	c.outboxMu.RLock()
	defer c.outboxMu.RUnlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.outbox <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) writeLoop() {
	for payload := range c.outbox {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close(1011, "write failed")
			return
		}
	}
}

// Close tears the connection down exactly once. Closing the outbox under
// outboxMu's write lock (rather than from the goroutine calling Close
// directly) is what makes it safe against a concurrent TrySend — see the
// outboxMu doc comment.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.mu.Lock()
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		c.mu.Unlock()

		c.outboxMu.Lock()
		c.closed.Store(true)
		close(c.outbox)
		c.outboxMu.Unlock()

		deadline := time.Now().Add(2 * time.Second)
		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = c.conn.Close()
	})
}

func (c *Connection) armHandshakeDeadline(d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeTimer = time.AfterFunc(d, onExpire)
}

func (c *Connection) disarmHandshakeDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
}

func (c *Connection) setAuthenticated(client ClientDescriptor, role string, scopes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	c.authenticated = true
	c.role = role
	c.scopes = scopes
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) Client() ClientDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

var _ bus.Sink = (*Connection)(nil)

package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctor/pkg/types"
)

// sender is the outbound half of a connection. The coordinator talks to
// connections through it so tests can substitute a recording fake.
type sender interface {
	Send(event string, payload interface{}) error
	Close() error
}

// client adds the role and session bookkeeping the coordinator needs on
// top of the outbound half.
type client interface {
	sender
	Role() string
	SetRole(role string)
	SessionID() string
	SetSessionID(id string)
}

// Connection wraps a websocket with a single writer goroutine. All sends
// go through the write channel so concurrent callers never touch the
// underlying socket directly.
type Connection struct {
	ws      *websocket.Conn
	writeCh chan []byte
	timeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu        sync.RWMutex
	role      string
	sessionID string
}

// NewConnection wraps an upgraded websocket and starts its writer.
func NewConnection(ws *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ws:      ws,
		writeCh: make(chan []byte, bufferSize),
		timeout: writeTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues one enveloped event for the writer goroutine.
func (c *Connection) Send(event string, payload interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(types.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- frame:
		return nil
	case <-time.After(c.timeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadEnvelope blocks for the next inbound frame.
func (c *Connection) ReadEnvelope() (*types.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Close tears down the socket and stops the writer. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

func (c *Connection) SetRole(role string) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

func (c *Connection) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetSessionID binds the connection to a session after a successful join.
func (c *Connection) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

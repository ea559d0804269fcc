package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/protocol"
)

// ErrConnClosed is returned by writes to a connection that has failed or
// been closed.
var ErrConnClosed = errors.New("gateway: connection closed")

// conn is the write side of one device connection.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	timeout   time.Duration

	mu    sync.Mutex
	alive atomic.Bool
}

var _ dialogue.Sink = (*conn)(nil)

func newConn(ws *websocket.Conn, sessionID string, timeout time.Duration) *conn {
	c := &conn{ws: ws, sessionID: sessionID, timeout: timeout}
	c.alive.Store(true)
	return c
}

// SendMessage writes msg as a JSON text frame. An empty SessionID is filled
// in with the connection's session.
func (c *conn) SendMessage(ctx context.Context, msg protocol.Outbound) error {
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", msg.Type, err)
	}
	return c.write(ctx, websocket.MessageText, b)
}

// SendAudio writes one binary frame.
func (c *conn) SendAudio(ctx context.Context, frame []byte) error {
	return c.write(ctx, websocket.MessageBinary, frame)
}

// Alive reports whether writes may still succeed.
func (c *conn) Alive() bool { return c.alive.Load() }

func (c *conn) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	if !c.alive.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.ws.Write(ctx, typ, b); err != nil {
		// A timed out write leaves the frame half sent; the socket is unusable.
		c.kill()
		return fmt.Errorf("gateway: write: %w", err)
	}
	return nil
}

func (c *conn) kill() { c.alive.Store(false) }

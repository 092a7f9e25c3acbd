// Package realtime implements the WebSocket delivery channel: per-connection
// outbound queues, the hub that routes events between users, and typing rooms.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/matestay/matestay-chat/internal/protocol"
)

// StatusSessionReplaced closes a connection evicted by a newer one for the same user.
const StatusSessionReplaced = websocket.StatusCode(protocol.CloseSessionReplaced)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("connection buffer exceeded")
)

// Conn wraps a websocket and serializes outbound writes through a buffered queue
// drained by a single writer goroutine.
type Conn struct {
	id     string
	userID string

	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, userID string, opts Options) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		userID:       userID,
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
}

// ID returns the connection id reported in presence lists.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user that owns the connection.
func (c *Conn) UserID() string { return c.userID }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send enqueues payload for delivery. A slow client whose queue is full is
// disconnected.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		slog.Warn("WebSocket send buffer full, closing", "user_id", c.userID, "connection_id", c.id)
		c.Close(websocket.StatusPolicyViolation, "send buffer full")
		return errBufferFull
	}
}

// Close stops the writer and closes the websocket with the given status. Only the
// first call has an effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			if err := c.ws.Close(code, reason); err != nil {
				slog.Debug("Failed to close websocket", "error", err, "user_id", c.userID, "connection_id", c.id)
			}
		}()
	})
}

// writeLoop drains the queue and pings the peer until the connection closes. A failed
// write or ping closes the connection, which ends the read loop.
func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", c.userID)
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-tick:
			if err := c.ping(); err != nil {
				slog.Info("WebSocket ping failed", "error", err, "user_id", c.userID)
				c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *Conn) write(payload []byte) error {
	ctx, cancel := c.writeContext()
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *Conn) ping() error {
	ctx, cancel := c.writeContext()
	defer cancel()
	return c.ws.Ping(ctx)
}

func (c *Conn) writeContext() (context.Context, context.CancelFunc) {
	if c.writeTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), c.writeTimeout)
}

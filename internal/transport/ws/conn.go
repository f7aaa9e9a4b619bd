// Package ws serves the operator websocket: subscriptions, live alert delivery and
// alert actions.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"storewatch/internal/message"
	"storewatch/internal/subscription"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when the client is not reading fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one client websocket. Sends are queued and written by a single writer
// goroutine; a client whose buffer fills up is dropped rather than allowed to block
// the broadcaster.
type Conn struct {
	id        string
	ws        *websocket.Conn
	principal subscription.Principal
	cfg       Config

	send      chan []byte
	done      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, p subscription.Principal, cfg Config) *Conn {
	c := &Conn{
		id:        id,
		ws:        ws,
		principal: p,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

// ID returns the connection's client id.
func (c *Conn) ID() string {
	return c.id
}

// Send implements subscription.Connection.
func (c *Conn) Send(msg message.Message) error {
	if !c.open.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}

	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	default:
		slog.Warn("client send buffer full, closing", "client_id", c.id)
		c.Close()
		return ErrSendBufferFull
	}
}

// IsOpen implements subscription.Connection.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Principal implements subscription.Connection.
func (c *Conn) Principal() subscription.Principal {
	return c.principal
}

// Close marks the connection closed and stops the writer. It is safe to call more
// than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
	})
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("websocket write failed", "client_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued when the connection closes.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

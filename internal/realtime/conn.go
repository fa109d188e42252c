// Package realtime carries the signaling protocol over WebSocket connections.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one upgraded socket. Frames queue on send and are written by
// writePump; a full queue means the peer is too slow and the frame is dropped.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, buffer int, l *slog.Logger) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		log:  l,
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Send implements relay.Conn. It never blocks.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump owns all writes to the socket, including pings.
func (c *conn) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

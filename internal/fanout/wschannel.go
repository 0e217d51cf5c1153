package fanout

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	sendQueueDepth = 64
)

// ErrSendQueueFull means the client is too slow to keep up; the hub treats it
// as a failed delivery and drops the channel.
var ErrSendQueueFull = errors.New("websocket send queue full")

// WSChannel adapts one gorilla websocket connection to the hub's Channel
// interface. Writes go through a buffered queue drained by a single write
// pump, since gorilla connections allow only one concurrent writer.
type WSChannel struct {
	conn   *websocket.Conn
	send   chan Message
	closed atomic.Bool
	done   chan struct{}
}

// NewWSChannel starts the write pump for an accepted connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn: conn,
		send: make(chan Message, sendQueueDepth),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a message. Never blocks: a full queue reports failure so the
// hub can drop the slow subscriber instead of buffering unboundedly.
func (c *WSChannel) Send(msg Message) error {
	if c.closed.Load() {
		return errors.New("websocket channel closed")
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the pump and closes the connection. Idempotent.
func (c *WSChannel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

func (c *WSChannel) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				c.closed.Store(true)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

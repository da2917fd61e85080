// Package stream serves the websocket endpoint dashboards subscribe to.
// Each connection gets a read pump and a write pump; delivery order and
// cadence are owned by the dispatcher, which drives clients through the
// Sink interface.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// errClientClosed reports delivery to a connection already torn down.
var errClientClosed = errors.New("client closed")

// inboundLimit bounds client frames; control messages are tiny.
const inboundLimit = 1024

// Client is one websocket connection. The write pump is the only goroutine
// that touches conn for writes; everything else enqueues on send.
type Client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	log    zerolog.Logger

	pingInterval time.Duration
	writeWait    time.Duration
	readWait     time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	reason    string
}

func newClient(conn *websocket.Conn, remote string, cfg Config, logger zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:           id,
		remote:       remote,
		conn:         conn,
		send:         make(chan []byte, cfg.SendBuffer),
		log:          logger.With().Str("client_id", id).Str("remote", remote).Logger(),
		pingInterval: cfg.PingInterval,
		writeWait:    cfg.CloseTimeout,
		readWait:     cfg.PingInterval + cfg.PongTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) Remote() string { return c.remote }

// Deliver enqueues one message for the write pump. It fails once the send
// buffer stays full past the context deadline or the connection is gone.
func (c *Client) Deliver(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close starts the close handshake. Safe to call from any goroutine and
// more than once; the write pump sends the close frame and drops the TCP
// connection.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)
	})
}

// reply enqueues a protocol response without blocking the read pump. A
// client too slow to drain its own replies just loses them.
func (c *Client) reply(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		c.log.Debug().Msg("reply dropped, send buffer full")
	}
}

// writePump owns all writes: queued messages, keepalive pings and the
// final close frame. It closes the connection on exit, which unblocks the
// read pump.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("close frame failed")
			}
			return
		}
	}
}

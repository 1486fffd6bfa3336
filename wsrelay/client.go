package wsrelay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/rendezvous-server-go/rendezvous"
	"github.com/ggoodman/rendezvous-server-go/wire"
)

var _ rendezvous.Sender = (*client)(nil)

// client owns the write half of one websocket connection. Responses are
// queued on a bounded channel and drained by a single write loop, which
// preserves per-connection delivery order without letting mailbox fan-out
// block on the socket.
type client struct {
	conn *websocket.Conn
	log  *slog.Logger

	out  chan []byte
	quit chan struct{}

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, queueDepth int, log *slog.Logger) *client {
	return &client{
		conn: conn,
		log:  log,
		out:  make(chan []byte, queueDepth),
		quit: make(chan struct{}),
	}
}

// Send implements rendezvous.Sender. Safe from any goroutine; never blocks.
func (c *client) Send(resp wire.Response) {
	data, err := wire.Encode(resp, time.Now())
	if err != nil {
		c.log.Error("response encode failed", slog.String("err", err.Error()))
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		// The consumer stopped reading. Dropping frames would break the
		// ordered-delivery contract, so the connection goes instead.
		c.log.Warn("outbound queue full, dropping connection")
		c.terminateLocked()
	}
}

// Terminate implements rendezvous.Sender: ask the write loop to close the
// socket, which also unblocks the read loop.
func (c *client) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked()
}

func (c *client) terminateLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.quit)
}

// writePump drains the outbound queue onto the socket in FIFO order. Runs on
// its own goroutine, one per connection; exits when Terminate fires or a
// write fails.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Terminate()
				return
			}
		case <-c.quit:
			// Flush whatever was queued before quitting; the close below
			// still bounds how long a dead peer can hold us up via the
			// write deadline.
			for {
				select {
				case data := <-c.out:
					_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

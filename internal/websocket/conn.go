package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type outbound struct {
	messageType int
	data        []byte
}

// conn is one dialed socket. A reconnect builds a new conn; callbacks from a
// stale conn are recognised by pointer and ignored.
type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan outbound
	done   chan struct{}
	frames atomic.Int32

	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, queueSize int) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		out:  make(chan outbound, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. It fails when the queue is full or the conn closed.
func (c *conn) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return ErrNotReady
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// close reports true to exactly one caller.
func (c *conn) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		c.ws.Close()
	})
	return first
}

// closeGracefully sends a close frame before closing.
func (c *conn) closeGracefully() bool {
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.close()
}

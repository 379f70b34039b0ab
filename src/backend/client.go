package backend

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
)

const (
	sendBufferSize  = 256 // frames queued for one client
	queueBufferSize = 16  // messages waiting for a turn
)

// Client wraps one accepted realtime connection.
type Client struct {
	ID          string
	Session     string
	conn        types.Conn
	hub         *Hub
	Send        chan codec.Frame
	queue       chan string
	connectedAt time.Time

	mu        sync.Mutex
	done      chan struct{}
	written   chan struct{}
	closed    bool
	closeCode int
	reason    string
}

// NewClient creates a client for conn belonging to session.
func NewClient(id, session string, conn types.Conn, h *Hub) *Client {
	return &Client{
		ID:          id,
		Session:     session,
		conn:        conn,
		hub:         h,
		Send:        make(chan codec.Frame, sendBufferSize),
		queue:       make(chan string, queueBufferSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
		written:     make(chan struct{}),
		closeCode:   types.CloseNormal,
	}
}

// ReadPump reads chat messages from the connection and routes them to
// the hub until the connection ends.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		text, ok := codec.DecodeOutbound(data)
		if !ok {
			c.hub.logger.Debug().Str("client_id", c.ID).Msg("skipping malformed client frame")
			continue
		}
		if !c.hub.submit(inbound{client: c, text: text}) {
			return
		}
	}
}

// WritePump writes queued frames to the connection. When the client is
// closed it sends the close frame and releases the connection.
func (c *Client) WritePump() {
	defer close(c.written)
	for {
		select {
		case f := <-c.Send:
			if err := c.conn.WriteJSON(f); err != nil {
				c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("write failed")
				c.Close(types.CloseAbnormal, "write failed")
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.reason
			c.mu.Unlock()
			_ = c.conn.Close(code, reason)
			return
		}
	}
}

// Wait blocks until the write pump has released the connection.
func (c *Client) Wait() {
	<-c.written
}

// deliver queues a frame without blocking. It fails once the client is
// closed or its buffer is full.
func (c *Client) deliver(f codec.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}

// Close stops the client's pumps; the write pump closes the connection
// with code. Only the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.reason = reason
		close(c.done)
	}
}

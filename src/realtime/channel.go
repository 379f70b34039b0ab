package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

// Handle identifies one connection attempt.
type Handle string

// Dialer opens a WebSocket connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (types.Conn, error)
}

// Callbacks receive channel lifecycle events. Every callback carries the
// handle of the channel that produced it.
type Callbacks struct {
	OnOpen    func(h Handle)
	OnMessage func(h Handle, frag types.Fragment)
	OnError   func(h Handle, err error)
	OnClose   func(h Handle, code int, clean bool)
}

type channelState int

const (
	stateConnecting channelState = iota
	stateOpen
	stateClosed
)

// Channel wraps one attempt at a realtime connection.
type Channel struct {
	handle Handle
	logger zerolog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       types.Conn
	cb         *Callbacks
	state      channelState
	terminated bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open starts connecting to url and returns immediately. Failures are
// reported through OnError and OnClose, never as a return value.
func Open(ctx context.Context, d Dialer, url string, cb Callbacks, logger zerolog.Logger) *Channel {
	handle := Handle(uuid.New().String())
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		handle: handle,
		logger: logger.With().Str("component", "realtime").Str("handle", string(handle)).Logger(),
		cb:     &cb,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(d, url)
	return c
}

// Handle returns the identity of this connection attempt.
func (c *Channel) Handle() Handle { return c.handle }

// Done is closed once the channel's goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// IsOpen reports whether the connection is established and not closed.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *Channel) run(d Dialer, url string) {
	defer close(c.done)

	conn, err := d.Dial(c.ctx, url)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("dial failed")
		c.fireError(err)
		c.fireClose(types.CloseAbnormal, false)
		return
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		conn.Close(types.CloseNormal, "closed while connecting")
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Debug().Str("url", url).Msg("channel open")
	c.fireOpen()
	c.readPump(conn)
}

// readPump decodes frames until the connection ends. Frames that do not
// decode are skipped.
func (c *Channel) readPump(conn types.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, clean := CloseStatus(err)
			if !clean {
				c.fireError(err)
			}
			c.mu.Lock()
			c.state = stateClosed
			c.mu.Unlock()
			c.fireClose(code, clean)
			return
		}
		frag, ok := codec.Decode(data)
		if !ok {
			c.logger.Debug().Int("bytes", len(data)).Msg("skipping undecodable frame")
			continue
		}
		c.fireMessage(frag)
	}
}

// Send writes a chat message. It does nothing unless the channel is open.
func (c *Channel) Send(text string) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		c.logger.Debug().Msg("send on channel that is not open, dropped")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(codec.Outbound{Message: text}); err != nil {
		c.logger.Warn().Err(err).Msg("write failed")
	}
}

// Close detaches all callbacks and closes the connection. Safe to call
// more than once; only the first call has an effect.
func (c *Channel) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == stateClosed && c.cb == nil {
		c.mu.Unlock()
		return
	}
	c.cb = nil
	c.state = stateClosed
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		err := conn.Close(code, reason)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug().Err(err).Msg("close")
		}
	}
}

func (c *Channel) callbacks() *Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *Channel) fireOpen() {
	if cb := c.callbacks(); cb != nil && cb.OnOpen != nil {
		cb.OnOpen(c.handle)
	}
}

func (c *Channel) fireMessage(frag types.Fragment) {
	if cb := c.callbacks(); cb != nil && cb.OnMessage != nil {
		cb.OnMessage(c.handle, frag)
	}
}

func (c *Channel) fireError(err error) {
	if cb := c.callbacks(); cb != nil && cb.OnError != nil {
		cb.OnError(c.handle, err)
	}
}

// fireClose delivers the terminal close event at most once.
func (c *Channel) fireClose(code int, clean bool) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	cb := c.cb
	c.mu.Unlock()
	if cb != nil && cb.OnClose != nil {
		cb.OnClose(c.handle, code, clean)
	}
}

// CloseStatus classifies a read error. A close frame from the peer yields
// its code and clean=true; anything else is an abnormal 1006 closure.
func CloseStatus(err error) (code int, clean bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return types.CloseAbnormal, false
}

// Abnormal reports whether a closure should trigger reconnection.
func Abnormal(code int, clean bool) bool {
	return code != types.CloseNormal || !clean
}

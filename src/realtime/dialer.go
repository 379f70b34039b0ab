package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatlink/src/types"
)

// closeWriteWait bounds how long a close frame may take to send.
const closeWriteWait = time.Second

// WebsocketDialer dials realtime channels with fasthttp/websocket.
type WebsocketDialer struct {
	dialer websocket.Dialer
}

// NewWebsocketDialer creates a dialer with the given buffer sizes.
// The handshake itself is bounded by the connection manager's connect
// timeout, so no handshake timeout is set here.
func NewWebsocketDialer(readBuffer, writeBuffer int) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: websocket.Dialer{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
		},
	}
}

// Dial opens a connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (types.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return w.conn.Close()
}

// WrapConn adapts an accepted server-side connection to types.Conn.
func WrapConn(conn *websocket.Conn) types.Conn {
	return &wsConn{conn: conn}
}

// Package realtimetest provides in-memory connections and dialers for
// exercising realtime channels without a network.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatlink/src/types"
)

// ErrConnReset is returned by ReadMessage after Drop.
var ErrConnReset = errors.New("connection reset by peer")

// MockConn implements types.Conn. Frames pushed with Push are returned
// by ReadMessage in order.
type MockConn struct {
	mu         sync.Mutex
	written    []json.RawMessage
	closeCalls int
	closeCode  int
	readCh     chan []byte
	endCh      chan error
	closed     bool
	closedCh   chan struct{}
}

// NewMockConn creates an idle connection.
func NewMockConn() *MockConn {
	return &MockConn{
		readCh:   make(chan []byte, 64),
		endCh:    make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

// Push queues a raw inbound frame.
func (m *MockConn) Push(frame string) {
	m.readCh <- []byte(frame)
}

// PeerClose ends the read side with a close frame from the server.
func (m *MockConn) PeerClose(code int) {
	m.endCh <- &websocket.CloseError{Code: code}
}

// Drop ends the read side as if the network failed.
func (m *MockConn) Drop() {
	m.endCh <- ErrConnReset
}

func (m *MockConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *MockConn) ReadMessage() ([]byte, error) {
	// Queued frames are drained before a pending end of stream.
	select {
	case data := <-m.readCh:
		return data, nil
	default:
	}
	select {
	case data := <-m.readCh:
		return data, nil
	case err := <-m.endCh:
		return nil, err
	case <-m.closedCh:
		return nil, &websocket.CloseError{Code: types.CloseNormal}
	}
}

func (m *MockConn) Close(code int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if !m.closed {
		m.closed = true
		m.closeCode = code
		close(m.closedCh)
	}
	return nil
}

// Written returns the frames written so far.
func (m *MockConn) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	for i, w := range m.written {
		out[i] = string(w)
	}
	return out
}

// CloseCalls returns how many times Close was called.
func (m *MockConn) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// Closed reports whether Close was called and with which code.
func (m *MockConn) Closed() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode
}

// Dialer hands out connections to the channels that dial it. By default
// every dial succeeds with a fresh MockConn. With Hold set, dials block
// until Release or until the dial context is cancelled.
type Dialer struct {
	mu    sync.Mutex
	conns []*MockConn
	urls  []string
	fail  error
	hold  bool
	gate  chan struct{}
}

// NewDialer creates a dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{gate: make(chan struct{})}
}

// Fail makes subsequent dials return err. A nil err restores success.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

// Hold makes subsequent dials block until Release.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = true
	d.gate = make(chan struct{})
}

// Release unblocks held dials.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hold {
		d.hold = false
		close(d.gate)
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (types.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail, hold, gate := d.fail, d.hold, d.gate
	d.mu.Unlock()

	if hold {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	conn := NewMockConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Conns returns the connections handed out so far.
func (d *Dialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

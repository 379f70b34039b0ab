// Package backend is a reference chat backend speaking the realtime,
// streaming and session endpoints the chat client expects. It backs the
// end to end tests and local development.
package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

// closeGoingAway is sent to clients when the server shuts down.
const closeGoingAway = 1001

// inbound is a chat message received from a realtime client.
type inbound struct {
	client *Client
	text   string
}

// Hub tracks realtime clients by session and dispatches their messages
// to the chat.
type Hub struct {
	clients  map[string]*Client
	sessions map[string]map[string]bool // session -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound

	chat   *Chat
	mu     sync.RWMutex
	logger zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	turns    sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	stopped  chan struct{}
}

// NewHub creates a hub answering with chat.
func NewHub(chat *Chat, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		sessions:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		chat:       chat,
		logger:     logger.With().Str("component", "hub").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleMessage(in)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop halts the hub loop, closes every client with 1001 and waits for
// running turns to end.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
	if h.running.Load() {
		<-h.stopped
	}
	h.turns.Wait()
}

// Register queues a client for registration. It returns false when the
// hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(in inbound) bool {
	select {
	case h.incoming <- in:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected realtime clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionCount returns the number of sessions with a connected client.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Disconnect closes every connected client with code, leaving the hub
// running so clients may reconnect.
func (h *Hub) Disconnect(code int, reason string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close(code, reason)
	}
	h.logger.Info().Int("clients", len(clients)).Int("code", code).Msg("clients disconnected")
	return len(clients)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if h.sessions[c.Session] == nil {
		h.sessions[c.Session] = make(map[string]bool)
	}
	h.sessions[c.Session][c.ID] = true
	h.mu.Unlock()

	h.turns.Add(1)
	go h.serve(c)

	h.logger.Info().Str("client_id", c.ID).Str("session", c.Session).Msg("client registered")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	if subs, ok := h.sessions[c.Session]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.sessions, c.Session)
		}
	}
	h.mu.Unlock()

	c.Close(types.CloseNormal, "")
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.sessions = make(map[string]map[string]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(closeGoingAway, "server shutting down")
	}
}

// handleMessage queues a client message for that client's turn loop.
func (h *Hub) handleMessage(in inbound) {
	c := in.client
	h.logger.Debug().Str("client_id", c.ID).Str("session", c.Session).Msg("message received")

	select {
	case c.queue <- in.text:
	default:
		h.logger.Warn().Str("client_id", c.ID).Msg("turn queue full, dropping")
		c.deliver(codec.FrameFor(types.Fragment{Kind: types.FragmentError, Payload: unavailable}))
	}
}

// serve answers one client's messages in arrival order until the client
// or the hub is closed.
func (h *Hub) serve(c *Client) {
	defer h.turns.Done()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case text := <-c.queue:
			err := h.chat.Turn(ctx, c.Session, nil, text, true, func(f types.Fragment) error {
				if !c.deliver(codec.FrameFor(f)) {
					return errClientGone
				}
				return nil
			})
			if err != nil {
				h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("turn ended early")
			}
		case <-ctx.Done():
			return
		}
	}
}

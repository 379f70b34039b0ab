// Package manager keeps a chat session alive across an unreliable
// realtime channel, falling back to the streaming endpoint when the
// realtime channel cannot be used.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/assembler"
	"github.com/orchestra-mcp/chatlink/src/policy"
	"github.com/orchestra-mcp/chatlink/src/realtime"
	"github.com/orchestra-mcp/chatlink/src/streaming"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

const (
	taskConnectTimeout = "connect-timeout"
	taskReconnect      = "reconnect"

	defaultConnectTimeout = 10 * time.Second
	eventBufferSize       = 256
)

// ErrClosed is returned when using a manager after Close.
var ErrClosed = errors.New("connection manager closed")

// TurnError describes a turn that ended without an answer.
type TurnError struct {
	Reason string
	Err    error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TurnError) Unwrap() error { return e.Err }

// Streamer performs fallback exchanges.
type Streamer interface {
	Request(ctx context.Context, text string, history []types.Message, h streaming.Handlers) (string, func())
	Cancel()
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the timer source.
func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// WithPolicy replaces the reconnection policy.
func WithPolicy(p policy.Policy) Option { return func(m *Manager) { m.policy = p } }

// WithConnectTimeout sets how long a realtime open may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithHistory seeds the transcript with previously persisted messages.
func WithHistory(msgs []types.Message) Option {
	return func(m *Manager) { m.asm = assembler.New(msgs) }
}

// Manager owns the connection state of one chat session. All state
// changes happen on the goroutine running Run; every other entry point
// only posts an event.
type Manager struct {
	url            string
	dialer         realtime.Dialer
	stream         Streamer
	policy         policy.Policy
	clock          Clock
	connectTimeout time.Duration
	logger         zerolog.Logger

	events    chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the loop.
	state              types.ConnectionState
	attempt            int
	channel            *realtime.Channel
	requestID          string
	cancelRequest      func()
	turn               turnSource
	typing             bool
	asm                *assembler.Assembler
	connectTimeoutTask *task
	reconnectTask      *task
	taskSeq            uint64

	// Guards the snapshots and listener slices below.
	mu          sync.RWMutex
	snapState   types.ConnectionState
	snapAttempt int
	snapMsgs    []types.Message
	onState     []func(from, to types.ConnectionState)
	onMessages  []func([]types.Message)
	onTurnError []func(error)
	onTyping    []func(bool)
}

// New creates a manager for the realtime endpoint url. Call Run in a
// goroutine, then Start.
func New(url string, d realtime.Dialer, s Streamer, logger zerolog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:            url,
		dialer:         d,
		stream:         s,
		policy:         policy.Default(),
		clock:          realClock{},
		connectTimeout: defaultConnectTimeout,
		logger:         logger.With().Str("component", "connection-manager").Logger(),
		events:         make(chan any, eventBufferSize),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		state:          types.StateIdle,
		asm:            assembler.New(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snapMsgs = m.asm.Messages()
	return m
}

// FromConfig builds a manager wired to the websocket dialer and the
// streaming client for cfg's endpoints.
func FromConfig(cfg *config.ChatConfig, logger zerolog.Logger, opts ...Option) *Manager {
	base := []Option{
		WithPolicy(policy.Policy{
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			MaxAttempts: cfg.MaxAttempts,
		}),
		WithConnectTimeout(cfg.ConnectTimeout),
	}
	d := realtime.NewWebsocketDialer(cfg.ReadBufferSize, cfg.WriteBufferSize)
	s := streaming.New(cfg.StreamURL(), nil, logger)
	return New(cfg.RealtimeURL(), d, s, logger, append(base, opts...)...)
}

// Run starts the manager event loop. Call in a goroutine.
func (m *Manager) Run() {
	m.running.Store(true)
	defer close(m.stopped)

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.done:
			m.teardown()
			return
		}
	}
}

// Start opens the realtime channel.
func (m *Manager) Start() error {
	return m.post(startEvent{})
}

// SendMessage sends a user message over whichever channel is usable.
func (m *Manager) SendMessage(text string) error {
	return m.post(sendEvent{text: text})
}

// Reset drops the local transcript and any fallback answer in flight.
func (m *Manager) Reset() error {
	return m.post(resetEvent{})
}

// Close detaches and closes the realtime channel, cancels any fallback
// request and pending timers, and stops the loop. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	if m.running.Load() {
		<-m.stopped
	}
}

func (m *Manager) post(ev any) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case startEvent:
		m.handleStart()
	case sendEvent:
		m.handleSend(ev.text)
	case resetEvent:
		m.stopRequest()
		m.asm.Reset()
		m.turn = turnNone
		m.publishMessages()
	case openEvent:
		m.handleOpen(ev.handle)
	case frameEvent:
		if m.isCurrent(ev.handle) {
			m.applyFragment(ev.frag)
		}
	case errorEvent:
		if m.isCurrent(ev.handle) {
			m.logger.Warn().Err(ev.err).Str("handle", string(ev.handle)).Msg("realtime channel error")
		}
	case closeEvent:
		m.handleClose(ev.handle, ev.code, ev.clean)
	case timerEvent:
		m.handleTimer(ev)
	case streamFragmentEvent:
		if ev.id == m.requestID && m.requestID != "" {
			m.applyFragment(ev.frag)
		}
	case streamDoneEvent:
		m.handleStreamDone(ev.id, ev.err)
	}
}

func (m *Manager) handleStart() {
	if m.state != types.StateIdle {
		m.logger.Debug().Stringer("state", m.state).Msg("start ignored")
		return
	}
	m.openChannel()
}

// openChannel starts a fresh connection attempt and arms the connect timeout.
func (m *Manager) openChannel() {
	cb := realtime.Callbacks{
		OnOpen: func(h realtime.Handle) { _ = m.post(openEvent{handle: h}) },
		OnMessage: func(h realtime.Handle, f types.Fragment) {
			_ = m.post(frameEvent{handle: h, frag: f})
		},
		OnError: func(h realtime.Handle, err error) { _ = m.post(errorEvent{handle: h, err: err}) },
		OnClose: func(h realtime.Handle, code int, clean bool) {
			_ = m.post(closeEvent{handle: h, code: code, clean: clean})
		},
	}
	m.channel = realtime.Open(m.ctx, m.dialer, m.url, cb, m.logger)
	m.connectTimeoutTask = m.schedule(taskConnectTimeout, m.connectTimeout)
	m.logger.Debug().Str("handle", string(m.channel.Handle())).Int("attempt", m.attempt).Msg("opening realtime channel")
	m.setState(types.StateConnecting)
}

func (m *Manager) isCurrent(h realtime.Handle) bool {
	if m.channel == nil || m.channel.Handle() != h {
		m.logger.Debug().Str("handle", string(h)).Msg("dropping event from stale channel")
		return false
	}
	return true
}

func (m *Manager) handleOpen(h realtime.Handle) {
	if !m.isCurrent(h) || m.state != types.StateConnecting {
		return
	}
	m.cancelTask(&m.connectTimeoutTask)
	m.setAttempt(0)
	m.setState(types.StateConnected)
}

func (m *Manager) handleClose(h realtime.Handle, code int, clean bool) {
	if !m.isCurrent(h) {
		return
	}
	m.channel = nil
	m.cancelTask(&m.connectTimeoutTask)
	if m.turn == turnRealtime {
		m.endTurn()
	}

	if !realtime.Abnormal(code, clean) {
		m.logger.Info().Int("code", code).Msg("realtime channel closed normally")
		m.setState(types.StateIdle)
		return
	}

	m.setAttempt(m.attempt + 1)
	if m.policy.ShouldAbandon(m.attempt) {
		m.logger.Warn().Int("attempt", m.attempt).Msg("realtime channel abandoned, using fallback")
		m.setState(types.StateFallbackActive)
		return
	}
	delay := m.policy.NextDelay(m.attempt)
	m.reconnectTask = m.schedule(taskReconnect, delay)
	m.logger.Info().
		Int("code", code).
		Int("attempt", m.attempt).
		Dur("delay", delay).
		Msg("realtime channel lost, reconnecting")
	m.setState(types.StateReconnecting)
}

func (m *Manager) handleTimer(ev timerEvent) {
	switch {
	case m.connectTimeoutTask != nil && m.connectTimeoutTask.id == ev.id:
		m.connectTimeoutTask = nil
		if m.state != types.StateConnecting {
			return
		}
		m.logger.Warn().Dur("timeout", m.connectTimeout).Msg("realtime connect timed out, using fallback")
		m.dropChannel("connect timeout")
		m.setState(types.StateFallbackActive)
	case m.reconnectTask != nil && m.reconnectTask.id == ev.id:
		m.reconnectTask = nil
		if m.state == types.StateReconnecting {
			m.openChannel()
		}
	default:
		m.logger.Debug().Str("task", ev.name).Msg("dropping stale timer")
	}
}

func (m *Manager) handleSend(text string) {
	history := m.asm.History()
	m.asm.AddUser(text)
	m.turn = turnNone
	m.publishMessages()

	if m.state == types.StateConnected && m.channel != nil && m.channel.IsOpen() {
		m.stopRequest()
		m.channel.Send(text)
		m.turn = turnRealtime
		return
	}
	m.startRequest(text, history)
}

func (m *Manager) startRequest(text string, history []types.Message) {
	id, cancel := m.stream.Request(m.ctx, text, history, streaming.Handlers{
		OnFragment: func(id string, f types.Fragment) {
			_ = m.post(streamFragmentEvent{id: id, frag: f})
		},
		OnDone: func(id string, err error) {
			_ = m.post(streamDoneEvent{id: id, err: err})
		},
	})
	m.requestID = id
	m.cancelRequest = cancel
	m.turn = turnStream
	m.logger.Debug().Str("request_id", id).Stringer("state", m.state).Msg("sent over fallback")
}

func (m *Manager) handleStreamDone(id string, err error) {
	if id == "" || id != m.requestID {
		return
	}
	m.requestID = ""
	m.cancelRequest = nil
	if m.turn == turnStream {
		m.endTurn()
	}
	if err != nil {
		m.notifyTurnError(&TurnError{Reason: "fallback request failed", Err: err})
	}
}

func (m *Manager) applyFragment(f types.Fragment) {
	if m.asm.OnFragment(f) {
		m.publishMessages()
	}
	switch f.Kind {
	case types.FragmentFinal:
		if m.turn == turnRealtime {
			m.turn = turnNone
		}
	case types.FragmentError:
		if m.turn == turnStream {
			m.stopRequest()
		}
		m.turn = turnNone
		m.notifyTurnError(&TurnError{Reason: f.Payload})
	}
	m.publishTyping()
}

// endTurn freezes the growing message, if any.
func (m *Manager) endTurn() {
	m.turn = turnNone
	if m.asm.InTurn() {
		m.asm.EndTurn()
		m.publishMessages()
		return
	}
	m.asm.EndTurn()
	m.publishTyping()
}

// stopRequest cancels the outstanding fallback request, if any.
func (m *Manager) stopRequest() {
	if m.cancelRequest != nil {
		m.cancelRequest()
	}
	m.cancelRequest = nil
	m.requestID = ""
}

// dropChannel detaches and closes the current realtime channel.
func (m *Manager) dropChannel(reason string) {
	if m.channel == nil {
		return
	}
	m.channel.Close(types.CloseNormal, reason)
	m.channel = nil
}

func (m *Manager) teardown() {
	m.cancelTask(&m.connectTimeoutTask)
	m.cancelTask(&m.reconnectTask)
	m.dropChannel("client closing")
	m.stopRequest()
	m.stream.Cancel()
	m.cancel()
	m.endTurn()
	m.setState(types.StateIdle)
	m.logger.Debug().Msg("connection manager stopped")
}

func (m *Manager) schedule(name string, d time.Duration) *task {
	m.taskSeq++
	id := m.taskSeq
	t := &task{name: name, id: id}
	t.timer = m.clock.AfterFunc(d, func() {
		_ = m.post(timerEvent{name: name, id: id})
	})
	return t
}

func (m *Manager) cancelTask(t **task) {
	(*t).cancel()
	*t = nil
}

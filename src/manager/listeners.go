package manager

import "github.com/orchestra-mcp/chatlink/src/types"

// Listener callbacks run on the manager loop goroutine, in event order.
// They must not block and must not call Close.

// OnStateChange registers a callback for connection state transitions.
func (m *Manager) OnStateChange(cb func(from, to types.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, cb)
}

// OnMessages registers a callback that receives the transcript after
// every change.
func (m *Manager) OnMessages(cb func([]types.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessages = append(m.onMessages, cb)
}

// OnTurnError registers a callback for turns that ended in failure.
// The session stays usable for the next message.
func (m *Manager) OnTurnError(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTurnError = append(m.onTurnError, cb)
}

// OnTyping registers a callback for the backend's typing hint.
func (m *Manager) OnTyping(cb func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTyping = append(m.onTyping, cb)
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapState
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapAttempt
}

// Messages returns a copy of the session transcript.
func (m *Manager) Messages() []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Message, len(m.snapMsgs))
	copy(out, m.snapMsgs)
	return out
}

func (m *Manager) setState(s types.ConnectionState) {
	old := m.state
	m.state = s

	m.mu.Lock()
	m.snapState = s
	cbs := append([]func(from, to types.ConnectionState){}, m.onState...)
	m.mu.Unlock()

	if old == s {
		return
	}
	m.logger.Info().Stringer("from", old).Stringer("to", s).Int("attempt", m.attempt).Msg("state change")
	for _, cb := range cbs {
		cb(old, s)
	}
}

func (m *Manager) setAttempt(n int) {
	m.attempt = n
	m.mu.Lock()
	m.snapAttempt = n
	m.mu.Unlock()
}

func (m *Manager) publishMessages() {
	msgs := m.asm.Messages()

	m.mu.Lock()
	m.snapMsgs = msgs
	cbs := append([]func([]types.Message){}, m.onMessages...)
	m.mu.Unlock()

	for _, cb := range cbs {
		out := make([]types.Message, len(msgs))
		copy(out, msgs)
		cb(out)
	}
	m.publishTyping()
}

func (m *Manager) publishTyping() {
	typing := m.asm.Typing()
	if typing == m.typing {
		return
	}
	m.typing = typing

	m.mu.RLock()
	cbs := append([]func(bool){}, m.onTyping...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(typing)
	}
}

func (m *Manager) notifyTurnError(err error) {
	m.logger.Warn().Err(err).Msg("turn failed")

	m.mu.RLock()
	cbs := append([]func(error){}, m.onTurnError...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(err)
	}
}

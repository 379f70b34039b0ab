// Package assembler folds streamed fragments into a session transcript.
package assembler

import (
	"strings"

	"github.com/orchestra-mcp/chatlink/src/types"
)

// Assembler owns the ordered message list of one chat session. Only the
// last message may grow, and only while it is an in-progress assistant
// message. Assembler is not safe for concurrent use; the connection
// manager calls it from its event loop only.
type Assembler struct {
	messages []types.Message
	buf      strings.Builder
	typing   bool
}

// New creates an assembler seeded with previously persisted history.
// Seeded messages are frozen.
func New(history []types.Message) *Assembler {
	a := &Assembler{}
	for _, m := range history {
		m.InProgress = false
		a.messages = append(a.messages, m)
	}
	return a
}

// AddUser ends any open turn and appends a user message.
func (a *Assembler) AddUser(text string) {
	a.EndTurn()
	a.messages = append(a.messages, types.Message{Role: types.RoleUser, Text: text})
}

// OnFragment applies one fragment and reports whether the transcript changed.
func (a *Assembler) OnFragment(f types.Fragment) bool {
	switch {
	case f.Kind.Appendable():
		a.typing = false
		a.buf.WriteString(f.Payload)
		if last := a.open(); last != nil {
			last.Text = a.buf.String()
			return true
		}
		a.messages = append(a.messages, types.Message{
			Role:       types.RoleAssistant,
			Text:       a.buf.String(),
			InProgress: true,
		})
		return true

	case f.Kind == types.FragmentTyping:
		a.typing = true
		return false

	case f.Kind == types.FragmentFinal:
		return a.final(f.Payload)

	case f.Kind == types.FragmentError:
		changed := a.open() != nil
		a.EndTurn()
		return changed
	}
	return false
}

// final installs a complete answer. A complete answer that repeats the
// preceding assistant message is dropped.
func (a *Assembler) final(text string) bool {
	a.typing = false
	if last := a.open(); last != nil {
		last.Text = text
		a.EndTurn()
		return true
	}
	if prev := a.lastAssistant(); prev != nil && prev.Text == text {
		a.EndTurn()
		return false
	}
	a.EndTurn()
	a.messages = append(a.messages, types.Message{Role: types.RoleAssistant, Text: text})
	return true
}

// EndTurn freezes the last message and clears the turn buffer.
func (a *Assembler) EndTurn() {
	if n := len(a.messages); n > 0 {
		a.messages[n-1].InProgress = false
	}
	a.buf.Reset()
	a.typing = false
}

// InTurn reports whether an assistant message is still growing.
func (a *Assembler) InTurn() bool {
	return a.open() != nil
}

// Typing reports whether the backend signalled it is composing an answer.
func (a *Assembler) Typing() bool {
	return a.typing
}

// Messages returns a copy of the transcript.
func (a *Assembler) Messages() []types.Message {
	out := make([]types.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// History returns the frozen messages, for the fallback request body.
func (a *Assembler) History() []types.Message {
	out := make([]types.Message, 0, len(a.messages))
	for _, m := range a.messages {
		if !m.InProgress {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops the whole transcript.
func (a *Assembler) Reset() {
	a.messages = nil
	a.buf.Reset()
	a.typing = false
}

func (a *Assembler) open() *types.Message {
	n := len(a.messages)
	if n == 0 {
		return nil
	}
	last := &a.messages[n-1]
	if last.Role != types.RoleAssistant || !last.InProgress {
		return nil
	}
	return last
}

// lastAssistant returns the last message if it was written by the assistant.
func (a *Assembler) lastAssistant() *types.Message {
	n := len(a.messages)
	if n == 0 || a.messages[n-1].Role != types.RoleAssistant {
		return nil
	}
	return &a.messages[n-1]
}

package backend

import (
	"context"
	"strings"
	"time"

	"github.com/orchestra-mcp/chatlink/src/types"
)

// Responder produces the assistant's answer to one user message. It
// reports partial text through emit as it becomes available and returns
// the complete answer. A non-nil error from emit means nobody is
// listening any more and the responder should stop.
type Responder interface {
	Respond(ctx context.Context, history []types.Message, text string, emit func(chunk string) error) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, history []types.Message, text string, emit func(chunk string) error) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, history []types.Message, text string, emit func(chunk string) error) (string, error) {
	return f(ctx, history, text, emit)
}

// EchoResponder answers by repeating the user's message word by word.
type EchoResponder struct {
	Prefix string
	Delay  time.Duration // pause between chunks
}

func (e EchoResponder) Respond(ctx context.Context, _ []types.Message, text string, emit func(chunk string) error) (string, error) {
	reply := e.Prefix + text
	for i, chunk := range strings.SplitAfter(reply, " ") {
		if i > 0 && e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := emit(chunk); err != nil {
			return "", err
		}
	}
	return reply, nil
}

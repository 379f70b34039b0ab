package backend

import (
	"context"
	"errors"

	"github.com/orchestra-mcp/chatlink/src/history"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

// errClientGone stops a turn whose listener disconnected.
var errClientGone = errors.New("client disconnected")

// unavailable is the error text sent to clients when a turn fails.
const unavailable = "The assistant is unavailable right now. Please try again."

// Chat runs question and answer turns and records them in the store.
type Chat struct {
	store     history.Store
	responder Responder
	logger    zerolog.Logger
}

// NewChat creates a Chat backed by store and responder.
func NewChat(store history.Store, r Responder, logger zerolog.Logger) *Chat {
	return &Chat{
		store:     store,
		responder: r,
		logger:    logger.With().Str("component", "chat").Logger(),
	}
}

// Turn answers text within session. When history is nil the stored
// transcript is used. Fragments are reported through emit in order:
// typing, text chunks, then the final message when final is set. A
// failed answer is reported as an error fragment and returned.
func (c *Chat) Turn(ctx context.Context, session string, hist []types.Message, text string, final bool, emit func(types.Fragment) error) error {
	if hist == nil {
		stored, err := c.store.List(ctx, session)
		if err != nil {
			c.logger.Error().Err(err).Str("session", session).Msg("failed to load history")
		}
		hist = stored
	}

	if err := emit(types.Fragment{Kind: types.FragmentTyping}); err != nil {
		return err
	}
	reply, err := c.responder.Respond(ctx, hist, text, func(chunk string) error {
		return emit(types.Fragment{Kind: types.FragmentText, Payload: chunk})
	})
	if err != nil {
		if errors.Is(err, errClientGone) || ctx.Err() != nil {
			return err
		}
		c.logger.Error().Err(err).Str("session", session).Msg("responder failed")
		_ = emit(types.Fragment{Kind: types.FragmentError, Payload: unavailable})
		return err
	}

	if err := c.store.Append(ctx, session,
		types.Message{Role: types.RoleUser, Text: text},
		types.Message{Role: types.RoleAssistant, Text: reply},
	); err != nil {
		c.logger.Error().Err(err).Str("session", session).Msg("failed to store turn")
	}

	if final {
		return emit(types.Fragment{Kind: types.FragmentFinal, Payload: reply})
	}
	return nil
}

// History returns the stored transcript of session.
func (c *Chat) History(ctx context.Context, session string) ([]types.Message, error) {
	return c.store.List(ctx, session)
}

// Clear drops the stored transcript of session.
func (c *Chat) Clear(ctx context.Context, session string) error {
	return c.store.Clear(ctx, session)
}

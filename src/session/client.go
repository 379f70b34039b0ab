// Package session talks to the backend's non-streaming session endpoints:
// loading the persisted transcript and clearing it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}

// Client calls the history and clear endpoints of one chat session.
type Client struct {
	http   *fasthttp.Client
	cfg    *config.ChatConfig
	logger zerolog.Logger
}

// New creates a session client for cfg's backend.
func New(cfg *config.ChatConfig, logger zerolog.Logger) *Client {
	return &Client{
		http: &fasthttp.Client{
			Name:                     "chatlink",
			NoDefaultUserAgentHeader: true,
		},
		cfg:    cfg,
		logger: logger.With().Str("component", "session-client").Logger(),
	}
}

// History returns the persisted transcript, oldest first.
func (c *Client) History(ctx context.Context) ([]types.Message, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.HistoryURL())
	if err != nil {
		return nil, err
	}
	var resp codec.HistoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	c.logger.Debug().Int("messages", len(resp.Messages)).Msg("history loaded")
	return resp.Messages, nil
}

// Clear removes the persisted transcript.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.do(ctx, fasthttp.MethodPost, c.cfg.ClearURL())
	if err == nil {
		c.logger.Debug().Msg("history cleared")
	}
	return err
}

func (c *Client) do(ctx context.Context, method, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.RequestTimeout)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.cfg.SessionID != "" {
		req.Header.Set("X-Session-ID", c.cfg.SessionID)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, &StatusError{URL: url, Code: code}
	}
	return append([]byte(nil), resp.Body()...), nil
}

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type seen struct {
	mu       sync.Mutex
	method   string
	path     string
	query    string
	sessionH string
}

func serve(t *testing.T, handler fasthttp.RequestHandler) (*config.ChatConfig, *seen) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &seen{}
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		s.mu.Lock()
		s.method = string(ctx.Method())
		s.path = string(ctx.Path())
		s.query = string(ctx.QueryArgs().Peek("session"))
		s.sessionH = string(ctx.Request.Header.Peek("X-Session-ID"))
		s.mu.Unlock()
		handler(ctx)
	}}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })

	cfg := config.DefaultChatConfig()
	cfg.BaseURL = "http://" + ln.Addr().String()
	cfg.RequestTimeout = 2 * time.Second
	return cfg, s
}

func TestHistoryDecodesMessages(t *testing.T) {
	cfg, s := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"messages":[{"role":"user","text":"hi"},{"role":"assistant","text":"hello"}]}`)
	})
	cfg.SessionID = "abc"

	msgs, err := New(cfg, zerolog.Nop()).History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Message{
		{Role: types.RoleUser, Text: "hi"},
		{Role: types.RoleAssistant, Text: "hello"},
	}, msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, fasthttp.MethodGet, s.method)
	assert.Equal(t, "/api/citizen/history/", s.path)
	assert.Equal(t, "abc", s.query)
	assert.Equal(t, "abc", s.sessionH)
}

func TestClearPosts(t *testing.T) {
	cfg, s := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	})

	require.NoError(t, New(cfg, zerolog.Nop()).Clear(context.Background()))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, fasthttp.MethodPost, s.method)
	assert.Equal(t, "/api/citizen/clear/", s.path)
}

func TestNon2xxIsStatusError(t *testing.T) {
	cfg, _ := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})

	_, err := New(cfg, zerolog.Nop()).History(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, se.Code)
}

func TestMalformedHistoryIsError(t *testing.T) {
	cfg, _ := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("not json")
	})

	_, err := New(cfg, zerolog.Nop()).History(context.Background())
	assert.ErrorContains(t, err, "decode history")
}

func TestCancelledContextSkipsRequest(t *testing.T) {
	cfg, s := serve(t, func(ctx *fasthttp.RequestCtx) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(cfg, zerolog.Nop()).Clear(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.method)
}

func TestUnreachableBackend(t *testing.T) {
	cfg := config.DefaultChatConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.RequestTimeout = time.Second

	_, err := New(cfg, zerolog.Nop()).History(context.Background())
	assert.Error(t, err)
}

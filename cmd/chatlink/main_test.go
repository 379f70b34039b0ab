package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/backend"
	"github.com/orchestra-mcp/chatlink/src/history"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunPrintsHistoryAndAnswers(t *testing.T) {
	store := history.NewMemoryStore(0)
	require.NoError(t, store.Append(context.Background(), "citizen:cli",
		types.Message{Role: types.RoleUser, Text: "earlier question"},
		types.Message{Role: types.RoleAssistant, Text: "earlier answer"},
	))
	srv := backend.NewServer(config.DefaultConfig(), backend.NewChat(store, backend.EchoResponder{Prefix: "echo: "}, zerolog.Nop()), zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })

	cfg := config.DefaultChatConfig()
	cfg.BaseURL = "http://" + ln.Addr().String()
	cfg.SessionID = "cli"

	in, feed := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, in, out, zerolog.Nop()) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bot> earlier answer")
	}, 5*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(feed, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bot> echo: hello")
	}, 5*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(feed, "/clear\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(history cleared)")
	}, 5*time.Second, 5*time.Millisecond)
	msgs, _ := store.List(context.Background(), "citizen:cli")
	assert.Empty(t, msgs)

	require.NoError(t, feed.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after input closed")
	}
	assert.Equal(t, 1, strings.Count(out.String(), "bot> echo: hello"))
}

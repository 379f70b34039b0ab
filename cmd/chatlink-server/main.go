// Command chatlink-server runs the reference chat backend: the realtime
// websocket, the streaming fallback and the session endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/backend"
	"github.com/orchestra-mcp/chatlink/src/history"
	"github.com/rs/zerolog"
)

const redisPingTimeout = 2 * time.Second

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	cfg := config.SocketConfigFromEnv()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	responder := backend.EchoResponder{Prefix: "You said: ", Delay: 50 * time.Millisecond}
	srv := backend.NewServer(cfg, backend.NewChat(store, responder, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	return srv.Shutdown()
}

// openStore uses Redis when it answers a ping and keeps transcripts in
// memory otherwise.
func openStore(ctx context.Context, cfg *config.SocketConfig, logger zerolog.Logger) (history.Store, func()) {
	rcfg := history.RedisConfigFromEnv()
	rcfg.Limit = cfg.HistoryLimit
	rs := history.NewRedisStore(rcfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		logger.Warn().Err(err).Str("addr", rcfg.Addr).Msg("redis unavailable, keeping history in memory")
		return history.NewMemoryStore(cfg.HistoryLimit), func() {}
	}

	logger.Info().Str("addr", rcfg.Addr).Msg("history stored in redis")
	return rs, func() {
		if err := rs.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close failed")
		}
	}
}

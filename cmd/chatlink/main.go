// Command chatlink is a terminal chat client. It keeps a realtime
// connection to the backend and falls back to streamed answers when the
// connection cannot be kept up.
//
// Type a message and press enter. "/clear" clears the session history,
// "/quit" exits.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/manager"
	"github.com/orchestra-mcp/chatlink/src/session"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

func main() {
	level := zerolog.WarnLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("CHATLINK_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config.ChatConfigFromEnv(), os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ChatConfig, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	sess := session.New(cfg, logger)

	hist, err := sess.History(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not load history")
		hist = nil
	}
	for _, m := range hist {
		printMessage(out, m)
	}

	m := manager.FromConfig(cfg, logger, manager.WithHistory(hist))

	// Runs on the manager loop, so printed needs no lock.
	printed := len(hist)
	m.OnMessages(func(msgs []types.Message) {
		if len(msgs) < printed {
			printed = 0
		}
		for printed < len(msgs) && !msgs[printed].InProgress {
			if msgs[printed].Role == types.RoleAssistant {
				printMessage(out, msgs[printed])
			}
			printed++
		}
	})
	m.OnStateChange(func(_, to types.ConnectionState) {
		fmt.Fprintf(os.Stderr, "[%s]\n", strings.ToLower(to.String()))
	})
	m.OnTurnError(func(err error) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	})

	go m.Run()
	defer m.Close()
	if err := m.Start(); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return nil
			case "/clear":
				if err := sess.Clear(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "! clear failed: %v\n", err)
					continue
				}
				if err := m.Reset(); err != nil {
					return err
				}
				fmt.Fprintln(out, "(history cleared)")
			default:
				if err := m.SendMessage(line); err != nil {
					return err
				}
			}
		}
	}
}

func printMessage(out io.Writer, m types.Message) {
	switch m.Role {
	case types.RoleUser:
		fmt.Fprintf(out, "you> %s\n", m.Text)
	default:
		fmt.Fprintf(out, "bot> %s\n", m.Text)
	}
}

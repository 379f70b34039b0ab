package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatlink/config"
	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/realtime"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const defaultSession = "default"

// Server serves the realtime, streaming and session endpoints.
//
// The websocket upgrade and the NDJSON stream need the raw
// *fasthttp.RequestCtx, so they are routed before the fiber app, which
// handles the JSON routes.
type Server struct {
	cfg      *config.SocketConfig
	chat     *Chat
	hub      *Hub
	app      *fiber.App
	routes   fasthttp.RequestHandler
	upgrader websocket.FastHTTPUpgrader
	srv      *fasthttp.Server
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server answering with chat.
func NewServer(cfg *config.SocketConfig, chat *Chat, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:  cfg,
		chat: chat,
		hub:  NewHub(chat, logger),
		app:  fiber.New(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.RequestTimeout(),
			CheckOrigin:      func(*fasthttp.RequestCtx) bool { return true },
		},
		logger: logger.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.registerRoutes()
	s.routes = s.app.Handler()
	s.srv = &fasthttp.Server{
		Handler:         s.Handler(),
		Name:            "chatlink",
		ReadBufferSize:  4096,
		CloseOnShutdown: true,
	}
	return s
}

// Hub returns the realtime client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the root request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")
		switch {
		case len(parts) == 2 && parts[0] == "ws":
			s.handleWebsocket(ctx, parts[1])
		case len(parts) == 4 && parts[0] == "api" && parts[2] == "chat" && parts[3] == "stream":
			if !ctx.IsPost() {
				ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
				return
			}
			s.handleStream(ctx, parts[1])
		default:
			s.routes(ctx)
		}
	}
}

// Serve starts the hub and serves connections from ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.hub.Run()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("chat backend listening")
	return s.srv.Serve(ln)
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops running turns, closes realtime clients and stops the
// HTTP server.
func (s *Server) Shutdown() error {
	s.cancel()
	s.hub.Stop()
	return s.srv.Shutdown()
}

func (s *Server) handleWebsocket(ctx *fasthttp.RequestCtx, kind string) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	clientID := uuid.New().String()
	session := sessionKey(kind, string(ctx.QueryArgs().Peek("session")), string(ctx.Request.Header.Peek("X-Session-ID")))
	h := s.hub

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(clientID, session, realtime.WrapConn(conn), h)
		go client.WritePump()
		if h.Register(client) {
			client.ReadPump()
		}
		client.Close(types.CloseNormal, "")
		client.Wait()
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) handleStream(ctx *fasthttp.RequestCtx, kind string) {
	var req codec.StreamRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Message == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"invalid_request","message":"a non-empty message is required"}`)
		return
	}
	if req.History == nil {
		req.History = []types.Message{}
	}
	session := sessionKey(kind, string(ctx.QueryArgs().Peek("session")), string(ctx.Request.Header.Peek("X-Session-ID")))
	requestID := uuid.New().String()
	logger := s.logger.With().Str("request_id", requestID).Str("session", session).Logger()

	ctx.SetContentType("application/x-ndjson")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		turnCtx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		enc := json.NewEncoder(w)
		err := s.chat.Turn(turnCtx, session, req.History, req.Message, false, func(f types.Fragment) error {
			if err := enc.Encode(codec.FrameFor(f)); err != nil {
				return errClientGone
			}
			if err := w.Flush(); err != nil {
				return errClientGone
			}
			return nil
		})
		if err != nil {
			logger.Debug().Err(err).Msg("stream turn ended early")
			return
		}
		logger.Debug().Msg("stream turn complete")
	})
}

func (s *Server) registerRoutes() {
	s.app.Get("/api/info", s.handleInfo)
	s.app.Get("/api/:kind/history", s.handleHistory)
	s.app.Post("/api/:kind/clear", s.handleClear)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"clients":   s.hub.ClientCount(),
		"sessions":  s.hub.SessionCount(),
	})
}

func (s *Server) handleHistory(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout())
	defer cancel()

	msgs, err := s.chat.History(ctx, sessionKey(c.Params("kind"), c.Query("session"), c.Get("X-Session-ID")))
	if err != nil {
		s.logger.Error().Err(err).Msg("history failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "history_unavailable"})
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return c.JSON(codec.HistoryResponse{Messages: msgs})
}

func (s *Server) handleClear(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout())
	defer cancel()

	session := sessionKey(c.Params("kind"), c.Query("session"), c.Get("X-Session-ID"))
	if err := s.chat.Clear(ctx, session); err != nil {
		s.logger.Error().Err(err).Msg("clear failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "clear_failed"})
	}
	s.logger.Info().Str("session", session).Msg("history cleared")
	return c.JSON(fiber.Map{"cleared": true})
}

// sessionKey scopes a session identifier to its kind. The query
// parameter wins over the header.
func sessionKey(kind, query, header string) string {
	id := query
	if id == "" {
		id = header
	}
	if id == "" {
		id = defaultSession
	}
	return kind + ":" + id
}


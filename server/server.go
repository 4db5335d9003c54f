// Package server exposes the chat engine over websockets, plus health and
// metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/engine"
)

// Handler processes chat inputs. *engine.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, in *core.Input) (*engine.Output, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `koanf:"addr"`

	// MaxMessageBytes bounds a single inbound frame; voice notes are
	// sent inline. Default: 10 MiB.
	MaxMessageBytes int64 `koanf:"max_message_bytes"`

	// RateLimit is the number of inputs per second a connection may send.
	// Default: 2.
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the limiter burst. Default: 10.
	RateBurst int `koanf:"rate_burst"`

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// PingInterval is how often idle connections are pinged. A connection
	// that doesn't answer within two intervals is dropped. Default: 30s.
	PingInterval time.Duration `koanf:"ping_interval"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 2
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Server serves /ws, /health and /metrics.
type Server struct {
	config   Config
	hub      *Hub
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	baseCtx context.Context
}

// New creates a server delivering through hub and handling inputs with
// handler.
func New(cfg Config, hub *Hub, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	s := &Server{
		config:  cfg,
		hub:     hub,
		handler: handler,
		logger:  logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate upstream; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		baseCtx: context.Background(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.Addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not closed by Shutdown.
	s.hub.closeAll()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.hub.Connections(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	owner, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil || owner == 0 {
		http.Error(w, "owner_id query parameter required", http.StatusBadRequest)
		return
	}
	chat := core.ChatID(owner)
	if v := r.URL.Query().Get("chat_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "invalid chat_id", http.StatusBadRequest)
			return
		}
		chat = core.ChatID(id)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, owner: core.OwnerID(owner), chat: chat}
	s.hub.register(c)
	s.logger.Info("client connected",
		zap.Int64("owner_id", owner),
		zap.Int64("chat_id", int64(chat)))

	// The request context ends when the handler returns; inputs run on
	// the server's context instead.
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer func() {
		cancel()
		s.hub.unregister(c)
		_ = conn.Close()
		s.logger.Info("client disconnected", zap.Int64("owner_id", owner))
	}()

	go s.keepAlive(ctx, c)
	s.readLoop(ctx, c)
}

func (s *Server) keepAlive(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	pongWait := 2 * s.config.PingInterval
	c.conn.SetReadLimit(s.config.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
	for {
		var in core.Input
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read failed", zap.Int64("owner_id", int64(c.owner)), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			s.reply(c, Event{Type: EventError, Kind: in.Kind, Error: "rate limited"})
			continue
		}

		// Identity comes from the connection, never from the frame.
		in.OwnerID = c.owner
		in.ChatID = c.chat

		out, err := s.handler.Handle(ctx, &in)
		if err != nil {
			s.logger.Warn("input failed",
				zap.String("kind", string(in.Kind)),
				zap.Int64("owner_id", int64(c.owner)),
				zap.Error(err))
			s.reply(c, Event{Type: EventError, Kind: in.Kind, Error: errorText(out, err)})
			continue
		}
		ack := Event{Type: EventAck, Kind: in.Kind, ChatID: in.ChatID}
		if out != nil {
			ack.MessageID = out.MessageID
			ack.Pending = out.AwaitingApproval
		}
		s.reply(c, ack)
	}
}

func (s *Server) reply(c *client, ev Event) {
	if err := c.write(ev, s.config.WriteTimeout); err != nil {
		s.logger.Debug("reply failed", zap.Error(err))
	}
}

// errorText prefers the notice already shown to the user over the
// internal error.
func errorText(out *engine.Output, err error) string {
	if out != nil && out.Text != "" {
		return out.Text
	}
	return err.Error()
}

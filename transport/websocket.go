// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the WebSocket endpoint.
type WebSocketConfig struct {
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// IdentityHeader carries the authenticated identity set by the gateway
	// in front of the broker.
	IdentityHeader string `yaml:"identity_header"`
}

// DefaultWebSocketConfig returns the default WebSocket settings.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Address:         ":8083",
		Path:            "/subscribe",
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		IdentityHeader:  "X-Agent-Identity",
	}
}

// WebSocket attaches realtime subscriptions to WebSocket connections. A
// client connects with ?subscription=<id>, receives message frames and
// sends ack and heartbeat frames back.
type WebSocket struct {
	cfg      WebSocketConfig
	session  Session
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewWebSocket creates the WebSocket endpoint.
func NewWebSocket(cfg WebSocketConfig, session Session, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWebSocketConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = def.IdentityHeader
	}

	s := &WebSocket{
		cfg:     cfg,
		session: session,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, s)
	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}
	return s
}

// Listen serves until ctx is done.
func (s *WebSocket) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.cfg.Address),
		slog.String("path", s.cfg.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(s.cfg.IdentityHeader)
	subID := r.URL.Query().Get("subscription")
	if identity == "" || subID == "" {
		http.Error(w, "identity and subscription are required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	conn := &wsConn{ws: ws, writeTimeout: s.cfg.WriteTimeout}
	defer conn.close()

	ctx := r.Context()
	if err := s.session.Attach(ctx, identity, subID, conn); err != nil {
		s.logger.Warn("websocket_attach_failed",
			slog.String("identity", identity),
			slog.String("subscription", subID),
			slog.String("error", err.Error()))
		conn.writeFrame(ctx, Frame{Type: FrameError, SubscriptionID: subID, Error: err.Error()})
		return
	}
	s.logger.Debug("websocket_subscriber_attached",
		slog.String("identity", identity),
		slog.String("subscription", subID),
		slog.String("remote_addr", r.RemoteAddr))

	s.readLoop(ctx, conn, identity, subID)

	if err := s.session.Disconnect(context.Background(), identity, subID); err != nil {
		s.logger.Debug("websocket_disconnect_failed",
			slog.String("subscription", subID),
			slog.String("error", err.Error()))
	}
}

func (s *WebSocket) readLoop(ctx context.Context, conn *wsConn, identity, subID string) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := Decode(data)
		if err == nil {
			if f.SubscriptionID == "" {
				f.SubscriptionID = subID
			}
			err = handle(ctx, s.session, identity, f)
		}
		if err != nil {
			conn.writeFrame(ctx, Frame{Type: FrameError, SubscriptionID: subID, Error: err.Error()})
		}
	}
}

// wsConn is the delivery transport of one WebSocket connection.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Push(ctx context.Context, d delivery.Delivery) error {
	if err := c.writeFrame(ctx, DeliveryFrame(d)); err != nil {
		return fmt.Errorf("%w: %w", message.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *wsConn) writeFrame(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
}

// Package server provides the WebSocket surface of the bus: an HTTP
// listener that upgrades connections and runs one read pump and one
// write pump per session. Read pumps feed the central bus inbox; write
// pumps own their outbound socket and receive serialized frames from
// the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/stickybus/internal/bus"
)

// Server accepts WebSocket connections and binds each one to a bus
// session.
type Server struct {
	bind   string
	bus    *bus.Bus
	logger *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a Server. Call [Server.Start] to begin listening.
func New(bind string, b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bind:   bind,
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The bus carries no origin-based auth; any client that
			// can reach the socket may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start listens on the configured address until ctx is cancelled. A
// failure to bind is returned immediately and is fatal to the caller.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:    s.bind,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.logger.Info("websocket server listening", "bind", s.bind)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket listen on %s: %w", s.bind, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("websocket server shutdown", "error", err)
		}
		return nil
	}
}

// handleUpgrade accepts one WebSocket connection and starts its
// session pumps.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			"remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, s.bus, rand.Int63(), s.logger)
	s.logger.Info("client connected",
		"client", sess.addr, "session_id", sess.id)

	s.bus.Send(bus.Connect{
		Addr:      sess.addr,
		SessionID: sess.id,
		Client:    sess,
	})

	go sess.writePump()
	go sess.readPump()
}

// SPDX-License-Identifier: MIT

// Package server exposes the relay's HTTP surface: the /subtitles downlink
// WebSocket, a /healthz probe, and a Prometheus-style /metrics endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
)

// Stats is a point-in-time snapshot of relay counters for /metrics.
type Stats struct {
	ChunksRead       uint64
	ChunksDropped    uint64
	TranscoderSpawns uint64
	Sessions         uint64
	Subscribers      int
}

// StatsProvider supplies live counters. The lifecycle root implements it.
type StatsProvider interface {
	Stats() Stats
}

// Server hosts the downlink and observability endpoints.
type Server struct {
	addr     string
	registry *broadcast.Registry
	stats    StatsProvider
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ln net.Listener
}

// New creates the HTTP server. stats may be nil (metrics then report the
// subscriber count and zero for every other counter).
func New(addr string, registry *broadcast.Registry, stats StatsProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		registry: registry,
		stats:    stats,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are anonymous browsers; the downlink carries no
			// client-controlled state, so any origin may listen.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// String names the service in the supervision tree.
func (s *Server) String() string { return "http" }

// Listen binds the listener synchronously so bind failures surface at
// startup rather than inside the supervision tree.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("listening", "addr", s.addr)
	return nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully. It implements suture.Service; if Listen has not bound a
// listener yet, Serve binds one first.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(s.ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return ctx.Err()
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/subtitles", s.handleSubtitles)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleSubtitles upgrades the connection, registers it for broadcasts and
// discards anything the client sends until it disconnects.
func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subtitle upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := broadcast.NewSubscriber(wsConn{conn}, conn.RemoteAddr().String())
	s.registry.Register(sub)
	defer func() {
		s.registry.Unregister(sub)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleMetrics writes a minimal Prometheus exposition without pulling in
// a metrics dependency.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var sb strings.Builder

	var st Stats
	if s.stats != nil {
		st = s.stats.Stats()
	}
	st.Subscribers = s.registry.Count()

	fmt.Fprintln(&sb, "# HELP captionrelay_chunks_read_total Audio chunks read from the transcoder.")
	fmt.Fprintln(&sb, "# TYPE captionrelay_chunks_read_total counter")
	fmt.Fprintf(&sb, "captionrelay_chunks_read_total %d\n", st.ChunksRead)

	fmt.Fprintln(&sb, "# HELP captionrelay_chunks_dropped_total Audio chunks dropped on buffer overflow.")
	fmt.Fprintln(&sb, "# TYPE captionrelay_chunks_dropped_total counter")
	fmt.Fprintf(&sb, "captionrelay_chunks_dropped_total %d\n", st.ChunksDropped)

	fmt.Fprintln(&sb, "# HELP captionrelay_transcoder_spawns_total Transcoder processes started.")
	fmt.Fprintln(&sb, "# TYPE captionrelay_transcoder_spawns_total counter")
	fmt.Fprintf(&sb, "captionrelay_transcoder_spawns_total %d\n", st.TranscoderSpawns)

	fmt.Fprintln(&sb, "# HELP captionrelay_asr_sessions_total Recognizer sessions opened.")
	fmt.Fprintln(&sb, "# TYPE captionrelay_asr_sessions_total counter")
	fmt.Fprintf(&sb, "captionrelay_asr_sessions_total %d\n", st.Sessions)

	fmt.Fprintln(&sb, "# HELP captionrelay_subscribers Current subtitle subscribers.")
	fmt.Fprintln(&sb, "# TYPE captionrelay_subscribers gauge")
	fmt.Fprintf(&sb, "captionrelay_subscribers %d\n", st.Subscribers)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// wsConn adapts a gorilla connection to the broadcast.Conn interface.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) WriteTextMessage(deadline time.Time, data []byte) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

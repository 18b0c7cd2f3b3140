package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StatusServerConfig configures the local status endpoint.
type StatusServerConfig struct {
	// Enabled turns the endpoint on. Off by default; the daemon needs no
	// inbound surface to do its job.
	Enabled bool

	// Port to listen on, bound to localhost only. Default: 8617.
	Port int

	// PingInterval keeps idle WebSocket streams alive. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds each WebSocket write. Default: 10s.
	WriteTimeout time.Duration
}

// DefaultStatusServerConfig returns the status endpoint defaults.
func DefaultStatusServerConfig() StatusServerConfig {
	return StatusServerConfig{
		Port:         8617,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// StatusServer exposes daemon health and cycle progress on localhost:
//
//	GET /healthz        liveness probe
//	GET /status         scheduler snapshot as JSON
//	GET /status/stream  WebSocket feed of cycle events
type StatusServer struct {
	config    StatusServerConfig
	scheduler *Scheduler
	log       zerolog.Logger
	srv       *http.Server
}

// NewStatusServer creates a status endpoint over a scheduler.
func NewStatusServer(config StatusServerConfig, scheduler *Scheduler, log zerolog.Logger) *StatusServer {
	if config.Port <= 0 {
		config.Port = DefaultStatusServerConfig().Port
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultStatusServerConfig().PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultStatusServerConfig().WriteTimeout
	}
	return &StatusServer{
		config:    config,
		scheduler: scheduler,
		log:       log.With().Str("component", "status").Logger(),
	}
}

// Handler returns the endpoint's routes, so the status surface can also be
// embedded into an existing server.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/stream", s.handleStream)
	return mux
}

// Start listens on localhost and serves in the background.
func (s *StatusServer) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status server stopped")
		}
	}()

	s.log.Info().Str("addr", addr).Msg("status server listening")
	return nil
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *StatusServer) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.scheduler.Stats())
}

// upgrader accepts any origin: the server binds to localhost, and its
// clients are local tools.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades to WebSocket and forwards cycle events as JSON
// until the client goes away.
func (s *StatusServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	defer conn.Close()

	id, events := s.scheduler.Subscribe()
	defer s.scheduler.Unsubscribe(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so closes and pongs surface.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

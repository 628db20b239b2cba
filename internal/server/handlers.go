package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/relay"
)

// Check probes one dependency for /healthz. A nil error means healthy.
type Check func(ctx context.Context) error

// Server is the HTTP surface of one relay node.
type Server struct {
	cfg        *config.Config
	hub        *Hub
	dispatcher *dispatcher
	auth       *authenticator
	upgrader   websocket.Upgrader
	checks     map[string]Check
	log        zerolog.Logger
}

// New builds the HTTP surface over an already running hub and relay node.
func New(cfg *config.Config, hub *Hub, node *relay.Node, checks map[string]Check, log zerolog.Logger) *Server {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Server{
		cfg:        cfg,
		hub:        hub,
		dispatcher: newDispatcher(node, log),
		auth:       newAuthenticator(cfg.Auth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		checks: checks,
		log:    log,
	}
}

// WebSocketHandler upgrades GET /ws and registers the connection with the hub.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var subject string
	if s.auth != nil {
		sub, err := s.auth.subject(r)
		if err != nil {
			s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("rejected websocket upgrade")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		subject = sub
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, s.hub, s.dispatcher, s.cfg, r.RemoteAddr, subject)

	// The hub launches the pump goroutines.
	select {
	case s.hub.register <- client:
	case <-s.hub.ctx.Done():
		_ = conn.Close()
	}
}

// HealthHandler reports that the process is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay node %s is running!", s.cfg.NodeID)
}

type readiness struct {
	Status      string            `json:"status"`
	Node        string            `json:"node"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks"`
}

// ReadyHandler runs every dependency check and answers 503 if any fails.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readiness{
		Status:      "ok",
		Node:        s.cfg.NodeID,
		Connections: s.hub.Len(),
		Checks:      make(map[string]string, len(names)),
	}
	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.log.Warn().Err(err).Msg("failed to write readiness response")
	}
}

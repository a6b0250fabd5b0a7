// Package gateway serves the subscriber channel: one WebSocket per
// consumer, a tenant binding fixed by the subscribe frame, a state
// snapshot first and incremental frames after. Slow consumers are cut
// loose rather than allowed to stall the hub.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agenthub/internal/agent"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
)

// Deps carries the gateway's collaborators.
type Deps struct {
	Config   *config.Config
	Hub      *hub.Hub
	Registry *agent.Registry
	Logger   *slog.Logger
}

// Server owns the WebSocket listener.
type Server struct {
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	srv *http.Server
	mux *http.ServeMux
}

func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		deps:    deps,
		log:     log,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates browser connections against the CORS allowlist.
// Non-browser clients send no Origin header and always pass; an empty
// allowlist admits everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.deps.Config.Server.CORSOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	s.log.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// BuildMux registers the subscriber endpoint.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	s.mux = mux
	return mux
}

// Handler is what Start serves and what tests mount on httptest.
func (s *Server) Handler() http.Handler {
	return s.BuildMux()
}

// Start blocks until ctx is cancelled or the listener fails. Cancelling
// also closes every attached subscriber; Shutdown alone would leave the
// hijacked WebSocket connections running.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.WSPort)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("gateway.listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway.upgrade_failed", "error", err)
		return
	}
	c := newClient(conn, s)
	s.register(c)
	defer s.unregister(c)
	c.run(r.Context())
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	s.log.Info("gateway.client_connected", "client", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	s.log.Info("gateway.client_disconnected", "client", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		c.close()
	}
}

// Clients reports the current connection count.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Package httpapi is the admin REST surface: agent CRUD and lifecycle,
// message history and sends, flow management, AI routing and failover
// control. Every resource route is scoped by the tenant binding carried
// in the X-Tenant-Binding header; authentication of that binding belongs
// to the admin collaborator fronting this API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/agent"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/ratelimit"
	"github.com/nextlevelbuilder/agenthub/internal/router"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

const tenantHeader = "X-Tenant-Binding"

// Deps carries everything the handlers touch.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Registry *agent.Registry
	Matcher  *flow.Matcher
	Executor *flow.Executor
	Router   *router.Router
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger

	// FlowsChanged fires after a flow mutation reloads the matcher, so
	// the host can resync schedule triggers. Optional.
	FlowsChanged func()
}

// Server owns the admin HTTP listener.
type Server struct {
	deps Deps
	log  *slog.Logger
	mux  *http.ServeMux
	srv  *http.Server
}

func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{deps: deps, log: log}
}

// BuildMux registers every route. Called once; safe to call before Start
// when a test wants the handler without a listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /agents", s.tenant(s.handleAgentCreate))
	mux.HandleFunc("GET /agents", s.tenant(s.handleAgentList))
	mux.HandleFunc("GET /agents/{id}", s.tenant(s.handleAgentGet))
	mux.HandleFunc("PATCH /agents/{id}", s.tenant(s.handleAgentPatch))
	mux.HandleFunc("DELETE /agents/{id}", s.tenant(s.handleAgentDelete))

	mux.HandleFunc("POST /agents/{id}/connect", s.tenant(s.handleAgentConnect))
	mux.HandleFunc("POST /agents/{id}/disconnect", s.tenant(s.handleAgentDisconnect))
	mux.HandleFunc("POST /agents/{id}/auth", s.tenant(s.handleAgentAuth))
	mux.HandleFunc("GET /agents/{id}/qr", s.tenant(s.handleAgentQR))

	mux.HandleFunc("GET /agents/{id}/messages", s.tenant(s.handleMessages))
	mux.HandleFunc("POST /agents/{id}/send", s.tenant(s.handleSend))
	mux.HandleFunc("GET /agents/{id}/stats", s.tenant(s.handleStats))
	mux.HandleFunc("GET /agents/{id}/executions", s.tenant(s.handleExecutions))
	mux.HandleFunc("GET /agents/{id}/executions/{execId}", s.tenant(s.handleExecutionGet))

	mux.HandleFunc("GET /agents/{id}/flows", s.tenant(s.handleFlowList))
	mux.HandleFunc("POST /agents/{id}/flows", s.tenant(s.handleFlowCreate))
	mux.HandleFunc("GET /agents/{id}/flows/{flowId}", s.tenant(s.handleFlowGet))
	mux.HandleFunc("PUT /agents/{id}/flows/{flowId}", s.tenant(s.handleFlowUpdate))
	mux.HandleFunc("DELETE /agents/{id}/flows/{flowId}", s.tenant(s.handleFlowDelete))
	mux.HandleFunc("POST /agents/{id}/flows/{flowId}/execute", s.tenant(s.handleFlowExecute))
	mux.HandleFunc("POST /agents/{id}/flows/{flowId}/toggle", s.tenant(s.handleFlowToggle))
	mux.HandleFunc("POST /agents/{id}/webhooks/{path...}", s.tenant(s.handleWebhook))

	mux.HandleFunc("POST /ai/route", s.tenant(s.handleAIRoute))
	mux.HandleFunc("GET /ai/providers", s.tenant(s.handleAIProviders))
	mux.HandleFunc("PUT /ai/failover", s.tenant(s.handleAIFailover))

	s.mux = mux
	return mux
}

// Handler wraps the mux with CORS; this is what Start serves and what
// tests mount on httptest.
func (s *Server) Handler() http.Handler {
	return s.cors(s.BuildMux())
}

// Start blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.APIPort)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("httpapi.listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tenant requires the binding header and stashes it in the context.
func (s *Server) tenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		binding := r.Header.Get(tenantHeader)
		if binding == "" {
			respondError(w, http.StatusBadRequest, "validation", tenantHeader+" header required", nil)
			return
		}
		next(w, r.WithContext(withTenant(r.Context(), binding)))
	}
}

// cors applies the configured origin allowlist and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+tenantHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.deps.Config.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type tenantKey struct{}

func withTenant(ctx context.Context, binding string) context.Context {
	return context.WithValue(ctx, tenantKey{}, binding)
}

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

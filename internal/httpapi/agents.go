package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/agenthub/internal/agent"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/ratelimit"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

// agentView is the wire shape of one agent for the admin surface.
type agentView struct {
	AgentID      string                `json:"agentId"`
	Name         string                `json:"name"`
	Platform     string                `json:"platform"`
	Status       string                `json:"status"`
	SwarmEnabled bool                  `json:"swarmEnabled"`
	Isolated     bool                  `json:"isolated"`
	AuthPrompt   string                `json:"authPrompt,omitempty"`
	LastActivity int64                 `json:"lastActivity,omitempty"`
	Stats        protocol.StatsPayload `json:"stats"`
}

func viewOf(sup *agent.Supervisor) agentView {
	st := sup.Status()
	return agentView{
		AgentID:      st.AgentID,
		Name:         st.Name,
		Platform:     string(st.Platform),
		Status:       st.Status,
		SwarmEnabled: st.SwarmEnabled,
		Isolated:     st.Isolated,
		AuthPrompt:   string(st.AuthPrompt),
		LastActivity: st.LastActivity,
		Stats:        sup.Stats(),
	}
}

// resolve looks the agent up within the request's tenant; a miss writes
// the 404 and returns nil.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) *agent.Supervisor {
	id := r.PathValue("id")
	sup, err := s.deps.Registry.Get(tenantFrom(r.Context()), id)
	if err != nil {
		respondNotFound(w, "unknown agent %q", id)
		return nil
	}
	return sup
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string          `json:"name"`
		Platform       string          `json:"platform"`
		Config         json.RawMessage `json:"config,omitempty"`
		BrowserSession string          `json:"browserSession,omitempty"`
		SwarmEnabled   bool            `json:"swarmEnabled,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	sup, err := s.deps.Registry.Create(r.Context(), agent.CreateParams{
		Tenant:         tenantFrom(r.Context()),
		Name:           req.Name,
		Platform:       req.Platform,
		Config:         req.Config,
		BrowserSession: req.BrowserSession,
		SwarmEnabled:   req.SwarmEnabled,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusCreated, viewOf(sup))
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	sups := s.deps.Registry.List(tenantFrom(r.Context()))
	out := make([]agentView, 0, len(sups))
	for _, sup := range sups {
		out = append(out, viewOf(sup))
	}
	respond(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	respond(w, http.StatusOK, viewOf(sup))
}

func (s *Server) handleAgentPatch(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	var req struct {
		Name         string          `json:"name,omitempty"`
		Config       json.RawMessage `json:"config,omitempty"`
		SwarmEnabled *bool           `json:"swarmEnabled,omitempty"`
		Isolated     *bool           `json:"isolated,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name != "" || len(req.Config) > 0 {
		if err := sup.UpdateProfile(r.Context(), req.Name, req.Config); err != nil {
			respondFault(w, err)
			return
		}
	}
	if req.SwarmEnabled != nil || req.Isolated != nil {
		cur := sup.Status()
		enabled, isolated := cur.SwarmEnabled, cur.Isolated
		if req.SwarmEnabled != nil {
			enabled = *req.SwarmEnabled
		}
		if req.Isolated != nil {
			isolated = *req.Isolated
		}
		if err := sup.SetSwarm(r.Context(), enabled, isolated); err != nil {
			respondFault(w, err)
			return
		}
	}
	respond(w, http.StatusOK, viewOf(sup))
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Registry.Remove(r.Context(), tenantFrom(r.Context()), id); err != nil {
		if fault.IsKind(err, fault.Validation) {
			respondNotFound(w, "unknown agent %q", id)
			return
		}
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"agentId": id})
}

func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	if err := sup.Connect(r.Context()); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, viewOf(sup))
}

func (s *Server) handleAgentDisconnect(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	if err := sup.Disconnect(r.Context(), "admin request"); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, viewOf(sup))
}

func (s *Server) handleAgentAuth(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	var req struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := sup.SubmitAuth(r.Context(), bus.AuthKind(req.Kind), req.Value); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, viewOf(sup))
}

func (s *Server) handleAgentQR(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	st := sup.Status()
	if len(st.QR) == 0 {
		respondNotFound(w, "agent %q has no pending qr", st.AgentID)
		return
	}
	respond(w, http.StatusOK, protocol.QRPayload{Bytes: st.QR})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	chatID := r.URL.Query().Get("chatId")
	cursor, err := store.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	limit := intQuery(r, "limit", 50)
	msgs, next, err := s.deps.Store.ListMessages(r.Context(), sup.AgentID(), chatID, cursor, limit)
	if err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"messages": msgs, "nextCursor": next})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	var cmd bus.SendCommand
	if !decode(w, r, &cmd) {
		return
	}
	if ok, retryAfter := s.deps.Limiter.TryAcquire(ratelimit.ScopeAgent, sup.AgentID(), 1); !ok {
		respondFault(w, fault.BusyFor(retryAfter, "agent %s send rate exceeded", sup.AgentID()))
		return
	}
	res, err := sup.Send(r.Context(), cmd)
	if err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	respond(w, http.StatusOK, sup.Stats())
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	execs, err := s.deps.Store.ListExecutions(r.Context(), sup.AgentID(), intQuery(r, "limit", 50))
	if err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	execID := r.PathValue("execId")
	rec, err := s.deps.Store.GetExecution(r.Context(), sup.AgentID(), execID)
	if err != nil {
		if fault.IsKind(err, fault.Validation) {
			respondNotFound(w, "unknown execution %q", execID)
			return
		}
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, rec)
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

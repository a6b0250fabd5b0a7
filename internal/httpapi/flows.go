package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/ratelimit"
)

func (s *Server) handleFlowList(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	recs, err := s.deps.Store.ListFlows(r.Context(), sup.AgentID())
	if err != nil {
		respondFault(w, err)
		return
	}
	flows := make([]*flow.Flow, 0, len(recs))
	for i := range recs {
		f, err := flow.FromRecord(&recs[i])
		if err != nil {
			s.log.Warn("httpapi.flow_decode_failed", "flow", recs[i].FlowID, "error", err)
			continue
		}
		flows = append(flows, f)
	}
	respond(w, http.StatusOK, map[string]any{"flows": flows})
}

func (s *Server) handleFlowCreate(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	var f flow.Flow
	if !decode(w, r, &f) {
		return
	}
	if f.FlowID == "" {
		f.FlowID = uuid.Must(uuid.NewV7()).String()
	}
	f.AgentID = sup.AgentID()
	if err := s.saveFlow(r, &f); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusCreated, &f)
}

func (s *Server) handleFlowGet(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	f, ok := s.loadFlow(w, r, sup.AgentID())
	if !ok {
		return
	}
	respond(w, http.StatusOK, f)
}

func (s *Server) handleFlowUpdate(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	if _, ok := s.loadFlow(w, r, sup.AgentID()); !ok {
		return
	}
	var f flow.Flow
	if !decode(w, r, &f) {
		return
	}
	// The path wins over whatever the body claims.
	f.FlowID = r.PathValue("flowId")
	f.AgentID = sup.AgentID()
	if err := s.saveFlow(r, &f); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, &f)
}

func (s *Server) handleFlowDelete(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	flowID := r.PathValue("flowId")
	if err := s.deps.Store.DeleteFlow(r.Context(), sup.AgentID(), flowID); err != nil {
		if fault.IsKind(err, fault.Validation) {
			respondNotFound(w, "unknown flow %q", flowID)
			return
		}
		respondFault(w, err)
		return
	}
	s.reloadMatcher(r)
	respond(w, http.StatusOK, map[string]string{"flowId": flowID})
}

func (s *Server) handleFlowExecute(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	f, ok := s.loadFlow(w, r, sup.AgentID())
	if !ok {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "body too large", nil)
		return
	}
	out, err := s.deps.Executor.Launch(r.Context(), f, tenantFrom(r.Context()), flow.TriggerEvent{
		Kind:    flow.TriggerManual,
		Payload: payload,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"executionId": out.Record.ExecutionID,
		"status":      out.Record.Status,
		"suspended":   out.Suspended,
		"reply":       json.RawMessage(out.Reply),
	})
}

func (s *Server) handleFlowToggle(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	f, ok := s.loadFlow(w, r, sup.AgentID())
	if !ok {
		return
	}
	if err := s.deps.Store.SetFlowActive(r.Context(), sup.AgentID(), f.FlowID, !f.Active); err != nil {
		respondFault(w, err)
		return
	}
	s.reloadMatcher(r)
	respond(w, http.StatusOK, map[string]any{"flowId": f.FlowID, "active": !f.Active})
}

// handleWebhook fires every webhook-triggered flow registered on the
// path. Executions run async; the response only says how many matched.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sup := s.resolve(w, r)
	if sup == nil {
		return
	}
	path := "/" + r.PathValue("path")
	if ok, retryAfter := s.deps.Limiter.TryAcquire(ratelimit.ScopeAgent, sup.AgentID(), 1); !ok {
		respondFault(w, fault.BusyFor(retryAfter, "webhook rate exceeded for agent %s", sup.AgentID()))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation", "body too large", nil)
		return
	}
	matched := s.deps.Matcher.MatchWebhook(sup.AgentID(), path)
	tenant := tenantFrom(r.Context())
	// The executions outlive the request.
	runCtx := context.WithoutCancel(r.Context())
	for _, f := range matched {
		go func() {
			if _, err := s.deps.Executor.Launch(runCtx, f, tenant, flow.TriggerEvent{
				Kind:    flow.TriggerWebhook,
				Path:    path,
				Payload: payload,
			}); err != nil {
				s.log.Warn("httpapi.webhook_flow_failed", "flow", f.Name, "error", err)
			}
		}()
	}
	respond(w, http.StatusAccepted, map[string]any{"path": path, "matched": len(matched)})
}

// loadFlow fetches the flow named in the path; a miss writes the 404.
func (s *Server) loadFlow(w http.ResponseWriter, r *http.Request, agentID string) (*flow.Flow, bool) {
	flowID := r.PathValue("flowId")
	rec, err := s.deps.Store.GetFlow(r.Context(), agentID, flowID)
	if err != nil {
		if fault.IsKind(err, fault.Validation) {
			respondNotFound(w, "unknown flow %q", flowID)
			return nil, false
		}
		respondFault(w, err)
		return nil, false
	}
	f, err := flow.FromRecord(rec)
	if err != nil {
		respondFault(w, err)
		return nil, false
	}
	return f, true
}

// saveFlow validates, persists and republishes the matcher index.
func (s *Server) saveFlow(r *http.Request, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	rec, err := f.ToRecord()
	if err != nil {
		return err
	}
	if err := s.deps.Store.SaveFlow(r.Context(), rec); err != nil {
		return err
	}
	s.reloadMatcher(r)
	return nil
}

func (s *Server) reloadMatcher(r *http.Request) {
	if err := s.deps.Matcher.Reload(r.Context()); err != nil {
		s.log.Warn("httpapi.matcher_reload_failed", "error", err)
		return
	}
	if s.deps.FlowsChanged != nil {
		s.deps.FlowsChanged()
	}
}

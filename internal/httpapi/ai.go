package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/providers"
	"github.com/nextlevelbuilder/agenthub/internal/ratelimit"
	"github.com/nextlevelbuilder/agenthub/internal/router"
)

// handleAIRoute classifies the task, walks the failover chain and
// streams chunks back as text/event-stream data lines. The terminal
// event carries the result metadata.
func (s *Server) handleAIRoute(w http.ResponseWriter, r *http.Request) {
	var task providers.Task
	if !decode(w, r, &task) {
		return
	}
	tenant := tenantFrom(r.Context())
	if ok, retryAfter := s.deps.Limiter.TryAcquire(ratelimit.ScopeTenant, tenant, 1); !ok {
		respondFault(w, fault.BusyFor(retryAfter, "tenant %s AI rate exceeded", tenant))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "fatal", "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	started := false
	emit := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	res, err := s.deps.Router.Route(r.Context(), task, func(c providers.Chunk) error {
		started = true
		emit(c)
		return r.Context().Err()
	})
	if err != nil {
		if !started {
			// Nothing streamed yet; the headers can still change.
			respondFault(w, err)
			return
		}
		_, _ = w.Write([]byte("event: error\n"))
		emit(map[string]string{"error": err.Error(), "code": string(fault.KindOf(err))})
		return
	}
	emit(map[string]any{
		"done":     true,
		"model":    res.Model,
		"provider": res.Provider,
		"tier":     res.Tier,
		"usage":    res.Usage,
	})
}

// providerView pairs a configured profile with its live circuit state.
type providerView struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	API          string             `json:"api,omitempty"`
	DefaultModel string             `json:"defaultModel,omitempty"`
	CostPerToken float64            `json:"costPerToken,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Health       *router.HealthView `json:"health,omitempty"`
}

func (s *Server) handleAIProviders(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Router.Health()
	profiles := s.deps.Config.Providers()
	out := make([]providerView, 0, len(profiles))
	for _, p := range profiles {
		v := providerView{
			ID:           p.ID,
			Kind:         p.Kind,
			API:          p.API,
			DefaultModel: p.DefaultModel,
			CostPerToken: p.CostPerToken,
			Capabilities: p.Capabilities,
		}
		if h, ok := health[p.ID]; ok {
			v.Health = &h
		}
		out = append(out, v)
	}
	respond(w, http.StatusOK, map[string]any{
		"providers": out,
		"failover":  s.failoverTable(),
	})
}

func (s *Server) handleAIFailover(w http.ResponseWriter, r *http.Request) {
	var table map[string][]string
	if !decode(w, r, &table) {
		return
	}
	if len(table) == 0 {
		respondError(w, http.StatusBadRequest, "validation", "empty failover table", nil)
		return
	}
	for tier, chain := range table {
		for _, id := range chain {
			if s.deps.Config.Provider(id) == nil {
				respondError(w, http.StatusBadRequest, "validation",
					"tier "+tier+" references unknown provider "+id, nil)
				return
			}
		}
	}

	s.deps.Config.SetFailover(table)
	for tier, chain := range table {
		if err := s.deps.Store.SaveFailover(r.Context(), tier, chain); err != nil {
			respondFault(w, err)
			return
		}
	}
	if err := s.deps.Router.Reload(); err != nil {
		respondFault(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"failover": table})
}

func (s *Server) failoverTable() map[string][]string {
	tiers := []string{router.TierTrivial, router.TierSimple, router.TierModerate, router.TierComplex, router.TierCritical}
	out := make(map[string][]string, len(tiers))
	for _, tier := range tiers {
		if chain := s.deps.Config.FailoverChain(tier); len(chain) > 0 {
			out[tier] = chain
		}
	}
	return out
}

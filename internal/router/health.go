package router

import (
	"context"
	"time"
)

const probeTimeout = 10 * time.Second

// HealthView is a point-in-time copy of one provider's circuit state.
type HealthView struct {
	Status            string `json:"status"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	LastLatencyMs     int64  `json:"lastLatencyMs"`
	LastProbeAt       int64  `json:"lastProbeAt,omitempty"`
}

// Health snapshots every provider's circuit.
func (r *Router) Health() map[string]HealthView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthView, len(r.entries))
	for id, e := range r.entries {
		status, consecutive, lastLatency, lastProbe := e.circuit.view()
		v := HealthView{
			Status:            status,
			ConsecutiveErrors: consecutive,
			LastLatencyMs:     lastLatency.Milliseconds(),
		}
		if !lastProbe.IsZero() {
			v.LastProbeAt = lastProbe.UnixMilli()
		}
		out[id] = v
	}
	return out
}

// Run probes every provider on the configured cadence until ctx ends.
// A passing probe clears an open circuit.
func (r *Router) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.ProbeIntervalSeconds()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		e := r.entry(id)
		if e == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := e.provider.Probe(pctx)
		cancel()
		latency := time.Since(start)

		changed := e.circuit.probed(err == nil, latency)
		if err != nil {
			r.log.Warn("ai.probe_failed", "provider", id, "error", err)
		} else {
			r.log.Debug("ai.probe_ok", "provider", id, "latency_ms", latency.Milliseconds())
		}
		if changed {
			r.persistHealth(ctx, id, e.circuit)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

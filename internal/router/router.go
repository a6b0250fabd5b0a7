// Package router walks the tiered AI failover chain. It classifies each
// task, picks the provider chain for the tier, and tries providers in
// order while tracking per-provider health circuits, concurrency caps
// and rate buckets.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/providers"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/tracing"
)

// Limiter gates provider invocations. Implemented by ratelimit.Limiter.
type Limiter interface {
	TryAcquire(scope, id string, n int) (bool, time.Duration)
}

// Deps carries the router's collaborators.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Limiter Limiter
	Logger  *slog.Logger
}

type entry struct {
	provider providers.Provider
	profile  config.ProviderProfile
	sem      *semaphore.Weighted
	circuit  *circuit
}

// Router routes AI tasks across the configured provider chain.
type Router struct {
	cfg        *config.Config
	store      *store.Store
	limiter    Limiter
	log        *slog.Logger
	classifier *classifier

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(deps Deps) (*Router, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		cfg:        deps.Config,
		store:      deps.Store,
		limiter:    deps.Limiter,
		log:        log,
		classifier: newClassifier(),
		entries:    make(map[string]*entry),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the provider set from config. Circuits survive for
// provider IDs that persist across the reload.
func (r *Router) Reload() error {
	profiles := r.cfg.Providers()
	next := make(map[string]*entry, len(profiles))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prof := range profiles {
		p, err := buildProvider(prof, r.store, r.log)
		if err != nil {
			return err
		}
		e := &entry{provider: p, profile: prof, circuit: &circuit{}}
		if prof.MaxConcurrent > 0 {
			e.sem = semaphore.NewWeighted(int64(prof.MaxConcurrent))
		}
		if old, ok := r.entries[prof.ID]; ok {
			e.circuit = old.circuit
			e.sem = old.sem
			if prof.MaxConcurrent > 0 && (old.profile.MaxConcurrent != prof.MaxConcurrent || old.sem == nil) {
				e.sem = semaphore.NewWeighted(int64(prof.MaxConcurrent))
			}
		}
		next[prof.ID] = e
	}
	r.entries = next
	return nil
}

func buildProvider(prof config.ProviderProfile, st *store.Store, log *slog.Logger) (providers.Provider, error) {
	caps := expandCaps(prof.Capabilities)
	switch {
	case prof.Kind == "cli":
		p, err := providers.NewCLI(prof.ID, prof.Command, prof.DefaultModel)
		if err != nil {
			return nil, err
		}
		if st != nil {
			p.OnProcess = func(agentID string, pid int, state string) {
				rec := &store.CLISessionRecord{ProviderID: prof.ID, AgentID: agentID, PID: pid, State: state}
				if err := st.UpsertCLISession(context.Background(), rec); err != nil {
					log.Warn("ai.cli_session_write_failed", "provider", prof.ID, "error", err)
				}
			}
		}
		return p, nil
	case prof.Kind == "local" || prof.API == "ollama":
		return providers.NewLocal(prof.ID, prof.BaseURL, prof.DefaultModel, caps), nil
	case prof.API == "anthropic":
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(prof.DefaultModel)}
		if prof.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(prof.BaseURL))
		}
		return providers.NewAnthropic(prof.ID, prof.APIKey, opts...), nil
	default:
		return providers.NewOpenAI(prof.ID, prof.APIKey, prof.BaseURL, prof.DefaultModel, caps), nil
	}
}

// expandCaps maps profile capability names onto provider capabilities;
// "audio" in a profile means both directions.
func expandCaps(in []string) []string {
	var out []string
	for _, c := range in {
		if c == "audio" {
			out = append(out, providers.CapAudioIn, providers.CapAudioOut)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Classify exposes the tier decision so flow nodes can report it.
func (r *Router) Classify(task providers.Task) string {
	return r.classifier.classify(task)
}

// Complete routes a task without streaming.
func (r *Router) Complete(ctx context.Context, task providers.Task) (*providers.Result, error) {
	return r.Route(ctx, task, nil)
}

// Route classifies the task and walks the provider chain for its tier.
// With a non-nil onChunk the winning provider streams; a callback error
// aborts routing and is returned to the caller unchanged.
func (r *Router) Route(ctx context.Context, task providers.Task, onChunk func(providers.Chunk) error) (*providers.Result, error) {
	tier := r.Classify(task)
	ctx, span := tracing.StartRoute(ctx, tier)
	res, err := r.walkChain(ctx, tier, task, onChunk)
	tracing.End(span, err)
	return res, err
}

func (r *Router) walkChain(ctx context.Context, tier string, task providers.Task, onChunk func(providers.Chunk) error) (*providers.Result, error) {
	chain := r.chainFor(tier, task)
	if len(chain) == 0 {
		e := fault.New(fault.NoProviderAvailable, "no provider chain for tier %s", tier)
		e.Details = map[string]string{"tier": tier}
		return nil, e
	}

	need := task.Requires()
	errs := make(map[string]string, len(chain))

	for _, id := range chain {
		e := r.entry(id)
		if e == nil {
			errs[id] = "not configured"
			continue
		}
		if !hasCaps(e.provider.Capabilities(), need) {
			errs[id] = "missing capability"
			continue
		}
		if !e.circuit.allow() {
			errs[id] = "circuit open"
			continue
		}
		if r.limiter != nil {
			if ok, wait := r.limiter.TryAcquire("provider", id, 1); !ok {
				errs[id] = fmt.Sprintf("rate limited, retry in %s", wait.Round(time.Millisecond))
				continue
			}
		}
		if e.sem != nil && !e.sem.TryAcquire(1) {
			errs[id] = "at concurrency cap"
			continue
		}

		start := time.Now()
		res, emitted, err := r.invoke(ctx, e.provider, task, onChunk)
		if e.sem != nil {
			e.sem.Release(1)
		}
		latency := time.Since(start)

		if err != nil {
			var aborted *callbackAbort
			if errors.As(err, &aborted) {
				// The caller stopped consuming; not the provider's fault.
				return nil, aborted.err
			}
			r.recordFailure(ctx, id, e.circuit)
			errs[id] = err.Error()
			r.log.Warn("ai.provider_failed",
				"provider", id, "tier", tier, "latency_ms", latency.Milliseconds(), "error", err)
			if ctx.Err() != nil {
				break
			}
			if emitted > 0 {
				// Chunks already reached the caller; a second provider
				// would duplicate output.
				return nil, fault.Wrap(fault.Transient, err, "provider %s failed mid-stream", id)
			}
			continue
		}

		r.recordSuccess(ctx, id, e.circuit, latency)
		res.Tier = tier
		r.recordUsage(ctx, e.profile, task, res, latency)
		r.log.Info("ai.routed",
			"provider", id, "tier", tier, "model", res.Model,
			"latency_ms", latency.Milliseconds(), "agent", task.AgentID)
		return res, nil
	}

	out := fault.New(fault.NoProviderAvailable, "chain exhausted for tier %s", tier)
	out.Details = errs
	r.log.Warn("ai.chain_exhausted", "tier", tier, "tried", len(errs))
	return nil, out
}

// callbackAbort marks an error raised by the caller's chunk callback.
type callbackAbort struct{ err error }

func (a *callbackAbort) Error() string { return a.err.Error() }

func (r *Router) invoke(ctx context.Context, p providers.Provider, task providers.Task, onChunk func(providers.Chunk) error) (*providers.Result, int, error) {
	if onChunk == nil {
		res, err := p.Complete(ctx, task)
		return res, 0, err
	}
	emitted := 0
	var cbErr error
	res, err := p.Stream(ctx, task, func(c providers.Chunk) error {
		if err := onChunk(c); err != nil {
			cbErr = err
			return err
		}
		if !c.Done {
			emitted++
		}
		return nil
	})
	if cbErr != nil {
		return nil, emitted, &callbackAbort{err: cbErr}
	}
	return res, emitted, err
}

func (r *Router) entry(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// chainFor returns the provider order for a tier. An unconfigured tier
// falls back to every known provider, cheapest kind first. PreferFree
// moves zero-cost providers to the front either way.
func (r *Router) chainFor(tier string, task providers.Task) []string {
	chain := r.cfg.FailoverChain(tier)
	if len(chain) == 0 {
		chain = r.defaultChain()
	}
	if task.PreferFree {
		sort.SliceStable(chain, func(i, j int) bool {
			return r.costOf(chain[i]) == 0 && r.costOf(chain[j]) != 0
		})
	}
	return chain
}

var kindOrder = map[string]int{"local": 0, "remote-free": 1, "cli": 2, "remote-paid": 3}

func (r *Router) defaultChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ki, kj := kindOrder[r.entries[ids[i]].profile.Kind], kindOrder[r.entries[ids[j]].profile.Kind]
		if ki != kj {
			return ki < kj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *Router) costOf(id string) float64 {
	if e := r.entry(id); e != nil {
		return e.profile.CostPerToken
	}
	return 0
}

func hasCaps(have, need []string) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if h == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Router) recordSuccess(ctx context.Context, id string, c *circuit, latency time.Duration) {
	if c.success(latency) {
		r.persistHealth(ctx, id, c)
	}
}

func (r *Router) recordFailure(ctx context.Context, id string, c *circuit) {
	if c.failure() {
		r.persistHealth(ctx, id, c)
	}
}

func (r *Router) persistHealth(ctx context.Context, id string, c *circuit) {
	if r.store == nil {
		return
	}
	status, consecutive, lastLatency, lastProbe := c.view()
	rec := &store.HealthRecord{
		ProviderID:        id,
		Status:            status,
		ConsecutiveErrors: consecutive,
		LastLatencyMs:     lastLatency.Milliseconds(),
	}
	if !lastProbe.IsZero() {
		rec.LastProbeAt = lastProbe.UnixMilli()
	}
	// Health still gets written when the triggering request was cancelled.
	if err := r.store.UpsertProviderHealth(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("ai.health_write_failed", "provider", id, "error", err)
	}
}

func (r *Router) recordUsage(ctx context.Context, prof config.ProviderProfile, task providers.Task, res *providers.Result, latency time.Duration) {
	if r.store == nil {
		return
	}
	u := &store.UsageRecord{
		AgentID:    task.AgentID,
		ProviderID: prof.ID,
		Model:      res.Model,
		LatencyMs:  latency.Milliseconds(),
	}
	if res.Usage != nil {
		u.InputTokens = int64(res.Usage.PromptTokens)
		u.OutputTokens = int64(res.Usage.CompletionTokens)
		u.CostEstimate = float64(res.Usage.TotalTokens) * prof.CostPerToken
	}
	wctx := context.WithoutCancel(ctx)
	if err := r.store.InsertUsage(wctx, u); err != nil {
		r.log.Warn("ai.usage_write_failed", "provider", prof.ID, "error", err)
	}
	if task.AgentID != "" {
		if err := r.store.BumpAgentCounters(wctx, task.AgentID, store.AgentCounters{AICalls: 1}); err != nil {
			r.log.Warn("ai.counter_bump_failed", "agent", task.AgentID, "error", err)
		}
	}
}

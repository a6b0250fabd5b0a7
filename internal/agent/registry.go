package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

const (
	// archiveAfter is how long a disconnected agent may sit idle before
	// the janitor parks it.
	archiveAfter = 7 * 24 * time.Hour
	janitorEvery = time.Hour

	snapshotMaxChats = 10
)

// Registry owns every supervisor in the process. Lookups are served
// from an atomic snapshot so the hot paths (sends, flow fan-out) never
// contend with agent creation.
//
// It doubles as the executor's Sender and SwarmCaller.
type Registry struct {
	deps Deps
	log  *slog.Logger

	mu   sync.Mutex // guards snapshot rewrites
	snap atomic.Pointer[directory]

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type directory struct {
	byID      map[string]*Supervisor
	bySession map[string]*Supervisor
}

func NewRegistry(deps Deps) *Registry {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{deps: deps, log: log}
	r.snap.Store(&directory{
		byID:      map[string]*Supervisor{},
		bySession: map[string]*Supervisor{},
	})
	return r
}

// Start loads every persisted agent, spins up its supervisor and
// reconnects the ones that were live when the process last stopped.
// ctx bounds the lifetime of all supervisors; call Start exactly once.
func (r *Registry) Start(ctx context.Context) error {
	r.baseCtx, r.baseCancel = context.WithCancel(ctx)
	recs, err := r.deps.Store.ListAllAgents(ctx)
	if err != nil {
		return err
	}
	for i := range recs {
		sup := r.startSupervisor(&recs[i])
		if resumable(recs[i].Status) {
			go func() {
				if err := sup.Connect(r.baseCtx); err != nil {
					r.log.Warn("registry.resume_failed", "agent", sup.AgentID(), "error", err)
				}
			}()
		}
	}
	go r.janitor()
	r.log.Info("registry.loaded", "agents", len(recs))
	return nil
}

// resumable reports whether a persisted status means the transport was
// up, or trying to be, when the process stopped.
func resumable(status string) bool {
	switch status {
	case protocol.StatusReady, protocol.StatusSwarming, protocol.StatusIsolated,
		protocol.StatusAuthenticating, protocol.StatusDisconnected:
		return true
	}
	return false
}

// CreateParams describes a new agent. The ID is generated here.
type CreateParams struct {
	Tenant         string
	Name           string
	Platform       string
	Config         json.RawMessage
	BrowserSession string
	SwarmEnabled   bool
}

// Create persists the agent and starts its supervisor in the created
// state; nothing connects until Connect is called.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Supervisor, error) {
	if p.Tenant == "" || p.Name == "" {
		return nil, fault.New(fault.Validation, "tenant and name are required")
	}
	if !bus.Platform(p.Platform).Valid() {
		return nil, fault.New(fault.Validation, "unknown platform %q", p.Platform)
	}
	rec := &store.AgentRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Tenant:         p.Tenant,
		Name:           p.Name,
		Platform:       p.Platform,
		Config:         p.Config,
		BrowserSession: p.BrowserSession,
		Status:         protocol.StatusCreated,
		SwarmEnabled:   p.SwarmEnabled,
	}
	if err := r.deps.Store.CreateAgent(ctx, rec); err != nil {
		return nil, err
	}
	sup := r.startSupervisor(rec)
	r.log.Info("registry.agent_created", "agent", rec.ID, "tenant", rec.Tenant, "platform", rec.Platform)
	return sup, nil
}

func (r *Registry) startSupervisor(rec *store.AgentRecord) *Supervisor {
	sup := New(rec, r.deps)
	sup.Start(r.baseCtx)
	r.deps.Swarm.Attach(sup)

	r.mu.Lock()
	next := r.clone()
	next.byID[rec.ID] = sup
	if rec.BrowserSession != "" {
		next.bySession[rec.BrowserSession] = sup
	}
	r.snap.Store(next)
	r.mu.Unlock()
	return sup
}

// Get resolves an agent within its tenant. A wrong tenant looks the
// same as a missing agent.
func (r *Registry) Get(tenant, id string) (*Supervisor, error) {
	sup := r.snap.Load().byID[id]
	if sup == nil || sup.Tenant() != tenant {
		return nil, fault.New(fault.Validation, "unknown agent %q", id)
	}
	return sup, nil
}

// ByID is the tenant-blind lookup used by internal plumbing.
func (r *Registry) ByID(id string) *Supervisor {
	return r.snap.Load().byID[id]
}

// BySession resolves the agent bound to a browser session key.
func (r *Registry) BySession(session string) *Supervisor {
	return r.snap.Load().bySession[session]
}

// List returns the tenant's supervisors ordered by agent ID.
func (r *Registry) List(tenant string) []*Supervisor {
	var out []*Supervisor
	for _, sup := range r.snap.Load().byID {
		if sup.Tenant() == tenant {
			out = append(out, sup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

// Count reports the number of loaded supervisors across all tenants.
func (r *Registry) Count() int {
	return len(r.snap.Load().byID)
}

func (r *Registry) all() []*Supervisor {
	cur := r.snap.Load()
	out := make([]*Supervisor, 0, len(cur.byID))
	for _, sup := range cur.byID {
		out = append(out, sup)
	}
	return out
}

// Remove deletes the agent row first, then stops the supervisor and
// wipes its media and session material.
func (r *Registry) Remove(ctx context.Context, tenant, id string) error {
	sup, err := r.Get(tenant, id)
	if err != nil {
		return err
	}
	if err := r.deps.Store.DeleteAgent(ctx, tenant, id); err != nil {
		return err
	}
	r.deps.Swarm.Detach(id)
	if err := sup.Stop(ctx); err != nil {
		r.log.Warn("registry.stop_failed", "agent", id, "error", err)
	}

	r.mu.Lock()
	next := r.clone()
	delete(next.byID, id)
	for k, v := range next.bySession {
		if v == sup {
			delete(next.bySession, k)
		}
	}
	r.snap.Store(next)
	r.mu.Unlock()

	if err := r.deps.Media.DropAgent(ctx, id); err != nil {
		r.log.Warn("registry.media_drop_failed", "agent", id, "error", err)
	}
	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.Delete(id); err != nil {
			r.log.Warn("registry.session_wipe_failed", "agent", id, "error", err)
		}
	}
	r.log.Info("registry.agent_removed", "agent", id, "tenant", tenant)
	return nil
}

// Send implements flow.Sender.
func (r *Registry) Send(ctx context.Context, agentID string, cmd bus.SendCommand) (*bus.SendResult, error) {
	sup := r.ByID(agentID)
	if sup == nil {
		return nil, fault.New(fault.Validation, "unknown agent %q", agentID)
	}
	return sup.Send(ctx, cmd)
}

// CallAgent implements flow.SwarmCaller. The calling agent must itself
// be swarming; isolation cuts both directions.
func (r *Registry) CallAgent(ctx context.Context, fromAgent, tenant, target, flowName string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	from := r.ByID(fromAgent)
	if from == nil {
		return nil, fault.New(fault.Validation, "unknown agent %q", fromAgent)
	}
	if st := from.Status().Status; st != protocol.StatusSwarming {
		return nil, fault.New(fault.CrossAgentForbidden, "agent %s is not in the swarm", fromAgent)
	}
	return r.deps.Swarm.Call(ctx, swarm.Caller{AgentID: fromAgent, Tenant: tenant}, target, flowName, payload, timeout)
}

// BroadcastFrom fans a payload out to the rest of the tenant's swarm on
// behalf of one agent. Returns how many targets took delivery.
func (r *Registry) BroadcastFrom(fromAgent, topic string, payload json.RawMessage) (int, error) {
	from := r.ByID(fromAgent)
	if from == nil {
		return 0, fault.New(fault.Validation, "unknown agent %q", fromAgent)
	}
	if st := from.Status().Status; st != protocol.StatusSwarming {
		return 0, fault.New(fault.CrossAgentForbidden, "agent %s is not in the swarm", fromAgent)
	}
	return r.deps.Swarm.Broadcast(swarm.Caller{AgentID: fromAgent, Tenant: from.Tenant()}, topic, payload), nil
}

// Snapshot implements hub.SnapshotFunc: the tenant's agents with their
// recent messages. Filters narrow frame delivery, not the snapshot.
func (r *Registry) Snapshot(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error) {
	sups := r.List(tenant)
	perChat := r.deps.Agents.SnapshotMessages
	if perChat <= 0 {
		perChat = 20
	}
	out := protocol.SnapshotPayload{Agents: make([]protocol.SnapshotAgent, 0, len(sups))}
	for _, sup := range sups {
		st := sup.Status()
		sa := protocol.SnapshotAgent{
			AgentID:  st.AgentID,
			Name:     st.Name,
			Platform: string(st.Platform),
			Status:   st.Status,
		}
		msgs, err := r.deps.Store.RecentMessages(ctx, st.AgentID, perChat, snapshotMaxChats)
		if err != nil {
			r.log.Warn("registry.snapshot_messages_failed", "agent", st.AgentID, "error", err)
		}
		for _, m := range msgs {
			if raw, err := json.Marshal(m); err == nil {
				sa.Recent = append(sa.Recent, raw)
			}
		}
		out.Agents = append(out.Agents, sa)
	}
	return out, nil
}

// Shutdown stops every supervisor in parallel and then the janitor.
func (r *Registry) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sup := range r.all() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.deps.Swarm.Detach(sup.AgentID())
			if err := sup.Stop(ctx); err != nil {
				r.log.Warn("registry.stop_failed", "agent", sup.AgentID(), "error", err)
			}
		}()
	}
	wg.Wait()
	r.baseCancel()
	r.log.Info("registry.stopped")
}

func (r *Registry) janitor() {
	t := time.NewTicker(janitorEvery)
	defer t.Stop()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-t.C:
			r.sweepIdle()
		}
	}
}

// sweepIdle archives agents that have been offline with no traffic for
// archiveAfter. Connected agents are never touched.
func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-archiveAfter).UnixMilli()
	for _, sup := range r.all() {
		st := sup.Status()
		switch st.Status {
		case protocol.StatusCreated, protocol.StatusDisconnected, protocol.StatusFailed:
		default:
			continue
		}
		if st.LastActivity == 0 || st.LastActivity > cutoff {
			continue
		}
		if err := sup.Archive(r.baseCtx); err != nil {
			r.log.Warn("registry.archive_failed", "agent", st.AgentID, "error", err)
			continue
		}
		r.log.Info("registry.agent_archived", "agent", st.AgentID)
	}
}

// clone copies the current directory for a rewrite; callers hold mu.
func (r *Registry) clone() *directory {
	cur := r.snap.Load()
	next := &directory{
		byID:      make(map[string]*Supervisor, len(cur.byID)+1),
		bySession: make(map[string]*Supervisor, len(cur.bySession)+1),
	}
	maps.Copy(next.byID, cur.byID)
	maps.Copy(next.bySession, cur.bySession)
	return next
}

package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

// fakeFactory hands each agent its own scripted transport and remembers
// it, so tests can drive the adapter behind any supervisor.
type fakeFactory struct {
	mu      sync.Mutex
	byAgent map[string]*fakeAdapter
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{byAgent: make(map[string]*fakeAdapter)}
}

func (ff *fakeFactory) build(deps adapters.Deps) (adapters.Adapter, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ad, ok := ff.byAgent[deps.AgentID]; ok {
		return ad, nil
	}
	ad := newFakeAdapter()
	ff.byAgent[deps.AgentID] = ad
	return ad, nil
}

func (ff *fakeFactory) get(agentID string) *fakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.byAgent[agentID]
}

type regHarness struct {
	t       *testing.T
	st      *store.Store
	factory *fakeFactory
	reg     *Registry
	swarm   *swarm.Bus
}

func newRegHarness(t *testing.T) *regHarness {
	t.Helper()
	st := newTestStore(t)

	mc, err := media.NewCache(t.TempDir(), time.Hour, 1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	factory := newFakeFactory()
	areg := adapters.NewRegistry()
	areg.Register(bus.PlatformTelegramBot, factory.build)

	h := hub.New(hub.Options{})
	t.Cleanup(h.Close)
	sb := swarm.New()

	reg := NewRegistry(Deps{
		Store:    st,
		Hub:      h,
		Swarm:    sb,
		Media:    mc,
		Adapters: areg,
		Agents:   config.AgentsConfig{ReconnectCap: 3, InboundQueueSize: 32, SnapshotMessages: 5},
		Logger:   discardLogger(),
	})
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})

	return &regHarness{t: t, st: st, factory: factory, reg: reg, swarm: sb}
}

func (rh *regHarness) create(tenant, name string) *Supervisor {
	rh.t.Helper()
	sup, err := rh.reg.Create(context.Background(), CreateParams{
		Tenant:   tenant,
		Name:     name,
		Platform: string(bus.PlatformTelegramBot),
	})
	if err != nil {
		rh.t.Fatalf("Create %s: %v", name, err)
	}
	return sup
}

func (rh *regHarness) connectReady(sup *Supervisor) {
	rh.t.Helper()
	if err := sup.Connect(context.Background()); err != nil {
		rh.t.Fatalf("Connect: %v", err)
	}
	rh.factory.get(sup.AgentID()).emit(rh.t, bus.Ready{})
	waitFor(rh.t, "agent ready", func() bool {
		return sup.Status().Status == protocol.StatusReady
	})
}

func TestRegistryCreateGetList(t *testing.T) {
	rh := newRegHarness(t)
	ctx := context.Background()

	a := rh.create("t1", "alpha")
	b := rh.create("t1", "beta")
	rh.create("t2", "gamma")

	if a.Status().Status != protocol.StatusCreated {
		t.Errorf("new agent status = %s", a.Status().Status)
	}
	if _, err := rh.st.GetAgent(ctx, "t1", a.AgentID()); err != nil {
		t.Errorf("agent row missing: %v", err)
	}

	if _, err := rh.reg.Create(ctx, CreateParams{Tenant: "t1", Name: "x", Platform: "fax"}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("bad platform = %v, want Validation", err)
	}
	if _, err := rh.reg.Create(ctx, CreateParams{Name: "x", Platform: string(bus.PlatformTelegramBot)}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("missing tenant = %v, want Validation", err)
	}

	if _, err := rh.reg.Get("t2", a.AgentID()); !fault.IsKind(err, fault.Validation) {
		t.Errorf("cross-tenant Get = %v, want Validation", err)
	}
	got, err := rh.reg.Get("t1", a.AgentID())
	if err != nil || got != a {
		t.Errorf("Get = %v, %v", got, err)
	}
	if rh.reg.ByID(b.AgentID()) != b {
		t.Error("ByID missed a registered agent")
	}

	list := rh.reg.List("t1")
	if len(list) != 2 {
		t.Fatalf("List(t1) = %d agents, want 2", len(list))
	}
	if list[0].AgentID() > list[1].AgentID() {
		t.Error("List is not ordered by agent ID")
	}
}

func TestRegistryResumeOnStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seed := func(id, status string) {
		t.Helper()
		if err := st.CreateAgent(ctx, &store.AgentRecord{
			ID: id, Tenant: "t1", Name: id, Platform: string(bus.PlatformTelegramBot), Status: status,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("ag-live", protocol.StatusReady)
	seed("ag-cold", protocol.StatusCreated)
	seed("ag-gone", protocol.StatusArchived)

	mc, err := media.NewCache(t.TempDir(), time.Hour, 1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	factory := newFakeFactory()
	areg := adapters.NewRegistry()
	areg.Register(bus.PlatformTelegramBot, factory.build)
	h := hub.New(hub.Options{})
	t.Cleanup(h.Close)

	reg := NewRegistry(Deps{
		Store: st, Hub: h, Swarm: swarm.New(), Media: mc, Adapters: areg,
		Agents: config.AgentsConfig{ReconnectCap: 3, InboundQueueSize: 32},
		Logger: discardLogger(),
	})
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Shutdown(sctx)
	})

	waitFor(t, "live agent to redial", func() bool {
		ad := factory.get("ag-live")
		return ad != nil && ad.initCount() >= 1
	})
	if factory.get("ag-cold") != nil {
		t.Error("created agent should stay offline on boot")
	}
	if factory.get("ag-gone") != nil {
		t.Error("archived agent should stay offline on boot")
	}
	if rh := reg.ByID("ag-gone"); rh == nil {
		t.Error("archived agents still get a supervisor")
	}
}

func TestRegistryRemoveCleansUp(t *testing.T) {
	rh := newRegHarness(t)
	ctx := context.Background()

	sup := rh.create("t1", "doomed")
	id := sup.AgentID()
	if err := rh.reg.Remove(ctx, "t1", id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := rh.st.GetAgent(ctx, "t1", id); !fault.IsKind(err, fault.Validation) {
		t.Errorf("row should be gone, got %v", err)
	}
	if _, err := rh.reg.Get("t1", id); !fault.IsKind(err, fault.Validation) {
		t.Errorf("Get after Remove = %v, want Validation", err)
	}
	if rh.reg.ByID(id) != nil {
		t.Error("ByID still resolves a removed agent")
	}
	if err := sup.Connect(ctx); !fault.IsKind(err, fault.Transient) {
		t.Errorf("Connect on stopped supervisor = %v, want Transient", err)
	}

	if err := rh.reg.Remove(ctx, "t1", id); !fault.IsKind(err, fault.Validation) {
		t.Errorf("second Remove = %v, want Validation", err)
	}
}

func TestRegistrySendRoutes(t *testing.T) {
	rh := newRegHarness(t)
	ctx := context.Background()

	sup := rh.create("t1", "sender")
	rh.connectReady(sup)

	res, err := rh.reg.Send(ctx, sup.AgentID(), bus.SendCommand{Kind: bus.SendText, ChatID: "chat-1", Body: "ping"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID == "" {
		t.Error("Send returned no message ID")
	}
	if sent := rh.factory.get(sup.AgentID()).sentCommands(); len(sent) != 1 || sent[0].Body != "ping" {
		t.Errorf("adapter saw %v", sent)
	}

	if _, err := rh.reg.Send(ctx, "nope", bus.SendCommand{Kind: bus.SendText, ChatID: "c", Body: "x"}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("Send to unknown agent = %v, want Validation", err)
	}
}

func TestRegistryCallAgentGatesCaller(t *testing.T) {
	rh := newRegHarness(t)
	ctx := context.Background()

	caller := rh.create("t1", "caller")
	target := rh.create("t1", "target")

	if _, err := rh.reg.CallAgent(ctx, "nope", "t1", target.AgentID(), "lookup", nil, time.Second); !fault.IsKind(err, fault.Validation) {
		t.Errorf("unknown caller = %v, want Validation", err)
	}
	if _, err := rh.reg.CallAgent(ctx, caller.AgentID(), "t1", target.AgentID(), "lookup", nil, time.Second); !fault.IsKind(err, fault.CrossAgentForbidden) {
		t.Errorf("non-swarming caller = %v, want CrossAgentForbidden", err)
	}
}

func TestRegistryBroadcastFromRequiresSwarm(t *testing.T) {
	rh := newRegHarness(t)

	sup := rh.create("t1", "quiet")
	if _, err := rh.reg.BroadcastFrom("nope", "alerts", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("unknown agent = %v, want Validation", err)
	}
	if _, err := rh.reg.BroadcastFrom(sup.AgentID(), "alerts", nil); !fault.IsKind(err, fault.CrossAgentForbidden) {
		t.Errorf("non-swarming broadcast = %v, want CrossAgentForbidden", err)
	}
}

func TestRegistrySnapshotPayload(t *testing.T) {
	rh := newRegHarness(t)
	ctx := context.Background()

	sup := rh.create("t1", "snappy")
	for i, body := range []string{"first", "second"} {
		if _, err := rh.st.InsertMessage(ctx, bus.Message{
			ID:        "m-" + body,
			AgentID:   sup.AgentID(),
			Platform:  bus.PlatformTelegramBot,
			Direction: bus.DirectionIn,
			ChatID:    "chat-1",
			Body:      body,
			Timestamp: bus.NowMillis() + int64(i),
			Type:      bus.TypeText,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	snap, err := rh.reg.Snapshot(ctx, "t1", nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Agents) != 1 {
		t.Fatalf("snapshot agents = %d, want 1", len(snap.Agents))
	}
	ag := snap.Agents[0]
	if ag.AgentID != sup.AgentID() || ag.Name != "snappy" || ag.Platform != string(bus.PlatformTelegramBot) {
		t.Errorf("snapshot agent = %+v", ag)
	}
	if ag.Status != protocol.StatusCreated {
		t.Errorf("snapshot status = %s", ag.Status)
	}
	if len(ag.Recent) != 2 {
		t.Errorf("recent messages = %d, want 2", len(ag.Recent))
	}
	var msg bus.Message
	if err := json.Unmarshal(ag.Recent[0], &msg); err != nil {
		t.Fatalf("recent[0]: %v", err)
	}
	if msg.ChatID != "chat-1" {
		t.Errorf("recent message = %+v", msg)
	}

	empty, err := rh.reg.Snapshot(ctx, "t9", nil)
	if err != nil {
		t.Fatalf("Snapshot empty tenant: %v", err)
	}
	if len(empty.Agents) != 0 {
		t.Errorf("foreign tenant saw %d agents", len(empty.Agents))
	}
}

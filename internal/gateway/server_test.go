package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/agent"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

type authSubmission struct {
	kind  bus.AuthKind
	value string
}

// stubAdapter backs every agent in these tests. Connect succeeds
// immediately; emit drives the upward event stream.
type stubAdapter struct {
	mu          sync.Mutex
	events      chan bus.Event
	submissions []authSubmission
}

func (a *stubAdapter) Platform() bus.Platform { return bus.PlatformTelegramBot }

func (a *stubAdapter) Initialize(ctx context.Context) (<-chan bus.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = make(chan bus.Event, 16)
	return a.events, nil
}

func (a *stubAdapter) SubmitAuthValue(ctx context.Context, kind bus.AuthKind, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submissions = append(a.submissions, authSubmission{kind: kind, value: value})
	return nil
}

func (a *stubAdapter) Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	return bus.SendResult{MessageID: "telegram-bot:1", Timestamp: bus.NowMillis()}, nil
}

func (a *stubAdapter) DownloadMedia(ctx context.Context, ref string) (media.Blob, error) {
	return media.Blob{}, fault.New(fault.Validation, "stub has no media")
}

func (a *stubAdapter) Shutdown(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events != nil {
		close(a.events)
		a.events = nil
	}
	return nil
}

func (a *stubAdapter) emit(t *testing.T, ev bus.Event) {
	t.Helper()
	a.mu.Lock()
	ch := a.events
	a.mu.Unlock()
	if ch == nil {
		t.Fatal("emit before Initialize")
	}
	ch <- ev
}

func (a *stubAdapter) submitted() []authSubmission {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]authSubmission, len(a.submissions))
	copy(out, a.submissions)
	return out
}

type stubFactory struct {
	mu      sync.Mutex
	byAgent map[string]*stubAdapter
}

func newStubFactory() *stubFactory {
	return &stubFactory{byAgent: make(map[string]*stubAdapter)}
}

func (f *stubFactory) build(deps adapters.Deps) (adapters.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ad, ok := f.byAgent[deps.AgentID]; ok {
		return ad, nil
	}
	ad := &stubAdapter{}
	f.byAgent[deps.AgentID] = ad
	return ad, nil
}

func (f *stubFactory) get(t *testing.T, agentID string) *stubAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ad := f.byAgent[agentID]
	if ad == nil {
		t.Fatalf("no adapter built for agent %s", agentID)
	}
	return ad
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store.New(db)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type gwHarness struct {
	t       *testing.T
	ts      *httptest.Server
	gw      *Server
	hub     *hub.Hub
	reg     *agent.Registry
	factory *stubFactory
}

func newGatewayHarness(t *testing.T) *gwHarness {
	return newGatewayHarnessCfg(t, nil)
}

func newGatewayHarnessCfg(t *testing.T, tweak func(*config.Config)) *gwHarness {
	t.Helper()
	st := newTestStore(t)

	mc, err := media.NewCache(t.TempDir(), time.Hour, 1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	factory := newStubFactory()
	areg := adapters.NewRegistry()
	areg.Register(bus.PlatformTelegramBot, factory.build)

	// The hub needs the registry's snapshot and the registry needs the
	// hub; the closure breaks the cycle.
	var reg *agent.Registry
	h := hub.New(hub.Options{Snapshot: func(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error) {
		return reg.Snapshot(ctx, tenant, filters)
	}})
	t.Cleanup(h.Close)

	cfg := &config.Config{}
	if tweak != nil {
		tweak(cfg)
	}

	reg = agent.NewRegistry(agent.Deps{
		Store:    st,
		Hub:      h,
		Swarm:    swarm.New(),
		Media:    mc,
		Matcher:  flow.NewMatcher(st),
		Executor: flow.NewExecutor(flow.Deps{Store: st, Logger: discardLogger()}, flow.DefaultLimits()),
		Adapters: areg,
		Agents:   config.AgentsConfig{ReconnectCap: 2, InboundQueueSize: 16, SnapshotMessages: 5},
		Logger:   discardLogger(),
	})
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("registry Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})

	gw := New(Deps{Config: cfg, Hub: h, Registry: reg, Logger: discardLogger()})
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)

	return &gwHarness{t: t, ts: ts, gw: gw, hub: h, reg: reg, factory: factory}
}

func (h *gwHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *gwHarness) dial() *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *gwHarness) createAgent(tenant, name string) *agent.Supervisor {
	h.t.Helper()
	sup, err := h.reg.Create(context.Background(), agent.CreateParams{
		Tenant:   tenant,
		Name:     name,
		Platform: string(bus.PlatformTelegramBot),
	})
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return sup
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s frame: %v", frame.Type, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.ServerFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func expectError(t *testing.T, conn *websocket.Conn, fragment string) {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("frame = %s, want error mentioning %q", f.Type, fragment)
	}
	if !strings.Contains(f.Error, fragment) {
		t.Fatalf("error = %q, want %q mentioned", f.Error, fragment)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, tenant string, filters ...string) protocol.SnapshotPayload {
	t.Helper()
	writeFrame(t, conn, protocol.ClientFrame{
		Type:      protocol.FrameSubscribe,
		Subscribe: &protocol.SubscribePayload{Tenant: tenant, Filters: filters},
	})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameSnapshot {
		t.Fatalf("first frame = %s (%s), want snapshot", f.Type, f.Error)
	}
	var snap protocol.SnapshotPayload
	if err := json.Unmarshal(f.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func decodeStatus(t *testing.T, f protocol.ServerFrame) protocol.StatusPayload {
	t.Helper()
	if f.Type != protocol.FrameStatus {
		t.Fatalf("frame = %s (%s), want status", f.Type, f.Error)
	}
	var p protocol.StatusPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return p
}

func TestGatewayHealthz(t *testing.T) {
	h := newGatewayHarness(t)

	res, err := h.ts.Client().Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSubscribeSnapshotThenLiveFrames(t *testing.T) {
	h := newGatewayHarness(t)
	sup := h.createAgent("t1", "support")

	conn := h.dial()
	snap := subscribe(t, conn, "t1")
	if len(snap.Agents) != 1 {
		t.Fatalf("snapshot agents = %d, want 1", len(snap.Agents))
	}
	a := snap.Agents[0]
	if a.AgentID != sup.AgentID() || a.Name != "support" || a.Status != protocol.StatusCreated {
		t.Fatalf("snapshot agent = %+v", a)
	}

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f := readFrame(t, conn)
	if f.AgentID != sup.AgentID() {
		t.Fatalf("frame agent = %q", f.AgentID)
	}
	st := decodeStatus(t, f)
	if st.From != protocol.StatusCreated || st.To != protocol.StatusAuthenticating {
		t.Fatalf("status = %+v", st)
	}

	ad := h.factory.get(t, sup.AgentID())

	ad.emit(t, bus.QRIssued{Bytes: []byte("qr-demo")})
	f = readFrame(t, conn)
	if f.Type != protocol.FrameQR {
		t.Fatalf("frame = %s, want qr", f.Type)
	}
	var qr protocol.QRPayload
	if err := json.Unmarshal(f.Payload, &qr); err != nil {
		t.Fatalf("decode qr: %v", err)
	}
	if string(qr.Bytes) != "qr-demo" {
		t.Errorf("qr bytes = %q", qr.Bytes)
	}

	ad.emit(t, bus.AuthPrompt{Kind: bus.AuthCode})
	f = readFrame(t, conn)
	if f.Type != protocol.FrameAuthPrompt {
		t.Fatalf("frame = %s, want authPrompt", f.Type)
	}
	var prompt protocol.AuthPromptPayload
	if err := json.Unmarshal(f.Payload, &prompt); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	if prompt.Kind != string(bus.AuthCode) {
		t.Errorf("prompt kind = %q", prompt.Kind)
	}

	ad.emit(t, bus.Ready{})
	st = decodeStatus(t, readFrame(t, conn))
	if st.To != protocol.StatusReady {
		t.Fatalf("status = %+v, want ready", st)
	}
}

func TestTenantIsolation(t *testing.T) {
	h := newGatewayHarness(t)
	supA := h.createAgent("t1", "support")
	supB := h.createAgent("t2", "sales")

	conn := h.dial()
	snap := subscribe(t, conn, "t1")
	if len(snap.Agents) != 1 || snap.Agents[0].AgentID != supA.AgentID() {
		t.Fatalf("t1 snapshot = %+v", snap.Agents)
	}

	// t2's status frame is published first; if tenant isolation leaked
	// it would arrive before t1's.
	if err := supB.Connect(context.Background()); err != nil {
		t.Fatalf("Connect t2: %v", err)
	}
	if err := supA.Connect(context.Background()); err != nil {
		t.Fatalf("Connect t1: %v", err)
	}

	f := readFrame(t, conn)
	if f.AgentID != supA.AgentID() {
		t.Fatalf("leaked frame for agent %q", f.AgentID)
	}
	decodeStatus(t, f)
}

func TestTopicFilters(t *testing.T) {
	h := newGatewayHarness(t)
	sup := h.createAgent("t1", "support")

	conn := h.dial()
	subscribe(t, conn, "t1", "agent.*.status")

	// Published first but filtered out.
	h.hub.Publish(context.Background(),
		protocol.AgentTopic(sup.AgentID(), protocol.TopicMessage), "t1",
		protocol.ServerFrame{Type: protocol.FrameMessage, AgentID: sup.AgentID()})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != protocol.FrameStatus {
		t.Fatalf("frame = %s, message topic should be filtered", f.Type)
	}
}

func TestSubscribeValidation(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial()

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameSubscribe})
	expectError(t, conn, "tenant binding")

	writeFrame(t, conn, protocol.ClientFrame{
		Type:      protocol.FrameSubscribe,
		Subscribe: &protocol.SubscribePayload{Tenant: "t1", Filters: []string{"agent.>.status"}},
	})
	expectError(t, conn, "final segment")

	subscribe(t, conn, "t1")

	writeFrame(t, conn, protocol.ClientFrame{
		Type:      protocol.FrameSubscribe,
		Subscribe: &protocol.SubscribePayload{Tenant: "t1"},
	})
	expectError(t, conn, "already subscribed")

	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	expectError(t, conn, "malformed frame")

	writeFrame(t, conn, protocol.ClientFrame{Type: "teleport"})
	expectError(t, conn, "unknown frame type")
}

func TestPingPong(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial()

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.FramePing})
	if f := readFrame(t, conn); f.Type != protocol.FramePong {
		t.Fatalf("frame = %s, want pong", f.Type)
	}
}

func TestAuthSubmitThroughGateway(t *testing.T) {
	h := newGatewayHarness(t)
	sup := h.createAgent("t1", "support")
	conn := h.dial()

	writeFrame(t, conn, protocol.ClientFrame{
		Type:       protocol.FrameAuthSubmit,
		AuthSubmit: &protocol.AuthSubmitPayload{AgentID: sup.AgentID(), Kind: "code", Value: "123"},
	})
	expectError(t, conn, "subscribe before")

	subscribe(t, conn, "t1")

	writeFrame(t, conn, protocol.ClientFrame{
		Type:       protocol.FrameAuthSubmit,
		AuthSubmit: &protocol.AuthSubmitPayload{AgentID: "ghost", Kind: "code", Value: "123"},
	})
	expectError(t, conn, "unknown agent")

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := decodeStatus(t, readFrame(t, conn))
	if st.To != protocol.StatusAuthenticating {
		t.Fatalf("status = %+v", st)
	}

	writeFrame(t, conn, protocol.ClientFrame{
		Type:       protocol.FrameAuthSubmit,
		AuthSubmit: &protocol.AuthSubmitPayload{AgentID: sup.AgentID(), Kind: "code", Value: "123456"},
	})
	ad := h.factory.get(t, sup.AgentID())
	waitFor(t, "credential delivery", func() bool { return len(ad.submitted()) == 1 })
	if got := ad.submitted()[0]; got.kind != bus.AuthCode || got.value != "123456" {
		t.Fatalf("submission = %+v", got)
	}

	// A successful submit produces no frame; the next one on the wire is
	// the ready transition.
	ad.emit(t, bus.Ready{})
	st = decodeStatus(t, readFrame(t, conn))
	if st.From != protocol.StatusAuthenticating || st.To != protocol.StatusReady {
		t.Fatalf("status = %+v", st)
	}

	writeFrame(t, conn, protocol.ClientFrame{
		Type:       protocol.FrameAuthSubmit,
		AuthSubmit: &protocol.AuthSubmitPayload{AgentID: sup.AgentID(), Kind: "code", Value: "123"},
	})
	expectError(t, conn, "not authenticating")
}

func TestUnsubscribeAndResubscribe(t *testing.T) {
	h := newGatewayHarness(t)
	sup := h.createAgent("t1", "support")
	conn := h.dial()

	subscribe(t, conn, "t1")

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameUnsubscribe})
	// The pong proves the unsubscribe was processed before we publish.
	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.FramePing})
	if f := readFrame(t, conn); f.Type != protocol.FramePong {
		t.Fatalf("frame = %s, want pong", f.Type)
	}

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	snap := subscribe(t, conn, "t1")
	if len(snap.Agents) != 1 || snap.Agents[0].Status != protocol.StatusAuthenticating {
		t.Fatalf("resubscribe snapshot = %+v", snap.Agents)
	}

	// The detached-period status frame was dropped; the next delivery is
	// the ready transition.
	h.factory.get(t, sup.AgentID()).emit(t, bus.Ready{})
	st := decodeStatus(t, readFrame(t, conn))
	if st.From != protocol.StatusAuthenticating || st.To != protocol.StatusReady {
		t.Fatalf("status = %+v", st)
	}
}

func TestOriginPolicy(t *testing.T) {
	h := newGatewayHarnessCfg(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"https://admin.example"}
	})

	_, res, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{
		"Origin": []string{"https://evil.example"},
	})
	if err == nil {
		t.Fatal("dial with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v", res)
	}

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{
		"Origin": []string{"https://admin.example"},
	})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	defer conn.Close()
	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.FramePing})
	if f := readFrame(t, conn); f.Type != protocol.FramePong {
		t.Fatalf("frame = %s, want pong", f.Type)
	}
}

func TestSlowConsumerClosed(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial()
	subscribe(t, conn, "t1")
	waitFor(t, "subscription attach", func() bool { return h.hub.Subscribers() == 1 })

	// Flood without reading: the per-client buffer and the socket fill,
	// then the gateway cuts the connection instead of blocking the hub.
	payload := json.RawMessage(`"` + strings.Repeat("x", 1<<15) + `"`)
	for i := 0; i < 1500; i++ {
		h.hub.Publish(context.Background(), "agent.flood.message", "t1",
			protocol.ServerFrame{Type: protocol.FrameMessage, Payload: payload})
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var readErr error
	for {
		if _, _, readErr = conn.ReadMessage(); readErr != nil {
			break
		}
	}
	if strings.Contains(readErr.Error(), "timeout") {
		t.Fatalf("connection still open after flood: %v", readErr)
	}

	waitFor(t, "subscriber teardown", func() bool {
		return h.hub.Subscribers() == 0 && h.gw.Clients() == 0
	})
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial()
	subscribe(t, conn, "t1")
	waitFor(t, "client attach", func() bool { return h.gw.Clients() == 1 })

	h.gw.closeClients()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("close error = %v, want normal closure", err)
			}
			break
		}
	}
	waitFor(t, "client teardown", func() bool { return h.gw.Clients() == 0 })
}

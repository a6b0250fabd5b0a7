package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"literal match", "agent.a1.status", "agent.a1.status", true},
		{"literal mismatch", "agent.a1.status", "agent.a2.status", false},
		{"star one segment", "agent.*.status", "agent.a1.status", true},
		{"star not two segments", "agent.*.status", "agent.a1.x.status", false},
		{"star not empty", "agent.*.status", "agent..status", false},
		{"tail wildcard short", "agent.a1.>", "agent.a1.status", true},
		{"tail wildcard deep", "agent.a1.>", "agent.a1.message.chat42", true},
		{"tail needs one segment", "agent.a1.>", "agent.a1.", false},
		{"tail other agent", "agent.a1.>", "agent.a2.status", false},
		{"star and tail", "agent.*.>", "agent.a9.qr", true},
		{"dots are literal", "agent.a1.status", "agentXa1Xstatus", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re, err := compilePattern(tt.pattern)
			if err != nil {
				t.Fatalf("compilePattern(%q): %v", tt.pattern, err)
			}
			got := false
			if re == nil {
				got = tt.topic == tt.pattern
			} else {
				got = re.MatchString(tt.topic)
			}
			if got != tt.want {
				t.Errorf("match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestCompilePatternRejects(t *testing.T) {
	for _, pattern := range []string{"", "agent.>.status", ">x"} {
		if _, err := compilePattern(pattern); !fault.IsKind(err, fault.Validation) {
			t.Errorf("compilePattern(%q) = %v, want Validation", pattern, err)
		}
	}
}

func recvOne(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return Envelope{}
}

func TestPublishDeliversByTenantAndFilter(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})
	defer h.Close()

	all, err := h.Subscribe("t1", nil)
	if err != nil {
		t.Fatalf("Subscribe all: %v", err)
	}
	narrow, err := h.Subscribe("t1", []string{"agent.a1.status"})
	if err != nil {
		t.Fatalf("Subscribe narrow: %v", err)
	}
	other, err := h.Subscribe("t2", nil)
	if err != nil {
		t.Fatalf("Subscribe other tenant: %v", err)
	}

	h.Publish(ctx, "agent.a1.status", "t1", protocol.ServerFrame{Type: protocol.FrameStatus, AgentID: "a1"})
	h.Publish(ctx, "agent.a2.status", "t1", protocol.ServerFrame{Type: protocol.FrameStatus, AgentID: "a2"})

	if env := recvOne(t, all); env.Topic != "agent.a1.status" {
		t.Errorf("all sub first topic = %s", env.Topic)
	}
	if env := recvOne(t, all); env.Topic != "agent.a2.status" {
		t.Errorf("all sub second topic = %s", env.Topic)
	}

	if env := recvOne(t, narrow); env.Frame.AgentID != "a1" {
		t.Errorf("narrow sub got agent %s", env.Frame.AgentID)
	}
	select {
	case env := <-narrow.C():
		t.Errorf("narrow sub got unexpected %s", env.Topic)
	default:
	}

	select {
	case env := <-other.C():
		t.Errorf("cross-tenant leak: %s", env.Topic)
	default:
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	ctx := context.Background()
	h := New(Options{BufferSize: 64})
	defer h.Close()

	sub, err := h.Subscribe("t1", []string{"agent.a1.>"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(i)
		h.Publish(ctx, "agent.a1.message.chat", "t1", protocol.ServerFrame{Type: protocol.FrameMessage, Payload: payload})
	}

	for i := 0; i < n; i++ {
		env := recvOne(t, sub)
		var got int
		if err := json.Unmarshal(env.Frame.Payload, &got); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got != i {
			t.Fatalf("event %d arrived out of order as %d", i, got)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	h := New(Options{BufferSize: 2})
	defer h.Close()

	sub, err := h.Subscribe("t1", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	keeper, err := h.Subscribe("t1", nil)
	if err != nil {
		t.Fatalf("Subscribe keeper: %v", err)
	}

	// Fill the buffer without reading, then overflow.
	for i := 0; i < 3; i++ {
		h.Publish(ctx, "agent.a1.status", "t1", protocol.ServerFrame{Type: protocol.FrameStatus})
		// Keep the healthy subscriber drained.
		recvOne(t, keeper)
	}

	// The overflowing subscriber is gone; its channel drains then closes.
	for i := 0; i < 2; i++ {
		recvOne(t, sub)
	}
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel after drop")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after drop")
	}

	if got := h.Subscribers(); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestAddRemoveFilters(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})
	defer h.Close()

	sub, err := h.Subscribe("t1", []string{"agent.a1.status"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Publish(ctx, "agent.a1.qr", "t1", protocol.ServerFrame{Type: protocol.FrameQR})
	select {
	case <-sub.C():
		t.Fatal("qr delivered before filter added")
	default:
	}

	if err := sub.AddFilters([]string{"agent.a1.qr"}); err != nil {
		t.Fatalf("AddFilters: %v", err)
	}
	h.Publish(ctx, "agent.a1.qr", "t1", protocol.ServerFrame{Type: protocol.FrameQR})
	if env := recvOne(t, sub); env.Topic != "agent.a1.qr" {
		t.Errorf("topic = %s", env.Topic)
	}

	sub.RemoveFilters([]string{"agent.a1.qr"})
	h.Publish(ctx, "agent.a1.qr", "t1", protocol.ServerFrame{Type: protocol.FrameQR})
	h.Publish(ctx, "agent.a1.status", "t1", protocol.ServerFrame{Type: protocol.FrameStatus})
	if env := recvOne(t, sub); env.Topic != "agent.a1.status" {
		t.Errorf("after remove, topic = %s", env.Topic)
	}
}

func TestSubscribeRequiresTenant(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	if _, err := h.Subscribe("", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("Subscribe without tenant = %v, want Validation", err)
	}
}

func TestSnapshotPassthrough(t *testing.T) {
	want := protocol.SnapshotPayload{Agents: []protocol.SnapshotAgent{{AgentID: "a1", Status: "ready"}}}
	h := New(Options{Snapshot: func(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error) {
		if tenant != "t1" {
			t.Errorf("tenant = %s", tenant)
		}
		return want, nil
	}})
	defer h.Close()

	got, err := h.Snapshot(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(got.Agents) != 1 || got.Agents[0].AgentID != "a1" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestDeliverSkipsOwnOriginViaMirrorPath(t *testing.T) {
	h := New(Options{})
	defer h.Close()

	sub, err := h.Subscribe("t1", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A remote envelope (different origin) is re-injected.
	h.deliver(Envelope{Topic: "agent.a1.status", Tenant: "t1", Origin: "other-hub", Frame: protocol.ServerFrame{Type: protocol.FrameStatus}})
	if env := recvOne(t, sub); env.Origin != "other-hub" {
		t.Errorf("origin = %s", env.Origin)
	}
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	h := New(Options{})
	sub, err := h.Subscribe("t1", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("channel open after hub close")
	}
	if _, err := h.Subscribe("t1", nil); err == nil {
		t.Error("Subscribe succeeded on closed hub")
	}
}

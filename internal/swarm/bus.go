// Package swarm routes cross-agent calls and tenant-wide broadcasts
// between supervisors. Calls are request/reply with a parked slot per
// call ID; broadcasts are fire-and-forget and exist only in memory, so a
// restart does not replay them.
package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// DefaultCallTimeout applies when the caller does not set one.
const DefaultCallTimeout = 30 * time.Second

// Caller identifies the requesting agent. Tenant scoping is enforced on
// every call: targets in other tenants read as unknown.
type Caller struct {
	AgentID string
	Tenant  string
}

// Request is one cross-agent call delivered to the target supervisor.
type Request struct {
	CallID   string
	From     Caller
	FlowName string
	Payload  json.RawMessage
}

// Broadcast is one tenant-wide announcement.
type Broadcast struct {
	From    string          `json:"from"`
	Tenant  string          `json:"tenant"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      int64           `json:"at"`
}

// Target is a supervisor attached to the bus. Delivery must not block:
// implementations enqueue into their mailbox and return Busy when full.
type Target interface {
	AgentID() string
	Tenant() string
	DeliverCall(req Request) error
	DeliverBroadcast(b Broadcast)
}

type reply struct {
	payload json.RawMessage
	err     error
}

// Bus is the cross-agent message fabric.
type Bus struct {
	mu      sync.RWMutex
	targets map[string]Target
	slots   map[string]chan reply
}

func New() *Bus {
	return &Bus{
		targets: make(map[string]Target),
		slots:   make(map[string]chan reply),
	}
}

// Attach registers a supervisor. Replaces any previous registration for
// the same agent.
func (b *Bus) Attach(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[t.AgentID()] = t
}

// Detach removes a supervisor. In-flight calls to it time out normally.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, agentID)
}

// Call runs the named flow on the target agent and waits for its reply.
// The reply window is bounded by timeout; a late reply is dropped.
func (b *Bus) Call(ctx context.Context, caller Caller, targetAgentID, flowName string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	b.mu.RLock()
	target, ok := b.targets[targetAgentID]
	b.mu.RUnlock()
	if !ok || target.Tenant() != caller.Tenant {
		return nil, fault.New(fault.Validation, "unknown agent %q", targetAgentID)
	}

	callID := uuid.Must(uuid.NewV7()).String()
	slot := make(chan reply, 1)
	b.mu.Lock()
	b.slots[callID] = slot
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.slots, callID)
		b.mu.Unlock()
	}()

	req := Request{CallID: callID, From: caller, FlowName: flowName, Payload: payload}
	if err := target.DeliverCall(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-slot:
		if r.err != nil {
			return nil, r.err
		}
		return r.payload, nil
	case <-timer.C:
		return nil, fault.New(fault.CrossAgentTimeout, "call to agent %s timed out after %s", targetAgentID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply resolves a parked call. Replies for expired or unknown calls are
// dropped silently; the caller already gave up.
func (b *Bus) Reply(callID string, payload json.RawMessage, callErr error) {
	b.mu.Lock()
	slot, ok := b.slots[callID]
	if ok {
		delete(b.slots, callID)
	}
	b.mu.Unlock()

	if !ok {
		slog.Debug("swarm.late_reply_dropped", "call", callID)
		return
	}
	slot <- reply{payload: payload, err: callErr}
}

// Broadcast fans a payload out to every same-tenant supervisor except the
// sender. Returns the delivery count.
func (b *Bus) Broadcast(from Caller, topic string, payload json.RawMessage) int {
	msg := Broadcast{
		From:    from.AgentID,
		Tenant:  from.Tenant,
		Topic:   topic,
		Payload: payload,
		At:      time.Now().UnixMilli(),
	}

	b.mu.RLock()
	targets := make([]Target, 0, len(b.targets))
	for id, t := range b.targets {
		if id == from.AgentID || t.Tenant() != from.Tenant {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		t.DeliverBroadcast(msg)
	}
	return len(targets)
}

// PendingCalls reports parked reply slots, for the stats surface.
func (b *Bus) PendingCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}

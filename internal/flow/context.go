package flow

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

// Execution statuses.
const (
	StatusRunning       = "running"
	StatusSucceeded     = "succeeded"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
	StatusTimedOut      = "timedOut"
	StatusLimitExceeded = "limitExceeded"
)

// TriggerEvent is what fired a flow. Exactly one detail field is set for
// non-message kinds; Message carries the inbound message for message
// triggers and replays.
type TriggerEvent struct {
	Kind    string          `json:"kind"`
	Message *bus.Message    `json:"message,omitempty"`
	Path    string          `json:"path,omitempty"`    // webhook
	Caller  string          `json:"caller,omitempty"`  // cross-agent
	CallID  string          `json:"callId,omitempty"`  // cross-agent
	Payload json.RawMessage `json:"payload,omitempty"` // webhook body / cross-agent / manual
}

// Context is the mutable state of one execution. Variables hold nested
// JSON-like values addressed by dotted paths; NodeResults are append-only
// within a run.
type Context struct {
	ExecutionID string
	FlowID      string
	AgentID     string
	Tenant      string
	Trigger     TriggerEvent
	Variables   map[string]any
	NodeResults map[string]any
	Debug       []string

	nodesRun  int
	loopIters int
}

// NewContext seeds a context from the trigger event. Message triggers
// expose `trigger.*` and `triggerSender.*` variables; webhook and
// cross-agent payloads land under `trigger.payload`.
func NewContext(executionID string, f *Flow, tenant string, ev TriggerEvent) *Context {
	c := &Context{
		ExecutionID: executionID,
		FlowID:      f.FlowID,
		AgentID:     f.AgentID,
		Tenant:      tenant,
		Trigger:     ev,
		Variables:   make(map[string]any),
		NodeResults: make(map[string]any),
	}

	trigger := map[string]any{"kind": ev.Kind}
	if ev.Message != nil {
		m := ev.Message
		trigger["body"] = m.Body
		trigger["chatId"] = m.ChatID
		trigger["messageId"] = m.ID
		trigger["platform"] = string(m.Platform)
		trigger["type"] = string(m.Type)
		trigger["fromMe"] = m.FromMe
		trigger["hasMedia"] = m.HasMedia
		if m.ReplyTo != "" {
			trigger["replyTo"] = m.ReplyTo
		}
		if key, ok := m.Meta["mediaKey"].(string); ok && key != "" {
			trigger["mediaKey"] = key
		}
		c.Variables["triggerSender"] = map[string]any{
			"id":   m.SenderID,
			"name": m.SenderName,
		}
	}
	if ev.Path != "" {
		trigger["path"] = ev.Path
	}
	if ev.Caller != "" {
		trigger["caller"] = ev.Caller
	}
	if len(ev.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			trigger["payload"] = payload
		} else {
			trigger["payload"] = string(ev.Payload)
		}
	}
	c.Variables["trigger"] = trigger
	return c
}

// Set writes a value at a dotted path, creating intermediate maps.
func (c *Context) Set(path string, value any) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	cur := c.Variables
	for i := 0; i < len(segs)-1; i++ {
		next, ok := cur[segs[i]].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[segs[i]] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// Record stores a node result. Values are normalized through JSON so
// later path lookups see maps and slices, not structs.
func (c *Context) Record(nodeID string, value any) {
	c.NodeResults[nodeID] = jsonify(value)
}

// Lookup resolves a dotted path. The `results` root addresses node
// results; `execution`, `flow` and `agent` expose identifiers; anything
// else resolves against Variables.
func (c *Context) Lookup(path string) (any, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	switch segs[0] {
	case "results":
		if len(segs) == 1 {
			return c.NodeResults, true
		}
		if v, ok := c.NodeResults[segs[1]]; ok {
			return walkPath(v, segs[2:])
		}
		return nil, false
	case "execution":
		if len(segs) == 2 && segs[1] == "id" {
			return c.ExecutionID, true
		}
	case "flow":
		if len(segs) == 2 && segs[1] == "id" {
			return c.FlowID, true
		}
	case "agent":
		if len(segs) == 2 && segs[1] == "id" {
			return c.AgentID, true
		}
	}
	if v, ok := c.Variables[segs[0]]; ok {
		return walkPath(v, segs[1:])
	}
	return nil, false
}

// Snapshot serializes the variables for persistence.
func (c *Context) Snapshot() json.RawMessage {
	data, err := json.Marshal(c.Variables)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// RestoreVariables rehydrates persisted variables on resume.
func (c *Context) RestoreVariables(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	vars := make(map[string]any)
	if err := json.Unmarshal(raw, &vars); err == nil {
		c.Variables = vars
	}
}

func (c *Context) debugf(format string, args ...any) {
	c.Debug = append(c.Debug, fmt.Sprintf(format, args...))
}

// jsonify converts any value into JSON-shaped maps, slices and scalars.
func jsonify(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

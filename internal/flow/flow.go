// Package flow holds the automation engine: flow definitions, the
// trigger matcher and the DAG executor.
//
// A flow is a DAG of action nodes wired by edges. Cycles are forbidden;
// iteration is expressed with a loop node whose body subgraph hangs off a
// "body"-labeled edge and is re-entered by the interpreter, so the stored
// graph itself stays acyclic.
package flow

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

// Trigger kinds.
const (
	TriggerMessage    = "message"
	TriggerSchedule   = "schedule"
	TriggerWebhook    = "webhook"
	TriggerCrossAgent = "cross-agent"
	TriggerManual     = "manual"
)

// Node kinds.
const (
	KindTrigger        = "trigger"
	KindSendMessage    = "send-message"
	KindSendMedia      = "send-media"
	KindSendLocation   = "send-location"
	KindReact          = "react"
	KindEdit           = "edit"
	KindDelete         = "delete"
	KindCondition      = "condition"
	KindSwitch         = "switch"
	KindLoop           = "loop"
	KindDelay          = "delay"
	KindSubFlow        = "sub-flow"
	KindCrossAgentCall = "cross-agent-call"
	KindAIResponse     = "ai-response"
	KindAIRouter       = "ai-router"
	KindAIExtract      = "ai-extract"
	KindAIIntent       = "ai-intent"
	KindAITranslate    = "ai-translate"
	KindTranscribe     = "transcribe"
	KindTTS            = "tts"
	KindRAGQuery       = "rag-query"
	KindSet            = "set"
	KindTemplate       = "template"
	KindJSONPath       = "json-path"
	KindRegex          = "regex"
	KindEncode         = "encode"
)

// Edge labels with engine meaning.
const (
	LabelOnError = "onError"
	LabelBody    = "body"
	LabelDone    = "done"
	LabelTrue    = "true"
	LabelFalse   = "false"
)

// Trigger is a flow's activation predicate.
type Trigger struct {
	Kind string `json:"kind"`

	// message kind
	Pattern       string `json:"pattern,omitempty"`
	Match         string `json:"match,omitempty"` // contains (default) | equals | regex | prefix
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	FromMe        *bool  `json:"fromMe,omitempty"`

	// schedule kind
	Cron string `json:"cron,omitempty"`

	// webhook kind
	Path string `json:"path,omitempty"`
}

// RetryPolicy re-runs a failed node. Only transient failures retry.
type RetryPolicy struct {
	Count    int    `json:"count"`
	BaseMs   int    `json:"baseMs"`
	Strategy string `json:"strategy,omitempty"` // fixed (default) | exponential
	MaxMs    int    `json:"maxMs,omitempty"`
}

// Node is one action in a flow.
type Node struct {
	NodeID    string          `json:"nodeId"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// Edge connects two nodes. Condition, when set, gates traversal; Label
// selects branch routing (condition/switch outcomes, loop body, onError).
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Flow is a complete automation definition for one agent.
type Flow struct {
	FlowID         string   `json:"flowId"`
	AgentID        string   `json:"agentId"`
	Name           string   `json:"name"`
	Trigger        Trigger  `json:"trigger"`
	Nodes          []Node   `json:"nodes"`
	Edges          []Edge   `json:"edges"`
	Active         bool     `json:"active"`
	AllowedCallers []string `json:"allowedCallers,omitempty"`
}

// Node returns the node by ID, or nil.
func (f *Flow) Node(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].NodeID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Entry returns the flow's single entry node. Valid flows have exactly
// one; Validate enforces it.
func (f *Flow) Entry() *Node {
	hasIn := make(map[string]bool, len(f.Nodes))
	for _, e := range f.Edges {
		hasIn[e.To] = true
	}
	for i := range f.Nodes {
		if !hasIn[f.Nodes[i].NodeID] {
			return &f.Nodes[i]
		}
	}
	return nil
}

// OutEdges returns the edges leaving a node.
func (f *Flow) OutEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns the edges entering a node.
func (f *Flow) InEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range f.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// AllowsCaller reports whether a cross-agent caller may run this flow.
// An empty list means no caller is allowed.
func (f *Flow) AllowsCaller(agentID string) bool {
	for _, id := range f.AllowedCallers {
		if id == "*" || id == agentID {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants: every edge targets an
// existing node, exactly one entry, no cycles outside loop bodies, and
// known kinds throughout.
func (f *Flow) Validate() error {
	if f.FlowID == "" {
		return fault.New(fault.Validation, "flow id required")
	}
	if f.Name == "" {
		return fault.New(fault.Validation, "flow name required")
	}
	if len(f.Nodes) == 0 {
		return fault.New(fault.Validation, "flow has no nodes")
	}

	ids := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.NodeID == "" {
			return fault.New(fault.Validation, "node without id")
		}
		if ids[n.NodeID] {
			return fault.New(fault.Validation, "duplicate node id %q", n.NodeID)
		}
		if !knownKind(n.Kind) {
			return fault.New(fault.Validation, "node %q: unknown kind %q", n.NodeID, n.Kind)
		}
		ids[n.NodeID] = true
	}

	if !knownTrigger(f.Trigger.Kind) {
		return fault.New(fault.Validation, "unknown trigger kind %q", f.Trigger.Kind)
	}

	for _, e := range f.Edges {
		if !ids[e.From] {
			return fault.New(fault.Validation, "edge from unknown node %q", e.From)
		}
		if !ids[e.To] {
			return fault.New(fault.Validation, "edge to unknown node %q", e.To)
		}
	}

	// Exactly one entry node.
	hasIn := make(map[string]bool, len(f.Nodes))
	for _, e := range f.Edges {
		hasIn[e.To] = true
	}
	entries := 0
	for _, n := range f.Nodes {
		if !hasIn[n.NodeID] {
			entries++
		}
	}
	if entries != 1 {
		return fault.New(fault.Validation, "flow must have exactly one entry node, found %d", entries)
	}

	if err := f.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic rejects cycles. Edges ending at a loop node are excluded:
// an explicit back-edge into a loop marks the iteration boundary and is
// the one legal way to close a cycle.
func (f *Flow) checkAcyclic() error {
	loopNodes := make(map[string]bool)
	for _, n := range f.Nodes {
		if n.Kind == KindLoop {
			loopNodes[n.NodeID] = true
		}
	}

	adj := make(map[string][]string)
	for _, e := range f.Edges {
		if loopNodes[e.To] {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(f.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return fault.New(fault.Validation, "cycle through node %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range f.Nodes {
		if color[n.NodeID] == white {
			if err := visit(n.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}

func knownKind(kind string) bool {
	switch kind {
	case KindTrigger, KindSendMessage, KindSendMedia, KindSendLocation,
		KindReact, KindEdit, KindDelete, KindCondition, KindSwitch,
		KindLoop, KindDelay, KindSubFlow, KindCrossAgentCall,
		KindAIResponse, KindAIRouter, KindAIExtract, KindAIIntent,
		KindAITranslate, KindTranscribe, KindTTS, KindRAGQuery,
		KindSet, KindTemplate, KindJSONPath, KindRegex, KindEncode:
		return true
	}
	return false
}

func knownTrigger(kind string) bool {
	switch kind {
	case TriggerMessage, TriggerSchedule, TriggerWebhook, TriggerCrossAgent, TriggerManual:
		return true
	}
	return false
}

// FromRecord decodes a stored flow definition.
func FromRecord(rec *store.FlowRecord) (*Flow, error) {
	f := &Flow{
		FlowID:  rec.FlowID,
		AgentID: rec.AgentID,
		Name:    rec.Name,
		Active:  rec.Active,
	}
	if err := json.Unmarshal(rec.TriggerSpec, &f.Trigger); err != nil {
		return nil, fmt.Errorf("flow %s: decode trigger: %w", rec.FlowID, err)
	}
	if err := json.Unmarshal(rec.Nodes, &f.Nodes); err != nil {
		return nil, fmt.Errorf("flow %s: decode nodes: %w", rec.FlowID, err)
	}
	if err := json.Unmarshal(rec.Edges, &f.Edges); err != nil {
		return nil, fmt.Errorf("flow %s: decode edges: %w", rec.FlowID, err)
	}
	if len(rec.AllowedCallers) > 0 {
		if err := json.Unmarshal(rec.AllowedCallers, &f.AllowedCallers); err != nil {
			return nil, fmt.Errorf("flow %s: decode allowed callers: %w", rec.FlowID, err)
		}
	}
	return f, nil
}

// ToRecord encodes the flow for persistence.
func (f *Flow) ToRecord() (*store.FlowRecord, error) {
	trigger, err := json.Marshal(f.Trigger)
	if err != nil {
		return nil, err
	}
	nodes, err := json.Marshal(f.Nodes)
	if err != nil {
		return nil, err
	}
	edges, err := json.Marshal(f.Edges)
	if err != nil {
		return nil, err
	}
	callers, err := json.Marshal(f.AllowedCallers)
	if err != nil {
		return nil, err
	}
	return &store.FlowRecord{
		FlowID:         f.FlowID,
		AgentID:        f.AgentID,
		Name:           f.Name,
		TriggerSpec:    trigger,
		Nodes:          nodes,
		Edges:          edges,
		Active:         f.Active,
		AllowedCallers: callers,
	}, nil
}

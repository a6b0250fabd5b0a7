package flow

import (
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

func linearFlow(kinds ...string) *Flow {
	f := &Flow{
		FlowID:  "fl-1",
		AgentID: "ag-1",
		Name:    "test",
		Trigger: Trigger{Kind: TriggerMessage},
		Active:  true,
	}
	prev := ""
	for i, kind := range kinds {
		id := string(rune('a' + i))
		f.Nodes = append(f.Nodes, Node{NodeID: id, Kind: kind})
		if prev != "" {
			f.Edges = append(f.Edges, Edge{From: prev, To: id})
		}
		prev = id
	}
	return f
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Flow)
		wantErr bool
	}{
		{name: "linear ok", mutate: func(f *Flow) {}},
		{
			name: "duplicate node id",
			mutate: func(f *Flow) {
				f.Nodes = append(f.Nodes, Node{NodeID: "a", Kind: KindSet})
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			mutate: func(f *Flow) {
				f.Nodes[1].Kind = "teleport"
			},
			wantErr: true,
		},
		{
			name: "unknown trigger",
			mutate: func(f *Flow) {
				f.Trigger.Kind = "psychic"
			},
			wantErr: true,
		},
		{
			name: "edge to unknown node",
			mutate: func(f *Flow) {
				f.Edges = append(f.Edges, Edge{From: "a", To: "zz"})
			},
			wantErr: true,
		},
		{
			name: "cycle",
			mutate: func(f *Flow) {
				f.Edges = append(f.Edges, Edge{From: "c", To: "b"})
			},
			wantErr: true,
		},
		{
			name: "two entries",
			mutate: func(f *Flow) {
				f.Nodes = append(f.Nodes, Node{NodeID: "x", Kind: KindSet})
			},
			wantErr: true,
		},
		{
			name: "no nodes",
			mutate: func(f *Flow) {
				f.Nodes = nil
				f.Edges = nil
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := linearFlow(KindTrigger, KindCondition, KindSendMessage)
			tt.mutate(f)
			err := f.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && fault.KindOf(err) != fault.Validation {
				t.Errorf("Validate() kind = %v, want validation", fault.KindOf(err))
			}
		})
	}
}

func TestValidateAllowsLoopBackEdge(t *testing.T) {
	f := &Flow{
		FlowID:  "fl-loop",
		AgentID: "ag-1",
		Name:    "looped",
		Trigger: Trigger{Kind: TriggerManual},
		Nodes: []Node{
			{NodeID: "start", Kind: KindTrigger},
			{NodeID: "each", Kind: KindLoop},
			{NodeID: "work", Kind: KindSet},
			{NodeID: "after", Kind: KindSendMessage},
		},
		Edges: []Edge{
			{From: "start", To: "each"},
			{From: "each", To: "work", Label: LabelBody},
			{From: "work", To: "each"}, // explicit back-edge
			{From: "each", To: "after", Label: LabelDone},
		},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestEntry(t *testing.T) {
	f := linearFlow(KindTrigger, KindSet, KindSendMessage)
	entry := f.Entry()
	if entry == nil || entry.NodeID != "a" {
		t.Fatalf("Entry() = %v, want node a", entry)
	}
}

func TestAllowsCaller(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		caller  string
		want    bool
	}{
		{"empty denies", nil, "ag-2", false},
		{"exact match", []string{"ag-2"}, "ag-2", true},
		{"no match", []string{"ag-3"}, "ag-2", false},
		{"wildcard", []string{"*"}, "anyone", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{AllowedCallers: tt.allowed}
			if got := f.AllowsCaller(tt.caller); got != tt.want {
				t.Errorf("AllowsCaller(%q) = %v, want %v", tt.caller, got, tt.want)
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	f := linearFlow(KindTrigger, KindAIResponse, KindSendMessage)
	f.Trigger = Trigger{Kind: TriggerMessage, Pattern: "hello", Match: "prefix"}
	f.AllowedCallers = []string{"ag-2"}
	f.Nodes[1].Config = json.RawMessage(`{"prompt":"{{trigger.body}}"}`)
	f.Nodes[1].Retry = &RetryPolicy{Count: 2, BaseMs: 100, Strategy: "exponential"}

	rec, err := f.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if back.Name != f.Name || back.Trigger.Pattern != "hello" || len(back.Nodes) != 3 {
		t.Errorf("round trip lost data: %+v", back)
	}
	if back.Nodes[1].Retry == nil || back.Nodes[1].Retry.Count != 2 {
		t.Errorf("retry policy lost: %+v", back.Nodes[1].Retry)
	}
	if !back.AllowsCaller("ag-2") {
		t.Error("allowed callers lost")
	}
}

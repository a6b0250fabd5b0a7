package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// FlowRecord is the persisted flow definition. Trigger, nodes and edges are
// stored as raw JSON; the flow package owns their shape.
type FlowRecord struct {
	FlowID         string          `db:"flow_id" json:"flowId"`
	AgentID        string          `db:"agent_id" json:"agentId"`
	Name           string          `db:"name" json:"name"`
	TriggerSpec    json.RawMessage `db:"trigger_spec" json:"trigger"`
	Nodes          json.RawMessage `db:"nodes" json:"nodes"`
	Edges          json.RawMessage `db:"edges" json:"edges"`
	Active         bool            `db:"active" json:"active"`
	AllowedCallers json.RawMessage `db:"allowed_callers" json:"allowedCallers,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"createdAt"`
	UpdatedAt      int64           `db:"updated_at" json:"updatedAt"`
}

const flowColumns = `flow_id, agent_id, name, trigger_spec, nodes, edges, active, allowed_callers, created_at, updated_at`

// SaveFlow inserts or replaces a flow definition.
func (s *Store) SaveFlow(ctx context.Context, f *FlowRecord) error {
	if len(f.AllowedCallers) == 0 {
		f.AllowedCallers = json.RawMessage(`[]`)
	}
	now := time.Now().UnixMilli()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO flows (flow_id, agent_id, name, trigger_spec, nodes, edges, active, allowed_callers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (flow_id) DO UPDATE SET
			name = excluded.name,
			trigger_spec = excluded.trigger_spec,
			nodes = excluded.nodes,
			edges = excluded.edges,
			active = excluded.active,
			allowed_callers = excluded.allowed_callers,
			updated_at = excluded.updated_at`),
		f.FlowID, f.AgentID, f.Name, string(f.TriggerSpec), string(f.Nodes), string(f.Edges),
		f.Active, string(f.AllowedCallers), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// GetFlow loads one definition.
func (s *Store) GetFlow(ctx context.Context, agentID, flowID string) (*FlowRecord, error) {
	var f FlowRecord
	err := s.db.GetContext(ctx, &f, s.rebind(
		`SELECT `+flowColumns+` FROM flows WHERE flow_id = ? AND agent_id = ?`), flowID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.Validation, "unknown flow %q", flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return &f, nil
}

// ListFlows returns every flow of one agent.
func (s *Store) ListFlows(ctx context.Context, agentID string) ([]FlowRecord, error) {
	var out []FlowRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+flowColumns+` FROM flows WHERE agent_id = ? ORDER BY created_at`), agentID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	return out, nil
}

// ListActiveFlows returns every active flow across agents. The matcher
// index is rebuilt from this.
func (s *Store) ListActiveFlows(ctx context.Context) ([]FlowRecord, error) {
	var out []FlowRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+flowColumns+` FROM flows WHERE active = ? ORDER BY created_at`), true)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	return out, nil
}

// SetFlowActive toggles a flow.
func (s *Store) SetFlowActive(ctx context.Context, agentID, flowID string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE flows SET active = ?, updated_at = ? WHERE flow_id = ? AND agent_id = ?`),
		active, time.Now().UnixMilli(), flowID, agentID)
	if err != nil {
		return fmt.Errorf("toggle flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Validation, "unknown flow %q", flowID)
	}
	return nil
}

// DeleteFlow removes a definition.
func (s *Store) DeleteFlow(ctx context.Context, agentID, flowID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM flows WHERE flow_id = ? AND agent_id = ?`), flowID, agentID)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Validation, "unknown flow %q", flowID)
	}
	return nil
}

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

// ExecutionRecord is one run of a flow for one trigger firing.
type ExecutionRecord struct {
	ExecutionID  string          `db:"execution_id" json:"executionId"`
	FlowID       string          `db:"flow_id" json:"flowId"`
	AgentID      string          `db:"agent_id" json:"agentId"`
	Status       string          `db:"status" json:"status"`
	TriggerEvent json.RawMessage `db:"trigger_event" json:"triggerEvent,omitempty"`
	Variables    json.RawMessage `db:"variables" json:"variables,omitempty"`
	ErrorKind    string          `db:"error_kind" json:"errorKind,omitempty"`
	ErrorNode    string          `db:"error_node" json:"errorNode,omitempty"`
	ErrorMsg     string          `db:"error_msg" json:"errorMsg,omitempty"`
	StartedAt    int64           `db:"started_at" json:"startedAt"`
	FinishedAt   int64           `db:"finished_at" json:"finishedAt,omitempty"`
}

// NodeResultRecord is one node's terminal outcome inside an execution.
type NodeResultRecord struct {
	ExecutionID string          `db:"execution_id" json:"executionId"`
	NodeID      string          `db:"node_id" json:"nodeId"`
	Status      string          `db:"status" json:"status"`
	Result      json.RawMessage `db:"result" json:"result"`
	Attempts    int             `db:"attempts" json:"attempts"`
	FinishedAt  int64           `db:"finished_at" json:"finishedAt"`
}

// ResumptionRecord parks a suspended execution for the scheduler.
type ResumptionRecord struct {
	ExecutionID string          `db:"execution_id" json:"executionId"`
	FlowID      string          `db:"flow_id" json:"flowId"`
	AgentID     string          `db:"agent_id" json:"agentId"`
	NodeID      string          `db:"node_id" json:"nodeId"`
	WakeAt      int64           `db:"wake_at" json:"wakeAt"`
	Token       string          `db:"token" json:"token"`
	Variables   json.RawMessage `db:"variables" json:"variables"`
	CreatedAt   int64           `db:"created_at" json:"createdAt"`
}

// InsertExecution opens a new running execution row.
func (s *Store) InsertExecution(ctx context.Context, e *ExecutionRecord) error {
	if len(e.TriggerEvent) == 0 {
		e.TriggerEvent = json.RawMessage(`{}`)
	}
	if len(e.Variables) == 0 {
		e.Variables = json.RawMessage(`{}`)
	}
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (execution_id, flow_id, agent_id, status, trigger_event, variables, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ExecutionID, e.FlowID, e.AgentID, e.Status, string(e.TriggerEvent), string(e.Variables), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// FinishExecution stamps the terminal status and any failure attribution.
func (s *Store) FinishExecution(ctx context.Context, executionID, status string, variables json.RawMessage, errKind, errNode, errMsg string) error {
	if len(variables) == 0 {
		variables = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET status = ?, variables = ?, error_kind = ?, error_node = ?, error_msg = ?, finished_at = ?
		WHERE execution_id = ?`),
		status, string(variables), errKind, errNode, errMsg, time.Now().UnixMilli(), executionID,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution.
func (s *Store) GetExecution(ctx context.Context, agentID, executionID string) (*ExecutionRecord, error) {
	var e ExecutionRecord
	err := s.db.GetContext(ctx, &e, s.rebind(`
		SELECT execution_id, flow_id, agent_id, status, trigger_event, variables,
			error_kind, error_node, error_msg, started_at, finished_at
		FROM executions WHERE execution_id = ? AND agent_id = ?`), executionID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.Validation, "unknown execution %q", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &e, nil
}

// ListExecutions pages an agent's execution history, newest first.
func (s *Store) ListExecutions(ctx context.Context, agentID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []ExecutionRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT execution_id, flow_id, agent_id, status, trigger_event, variables,
			error_kind, error_node, error_msg, started_at, finished_at
		FROM executions WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// SaveNodeResult records one node outcome. Within an execution results are
// append-only; a retry overwrites only its own node's row.
func (s *Store) SaveNodeResult(ctx context.Context, r *NodeResultRecord) error {
	if len(r.Result) == 0 {
		r.Result = json.RawMessage(`null`)
	}
	if r.FinishedAt == 0 {
		r.FinishedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO node_results (execution_id, node_id, status, result, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			attempts = excluded.attempts,
			finished_at = excluded.finished_at`),
		r.ExecutionID, r.NodeID, r.Status, string(r.Result), r.Attempts, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save node result: %w", err)
	}
	return nil
}

// ListNodeResults returns an execution's node outcomes. Resume rehydrates
// from these.
func (s *Store) ListNodeResults(ctx context.Context, executionID string) ([]NodeResultRecord, error) {
	var out []NodeResultRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT execution_id, node_id, status, result, attempts, finished_at
		FROM node_results WHERE execution_id = ? ORDER BY finished_at`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	return out, nil
}

// SaveResumption parks a suspended execution.
func (s *Store) SaveResumption(ctx context.Context, r *ResumptionRecord) error {
	if len(r.Variables) == 0 {
		r.Variables = json.RawMessage(`{}`)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO resumptions (execution_id, flow_id, agent_id, node_id, wake_at, token, variables, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			node_id = excluded.node_id,
			wake_at = excluded.wake_at,
			token = excluded.token,
			variables = excluded.variables`),
		r.ExecutionID, r.FlowID, r.AgentID, r.NodeID, r.WakeAt, r.Token, string(r.Variables), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save resumption: %w", err)
	}
	return nil
}

// DeleteResumption clears a consumed or cancelled token.
func (s *Store) DeleteResumption(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM resumptions WHERE execution_id = ?`), executionID)
	if err != nil {
		return fmt.Errorf("delete resumption: %w", err)
	}
	return nil
}

// PendingResumptions returns every parked token; boot replays the due ones.
func (s *Store) PendingResumptions(ctx context.Context) ([]ResumptionRecord, error) {
	var out []ResumptionRecord
	err := s.db.SelectContext(ctx, &out, `SELECT execution_id, flow_id, agent_id, node_id, wake_at, token, variables, created_at FROM resumptions ORDER BY wake_at`)
	if err != nil {
		return nil, fmt.Errorf("pending resumptions: %w", err)
	}
	return out, nil
}

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

// AgentRecord is the persisted agent row. Config is the transport-specific
// bag consumed only by the matching adapter.
type AgentRecord struct {
	ID             string          `db:"id" json:"agentId"`
	Tenant         string          `db:"tenant" json:"tenant"`
	Name           string          `db:"name" json:"name"`
	Platform       string          `db:"platform" json:"platform"`
	Config         json.RawMessage `db:"config" json:"config,omitempty"`
	BrowserSession string          `db:"browser_session" json:"browserSession,omitempty"`
	Status         string          `db:"status" json:"status"`
	SwarmEnabled   bool            `db:"swarm_enabled" json:"swarmEnabled"`
	Isolated       bool            `db:"isolated" json:"isolated"`

	MessagesIn           int64 `db:"messages_in" json:"messagesIn"`
	MessagesOut          int64 `db:"messages_out" json:"messagesOut"`
	Executions           int64 `db:"executions" json:"executions"`
	AICalls              int64 `db:"ai_calls" json:"aiCalls"`
	SuccessfulHandoffs   int64 `db:"successful_handoffs" json:"successfulHandoffs"`
	ContributedLearnings int64 `db:"contributed_learnings" json:"contributedLearnings"`

	CreatedAt int64 `db:"created_at" json:"createdAt"`
	UpdatedAt int64 `db:"updated_at" json:"updatedAt"`
}

const agentColumns = `id, tenant, name, platform, config, browser_session, status,
	swarm_enabled, isolated, messages_in, messages_out, executions, ai_calls,
	successful_handoffs, contributed_learnings, created_at, updated_at`

// CreateAgent inserts a new agent row. IDs are caller-generated and opaque.
func (s *Store) CreateAgent(ctx context.Context, a *AgentRecord) error {
	if len(a.Config) == 0 {
		a.Config = json.RawMessage(`{}`)
	}
	now := time.Now().UnixMilli()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = "created"
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (id, tenant, name, platform, config, browser_session, status,
			swarm_enabled, isolated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Tenant, a.Name, a.Platform, string(a.Config), a.BrowserSession, a.Status,
		a.SwarmEnabled, a.Isolated, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent only when its tenant matches the binding.
func (s *Store) GetAgent(ctx context.Context, tenant, id string) (*AgentRecord, error) {
	var a AgentRecord
	err := s.db.GetContext(ctx, &a, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ? AND tenant = ?`), id, tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.Validation, "unknown agent %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// GetAgentByID fetches an agent without tenant scoping. Internal paths
// that already hold a trusted agent ID use it; API handlers go through
// GetAgent.
func (s *Store) GetAgentByID(ctx context.Context, id string) (*AgentRecord, error) {
	var a AgentRecord
	err := s.db.GetContext(ctx, &a, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.Validation, "unknown agent %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by id: %w", err)
	}
	return &a, nil
}

// ListAgents returns the tenant's agents, newest first.
func (s *Store) ListAgents(ctx context.Context, tenant string) ([]AgentRecord, error) {
	var out []AgentRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE tenant = ? ORDER BY created_at DESC`), tenant)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

// ListAllAgents returns every agent. Startup uses it to rebuild supervisors.
func (s *Store) ListAllAgents(ctx context.Context) ([]AgentRecord, error) {
	var out []AgentRecord
	err := s.db.SelectContext(ctx, &out, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all agents: %w", err)
	}
	return out, nil
}

// UpdateAgent patches the mutable fields.
func (s *Store) UpdateAgent(ctx context.Context, a *AgentRecord) error {
	a.UpdatedAt = time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET name = ?, config = ?, browser_session = ?,
			swarm_enabled = ?, isolated = ?, updated_at = ?
		WHERE id = ? AND tenant = ?`),
		a.Name, string(a.Config), a.BrowserSession, a.SwarmEnabled, a.Isolated,
		a.UpdatedAt, a.ID, a.Tenant,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Validation, "unknown agent %q", a.ID)
	}
	return nil
}

// UpdateAgentStatus persists a supervisor transition.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// AgentCounters are the stat deltas bumped by the supervisor.
type AgentCounters struct {
	MessagesIn           int64
	MessagesOut          int64
	Executions           int64
	AICalls              int64
	SuccessfulHandoffs   int64
	ContributedLearnings int64
}

// BumpAgentCounters adds the deltas to the persisted counters.
func (s *Store) BumpAgentCounters(ctx context.Context, id string, d AgentCounters) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET
			messages_in = messages_in + ?,
			messages_out = messages_out + ?,
			executions = executions + ?,
			ai_calls = ai_calls + ?,
			successful_handoffs = successful_handoffs + ?,
			contributed_learnings = contributed_learnings + ?,
			updated_at = ?
		WHERE id = ?`),
		d.MessagesIn, d.MessagesOut, d.Executions, d.AICalls,
		d.SuccessfulHandoffs, d.ContributedLearnings,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("bump agent counters: %w", err)
	}
	return nil
}

// DeleteAgent removes the agent row and its dependents.
func (s *Store) DeleteAgent(ctx context.Context, tenant, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE id = ? AND tenant = ?`), id, tenant)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Validation, "unknown agent %q", id)
	}
	for _, q := range []string{
		`DELETE FROM messages WHERE agent_id = ?`,
		`DELETE FROM flows WHERE agent_id = ?`,
		`DELETE FROM resumptions WHERE agent_id = ?`,
		`DELETE FROM media_metadata WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return fmt.Errorf("delete agent dependents: %w", err)
		}
	}
	return tx.Commit()
}

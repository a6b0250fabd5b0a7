package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one completed AI invocation.
type UsageRecord struct {
	ID           string  `db:"id" json:"id"`
	AgentID      string  `db:"agent_id" json:"agentId,omitempty"`
	ProviderID   string  `db:"provider_id" json:"providerId"`
	Model        string  `db:"model" json:"model"`
	InputTokens  int64   `db:"input_tokens" json:"inputTokens"`
	OutputTokens int64   `db:"output_tokens" json:"outputTokens"`
	CostEstimate float64 `db:"cost_estimate" json:"costEstimate"`
	LatencyMs    int64   `db:"latency_ms" json:"latencyMs"`
	CreatedAt    int64   `db:"created_at" json:"createdAt"`
}

// InsertUsage appends a usage row.
func (s *Store) InsertUsage(ctx context.Context, u *UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ai_usage (id, agent_id, provider_id, model, input_tokens, output_tokens, cost_estimate, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.AgentID, u.ProviderID, u.Model, u.InputTokens, u.OutputTokens, u.CostEstimate, u.LatencyMs, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// ListUsage returns the newest usage rows for an agent, or for every
// agent when agentID is empty.
func (s *Store) ListUsage(ctx context.Context, agentID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, agent_id, provider_id, model, input_tokens, output_tokens, cost_estimate, latency_ms, created_at
		FROM ai_usage`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []UsageRecord
	if err := s.db.SelectContext(ctx, &out, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return out, nil
}

// HealthRecord mirrors the in-memory circuit state for observability.
type HealthRecord struct {
	ProviderID        string `db:"provider_id" json:"providerId"`
	Status            string `db:"status" json:"status"`
	ConsecutiveErrors int    `db:"consecutive_errors" json:"consecutiveErrors"`
	LastLatencyMs     int64  `db:"last_latency_ms" json:"lastLatencyMs"`
	LastProbeAt       int64  `db:"last_probe_at" json:"lastProbeAt"`
	UpdatedAt         int64  `db:"updated_at" json:"updatedAt"`
}

// UpsertProviderHealth persists the latest health snapshot for one provider.
func (s *Store) UpsertProviderHealth(ctx context.Context, h *HealthRecord) error {
	h.UpdatedAt = time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO provider_health (provider_id, status, consecutive_errors, last_latency_ms, last_probe_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			status = excluded.status,
			consecutive_errors = excluded.consecutive_errors,
			last_latency_ms = excluded.last_latency_ms,
			last_probe_at = excluded.last_probe_at,
			updated_at = excluded.updated_at`),
		h.ProviderID, h.Status, h.ConsecutiveErrors, h.LastLatencyMs, h.LastProbeAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert provider health: %w", err)
	}
	return nil
}

// ListProviderHealth returns the persisted health rows.
func (s *Store) ListProviderHealth(ctx context.Context) ([]HealthRecord, error) {
	var out []HealthRecord
	err := s.db.SelectContext(ctx, &out, `SELECT provider_id, status, consecutive_errors, last_latency_ms, last_probe_at, updated_at FROM provider_health ORDER BY provider_id`)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	return out, nil
}

// CLISessionRecord tracks a long-lived CLI provider process per agent.
type CLISessionRecord struct {
	ProviderID string `db:"provider_id" json:"providerId"`
	AgentID    string `db:"agent_id" json:"agentId"`
	PID        int    `db:"pid" json:"pid"`
	State      string `db:"state" json:"state"`
	StartedAt  int64  `db:"started_at" json:"startedAt"`
	LastUsedAt int64  `db:"last_used_at" json:"lastUsedAt"`
}

// UpsertCLISession records a spawned or reused CLI provider process.
func (s *Store) UpsertCLISession(ctx context.Context, r *CLISessionRecord) error {
	now := time.Now().UnixMilli()
	if r.StartedAt == 0 {
		r.StartedAt = now
	}
	r.LastUsedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cli_sessions (provider_id, agent_id, pid, state, started_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, agent_id) DO UPDATE SET
			pid = excluded.pid,
			state = excluded.state,
			last_used_at = excluded.last_used_at`),
		r.ProviderID, r.AgentID, r.PID, r.State, r.StartedAt, r.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cli session: %w", err)
	}
	return nil
}

// SaveFailover persists one tier's provider chain.
func (s *Store) SaveFailover(ctx context.Context, tier string, chain []string) error {
	b, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("save failover: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO failover_hierarchy (tier, chain, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tier) DO UPDATE SET chain = excluded.chain, updated_at = excluded.updated_at`),
		tier, string(b), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save failover: %w", err)
	}
	return nil
}

// LoadFailover returns the persisted tier → chain table; empty when never
// written.
func (s *Store) LoadFailover(ctx context.Context) (map[string][]string, error) {
	var rows []struct {
		Tier  string `db:"tier"`
		Chain string `db:"chain"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT tier, chain FROM failover_hierarchy`)
	if err != nil {
		return nil, fmt.Errorf("load failover: %w", err)
	}
	out := make(map[string][]string, len(rows))
	for _, r := range rows {
		var chain []string
		if err := json.Unmarshal([]byte(r.Chain), &chain); err != nil {
			return nil, fmt.Errorf("load failover tier %s: %w", r.Tier, err)
		}
		out[r.Tier] = chain
	}
	return out, nil
}

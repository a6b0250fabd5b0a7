package store

import (
	"context"
	"fmt"
)

// MediaMetaRecord mirrors one cached blob's metadata.
type MediaMetaRecord struct {
	AgentID      string `db:"agent_id" json:"agentId"`
	MediaKey     string `db:"media_key" json:"mediaKey"`
	MimeType     string `db:"mime_type" json:"mimeType"`
	OriginalName string `db:"original_name" json:"originalName,omitempty"`
	Size         int64  `db:"size" json:"size"`
	FirstSeenAt  int64  `db:"first_seen_at" json:"firstSeenAt"`
}

// UpsertMediaMeta records one blob. Re-putting identical bytes keeps the
// original first_seen_at.
func (s *Store) UpsertMediaMeta(ctx context.Context, m *MediaMetaRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO media_metadata (agent_id, media_key, mime_type, original_name, size, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, media_key) DO NOTHING`),
		m.AgentID, m.MediaKey, m.MimeType, m.OriginalName, m.Size, m.FirstSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert media meta: %w", err)
	}
	return nil
}

// DeleteMediaMeta drops the row after an eviction.
func (s *Store) DeleteMediaMeta(ctx context.Context, agentID, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM media_metadata WHERE agent_id = ? AND media_key = ?`), agentID, key)
	if err != nil {
		return fmt.Errorf("delete media meta: %w", err)
	}
	return nil
}

// ListMediaMeta returns an agent's cached blob metadata.
func (s *Store) ListMediaMeta(ctx context.Context, agentID string) ([]MediaMetaRecord, error) {
	var out []MediaMetaRecord
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT agent_id, media_key, mime_type, original_name, size, first_seen_at
		FROM media_metadata WHERE agent_id = ? ORDER BY first_seen_at`), agentID)
	if err != nil {
		return nil, fmt.Errorf("list media meta: %w", err)
	}
	return out, nil
}

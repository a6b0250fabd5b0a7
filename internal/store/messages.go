package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

type messageRow struct {
	AgentID    string `db:"agent_id"`
	MessageID  string `db:"message_id"`
	ChatID     string `db:"chat_id"`
	SenderID   string `db:"sender_id"`
	SenderName string `db:"sender_name"`
	Body       string `db:"body"`
	Direction  string `db:"direction"`
	MsgType    string `db:"msg_type"`
	HasMedia   bool   `db:"has_media"`
	FromMe     bool   `db:"from_me"`
	ReplyTo    string `db:"reply_to"`
	Meta       string `db:"meta"`
	TS         int64  `db:"ts"`
}

func (r messageRow) toMessage() bus.Message {
	m := bus.Message{
		ID:         r.MessageID,
		AgentID:    r.AgentID,
		Platform:   platformOf(r.MessageID),
		Direction:  r.Direction,
		ChatID:     r.ChatID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Body:       r.Body,
		Timestamp:  r.TS,
		Type:       bus.MessageType(r.MsgType),
		HasMedia:   r.HasMedia,
		FromMe:     r.FromMe,
		ReplyTo:    r.ReplyTo,
	}
	if r.Meta != "" && r.Meta != "{}" {
		_ = json.Unmarshal([]byte(r.Meta), &m.Meta)
	}
	return m
}

// platformOf recovers the platform tag from a prefixed message ID.
func platformOf(messageID string) bus.Platform {
	if i := strings.IndexByte(messageID, ':'); i > 0 {
		return bus.Platform(messageID[:i])
	}
	return ""
}

// InsertMessage appends one message to the log. Duplicate (agent, id) pairs
// are dropped; the bool reports whether the row was actually written, which
// is what makes ingest idempotent upstream.
func (s *Store) InsertMessage(ctx context.Context, m bus.Message) (bool, error) {
	meta := "{}"
	if len(m.Meta) > 0 {
		b, err := json.Marshal(m.Meta)
		if err != nil {
			return false, fmt.Errorf("insert message: marshal meta: %w", err)
		}
		meta = string(b)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (agent_id, message_id, chat_id, sender_id, sender_name,
			body, direction, msg_type, has_media, from_me, reply_to, meta, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		m.AgentID, m.ID, m.ChatID, m.SenderID, m.SenderName,
		m.Body, m.Direction, string(m.Type), m.HasMedia, m.FromMe, m.ReplyTo, meta, m.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cursor paginates message reads by (timestamp, id), newest first.
type Cursor struct {
	TS int64
	ID string
}

// EncodeCursor renders a cursor for the wire.
func EncodeCursor(c Cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(c.TS, 10) + "|" + c.ID))
}

// DecodeCursor parses a wire cursor; empty input means "from the top".
func DecodeCursor(raw string) (Cursor, error) {
	if raw == "" {
		return Cursor{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return Cursor{}, errors.New("decode cursor: malformed")
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return Cursor{TS: n, ID: id}, nil
}

// ListMessages pages through one chat (or, with chatID empty, the whole
// agent log), newest first. The second return value is the next cursor,
// empty when the page was short.
func (s *Store) ListMessages(ctx context.Context, agentID, chatID string, cursor Cursor, limit int) ([]bus.Message, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT agent_id, message_id, chat_id, sender_id, sender_name, body,
		direction, msg_type, has_media, from_me, reply_to, meta, ts
		FROM messages WHERE agent_id = ?`
	args := []any{agentID}

	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	if cursor.TS > 0 {
		query += ` AND (ts < ? OR (ts = ? AND message_id < ?))`
		args = append(args, cursor.TS, cursor.TS, cursor.ID)
	}
	query += ` ORDER BY ts DESC, message_id DESC LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}

	out := make([]bus.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	next := ""
	if len(rows) == limit {
		last := rows[len(rows)-1]
		next = EncodeCursor(Cursor{TS: last.TS, ID: last.MessageID})
	}
	return out, next, nil
}

// RecentMessages returns up to perChat recent messages for each of the
// agent's most recently active chats. Hub snapshots are built from this.
func (s *Store) RecentMessages(ctx context.Context, agentID string, perChat, maxChats int) ([]bus.Message, error) {
	if perChat <= 0 {
		perChat = 20
	}
	if maxChats <= 0 {
		maxChats = 10
	}

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT agent_id, message_id, chat_id, sender_id, sender_name, body,
			direction, msg_type, has_media, from_me, reply_to, meta, ts
		FROM messages WHERE agent_id = ?
		ORDER BY ts DESC, message_id DESC LIMIT ?`),
		agentID, perChat*maxChats)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	perChatSeen := make(map[string]int)
	out := make([]bus.Message, 0, len(rows))
	for _, r := range rows {
		if perChatSeen[r.ChatID] >= perChat {
			continue
		}
		perChatSeen[r.ChatID]++
		out = append(out, r.toMessage())
	}
	return out, nil
}

// AttachMediaKey records the cache key of a downloaded attachment on the
// message row, after the fact. Unknown message is a no-op.
func (s *Store) AttachMediaKey(ctx context.Context, agentID, messageID, key string) error {
	return s.patchMeta(ctx, agentID, messageID, map[string]any{
		"mediaKey": key,
	})
}

// ApplyMessageEdit records an upstream edit as tombstone metadata on the
// original row; the body column keeps the first version. Editing an unknown
// message is a no-op (consistency recovery, not an error).
func (s *Store) ApplyMessageEdit(ctx context.Context, agentID, messageID, newBody string, at int64) error {
	return s.patchMeta(ctx, agentID, messageID, map[string]any{
		"editedBody": newBody,
		"editedAt":   at,
	})
}

// ApplyMessageDelete records an upstream deletion as tombstone metadata.
func (s *Store) ApplyMessageDelete(ctx context.Context, agentID, messageID string, at int64) error {
	return s.patchMeta(ctx, agentID, messageID, map[string]any{
		"deletedAt": at,
	})
}

func (s *Store) patchMeta(ctx context.Context, agentID, messageID string, patch map[string]any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("patch meta: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.GetContext(ctx, &raw, s.rebind(
		`SELECT meta FROM messages WHERE agent_id = ? AND message_id = ?`), agentID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("patch meta: %w", err)
	}

	meta := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	for k, v := range patch {
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("patch meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE messages SET meta = ? WHERE agent_id = ? AND message_id = ?`),
		string(merged), agentID, messageID); err != nil {
		return fmt.Errorf("patch meta: %w", err)
	}
	return tx.Commit()
}

package sessions

import (
	"context"
	"errors"

	"github.com/gotd/td/session"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// TelegramStorage adapts the artifact store to gotd's session.Storage so
// the MTProto client persists its auth key through the same sealed path
// as every other transport.
type TelegramStorage struct {
	store   *Store
	agentID string
}

var _ session.Storage = (*TelegramStorage)(nil)

// Telegram returns a gotd-compatible storage view scoped to one agent.
func (s *Store) Telegram(agentID string) *TelegramStorage {
	return &TelegramStorage{store: s, agentID: agentID}
}

func (t *TelegramStorage) LoadSession(ctx context.Context) ([]byte, error) {
	_, blob, err := t.store.Load(t.agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if fault.IsKind(err, fault.AuthFailed) {
		// Revoked credentials read as absent so gotd restarts the flow.
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (t *TelegramStorage) StoreSession(ctx context.Context, data []byte) error {
	return t.store.Save(t.agentID, "telegram-user", data)
}

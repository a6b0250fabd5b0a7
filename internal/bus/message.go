// Package bus defines the unified message schema and the adapter event
// stream shared by every component. Adapters normalize transport payloads
// into these types; nothing downstream branches on platform.
package bus

import (
	"fmt"
	"time"
)

// Platform tags one transport variant.
type Platform string

const (
	PlatformWhatsApp     Platform = "whatsapp"
	PlatformTelegramBot  Platform = "telegram-bot"
	PlatformTelegramUser Platform = "telegram-user"
	PlatformEmail        Platform = "email"
)

// Valid reports whether p is a known transport tag.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWhatsApp, PlatformTelegramBot, PlatformTelegramUser, PlatformEmail:
		return true
	}
	return false
}

// MessageType classifies a unified message payload.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeVoice    MessageType = "voice"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypePoll     MessageType = "poll"
	TypeCallback MessageType = "callback"
	TypeUnknown  MessageType = "unknown"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message is the platform-neutral message record, shared between the wire
// and persistence. Timestamp is integer milliseconds since epoch, UTC.
type Message struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agentId"`
	Platform   Platform       `json:"platform"`
	Direction  string         `json:"direction"`
	ChatID     string         `json:"chatId"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName,omitempty"`
	Body       string         `json:"body"`
	Timestamp  int64          `json:"timestamp"`
	Type       MessageType    `json:"type"`
	HasMedia   bool           `json:"hasMedia,omitempty"`
	FromMe     bool           `json:"fromMe,omitempty"`
	ReplyTo    string         `json:"replyTo,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// MessageID prefixes a transport-native ID with the platform tag so that
// IDs are globally unique within an agent: "telegram-bot:123".
func MessageID(platform Platform, nativeID string) string {
	return fmt.Sprintf("%s:%s", platform, nativeID)
}

// NowMillis is the shared timestamp convention.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

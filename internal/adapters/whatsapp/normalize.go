package whatsapp

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

func unmarshalFrame(payload []byte, f *frame) error {
	return json.Unmarshal(payload, f)
}

// normalizeInbound fills the fields the bridge leaves to the hub side:
// agent binding, platform tag, ID prefixing, and group detection by the
// @g.us chat suffix.
func normalizeInbound(agentID string, m bus.Message) bus.Message {
	m.AgentID = agentID
	m.Platform = bus.PlatformWhatsApp
	m.Direction = bus.DirectionIn
	m.ID = prefixID(m.ID)
	m.ReplyTo = prefixID(m.ReplyTo)
	if m.Timestamp == 0 {
		m.Timestamp = bus.NowMillis()
	}
	if m.Type == "" {
		m.Type = bus.TypeText
	}
	if m.SenderID == "" {
		m.SenderID = m.ChatID
	}
	if isGroupChat(m.ChatID) {
		if m.Meta == nil {
			m.Meta = map[string]any{}
		}
		m.Meta["chatType"] = "group"
	}
	return m
}

// isGroupChat reports whatsapp group JIDs, which end in @g.us.
func isGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// normalizeMessage maps one Bot API message onto the unified schema.
// The returned ref is the telegram file_id for lazy media download, or
// empty when the message carries no file.
func normalizeMessage(agentID string, msg *telego.Message) (bus.Message, string) {
	kind, body, mediaRef, meta := classifyMessage(msg)
	senderID, senderName := sender(msg.From)

	m := bus.Message{
		ID:         bus.MessageID(bus.PlatformTelegramBot, strconv.Itoa(msg.MessageID)),
		AgentID:    agentID,
		Platform:   bus.PlatformTelegramBot,
		Direction:  bus.DirectionIn,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  time.Unix(int64(msg.Date), 0).UnixMilli(),
		Type:       kind,
		HasMedia:   mediaRef != "",
	}
	if msg.ReplyToMessage != nil {
		m.ReplyTo = bus.MessageID(bus.PlatformTelegramBot, strconv.Itoa(msg.ReplyToMessage.MessageID))
	}
	if msg.Chat.Type != "private" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["chatType"] = msg.Chat.Type
		if msg.Chat.Title != "" {
			meta["chatTitle"] = msg.Chat.Title
		}
	}
	m.Meta = meta
	return m, mediaRef
}

func classifyMessage(msg *telego.Message) (bus.MessageType, string, string, map[string]any) {
	switch {
	case msg.Text != "":
		return bus.TypeText, msg.Text, "", nil
	case len(msg.Photo) > 0:
		// The Bot API orders photo sizes ascending; the last is the original.
		return bus.TypeImage, msg.Caption, msg.Photo[len(msg.Photo)-1].FileID, nil
	case msg.Video != nil:
		return bus.TypeVideo, msg.Caption, msg.Video.FileID, nil
	case msg.VideoNote != nil:
		return bus.TypeVideo, "", msg.VideoNote.FileID, nil
	case msg.Voice != nil:
		return bus.TypeVoice, "", msg.Voice.FileID, nil
	case msg.Audio != nil:
		return bus.TypeAudio, msg.Caption, msg.Audio.FileID, nil
	case msg.Animation != nil:
		return bus.TypeVideo, msg.Caption, msg.Animation.FileID, nil
	case msg.Document != nil:
		meta := map[string]any{}
		if msg.Document.FileName != "" {
			meta["fileName"] = msg.Document.FileName
		}
		if msg.Document.MimeType != "" {
			meta["mimeType"] = msg.Document.MimeType
		}
		if len(meta) == 0 {
			meta = nil
		}
		return bus.TypeDocument, msg.Caption, msg.Document.FileID, meta
	case msg.Sticker != nil:
		return bus.TypeSticker, msg.Sticker.Emoji, msg.Sticker.FileID, nil
	case msg.Location != nil:
		return bus.TypeLocation, "", "", map[string]any{
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
		}
	case msg.Contact != nil:
		name := strings.TrimSpace(msg.Contact.FirstName + " " + msg.Contact.LastName)
		return bus.TypeContact, name, "", map[string]any{
			"contactName":  name,
			"contactPhone": msg.Contact.PhoneNumber,
		}
	case msg.Poll != nil:
		options := make([]string, 0, len(msg.Poll.Options))
		for _, o := range msg.Poll.Options {
			options = append(options, o.Text)
		}
		return bus.TypePoll, msg.Poll.Question, "", map[string]any{"options": options}
	}
	return bus.TypeUnknown, msg.Caption, "", nil
}

func normalizeEdited(msg *telego.Message) bus.MessageEdited {
	body := msg.Text
	if body == "" {
		body = msg.Caption
	}
	at := int64(msg.EditDate)
	if at == 0 {
		at = int64(msg.Date)
	}
	return bus.MessageEdited{
		MessageID: bus.MessageID(bus.PlatformTelegramBot, strconv.Itoa(msg.MessageID)),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		NewBody:   body,
		At:        time.Unix(at, 0).UnixMilli(),
	}
}

// normalizeCallback turns a button press into an inbound callback
// message threaded under the message that carried the keyboard.
func normalizeCallback(agentID string, q *telego.CallbackQuery) bus.Message {
	senderID, senderName := sender(&q.From)
	m := bus.Message{
		ID:         bus.MessageID(bus.PlatformTelegramBot, "cb-"+q.ID),
		AgentID:    agentID,
		Platform:   bus.PlatformTelegramBot,
		Direction:  bus.DirectionIn,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       q.Data,
		Timestamp:  bus.NowMillis(),
		Type:       bus.TypeCallback,
	}
	if src, ok := q.Message.(*telego.Message); ok && src != nil {
		m.ChatID = strconv.FormatInt(src.Chat.ID, 10)
		m.ReplyTo = bus.MessageID(bus.PlatformTelegramBot, strconv.Itoa(src.MessageID))
	}
	return m
}

func sender(from *telego.User) (string, string) {
	if from == nil {
		return "", ""
	}
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.Username
	}
	return strconv.FormatInt(from.ID, 10), name
}

// isServiceMessage reports join/leave/pin notices and other system
// messages that carry no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}

// nativeMessageID strips the platform prefix from a unified message ID
// and parses the Bot API numeric ID.
func nativeMessageID(id string) (int, error) {
	native := id
	if rest, ok := strings.CutPrefix(id, string(bus.PlatformTelegramBot)+":"); ok {
		native = rest
	}
	n, err := strconv.Atoi(native)
	if err != nil {
		return 0, fault.New(fault.Validation, "bad telegram message id %q", id)
	}
	return n, nil
}

package telegramuser

import (
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

// chatKey flattens an MTProto peer into the composite chat ID used by
// the unified schema: "user:123", "chat:456" or "channel:789".
func chatKey(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return "user:" + strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChat:
		return "chat:" + strconv.FormatInt(p.ChatID, 10)
	case *tg.PeerChannel:
		return "channel:" + strconv.FormatInt(p.ChannelID, 10)
	}
	return ""
}

// normalizeMessage maps one MTProto message onto the unified schema and
// registers its file location for lazy download. The returned ref keys
// the location cache, or is empty when the message carries no file.
func (u *User) normalizeMessage(e tg.Entities, msg *tg.Message) (bus.Message, string) {
	kind, override, meta, refKey, fr := classifyMedia(msg.Media)
	body := msg.Message
	if body == "" {
		body = override
	}

	m := bus.Message{
		ID:        prefixID(strconv.Itoa(msg.ID)),
		AgentID:   u.AgentID(),
		Platform:  bus.PlatformTelegramUser,
		Direction: bus.DirectionIn,
		ChatID:    chatKey(msg.PeerID),
		Body:      body,
		Timestamp: time.Unix(int64(msg.Date), 0).UnixMilli(),
		Type:      kind,
		HasMedia:  refKey != "",
	}
	m.SenderID, m.SenderName = u.senderOf(e, msg)
	if h, ok := msg.GetReplyTo(); ok {
		if rh, ok := h.(*tg.MessageReplyHeader); ok {
			if id, ok := rh.GetReplyToMsgID(); ok {
				m.ReplyTo = prefixID(strconv.Itoa(id))
			}
		}
	}
	if title, chatType := chatInfo(e, msg.PeerID); chatType != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["chatType"] = chatType
		if title != "" {
			meta["chatTitle"] = title
		}
	}
	m.Meta = meta

	if refKey != "" && fr != nil {
		u.registerRef(refKey, *fr)
	}
	return m, refKey
}

// chatInfo returns the display title and chat type for group peers.
// Direct user dialogs yield an empty type and carry no meta.
func chatInfo(e tg.Entities, peer tg.PeerClass) (string, string) {
	switch p := peer.(type) {
	case *tg.PeerChat:
		if c, ok := e.Chats[p.ChatID]; ok {
			return c.Title, "group"
		}
		return "", "group"
	case *tg.PeerChannel:
		title, kind := "", "supergroup"
		if c, ok := e.Channels[p.ChannelID]; ok {
			title = c.Title
			if c.Broadcast {
				kind = "channel"
			}
		}
		return title, kind
	}
	return "", ""
}

func classifyMedia(mc tg.MessageMediaClass) (bus.MessageType, string, map[string]any, string, *fileRef) {
	switch media := mc.(type) {
	case nil:
		return bus.TypeText, "", nil, "", nil
	case *tg.MessageMediaPhoto:
		p, ok := media.Photo.(*tg.Photo)
		if !ok {
			return bus.TypeImage, "", nil, "", nil
		}
		fr := &fileRef{
			loc:  photoLocation(p),
			mime: "image/jpeg",
			name: "photo.jpg",
			size: photoApproxSize(p),
		}
		return bus.TypeImage, "", nil, "photo:" + strconv.FormatInt(p.ID, 10), fr
	case *tg.MessageMediaDocument:
		d, ok := media.Document.(*tg.Document)
		if !ok {
			return bus.TypeDocument, "", nil, "", nil
		}
		kind, name, emoji := classifyDocument(d)
		var meta map[string]any
		if kind == bus.TypeDocument {
			meta = map[string]any{}
			if name != "" {
				meta["fileName"] = name
			}
			if d.MimeType != "" {
				meta["mimeType"] = d.MimeType
			}
			if len(meta) == 0 {
				meta = nil
			}
		}
		if name == "" {
			name = "file"
		}
		fr := &fileRef{
			loc: &tg.InputDocumentFileLocation{
				ID:            d.ID,
				AccessHash:    d.AccessHash,
				FileReference: d.FileReference,
			},
			mime: d.MimeType,
			name: name,
			size: d.Size,
		}
		return kind, emoji, meta, "doc:" + strconv.FormatInt(d.ID, 10), fr
	case *tg.MessageMediaGeo:
		gp, ok := media.Geo.(*tg.GeoPoint)
		if !ok {
			return bus.TypeLocation, "", nil, "", nil
		}
		return bus.TypeLocation, "", map[string]any{
			"latitude":  gp.Lat,
			"longitude": gp.Long,
		}, "", nil
	case *tg.MessageMediaContact:
		name := strings.TrimSpace(media.FirstName + " " + media.LastName)
		return bus.TypeContact, name, map[string]any{
			"contactName":  name,
			"contactPhone": media.PhoneNumber,
		}, "", nil
	case *tg.MessageMediaPoll:
		options := make([]string, 0, len(media.Poll.Answers))
		for _, a := range media.Poll.Answers {
			options = append(options, a.Text.Text)
		}
		return bus.TypePoll, media.Poll.Question.Text, map[string]any{"options": options}, "", nil
	}
	return bus.TypeUnknown, "", nil, "", nil
}

// classifyDocument inspects document attributes. Sticker wins over the
// video attribute animated stickers also carry.
func classifyDocument(d *tg.Document) (bus.MessageType, string, string) {
	var (
		name, emoji                  string
		sticker, voice, audio, video bool
	)
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			name = a.FileName
		case *tg.DocumentAttributeSticker:
			sticker = true
			emoji = a.Alt
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				voice = true
			} else {
				audio = true
			}
		case *tg.DocumentAttributeVideo:
			video = true
		case *tg.DocumentAttributeAnimated:
			video = true
		}
	}
	switch {
	case sticker:
		return bus.TypeSticker, name, emoji
	case voice:
		return bus.TypeVoice, name, ""
	case audio:
		return bus.TypeAudio, name, ""
	case video:
		return bus.TypeVideo, name, ""
	}
	return bus.TypeDocument, name, ""
}

// photoLocation points at the full-resolution rendition. Size entries
// are ordered ascending, so the last type tag names the original.
func photoLocation(p *tg.Photo) tg.InputFileLocationClass {
	thumb := ""
	for _, s := range p.Sizes {
		if t := s.GetType(); t != "" {
			thumb = t
		}
	}
	return &tg.InputPhotoFileLocation{
		ID:            p.ID,
		AccessHash:    p.AccessHash,
		FileReference: p.FileReference,
		ThumbSize:     thumb,
	}
}

func photoApproxSize(p *tg.Photo) int64 {
	var n int
	for _, s := range p.Sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			n = v.Size
		case *tg.PhotoSizeProgressive:
			if len(v.Sizes) > 0 {
				n = v.Sizes[len(v.Sizes)-1]
			}
		}
	}
	return int64(n)
}

func (u *User) senderOf(e tg.Entities, msg *tg.Message) (string, string) {
	var id int64
	if from, ok := msg.GetFromID(); ok {
		if pu, ok := from.(*tg.PeerUser); ok {
			id = pu.UserID
		}
	} else if pu, ok := msg.PeerID.(*tg.PeerUser); ok {
		// Direct dialogs omit from_id; the peer is the interlocutor.
		id = pu.UserID
	}
	if id == 0 {
		return "", ""
	}
	sid := strconv.FormatInt(id, 10)
	if usr, ok := e.Users[id]; ok {
		return sid, displayName(usr)
	}
	u.mu.Lock()
	name := u.names[id]
	u.mu.Unlock()
	return sid, name
}

func displayName(usr *tg.User) string {
	name := strings.TrimSpace(usr.FirstName + " " + usr.LastName)
	if name == "" {
		name = usr.Username
	}
	return name
}

func prefixID(native string) string {
	return bus.MessageID(bus.PlatformTelegramUser, native)
}

// nativeID strips the platform prefix from a unified message ID and
// parses the MTProto numeric ID.
func nativeID(id string) (int, bool) {
	native := id
	if rest, ok := strings.CutPrefix(id, string(bus.PlatformTelegramUser)+":"); ok {
		native = rest
	}
	n, err := strconv.Atoi(native)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// sentMessageID digs the assigned message ID out of the updates box a
// send call returns. Zero means the server reply carried none.
func sentMessageID(upd tg.UpdatesClass) int {
	switch v := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID
	case *tg.Updates:
		return scanSentID(v.Updates)
	case *tg.UpdatesCombined:
		return scanSentID(v.Updates)
	}
	return 0
}

func scanSentID(list []tg.UpdateClass) int {
	for _, item := range list {
		switch v := item.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				return m.ID
			}
		case *tg.UpdateNewChannelMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				return m.ID
			}
		}
	}
	return 0
}

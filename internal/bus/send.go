package bus

import "github.com/nextlevelbuilder/agenthub/internal/fault"

// SendKind discriminates SendCommand variants.
type SendKind string

const (
	SendText     SendKind = "text"
	SendMedia    SendKind = "media"
	SendLocation SendKind = "location"
	SendContact  SendKind = "contact"
	SendButtons  SendKind = "buttons"
	SendPoll     SendKind = "poll"
	SendReaction SendKind = "reaction"
	SendForward  SendKind = "forward"
	SendEdit     SendKind = "edit"
	SendDelete   SendKind = "delete"
)

// SendCommand is the unified outbound command consumed by adapters.
// Fields beyond Kind and ChatID apply per variant.
type SendCommand struct {
	Kind   SendKind `json:"kind"`
	ChatID string   `json:"chatId"`

	// text / edit
	Body string `json:"body,omitempty"`

	// media: MediaKey addresses the media cache; Caption rides along.
	MediaKey string `json:"mediaKey,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`

	// location
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// contact
	ContactName  string `json:"contactName,omitempty"`
	ContactPhone string `json:"contactPhone,omitempty"`

	// buttons / poll
	Title   string   `json:"title,omitempty"`
	Options []string `json:"options,omitempty"`

	// reaction / forward / edit / delete
	TargetMessageID string `json:"targetMessageId,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
	ForwardToChatID string `json:"forwardToChatId,omitempty"`

	// ReplyTo threads the outbound message under an earlier one.
	ReplyTo string `json:"replyTo,omitempty"`
}

// SendResult reports a completed send. MessageID is platform-native,
// already prefixed via MessageID().
type SendResult struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Validate rejects commands an adapter could never execute.
func (c SendCommand) Validate() error {
	if c.ChatID == "" && c.Kind != SendDelete && c.Kind != SendEdit {
		return errMissing("chatId")
	}
	switch c.Kind {
	case SendText:
		if c.Body == "" {
			return errMissing("body")
		}
	case SendMedia:
		if c.MediaKey == "" {
			return errMissing("mediaKey")
		}
	case SendLocation:
		if c.Latitude == 0 && c.Longitude == 0 {
			return errMissing("latitude/longitude")
		}
	case SendContact:
		if c.ContactPhone == "" {
			return errMissing("contactPhone")
		}
	case SendButtons, SendPoll:
		if len(c.Options) == 0 {
			return errMissing("options")
		}
	case SendReaction:
		if c.TargetMessageID == "" || c.Emoji == "" {
			return errMissing("targetMessageId/emoji")
		}
	case SendForward:
		if c.TargetMessageID == "" || c.ForwardToChatID == "" {
			return errMissing("targetMessageId/forwardToChatId")
		}
	case SendEdit:
		if c.TargetMessageID == "" || c.Body == "" {
			return errMissing("targetMessageId/body")
		}
	case SendDelete:
		if c.TargetMessageID == "" {
			return errMissing("targetMessageId")
		}
	default:
		return errUnknownKind(string(c.Kind))
	}
	return nil
}

func errMissing(field string) error {
	return fault.New(fault.Validation, "send command missing %s", field)
}

func errUnknownKind(kind string) error {
	return fault.New(fault.Validation, "unknown send command kind %q", kind)
}

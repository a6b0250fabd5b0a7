package telegram

import (
	"reflect"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

func baseMessage() telego.Message {
	return telego.Message{
		MessageID: 42,
		Date:      1720000000,
		Chat:      telego.Chat{ID: 9001, Type: "private"},
		From:      &telego.User{ID: 77, FirstName: "Ada", LastName: "Lovelace"},
	}
}

func TestNormalizeMessageVariants(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *telego.Message)
		wantType bus.MessageType
		wantBody string
		wantRef  string
	}{
		{
			name:     "text",
			mutate:   func(m *telego.Message) { m.Text = "hello" },
			wantType: bus.TypeText,
			wantBody: "hello",
		},
		{
			name: "photo picks largest size",
			mutate: func(m *telego.Message) {
				m.Caption = "look"
				m.Photo = []telego.PhotoSize{{FileID: "small"}, {FileID: "big"}}
			},
			wantType: bus.TypeImage,
			wantBody: "look",
			wantRef:  "big",
		},
		{
			name:     "voice",
			mutate:   func(m *telego.Message) { m.Voice = &telego.Voice{FileID: "v1"} },
			wantType: bus.TypeVoice,
			wantRef:  "v1",
		},
		{
			name: "document",
			mutate: func(m *telego.Message) {
				m.Document = &telego.Document{FileID: "d1", FileName: "report.pdf", MimeType: "application/pdf"}
			},
			wantType: bus.TypeDocument,
			wantRef:  "d1",
		},
		{
			name:     "sticker keeps emoji as body",
			mutate:   func(m *telego.Message) { m.Sticker = &telego.Sticker{FileID: "s1", Emoji: "🔥"} },
			wantType: bus.TypeSticker,
			wantBody: "🔥",
			wantRef:  "s1",
		},
		{
			name:     "location has no media ref",
			mutate:   func(m *telego.Message) { m.Location = &telego.Location{Latitude: 1.5, Longitude: 2.5} },
			wantType: bus.TypeLocation,
		},
		{
			name: "poll question becomes body",
			mutate: func(m *telego.Message) {
				m.Poll = &telego.Poll{
					Question: "lunch?",
					Options:  []telego.PollOption{{Text: "yes"}, {Text: "no"}},
				}
			},
			wantType: bus.TypePoll,
			wantBody: "lunch?",
		},
		{
			name:     "empty message is unknown",
			mutate:   func(m *telego.Message) {},
			wantType: bus.TypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := baseMessage()
			tt.mutate(&src)

			msg, ref := normalizeMessage("agent-1", &src)

			if msg.ID != "telegram-bot:42" {
				t.Errorf("ID = %q, want telegram-bot:42", msg.ID)
			}
			if msg.AgentID != "agent-1" || msg.Platform != bus.PlatformTelegramBot {
				t.Errorf("agent/platform = %q/%q", msg.AgentID, msg.Platform)
			}
			if msg.Direction != bus.DirectionIn {
				t.Errorf("Direction = %q, want in", msg.Direction)
			}
			if msg.ChatID != "9001" {
				t.Errorf("ChatID = %q, want 9001", msg.ChatID)
			}
			if msg.SenderID != "77" || msg.SenderName != "Ada Lovelace" {
				t.Errorf("sender = %q/%q", msg.SenderID, msg.SenderName)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", msg.Body, tt.wantBody)
			}
			if ref != tt.wantRef {
				t.Errorf("mediaRef = %q, want %q", ref, tt.wantRef)
			}
			if msg.HasMedia != (tt.wantRef != "") {
				t.Errorf("HasMedia = %v with ref %q", msg.HasMedia, ref)
			}
			if msg.Timestamp != 1720000000_000 {
				t.Errorf("Timestamp = %d, want epoch millis", msg.Timestamp)
			}
		})
	}
}

func TestNormalizeMessageDeterministic(t *testing.T) {
	src := baseMessage()
	src.Text = "same"

	first, _ := normalizeMessage("agent-1", &src)
	second, _ := normalizeMessage("agent-1", &src)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("normalize not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestNormalizeMessageReplyThreading(t *testing.T) {
	src := baseMessage()
	src.Text = "answer"
	src.ReplyToMessage = &telego.Message{MessageID: 7}

	msg, _ := normalizeMessage("agent-1", &src)
	if msg.ReplyTo != "telegram-bot:7" {
		t.Errorf("ReplyTo = %q, want telegram-bot:7", msg.ReplyTo)
	}
}

func TestNormalizeMessageGroupMeta(t *testing.T) {
	src := baseMessage()
	src.Text = "hi all"
	src.Chat = telego.Chat{ID: -100, Type: "supergroup", Title: "builders"}

	msg, _ := normalizeMessage("agent-1", &src)
	if msg.ChatID != "-100" {
		t.Errorf("ChatID = %q, want -100", msg.ChatID)
	}
	if msg.Meta["chatType"] != "supergroup" || msg.Meta["chatTitle"] != "builders" {
		t.Errorf("Meta = %v", msg.Meta)
	}

	private := baseMessage()
	private.Text = "hi"
	msg, _ = normalizeMessage("agent-1", &private)
	if msg.Meta != nil {
		t.Errorf("private chat Meta = %v, want nil", msg.Meta)
	}
}

func TestSenderNameFallsBackToUsername(t *testing.T) {
	src := baseMessage()
	src.Text = "x"
	src.From = &telego.User{ID: 5, Username: "ghost"}

	msg, _ := normalizeMessage("agent-1", &src)
	if msg.SenderID != "5" || msg.SenderName != "ghost" {
		t.Errorf("sender = %q/%q, want 5/ghost", msg.SenderID, msg.SenderName)
	}
}

func TestNormalizeEdited(t *testing.T) {
	src := baseMessage()
	src.Text = "new text"
	src.EditDate = 1720000100

	ev := normalizeEdited(&src)
	if ev.MessageID != "telegram-bot:42" || ev.ChatID != "9001" {
		t.Errorf("edited ids = %q/%q", ev.MessageID, ev.ChatID)
	}
	if ev.NewBody != "new text" {
		t.Errorf("NewBody = %q", ev.NewBody)
	}
	if ev.At != 1720000100_000 {
		t.Errorf("At = %d, want edit date millis", ev.At)
	}

	src.EditDate = 0
	if got := normalizeEdited(&src); got.At != 1720000000_000 {
		t.Errorf("At without edit date = %d, want message date", got.At)
	}
}

func TestNormalizeCallback(t *testing.T) {
	carrier := baseMessage()
	q := &telego.CallbackQuery{
		ID:      "q-1",
		From:    telego.User{ID: 77, FirstName: "Ada"},
		Message: &carrier,
		Data:    "approve",
	}

	msg := normalizeCallback("agent-1", q)
	if msg.Type != bus.TypeCallback || msg.Body != "approve" {
		t.Errorf("callback = %q/%q", msg.Type, msg.Body)
	}
	if msg.ID != "telegram-bot:cb-q-1" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.ChatID != "9001" || msg.ReplyTo != "telegram-bot:42" {
		t.Errorf("threading = %q/%q", msg.ChatID, msg.ReplyTo)
	}
}

func TestIsServiceMessage(t *testing.T) {
	join := baseMessage()
	join.NewChatMembers = []telego.User{{ID: 1}}
	if !isServiceMessage(&join) {
		t.Error("member join not flagged as service message")
	}

	text := baseMessage()
	text.Text = "hi"
	if isServiceMessage(&text) {
		t.Error("text message flagged as service message")
	}

	photo := baseMessage()
	photo.Photo = []telego.PhotoSize{{FileID: "p"}}
	if isServiceMessage(&photo) {
		t.Error("photo message flagged as service message")
	}
}

func TestNativeMessageID(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "telegram-bot:123", want: 123},
		{in: "123", want: 123},
		{in: "telegram-bot:abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := nativeMessageID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("nativeMessageID(%q): want error", tt.in)
			} else if !fault.IsKind(err, fault.Validation) {
				t.Errorf("nativeMessageID(%q): kind = %v", tt.in, fault.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("nativeMessageID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("nativeMessageID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

package bus

import (
	"testing"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

func TestSendCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     SendCommand
		wantErr bool
	}{
		{"text ok", SendCommand{Kind: SendText, ChatID: "c1", Body: "hi"}, false},
		{"text missing body", SendCommand{Kind: SendText, ChatID: "c1"}, true},
		{"text missing chat", SendCommand{Kind: SendText, Body: "hi"}, true},
		{"media ok", SendCommand{Kind: SendMedia, ChatID: "c1", MediaKey: "abc"}, false},
		{"media missing key", SendCommand{Kind: SendMedia, ChatID: "c1"}, true},
		{"location ok", SendCommand{Kind: SendLocation, ChatID: "c1", Latitude: 1.2, Longitude: 3.4}, false},
		{"contact missing phone", SendCommand{Kind: SendContact, ChatID: "c1", ContactName: "Bob"}, true},
		{"poll ok", SendCommand{Kind: SendPoll, ChatID: "c1", Title: "q", Options: []string{"a", "b"}}, false},
		{"buttons empty", SendCommand{Kind: SendButtons, ChatID: "c1"}, true},
		{"reaction ok", SendCommand{Kind: SendReaction, ChatID: "c1", TargetMessageID: "m1", Emoji: "👍"}, false},
		{"forward missing dest", SendCommand{Kind: SendForward, ChatID: "c1", TargetMessageID: "m1"}, true},
		{"edit ok", SendCommand{Kind: SendEdit, TargetMessageID: "m1", Body: "new"}, false},
		{"delete ok", SendCommand{Kind: SendDelete, TargetMessageID: "m1"}, false},
		{"delete missing target", SendCommand{Kind: SendDelete}, true},
		{"unknown kind", SendCommand{Kind: "carrier-pigeon", ChatID: "c1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && fault.KindOf(err) != fault.Validation {
				t.Errorf("Validate() kind = %q, want validation", fault.KindOf(err))
			}
		})
	}
}

func TestMessageID(t *testing.T) {
	got := MessageID(PlatformTelegramBot, "123")
	if got != "telegram-bot:123" {
		t.Errorf("MessageID = %q, want telegram-bot:123", got)
	}
}

func TestPlatformValid(t *testing.T) {
	for _, p := range []Platform{PlatformWhatsApp, PlatformTelegramBot, PlatformTelegramUser, PlatformEmail} {
		if !p.Valid() {
			t.Errorf("Platform %q reported invalid", p)
		}
	}
	if Platform("matrix").Valid() {
		t.Error("unknown platform reported valid")
	}
}

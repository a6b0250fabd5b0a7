package email

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

const plainMail = "Message-ID: <abc@example.com>\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"To: hub@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 15 Jul 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hi there\r\n"

const multipartMail = "Message-ID: <def@example.com>\r\n" +
	"From: bob@example.com\r\n" +
	"To: hub@example.com\r\n" +
	"Subject: Report\r\n" +
	"Content-Type: multipart/mixed; boundary=xyz\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--xyz\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"r.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4 fake\r\n" +
	"--xyz--\r\n"

const replyMail = "Message-ID: <ghi@example.com>\r\n" +
	"In-Reply-To: <abc@example.com>\r\n" +
	"From: alice@example.com\r\n" +
	"To: hub@example.com\r\n" +
	"Subject: Re: Hello\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"still there?\r\n"

func TestParseInboundPlainText(t *testing.T) {
	msg, atts, err := parseInbound("agent-1", 5, []byte(plainMail))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.ID != "email:abc@example.com" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.ChatID != "alice@example.com" || msg.SenderID != "alice@example.com" {
		t.Errorf("chat/sender = %q/%q", msg.ChatID, msg.SenderID)
	}
	if msg.SenderName != "Alice" {
		t.Errorf("SenderName = %q", msg.SenderName)
	}
	if msg.Body != "hi there" {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Meta["subject"] != "Hello" {
		t.Errorf("Meta = %v", msg.Meta)
	}
	if msg.Type != bus.TypeText || msg.Direction != bus.DirectionIn || msg.Platform != bus.PlatformEmail {
		t.Errorf("classification = %q/%q/%q", msg.Type, msg.Direction, msg.Platform)
	}
	// Mon, 15 Jul 2024 10:00:00 +0000
	if msg.Timestamp != 1721037600000 {
		t.Errorf("Timestamp = %d", msg.Timestamp)
	}
	if msg.HasMedia || len(atts) != 0 {
		t.Errorf("unexpected attachments: %d", len(atts))
	}
}

func TestParseInboundMultipartAttachment(t *testing.T) {
	msg, atts, err := parseInbound("agent-1", 6, []byte(multipartMail))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.Body != "see attached" {
		t.Errorf("Body = %q", msg.Body)
	}
	if !msg.HasMedia || len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	att := atts[0]
	if att.Name != "r.pdf" || att.Mime != "application/pdf" {
		t.Errorf("attachment = %q/%q", att.Name, att.Mime)
	}
	if !strings.HasPrefix(string(att.Data), "%PDF-1.4") {
		t.Errorf("attachment data = %q", att.Data)
	}
}

func TestParseInboundReplyThreading(t *testing.T) {
	msg, _, err := parseInbound("agent-1", 7, []byte(replyMail))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.ReplyTo != "email:abc@example.com" {
		t.Errorf("ReplyTo = %q", msg.ReplyTo)
	}
}

func TestParseInboundMissingMessageID(t *testing.T) {
	raw := "From: x@example.com\r\n" +
		"To: hub@example.com\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"anonymous\r\n"
	msg, _, err := parseInbound("agent-1", 99, []byte(raw))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.ID != "email:uid-99" {
		t.Errorf("ID = %q, want uid fallback", msg.ID)
	}
}

func TestParseInboundHTMLOnly(t *testing.T) {
	raw := "Message-ID: <h@example.com>\r\n" +
		"From: x@example.com\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>rich</p>\r\n"
	msg, _, err := parseInbound("agent-1", 1, []byte(raw))
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.Body != "<p>rich</p>" {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Meta["html"] != true {
		t.Errorf("Meta = %v, want html flag", msg.Meta)
	}
}

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		name string
		cmd  bus.SendCommand
		want string
	}{
		{
			name: "explicit title wins",
			cmd:  bus.SendCommand{Kind: bus.SendText, Body: "body", Title: "Invoice"},
			want: "Invoice",
		},
		{
			name: "first body line",
			cmd:  bus.SendCommand{Kind: bus.SendText, Body: "line one\nline two"},
			want: "line one",
		},
		{
			name: "long line truncated",
			cmd:  bus.SendCommand{Kind: bus.SendText, Body: strings.Repeat("a", 100)},
			want: strings.Repeat("a", 78),
		},
		{
			name: "media falls back to file name",
			cmd:  bus.SendCommand{Kind: bus.SendMedia, MediaKey: "k", FileName: "r.pdf"},
			want: "r.pdf",
		},
		{
			name: "media caption preferred",
			cmd:  bus.SendCommand{Kind: bus.SendMedia, MediaKey: "k", Caption: "the report", FileName: "r.pdf"},
			want: "the report",
		},
		{
			name: "empty body",
			cmd:  bus.SendCommand{Kind: bus.SendText},
			want: "(no subject)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subjectFor(tt.cmd); got != tt.want {
				t.Errorf("subjectFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNativeEmailID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"email:abc@example.com", "abc@example.com"},
		{"email:<abc@example.com>", "abc@example.com"},
		{"<abc@example.com>", "abc@example.com"},
		{"abc@example.com", "abc@example.com"},
	}
	for _, tt := range tests {
		if got := nativeEmailID(tt.in); got != tt.want {
			t.Errorf("nativeEmailID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarkRoundTrip(t *testing.T) {
	stored, err := decodeMark(encodeMark(mark{UIDValidity: 7, UIDNext: 420}))
	if err != nil {
		t.Fatalf("decodeMark: %v", err)
	}
	if stored.UIDValidity != 7 || stored.UIDNext != 420 {
		t.Errorf("mark = %+v", stored)
	}

	if _, err := decodeMark([]byte("not json")); err == nil {
		t.Error("bad blob accepted")
	}
	if _, err := decodeMark([]byte("{}")); err == nil {
		t.Error("empty mark accepted")
	}
}

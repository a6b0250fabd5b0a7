package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

// attachment is one decoded MIME part destined for the media cache.
type attachment struct {
	Name string
	Mime string
	Data []byte
}

// parseInbound decodes one RFC 5322 message into the unified schema.
// The native ID is the bare Message-ID, or a UID-derived fallback when
// the sender omitted one. Inline text/plain wins as the body; an
// HTML-only message keeps its markup and flags it in meta.
func parseInbound(agentID string, uid uint32, raw []byte) (bus.Message, []attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return bus.Message{}, nil, fmt.Errorf("read mail: %w", err)
	}

	nativeID, _ := mr.Header.MessageID()
	if nativeID == "" {
		nativeID = fmt.Sprintf("uid-%d", uid)
	}

	var senderAddr, senderName string
	if froms, err := mr.Header.AddressList("From"); err == nil && len(froms) > 0 {
		senderAddr = froms[0].Address
		senderName = froms[0].Name
	}

	ts := bus.NowMillis()
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		ts = date.UnixMilli()
	}

	var plain, html string
	var atts []attachment
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A torn part does not void what was already decoded.
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "text/plain" && plain == "":
				plain = strings.TrimRight(string(body), "\r\n")
			case ct == "text/html" && html == "":
				html = strings.TrimRight(string(body), "\r\n")
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			if name == "" {
				name = fmt.Sprintf("attachment-%d", len(atts)+1)
			}
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil || len(data) == 0 {
				continue
			}
			atts = append(atts, attachment{Name: name, Mime: ct, Data: data})
		}
	}

	body := plain
	meta := map[string]any{}
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		meta["subject"] = subject
	}
	if body == "" && html != "" {
		body = html
		meta["html"] = true
	}
	if len(meta) == 0 {
		meta = nil
	}

	msg := bus.Message{
		ID:         bus.MessageID(bus.PlatformEmail, nativeID),
		AgentID:    agentID,
		Platform:   bus.PlatformEmail,
		Direction:  bus.DirectionIn,
		ChatID:     senderAddr,
		SenderID:   senderAddr,
		SenderName: senderName,
		Body:       body,
		Timestamp:  ts,
		Type:       bus.TypeText,
		HasMedia:   len(atts) > 0,
		Meta:       meta,
	}
	if refs, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(refs) > 0 {
		msg.ReplyTo = bus.MessageID(bus.PlatformEmail, refs[0])
	}
	return msg, atts, nil
}

// subjectFor derives an outbound subject: the explicit title, else the
// first line of the body, else the attachment name.
func subjectFor(cmd bus.SendCommand) string {
	if cmd.Title != "" {
		return cmd.Title
	}
	body := cmd.Body
	if cmd.Kind == bus.SendMedia {
		if cmd.Caption != "" {
			body = cmd.Caption
		} else if cmd.FileName != "" {
			return cmd.FileName
		} else {
			body = ""
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	line = strings.TrimSpace(line)
	const maxSubject = 78
	if len(line) > maxSubject {
		line = line[:maxSubject]
	}
	if line == "" {
		return "(no subject)"
	}
	return line
}

// nativeEmailID strips the platform prefix and any angle brackets.
func nativeEmailID(id string) string {
	if rest, ok := strings.CutPrefix(id, string(bus.PlatformEmail)+":"); ok {
		id = rest
	}
	return strings.Trim(id, "<>")
}

func encodeMark(m mark) []byte {
	blob, _ := json.Marshal(m)
	return blob
}

func decodeMark(blob []byte) (mark, error) {
	var m mark
	if err := json.Unmarshal(blob, &m); err != nil {
		return mark{}, err
	}
	if m.UIDNext == 0 {
		return mark{}, errors.New("mark missing uidNext")
	}
	return m, nil
}

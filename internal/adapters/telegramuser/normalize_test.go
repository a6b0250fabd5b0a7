package telegramuser

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
)

func newTestUser(t *testing.T) *User {
	t.Helper()
	st, err := sessions.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	raw, err := json.Marshal(Config{APIID: 1, APIHash: "hash"})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	a, err := New(adapters.Deps{
		AgentID:  "agent-1",
		Config:   raw,
		Sessions: st,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a.(*User)
}

func entitiesWithUser(id int64, first, last string) tg.Entities {
	return tg.Entities{
		Users: map[int64]*tg.User{
			id: {ID: id, AccessHash: 99, FirstName: first, LastName: last},
		},
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	st, err := sessions.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	raw, _ := json.Marshal(Config{APIHash: "hash"})
	_, err = New(adapters.Deps{AgentID: "a", Config: raw, Sessions: st})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("missing apiId: got %v, want validation fault", err)
	}
}

func TestChatKey(t *testing.T) {
	tests := []struct {
		peer tg.PeerClass
		want string
	}{
		{&tg.PeerUser{UserID: 7}, "user:7"},
		{&tg.PeerChat{ChatID: 500}, "chat:500"},
		{&tg.PeerChannel{ChannelID: 9000}, "channel:9000"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := chatKey(tt.peer); got != tt.want {
			t.Errorf("chatKey(%v) = %q, want %q", tt.peer, got, tt.want)
		}
	}
}

func TestNormalizeMessageDirectChat(t *testing.T) {
	u := newTestUser(t)
	msg := &tg.Message{
		ID:      42,
		Message: "hello there",
		PeerID:  &tg.PeerUser{UserID: 7},
		Date:    1720000000,
	}
	m, ref := u.normalizeMessage(entitiesWithUser(7, "Ada", "Lovelace"), msg)

	if m.ID != "telegram-user:42" {
		t.Fatalf("ID = %q", m.ID)
	}
	if m.AgentID != "agent-1" || m.Platform != bus.PlatformTelegramUser || m.Direction != bus.DirectionIn {
		t.Fatalf("binding wrong: %+v", m)
	}
	if m.ChatID != "user:7" || m.SenderID != "7" || m.SenderName != "Ada Lovelace" {
		t.Fatalf("peer fields wrong: chat=%q sender=%q name=%q", m.ChatID, m.SenderID, m.SenderName)
	}
	if m.Type != bus.TypeText || m.Body != "hello there" {
		t.Fatalf("payload wrong: type=%q body=%q", m.Type, m.Body)
	}
	if m.Timestamp != time.Unix(1720000000, 0).UnixMilli() {
		t.Fatalf("Timestamp = %d", m.Timestamp)
	}
	if ref != "" || m.HasMedia {
		t.Fatalf("text message should carry no media ref, got %q", ref)
	}
	if m.Meta != nil {
		t.Fatalf("direct chat should carry no meta, got %v", m.Meta)
	}
}

func TestNormalizeMessageReplyThreading(t *testing.T) {
	u := newTestUser(t)
	msg := &tg.Message{
		ID:      43,
		Message: "re",
		PeerID:  &tg.PeerUser{UserID: 7},
		Date:    1720000000,
	}
	rh := &tg.MessageReplyHeader{}
	rh.SetReplyToMsgID(42)
	msg.SetReplyTo(rh)
	m, _ := u.normalizeMessage(entitiesWithUser(7, "Ada", ""), msg)
	if m.ReplyTo != "telegram-user:42" {
		t.Fatalf("ReplyTo = %q", m.ReplyTo)
	}
}

func TestNormalizeMessageMediaVariants(t *testing.T) {
	photo := &tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID:         5,
		AccessHash: 11,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "s", Size: 100},
			&tg.PhotoSize{Type: "y", Size: 5000},
		},
	}}
	voice := &tg.MessageMediaDocument{Document: &tg.Document{
		ID: 6, MimeType: "audio/ogg",
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}},
	}}
	file := &tg.MessageMediaDocument{Document: &tg.Document{
		ID: 8, MimeType: "application/pdf", Size: 2048,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "contract.pdf"}},
	}}
	sticker := &tg.MessageMediaDocument{Document: &tg.Document{
		ID: 9, MimeType: "video/webm",
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeVideo{},
			&tg.DocumentAttributeSticker{Alt: "🔥"},
		},
	}}
	geo := &tg.MessageMediaGeo{Geo: &tg.GeoPoint{Lat: 52.5, Long: 13.4}}
	contact := &tg.MessageMediaContact{PhoneNumber: "+4915", FirstName: "Grace", LastName: "Hopper"}
	poll := &tg.MessageMediaPoll{Poll: tg.Poll{
		Question: tg.TextWithEntities{Text: "lunch?"},
		Answers: []tg.PollAnswer{
			{Text: tg.TextWithEntities{Text: "yes"}, Option: []byte{0}},
			{Text: tg.TextWithEntities{Text: "no"}, Option: []byte{1}},
		},
	}}

	tests := []struct {
		name     string
		media    tg.MessageMediaClass
		wantType bus.MessageType
		wantBody string
		wantRef  string
	}{
		{"photo", photo, bus.TypeImage, "", "photo:5"},
		{"voice note", voice, bus.TypeVoice, "", "doc:6"},
		{"document", file, bus.TypeDocument, "", "doc:8"},
		{"animated sticker", sticker, bus.TypeSticker, "🔥", "doc:9"},
		{"location", geo, bus.TypeLocation, "", ""},
		{"contact", contact, bus.TypeContact, "Grace Hopper", ""},
		{"poll", poll, bus.TypePoll, "lunch?", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUser(t)
			msg := &tg.Message{
				ID:     100,
				PeerID: &tg.PeerUser{UserID: 7},
				Date:   1720000000,
				Media:  tt.media,
			}
			m, ref := u.normalizeMessage(entitiesWithUser(7, "Ada", ""), msg)
			if m.Type != tt.wantType {
				t.Fatalf("Type = %q, want %q", m.Type, tt.wantType)
			}
			if m.Body != tt.wantBody {
				t.Fatalf("Body = %q, want %q", m.Body, tt.wantBody)
			}
			if ref != tt.wantRef {
				t.Fatalf("ref = %q, want %q", ref, tt.wantRef)
			}
			if m.HasMedia != (tt.wantRef != "") {
				t.Fatalf("HasMedia = %v with ref %q", m.HasMedia, ref)
			}
			if tt.wantRef != "" {
				u.mu.Lock()
				_, ok := u.refs[tt.wantRef]
				u.mu.Unlock()
				if !ok {
					t.Fatalf("ref %q not registered", tt.wantRef)
				}
			}
		})
	}
}

func TestNormalizeMessageDocumentMeta(t *testing.T) {
	u := newTestUser(t)
	msg := &tg.Message{
		ID:     101,
		PeerID: &tg.PeerUser{UserID: 7},
		Date:   1720000000,
		Media: &tg.MessageMediaDocument{Document: &tg.Document{
			ID: 8, MimeType: "application/pdf",
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "contract.pdf"}},
		}},
	}
	m, _ := u.normalizeMessage(entitiesWithUser(7, "Ada", ""), msg)
	if m.Meta["fileName"] != "contract.pdf" || m.Meta["mimeType"] != "application/pdf" {
		t.Fatalf("Meta = %v", m.Meta)
	}
}

func TestNormalizeMessageGroupMeta(t *testing.T) {
	u := newTestUser(t)
	e := tg.Entities{
		Users: map[int64]*tg.User{7: {ID: 7, FirstName: "Ada"}},
		Chats: map[int64]*tg.Chat{500: {ID: 500, Title: "ops"}},
	}
	msg := &tg.Message{
		ID:      44,
		Message: "ping",
		PeerID:  &tg.PeerChat{ChatID: 500},
		Date:    1720000000,
	}
	msg.SetFromID(&tg.PeerUser{UserID: 7})
	m, _ := u.normalizeMessage(e, msg)
	if m.ChatID != "chat:500" {
		t.Fatalf("ChatID = %q", m.ChatID)
	}
	if m.Meta["chatType"] != "group" || m.Meta["chatTitle"] != "ops" {
		t.Fatalf("Meta = %v", m.Meta)
	}
	if m.SenderID != "7" || m.SenderName != "Ada" {
		t.Fatalf("sender = %q %q", m.SenderID, m.SenderName)
	}
}

func TestChatInfoBroadcastChannel(t *testing.T) {
	e := tg.Entities{
		Channels: map[int64]*tg.Channel{9000: {ID: 9000, Title: "news", Broadcast: true}},
	}
	title, kind := chatInfo(e, &tg.PeerChannel{ChannelID: 9000})
	if title != "news" || kind != "channel" {
		t.Fatalf("chatInfo = %q %q", title, kind)
	}
	_, kind = chatInfo(e, &tg.PeerUser{UserID: 1})
	if kind != "" {
		t.Fatalf("user peer should have no chat type, got %q", kind)
	}
}

func TestClassifyDocumentPriorities(t *testing.T) {
	tests := []struct {
		name  string
		attrs []tg.DocumentAttributeClass
		want  bus.MessageType
	}{
		{"plain file", []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "a.bin"}}, bus.TypeDocument},
		{"voice", []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}}, bus.TypeVoice},
		{"music", []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{}}, bus.TypeAudio},
		{"video", []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}}, bus.TypeVideo},
		{"gif", []tg.DocumentAttributeClass{&tg.DocumentAttributeAnimated{}}, bus.TypeVideo},
		{"sticker beats video", []tg.DocumentAttributeClass{
			&tg.DocumentAttributeVideo{},
			&tg.DocumentAttributeSticker{Alt: "👍"},
		}, bus.TypeSticker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _, _ := classifyDocument(&tg.Document{Attributes: tt.attrs})
			if kind != tt.want {
				t.Fatalf("classifyDocument = %q, want %q", kind, tt.want)
			}
		})
	}
}

func TestPhotoLocationPicksLargestSize(t *testing.T) {
	p := &tg.Photo{
		ID:         5,
		AccessHash: 11,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "s", Size: 100},
			&tg.PhotoSize{Type: "m", Size: 900},
			&tg.PhotoSize{Type: "y", Size: 5000},
		},
	}
	loc, ok := photoLocation(p).(*tg.InputPhotoFileLocation)
	if !ok {
		t.Fatal("wrong location class")
	}
	if loc.ThumbSize != "y" || loc.ID != 5 || loc.AccessHash != 11 {
		t.Fatalf("location = %+v", loc)
	}
	if got := photoApproxSize(p); got != 5000 {
		t.Fatalf("photoApproxSize = %d", got)
	}
}

func TestSentMessageID(t *testing.T) {
	tests := []struct {
		name string
		upd  tg.UpdatesClass
		want int
	}{
		{"short sent", &tg.UpdateShortSentMessage{ID: 7}, 7},
		{"message id update", &tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateMessageID{ID: 8},
		}}, 8},
		{"new message update", &tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateNewMessage{Message: &tg.Message{ID: 9}},
		}}, 9},
		{"combined", &tg.UpdatesCombined{Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 10}},
		}}, 10},
		{"empty box", &tg.Updates{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sentMessageID(tt.upd); got != tt.want {
				t.Fatalf("sentMessageID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRememberAndResolvePeers(t *testing.T) {
	u := newTestUser(t)
	u.rememberPeers(tg.Entities{
		Users:    map[int64]*tg.User{7: {ID: 7, AccessHash: 99, FirstName: "Ada"}},
		Chats:    map[int64]*tg.Chat{500: {ID: 500}},
		Channels: map[int64]*tg.Channel{9000: {ID: 9000, AccessHash: 42}},
	})

	peer, err := u.resolvePeer("user:7")
	if err != nil {
		t.Fatalf("resolvePeer(user): %v", err)
	}
	if pu, ok := peer.(*tg.InputPeerUser); !ok || pu.AccessHash != 99 {
		t.Fatalf("user peer = %#v", peer)
	}
	if _, err := u.resolvePeer("chat:500"); err != nil {
		t.Fatalf("resolvePeer(chat): %v", err)
	}
	if ch, err := u.resolvePeer("channel:9000"); err != nil {
		t.Fatalf("resolvePeer(channel): %v", err)
	} else if pc := ch.(*tg.InputPeerChannel); pc.AccessHash != 42 {
		t.Fatalf("channel peer = %#v", ch)
	}

	_, err = u.resolvePeer("user:404")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("unknown peer: got %v, want validation fault", err)
	}
}

func TestRegisterRefEvictsOldest(t *testing.T) {
	u := newTestUser(t)
	for i := 0; i <= maxMediaRefs; i++ {
		u.registerRef("doc:"+strconv.Itoa(i), fileRef{name: "f"})
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.refs) != maxMediaRefs {
		t.Fatalf("refs = %d, want %d", len(u.refs), maxMediaRefs)
	}
	if _, ok := u.refs["doc:0"]; ok {
		t.Fatal("oldest ref should have been evicted")
	}
	if _, ok := u.refs["doc:"+strconv.Itoa(maxMediaRefs)]; !ok {
		t.Fatal("newest ref missing")
	}
}

func TestNativeID(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"telegram-user:88", 88, true},
		{"88", 88, true},
		{"telegram-user:x", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := nativeID(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("nativeID(%q) = %d,%v want %d,%v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSplitContactName(t *testing.T) {
	tests := []struct {
		name, phone, first, last string
	}{
		{"Grace Hopper", "+1", "Grace", "Hopper"},
		{"Grace", "+1", "Grace", ""},
		{"", "+1", "+1", ""},
		{"Ada King Lovelace", "+1", "Ada", "King Lovelace"},
	}
	for _, tt := range tests {
		first, last := splitContactName(tt.name, tt.phone)
		if first != tt.first || last != tt.last {
			t.Errorf("splitContactName(%q) = %q,%q want %q,%q", tt.name, first, last, tt.first, tt.last)
		}
	}
}

func TestAuthPromptRoundTrip(t *testing.T) {
	u := newTestUser(t)
	events := u.OpenEvents()

	type result struct {
		val string
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := u.await(context.Background(), bus.AuthCode)
		got <- result{v, err}
	}()

	select {
	case ev := <-events:
		prompt, ok := ev.(bus.AuthPrompt)
		if !ok || prompt.Kind != bus.AuthCode {
			t.Fatalf("event = %#v, want code prompt", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no auth prompt emitted")
	}

	// A mismatched kind must not satisfy the prompt.
	if err := u.SubmitAuthValue(context.Background(), bus.AuthPassword, "hunter2"); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("wrong-kind submit: got %v, want validation fault", err)
	}
	if err := u.SubmitAuthValue(context.Background(), bus.AuthCode, "  "); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("empty submit: got %v, want validation fault", err)
	}
	if err := u.SubmitAuthValue(context.Background(), bus.AuthCode, "12345"); err != nil {
		t.Fatalf("SubmitAuthValue: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil || r.val != "12345" {
			t.Fatalf("await = %q, %v", r.val, r.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("await did not return")
	}

	// The prompt is consumed; a second submit has nothing to answer.
	if err := u.SubmitAuthValue(context.Background(), bus.AuthCode, "12345"); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("stale submit: got %v, want validation fault", err)
	}
}

func TestAwaitCanceledByContext(t *testing.T) {
	u := newTestUser(t)
	u.OpenEvents()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := u.await(ctx, bus.AuthPassword)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("await should fail when the context dies")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("await did not unblock on cancel")
	}
	if err := u.SubmitAuthValue(context.Background(), bus.AuthPassword, "x"); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("submit after cancel: got %v, want validation fault", err)
	}
}

func TestPromptAuthUsesConfigValues(t *testing.T) {
	u := newTestUser(t)
	u.cfg.Phone = "+49151"
	u.cfg.Password = "s3cret"
	p := promptAuth{user: u}

	phone, err := p.Phone(context.Background())
	if err != nil || phone != "+49151" {
		t.Fatalf("Phone = %q, %v", phone, err)
	}
	pass, err := p.Password(context.Background())
	if err != nil || pass != "s3cret" {
		t.Fatalf("Password = %q, %v", pass, err)
	}
	if _, err := p.SignUp(context.Background()); !fault.IsKind(err, fault.AuthFailed) {
		t.Fatalf("SignUp: got %v, want auth_failed fault", err)
	}
}

func TestDownloadMediaUnknownRef(t *testing.T) {
	u := newTestUser(t)
	_, err := u.DownloadMedia(context.Background(), "photo:404")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("unknown ref: got %v, want validation fault", err)
	}
	_, err = u.DownloadMedia(context.Background(), "")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("empty ref: got %v, want validation fault", err)
	}
}

func TestDownloadMediaOversizeRejected(t *testing.T) {
	u := newTestUser(t)
	u.registerRef("doc:1", fileRef{
		loc:  &tg.InputDocumentFileLocation{ID: 1},
		size: mediaMaxBytes + 1,
	})
	u.mu.Lock()
	u.api = &tg.Client{}
	u.mu.Unlock()
	_, err := u.DownloadMedia(context.Background(), "doc:1")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("oversize: got %v, want validation fault", err)
	}
}

func TestSubmitAuthValueWithoutPrompt(t *testing.T) {
	u := newTestUser(t)
	err := u.SubmitAuthValue(context.Background(), bus.AuthCode, "12345")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("got %v, want validation fault", err)
	}
}

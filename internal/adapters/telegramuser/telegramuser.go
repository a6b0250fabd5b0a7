// Package telegramuser drives a personal Telegram account over MTProto.
// Unlike the bot transport it logs in as a real user: the first bring-up
// walks the phone/code/password flow through auth prompt events, and the
// resulting session blob is persisted so later bring-ups reconnect
// silently.
package telegramuser

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
)

const (
	// mediaMaxBytes caps downloads because the file is buffered in
	// memory before it lands in the cache.
	mediaMaxBytes = 64 * 1024 * 1024

	// maxMediaRefs bounds the file location cache. Old refs age out
	// in arrival order once the cap is hit.
	maxMediaRefs = 2048

	gapsRetryDelay = 5 * time.Second
	shutdownWait   = 10 * time.Second
)

type Config struct {
	APIID    int    `json:"apiId"`
	APIHash  string `json:"apiHash"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password,omitempty"`
}

// fileRef remembers where a received file lives on Telegram's side so
// DownloadMedia can fetch it on demand.
type fileRef struct {
	loc  tg.InputFileLocationClass
	mime string
	name string
	size int64
}

// User is the MTProto adapter for one personal account.
type User struct {
	*adapters.Base

	cfg      Config
	media    *media.Cache
	sessions *sessions.Store
	queue    *adapters.SendQueue

	mu       sync.Mutex
	client   *telegram.Client
	api      *tg.Client
	peers    map[string]tg.InputPeerClass
	names    map[int64]string
	refs     map[string]fileRef
	refOrder []string

	pendingKind bus.AuthKind
	pendingCh   chan string

	runCancel context.CancelFunc
	runDone   chan struct{}
}

func New(deps adapters.Deps) (adapters.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(deps.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, fault.New(fault.Validation, "telegram user adapter needs apiId and apiHash")
	}
	if deps.Sessions == nil {
		return nil, fault.New(fault.Validation, "telegram user adapter needs a session store")
	}
	u := &User{
		Base:     adapters.NewBase(deps.AgentID, bus.PlatformTelegramUser, deps.Logger),
		cfg:      cfg,
		media:    deps.Media,
		sessions: deps.Sessions,
		peers:    make(map[string]tg.InputPeerClass),
		names:    make(map[int64]string),
		refs:     make(map[string]fileRef),
	}
	u.queue = adapters.NewSendQueue(u.deliver, deps.Logger)
	return u, nil
}

// Initialize spins up the MTProto client in the background and returns
// the event stream immediately. Login progress, including any auth
// prompts, arrives as events.
func (u *User) Initialize(ctx context.Context) (<-chan bus.Event, error) {
	u.stopRun(ctx, 0)

	dispatcher := tg.NewUpdateDispatcher()
	gaps := tgupdates.New(tgupdates.Config{Handler: dispatcher})

	client := telegram.NewClient(u.cfg.APIID, u.cfg.APIHash, telegram.Options{
		SessionStorage: u.sessions.Telegram(u.AgentID()),
		UpdateHandler:  gaps,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(gaps.Handle),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "agenthub",
			SystemVersion: "linux",
			AppVersion:    "1.0",
		},
	})

	dispatcher.OnNewMessage(u.onNewMessage)
	dispatcher.OnNewChannelMessage(u.onNewChannelMessage)
	dispatcher.OnEditMessage(u.onEditMessage)
	dispatcher.OnDeleteMessages(u.onDeleteMessages)
	dispatcher.OnUserTyping(u.onUserTyping)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	u.mu.Lock()
	u.client = client
	u.api = client.API()
	u.runCancel = cancel
	u.runDone = done
	u.mu.Unlock()

	ch := u.OpenEvents()

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			return u.session(ctx, client, gaps)
		})
		if err != nil && runCtx.Err() == nil {
			u.Log().Warn("telegram user client exited", "error", err)
			u.Emit(bus.Disconnected{Reason: err.Error(), Recoverable: !auth.IsUnauthorized(err)})
		}
	}()

	u.Log().Info("telegram user client starting")
	return ch, nil
}

// session runs inside the connected client: authenticate if needed, then
// keep the updates manager alive until the context dies.
func (u *User) session(ctx context.Context, client *telegram.Client, gaps *tgupdates.Manager) error {
	flow := auth.NewFlow(promptAuth{user: u}, auth.SendCodeOptions{})
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Wrap(fault.AuthFailed, err, "telegram login")
	}

	me, err := client.Self(ctx)
	if err != nil {
		return fault.Wrap(fault.Transient, err, "fetch telegram self")
	}
	u.rememberSelf(me)
	if err := u.sessions.SetPhase(u.AgentID(), string(bus.PlatformTelegramUser), sessions.PhaseReady); err != nil {
		u.Log().Warn("session phase update failed", "error", err)
	}

	info := map[string]string{
		"userId":   strconv.FormatInt(me.ID, 10),
		"username": me.Username,
		"name":     displayName(me),
	}
	u.Emit(bus.Authenticated{Info: info})
	u.Emit(bus.Ready{Info: info})
	u.Log().Info("telegram user session ready", "user_id", me.ID, "username", me.Username)

	// The gap manager recovers missed updates from the server-side
	// state after every restart, so a crashed run loses nothing.
	for {
		err := gaps.Run(ctx, u.apiClient(), me.ID, tgupdates.AuthOptions{})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			u.Log().Warn("updates manager exited, restarting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gapsRetryDelay):
		}
	}
}

func (u *User) rememberSelf(me *tg.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.peers["user:"+strconv.FormatInt(me.ID, 10)] = &tg.InputPeerSelf{}
	u.names[me.ID] = displayName(me)
}

// SubmitAuthValue answers the prompt the login flow is blocked on.
func (u *User) SubmitAuthValue(_ context.Context, kind bus.AuthKind, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fault.New(fault.Validation, "auth value must not be empty")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pendingCh == nil {
		return fault.New(fault.Validation, "no auth prompt pending")
	}
	if u.pendingKind != kind {
		return fault.New(fault.Validation, "auth flow expects %s, got %s", u.pendingKind, kind)
	}
	u.pendingCh <- value
	u.pendingCh = nil
	return nil
}

// await publishes an auth prompt and blocks the login flow until the
// operator submits the value or the context dies.
func (u *User) await(ctx context.Context, kind bus.AuthKind) (string, error) {
	ch := make(chan string, 1)
	u.mu.Lock()
	u.pendingKind = kind
	u.pendingCh = ch
	u.mu.Unlock()

	phase := sessions.PhaseAwaitingCode
	if kind == bus.AuthPassword {
		phase = sessions.PhaseAwaitingPassword
	}
	if u.sessions != nil {
		if err := u.sessions.SetPhase(u.AgentID(), string(bus.PlatformTelegramUser), phase); err != nil {
			u.Log().Warn("session phase update failed", "error", err)
		}
	}
	u.Emit(bus.AuthPrompt{Kind: kind})
	u.Log().Info("waiting for auth value", "kind", string(kind))

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		u.mu.Lock()
		if u.pendingCh == ch {
			u.pendingCh = nil
		}
		u.mu.Unlock()
		return "", ctx.Err()
	}
}

func (u *User) Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	if err := cmd.Validate(); err != nil {
		return bus.SendResult{}, err
	}
	return u.queue.Do(ctx, cmd)
}

func (u *User) deliver(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	switch cmd.Kind {
	case bus.SendText:
		peer, err := u.resolvePeer(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		req := &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  cmd.Body,
			RandomID: rand.Int64(),
		}
		if id, ok := nativeID(cmd.ReplyTo); ok {
			req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: id}
		}
		upd, err := u.apiClient().MessagesSendMessage(ctx, req)
		return sentResult(upd, err, "send message")

	case bus.SendMedia:
		return u.deliverMedia(ctx, cmd)

	case bus.SendLocation:
		return u.deliverInputMedia(ctx, cmd.ChatID, "", &tg.InputMediaGeoPoint{
			GeoPoint: &tg.InputGeoPoint{Lat: cmd.Latitude, Long: cmd.Longitude},
		}, "send location")

	case bus.SendContact:
		first, last := splitContactName(cmd.ContactName, cmd.ContactPhone)
		return u.deliverInputMedia(ctx, cmd.ChatID, "", &tg.InputMediaContact{
			PhoneNumber: cmd.ContactPhone,
			FirstName:   first,
			LastName:    last,
		}, "send contact")

	case bus.SendPoll:
		question := cmd.Title
		if question == "" {
			question = cmd.Body
		}
		if question == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "telegram poll needs a question")
		}
		answers := make([]tg.PollAnswer, 0, len(cmd.Options))
		for i, opt := range cmd.Options {
			answers = append(answers, tg.PollAnswer{
				Text:   tg.TextWithEntities{Text: opt},
				Option: []byte{byte(i)},
			})
		}
		return u.deliverInputMedia(ctx, cmd.ChatID, "", &tg.InputMediaPoll{
			Poll: tg.Poll{
				Question: tg.TextWithEntities{Text: question},
				Answers:  answers,
			},
		}, "send poll")

	case bus.SendButtons:
		return bus.SendResult{}, fault.New(fault.Validation, "telegram user accounts cannot send inline keyboards")

	case bus.SendReaction:
		peer, err := u.resolvePeer(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		id, ok := nativeID(cmd.TargetMessageID)
		if !ok {
			return bus.SendResult{}, fault.New(fault.Validation, "bad telegram message id %q", cmd.TargetMessageID)
		}
		_, err = u.apiClient().MessagesSendReaction(ctx, &tg.MessagesSendReactionRequest{
			Peer:     peer,
			MsgID:    id,
			Reaction: []tg.ReactionClass{&tg.ReactionEmoji{Emoticon: cmd.Emoji}},
		})
		if err != nil {
			return bus.SendResult{}, classify(err, "send reaction")
		}
		return bus.SendResult{MessageID: cmd.TargetMessageID, Timestamp: bus.NowMillis()}, nil

	case bus.SendForward:
		src, err := u.resolvePeer(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		dst, err := u.resolvePeer(cmd.ForwardToChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		id, ok := nativeID(cmd.TargetMessageID)
		if !ok {
			return bus.SendResult{}, fault.New(fault.Validation, "bad telegram message id %q", cmd.TargetMessageID)
		}
		upd, err := u.apiClient().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
			FromPeer: src,
			ToPeer:   dst,
			ID:       []int{id},
			RandomID: []int64{rand.Int64()},
		})
		return sentResult(upd, err, "forward message")

	case bus.SendEdit:
		if cmd.ChatID == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "telegram edit needs chatId")
		}
		peer, err := u.resolvePeer(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		id, ok := nativeID(cmd.TargetMessageID)
		if !ok {
			return bus.SendResult{}, fault.New(fault.Validation, "bad telegram message id %q", cmd.TargetMessageID)
		}
		_, err = u.apiClient().MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
			Peer:    peer,
			ID:      id,
			Message: cmd.Body,
		})
		if err != nil {
			return bus.SendResult{}, classify(err, "edit message")
		}
		return bus.SendResult{MessageID: cmd.TargetMessageID, Timestamp: bus.NowMillis()}, nil

	case bus.SendDelete:
		if cmd.ChatID == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "telegram delete needs chatId")
		}
		return u.deliverDelete(ctx, cmd)
	}
	return bus.SendResult{}, fault.New(fault.Validation, "telegram user cannot send kind %q", cmd.Kind)
}

func (u *User) deliverMedia(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	data, blob, err := u.media.Read(ctx, u.AgentID(), cmd.MediaKey)
	if err != nil {
		return bus.SendResult{}, err
	}
	name := cmd.FileName
	if name == "" {
		name = blob.Name
	}
	if name == "" {
		name = blob.Key
	}
	mime := cmd.MimeType
	if mime == "" {
		mime = blob.MimeType
	}

	up, err := uploader.NewUploader(u.apiClient()).FromBytes(ctx, name, data)
	if err != nil {
		return bus.SendResult{}, fault.Wrap(fault.Transient, err, "telegram upload")
	}
	var input tg.InputMediaClass
	if strings.HasPrefix(mime, "image/") {
		input = &tg.InputMediaUploadedPhoto{File: up}
	} else {
		input = &tg.InputMediaUploadedDocument{
			File:     up,
			MimeType: mime,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: name},
			},
		}
	}
	return u.deliverInputMedia(ctx, cmd.ChatID, cmd.Caption, input, "send media")
}

func (u *User) deliverInputMedia(ctx context.Context, chatID, caption string, input tg.InputMediaClass, op string) (bus.SendResult, error) {
	peer, err := u.resolvePeer(chatID)
	if err != nil {
		return bus.SendResult{}, err
	}
	upd, err := u.apiClient().MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    input,
		Message:  caption,
		RandomID: rand.Int64(),
	})
	return sentResult(upd, err, op)
}

// deliverDelete revokes for both sides. Channel messages go through the
// channel-scoped call, everything else through the dialog one.
func (u *User) deliverDelete(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	peer, err := u.resolvePeer(cmd.ChatID)
	if err != nil {
		return bus.SendResult{}, err
	}
	id, ok := nativeID(cmd.TargetMessageID)
	if !ok {
		return bus.SendResult{}, fault.New(fault.Validation, "bad telegram message id %q", cmd.TargetMessageID)
	}
	if ch, isChannel := peer.(*tg.InputPeerChannel); isChannel {
		_, err = u.apiClient().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      []int{id},
		})
	} else {
		_, err = u.apiClient().MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     []int{id},
		})
	}
	if err != nil {
		return bus.SendResult{}, classify(err, "delete message")
	}
	return bus.SendResult{MessageID: cmd.TargetMessageID, Timestamp: bus.NowMillis()}, nil
}

// DownloadMedia fetches a previously seen file by its location ref and
// stores it in the media cache.
func (u *User) DownloadMedia(ctx context.Context, ref string) (media.Blob, error) {
	if ref == "" {
		return media.Blob{}, fault.New(fault.Validation, "telegram download needs a media ref")
	}
	u.mu.Lock()
	fr, ok := u.refs[ref]
	api := u.api
	u.mu.Unlock()
	if !ok {
		return media.Blob{}, fault.New(fault.Validation, "unknown media ref %q", ref)
	}
	if api == nil {
		return media.Blob{}, fault.New(fault.Transient, "telegram client not connected")
	}
	if fr.size > mediaMaxBytes {
		return media.Blob{}, fault.New(fault.Validation, "telegram media %s is %d bytes, over the %d cap", ref, fr.size, mediaMaxBytes)
	}

	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, fr.loc).Stream(ctx, &buf); err != nil {
		return media.Blob{}, classify(err, "download media")
	}
	key, err := u.media.Put(ctx, u.AgentID(), buf.Bytes(), fr.mime, fr.name)
	if err != nil {
		return media.Blob{}, err
	}
	return u.media.Get(ctx, u.AgentID(), key)
}

func (u *User) Shutdown(ctx context.Context, reason string) error {
	u.stopRun(ctx, shutdownWait)
	u.CloseEvents()
	u.Log().Info("telegram user adapter stopped", "reason", reason)
	return nil
}

func (u *User) stopRun(ctx context.Context, wait time.Duration) {
	u.mu.Lock()
	cancel := u.runCancel
	done := u.runDone
	u.runCancel = nil
	u.runDone = nil
	u.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done == nil || wait <= 0 {
		return
	}
	select {
	case <-done:
	case <-time.After(wait):
		u.Log().Warn("telegram user client did not stop in time")
	case <-ctx.Done():
	}
}

func (u *User) apiClient() *tg.Client {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.api
}

// Update handlers. Own sends come back as updates too; replaying them
// through the inbound pipeline would trigger loops, so Out is skipped.

func (u *User) onNewMessage(_ context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	return u.handleMessage(e, update.Message)
}

func (u *User) onNewChannelMessage(_ context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
	return u.handleMessage(e, update.Message)
}

func (u *User) handleMessage(e tg.Entities, mc tg.MessageClass) error {
	msg, ok := mc.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	u.rememberPeers(e)
	m, ref := u.normalizeMessage(e, msg)
	u.Emit(bus.Inbound{Msg: m, MediaRef: ref})
	return nil
}

func (u *User) onEditMessage(_ context.Context, e tg.Entities, update *tg.UpdateEditMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	u.rememberPeers(e)
	at := int64(msg.Date)
	if d, ok := msg.GetEditDate(); ok {
		at = int64(d)
	}
	u.Emit(bus.MessageEdited{
		MessageID: prefixID(strconv.Itoa(msg.ID)),
		ChatID:    chatKey(msg.PeerID),
		NewBody:   msg.Message,
		At:        time.Unix(at, 0).UnixMilli(),
	})
	return nil
}

// onDeleteMessages covers user and basic group chats. The update names
// no peer, so ChatID stays empty and consumers match on message ID.
func (u *User) onDeleteMessages(_ context.Context, _ tg.Entities, update *tg.UpdateDeleteMessages) error {
	at := bus.NowMillis()
	for _, id := range update.Messages {
		u.Emit(bus.MessageDeleted{MessageID: prefixID(strconv.Itoa(id)), At: at})
	}
	return nil
}

func (u *User) onUserTyping(_ context.Context, _ tg.Entities, update *tg.UpdateUserTyping) error {
	if _, ok := update.Action.(*tg.SendMessageTypingAction); !ok {
		return nil
	}
	id := strconv.FormatInt(update.UserID, 10)
	u.Emit(bus.Typing{ChatID: "user:" + id, SenderID: id})
	return nil
}

// rememberPeers caches access hashes from update entities. Sends can
// only target peers the account has seen since startup.
func (u *User) rememberPeers(e tg.Entities) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, usr := range e.Users {
		u.peers["user:"+strconv.FormatInt(id, 10)] = &tg.InputPeerUser{UserID: id, AccessHash: usr.AccessHash}
		u.names[id] = displayName(usr)
	}
	for id := range e.Chats {
		u.peers["chat:"+strconv.FormatInt(id, 10)] = &tg.InputPeerChat{ChatID: id}
	}
	for id, ch := range e.Channels {
		u.peers["channel:"+strconv.FormatInt(id, 10)] = &tg.InputPeerChannel{ChannelID: id, AccessHash: ch.AccessHash}
	}
}

func (u *User) resolvePeer(chatID string) (tg.InputPeerClass, error) {
	u.mu.Lock()
	peer, ok := u.peers[chatID]
	u.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.Validation, "unknown chat %q, no dialog seen for it yet", chatID)
	}
	return peer, nil
}

func (u *User) registerRef(key string, fr fileRef) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.refs[key]; !exists {
		u.refOrder = append(u.refOrder, key)
		for len(u.refOrder) > maxMediaRefs {
			delete(u.refs, u.refOrder[0])
			u.refOrder = u.refOrder[1:]
		}
	}
	u.refs[key] = fr
}

func sentResult(upd tg.UpdatesClass, err error, op string) (bus.SendResult, error) {
	if err != nil {
		return bus.SendResult{}, classify(err, op)
	}
	return bus.SendResult{
		MessageID: prefixID(strconv.Itoa(sentMessageID(upd))),
		Timestamp: bus.NowMillis(),
	}, nil
}

func classify(err error, op string) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fault.BusyFor(d, "telegram %s hit flood control", op)
	}
	if auth.IsUnauthorized(err) {
		return fault.Wrap(fault.AuthFailed, err, "telegram %s", op)
	}
	var rpc *tgerr.Error
	if errors.As(err, &rpc) && rpc.Code >= 400 && rpc.Code < 500 {
		return fault.Wrap(fault.Validation, err, "telegram %s rejected", op)
	}
	return fault.Wrap(fault.Transient, err, "telegram %s", op)
}

func splitContactName(name, phone string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return phone, ""
	}
	first, last, ok := strings.Cut(name, " ")
	if !ok {
		return name, ""
	}
	return first, strings.TrimSpace(last)
}

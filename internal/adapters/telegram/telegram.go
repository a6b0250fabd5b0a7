// Package telegram implements the Bot API adapter. One Bot owns one
// token session driven by long polling; inbound updates are normalized
// into bus messages and outbound commands are mapped onto Bot API calls.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
)

const (
	pollTimeoutSeconds = 30
	mediaMaxBytes      = 20 * 1024 * 1024
	shutdownWait       = 10 * time.Second
)

// Config is the transport bag for telegram-bot agents.
type Config struct {
	Token string `json:"token"`
	// Proxy routes all Bot API traffic through an HTTP proxy when set.
	Proxy string `json:"proxy,omitempty"`
}

// Bot is the telegram-bot adapter.
type Bot struct {
	*adapters.Base
	cfg   Config
	media *media.Cache
	queue *adapters.SendQueue
	http  *http.Client

	mu         sync.Mutex
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the telegram-bot adapter for one agent. Construction is
// offline; the token is probed on Initialize.
func New(deps adapters.Deps) (adapters.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(deps.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fault.New(fault.Validation, "telegram bot config missing token")
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, err, "bad proxy url %q", cfg.Proxy)
		}
		transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		opts = append(opts, telego.WithHTTPClient(&http.Client{Transport: transport}))
		httpClient.Transport = transport
	}

	tgBot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "create telegram bot")
	}

	b := &Bot{
		Base:  adapters.NewBase(deps.AgentID, bus.PlatformTelegramBot, deps.Logger),
		cfg:   cfg,
		media: deps.Media,
		bot:   tgBot,
		http:  httpClient,
	}
	b.queue = adapters.NewSendQueue(b.deliver, deps.Logger)
	return b, nil
}

// Initialize probes the token with getMe and starts long polling. Bot
// sessions have no interactive auth, so Authenticated and Ready are
// emitted back to back once the probe succeeds.
func (b *Bot) Initialize(ctx context.Context) (<-chan bus.Event, error) {
	b.stopPolling(context.Background(), 0)

	me, err := b.bot.GetMe(ctx)
	if err != nil {
		return nil, classify(err, "telegram getMe")
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSeconds,
		AllowedUpdates: []string{"message", "edited_message", "callback_query"},
	})
	if err != nil {
		cancel()
		return nil, fault.Wrap(fault.Transient, err, "start long polling")
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.pollCancel = cancel
	b.pollDone = done
	b.mu.Unlock()

	ch := b.OpenEvents()
	info := map[string]string{
		"username": me.Username,
		"userId":   strconv.FormatInt(me.ID, 10),
	}
	b.Emit(bus.Authenticated{Info: info})
	b.Emit(bus.Ready{Info: info})
	b.Log().Info("telegram bot connected", "username", me.Username)

	go b.readLoop(pollCtx, updates, done)
	return ch, nil
}

// SubmitAuthValue always fails: bot sessions authenticate by token.
func (b *Bot) SubmitAuthValue(_ context.Context, _ bus.AuthKind, _ string) error {
	return fault.New(fault.Validation, "telegram bot auth is token-based, no prompt pending")
}

// Send executes one outbound command through the per-chat queue.
func (b *Bot) Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	if err := cmd.Validate(); err != nil {
		return bus.SendResult{}, err
	}
	return b.queue.Do(ctx, cmd)
}

// DownloadMedia resolves a file_id into cached bytes. The Bot API caps
// bot downloads at 20MB; larger files are rejected before the transfer.
func (b *Bot) DownloadMedia(ctx context.Context, ref string) (media.Blob, error) {
	if ref == "" {
		return media.Blob{}, fault.New(fault.Validation, "empty media ref")
	}
	file, err := b.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref})
	if err != nil {
		return media.Blob{}, classify(err, "get file")
	}
	if file.FilePath == "" {
		return media.Blob{}, fault.New(fault.Transient, "telegram returned no file path for %s", ref)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return media.Blob{}, fault.New(fault.Validation, "file %s is %d bytes, bot download cap is %d", ref, file.FileSize, int64(mediaMaxBytes))
	}

	data, mime, err := b.fetchFile(ctx, file.FilePath)
	if err != nil {
		return media.Blob{}, err
	}
	key, err := b.media.Put(ctx, b.AgentID(), data, mime, path.Base(file.FilePath))
	if err != nil {
		return media.Blob{}, err
	}
	return b.media.Get(ctx, b.AgentID(), key)
}

// Shutdown stops long polling, waits for the read loop, and closes the
// event stream.
func (b *Bot) Shutdown(ctx context.Context, reason string) error {
	b.stopPolling(ctx, shutdownWait)
	b.CloseEvents()
	b.Log().Info("telegram bot stopped", "reason", reason)
	return nil
}

func (b *Bot) stopPolling(ctx context.Context, wait time.Duration) {
	b.mu.Lock()
	cancel, done := b.pollCancel, b.pollDone
	b.pollCancel, b.pollDone = nil, nil
	b.mu.Unlock()
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
		b.Log().Warn("telegram poll loop did not exit in time")
	case <-ctx.Done():
	}
}

func (b *Bot) readLoop(ctx context.Context, updates <-chan telego.Update, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					b.Emit(bus.Disconnected{Reason: "updates stream closed", Recoverable: true})
				}
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		if isServiceMessage(update.Message) {
			b.Log().Debug("telegram service message skipped", "update_id", update.UpdateID)
			return
		}
		msg, ref := normalizeMessage(b.AgentID(), update.Message)
		b.Emit(bus.Inbound{Msg: msg, MediaRef: ref})
	case update.EditedMessage != nil:
		b.Emit(normalizeEdited(update.EditedMessage))
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		b.Emit(bus.Inbound{Msg: normalizeCallback(b.AgentID(), q)})
		// Ack stops the client-side spinner; failures are not actionable.
		_ = b.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: q.ID})
	default:
		b.Log().Debug("telegram update skipped", "update_id", update.UpdateID)
	}
}

// deliver runs on the send queue and maps one command onto the Bot API.
func (b *Bot) deliver(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	switch cmd.Kind {
	case bus.SendText:
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		params := tu.Message(cid, cmd.Body)
		if n, ok := replyID(cmd.ReplyTo); ok {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: n}
		}
		sent, err := b.bot.SendMessage(ctx, params)
		return sentResult(sent, err, "send message")

	case bus.SendMedia:
		return b.deliverMedia(ctx, cmd)

	case bus.SendLocation:
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		sent, err := b.bot.SendLocation(ctx, &telego.SendLocationParams{
			ChatID:    cid,
			Latitude:  cmd.Latitude,
			Longitude: cmd.Longitude,
		})
		return sentResult(sent, err, "send location")

	case bus.SendContact:
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		name := cmd.ContactName
		if name == "" {
			name = cmd.ContactPhone
		}
		sent, err := b.bot.SendContact(ctx, &telego.SendContactParams{
			ChatID:      cid,
			PhoneNumber: cmd.ContactPhone,
			FirstName:   name,
		})
		return sentResult(sent, err, "send contact")

	case bus.SendButtons:
		return b.deliverButtons(ctx, cmd)

	case bus.SendPoll:
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		question := cmd.Title
		if question == "" {
			question = cmd.Body
		}
		if question == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "poll needs a title")
		}
		options := make([]telego.InputPollOption, 0, len(cmd.Options))
		for _, opt := range cmd.Options {
			options = append(options, telego.InputPollOption{Text: opt})
		}
		sent, err := b.bot.SendPoll(ctx, &telego.SendPollParams{
			ChatID:   cid,
			Question: question,
			Options:  options,
		})
		return sentResult(sent, err, "send poll")

	case bus.SendReaction:
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		n, err := nativeMessageID(cmd.TargetMessageID)
		if err != nil {
			return bus.SendResult{}, err
		}
		err = b.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
			ChatID:    cid,
			MessageID: n,
			Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: cmd.Emoji}},
		})
		if err != nil {
			return bus.SendResult{}, classify(err, "set reaction")
		}
		return bus.SendResult{MessageID: cmd.TargetMessageID, Timestamp: bus.NowMillis()}, nil

	case bus.SendForward:
		src, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		dst, err := parseChatID(cmd.ForwardToChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		n, err := nativeMessageID(cmd.TargetMessageID)
		if err != nil {
			return bus.SendResult{}, err
		}
		sent, err := b.bot.ForwardMessage(ctx, &telego.ForwardMessageParams{
			ChatID:     dst,
			FromChatID: src,
			MessageID:  n,
		})
		return sentResult(sent, err, "forward message")

	case bus.SendEdit:
		if cmd.ChatID == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "telegram edit needs chatId")
		}
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		n, err := nativeMessageID(cmd.TargetMessageID)
		if err != nil {
			return bus.SendResult{}, err
		}
		sent, err := b.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    cid,
			MessageID: n,
			Text:      cmd.Body,
		})
		return sentResult(sent, err, "edit message")

	case bus.SendDelete:
		if cmd.ChatID == "" {
			return bus.SendResult{}, fault.New(fault.Validation, "telegram delete needs chatId")
		}
		cid, err := parseChatID(cmd.ChatID)
		if err != nil {
			return bus.SendResult{}, err
		}
		n, err := nativeMessageID(cmd.TargetMessageID)
		if err != nil {
			return bus.SendResult{}, err
		}
		if err := b.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: cid, MessageID: n}); err != nil {
			return bus.SendResult{}, classify(err, "delete message")
		}
		return bus.SendResult{MessageID: cmd.TargetMessageID, Timestamp: bus.NowMillis()}, nil
	}

	return bus.SendResult{}, fault.New(fault.Validation, "telegram cannot send kind %q", cmd.Kind)
}

func (b *Bot) deliverMedia(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	cid, err := parseChatID(cmd.ChatID)
	if err != nil {
		return bus.SendResult{}, err
	}
	data, blob, err := b.media.Read(ctx, b.AgentID(), cmd.MediaKey)
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
	file := tu.File(tu.NameReader(bytes.NewReader(data), name))

	var sent *telego.Message
	switch {
	case strings.HasPrefix(mime, "image/"):
		sent, err = b.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: cid, Photo: file, Caption: cmd.Caption})
	case strings.HasPrefix(mime, "video/"):
		sent, err = b.bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: cid, Video: file, Caption: cmd.Caption})
	case mime == "audio/ogg" || mime == "audio/opus":
		sent, err = b.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: cid, Voice: file, Caption: cmd.Caption})
	case strings.HasPrefix(mime, "audio/"):
		sent, err = b.bot.SendAudio(ctx, &telego.SendAudioParams{ChatID: cid, Audio: file, Caption: cmd.Caption})
	default:
		sent, err = b.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: cid, Document: file, Caption: cmd.Caption})
	}
	return sentResult(sent, err, "send media")
}

func (b *Bot) deliverButtons(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	cid, err := parseChatID(cmd.ChatID)
	if err != nil {
		return bus.SendResult{}, err
	}
	text := cmd.Title
	if text == "" {
		text = cmd.Body
	}
	if text == "" {
		return bus.SendResult{}, fault.New(fault.Validation, "buttons need a title")
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(cmd.Options))
	for _, opt := range cmd.Options {
		rows = append(rows, []telego.InlineKeyboardButton{{Text: opt, CallbackData: opt}})
	}
	params := tu.Message(cid, text)
	params.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	sent, err := b.bot.SendMessage(ctx, params)
	return sentResult(sent, err, "send buttons")
}

func (b *Bot) fetchFile(ctx context.Context, filePath string) ([]byte, string, error) {
	fileURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.cfg.Token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fault.Wrap(fault.Transient, err, "build download request")
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, "", fault.Wrap(fault.Transient, err, "download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fault.New(fault.Transient, "download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return nil, "", fault.Wrap(fault.Transient, err, "read file body")
	}
	if len(data) > mediaMaxBytes {
		return nil, "", fault.New(fault.Validation, "file exceeds %d byte bot download cap", int64(mediaMaxBytes))
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "application/octet-stream" {
		// Let the cache sniff a real type from the payload.
		mime = ""
	}
	return data, mime, nil
}

func sentResult(msg *telego.Message, err error, op string) (bus.SendResult, error) {
	if err != nil {
		return bus.SendResult{}, classify(err, op)
	}
	return bus.SendResult{
		MessageID: bus.MessageID(bus.PlatformTelegramBot, strconv.Itoa(msg.MessageID)),
		Timestamp: bus.NowMillis(),
	}, nil
}

// classify maps Bot API errors onto the fault taxonomy. Flood control
// carries retry_after so the send queue can pause instead of hammering.
func classify(err error, op string) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			wait := 5 * time.Second
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return fault.BusyFor(wait, "%s: telegram flood control", op)
		case apiErr.ErrorCode == http.StatusUnauthorized:
			return fault.Wrap(fault.AuthFailed, err, "%s", op)
		case apiErr.ErrorCode >= 400 && apiErr.ErrorCode < 500:
			return fault.Wrap(fault.Validation, err, "%s", op)
		}
	}
	return fault.Wrap(fault.Transient, err, "%s", op)
}

func parseChatID(s string) (telego.ChatID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return telego.ChatID{}, fault.New(fault.Validation, "bad telegram chat id %q", s)
	}
	return tu.ID(id), nil
}

func replyID(prefixed string) (int, bool) {
	if prefixed == "" {
		return 0, false
	}
	n, err := nativeMessageID(prefixed)
	if err != nil {
		return 0, false
	}
	return n, true
}

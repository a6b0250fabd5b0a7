// Package email implements the IMAP/SMTP adapter. Inbound mail is
// polled from INBOX above a persisted UID high-water mark; outbound
// commands become SMTP messages. The chat ID is the remote address.
package email

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
)

const (
	defaultIMAPPort    = 993
	defaultSMTPPort    = 587
	defaultPollSeconds = 60
	shutdownWait       = 5 * time.Second
)

// Config is the transport bag for email agents.
type Config struct {
	IMAPHost    string `json:"imapHost"`
	IMAPPort    int    `json:"imapPort,omitempty"`
	SMTPHost    string `json:"smtpHost"`
	SMTPPort    int    `json:"smtpPort,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	From        string `json:"from,omitempty"`
	PollSeconds int    `json:"pollSeconds,omitempty"`
}

func (c *Config) validate() error {
	if c.IMAPHost == "" || c.SMTPHost == "" {
		return fault.New(fault.Validation, "email config needs imapHost and smtpHost")
	}
	if c.Username == "" || c.Password == "" {
		return fault.New(fault.Validation, "email config needs username and password")
	}
	if c.IMAPPort == 0 {
		c.IMAPPort = defaultIMAPPort
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = defaultSMTPPort
	}
	if c.PollSeconds <= 0 {
		c.PollSeconds = defaultPollSeconds
	}
	return nil
}

// mark is the session blob: where polling left off in INBOX. A changed
// UIDVALIDITY means the server renumbered the mailbox and the mark is
// void.
type mark struct {
	UIDValidity uint32 `json:"uidValidity"`
	UIDNext     uint32 `json:"uidNext"`
}

// Mailer is the email adapter.
type Mailer struct {
	*adapters.Base
	cfg      Config
	media    *media.Cache
	sessions *sessions.Store
	queue    *adapters.SendQueue

	mu         sync.Mutex
	client     *imapclient.Client
	mark       mark
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the email adapter for one agent.
func New(deps adapters.Deps) (adapters.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(deps.Config, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Mailer{
		Base:     adapters.NewBase(deps.AgentID, bus.PlatformEmail, deps.Logger),
		cfg:      cfg,
		media:    deps.Media,
		sessions: deps.Sessions,
	}
	m.queue = adapters.NewSendQueue(m.deliver, deps.Logger)
	return m, nil
}

// Initialize logs into IMAP, restores the UID mark, and starts polling.
// A missing or stale mark snaps to the current UIDNEXT so attaching an
// existing mailbox never replays its backlog.
func (m *Mailer) Initialize(ctx context.Context) (<-chan bus.Event, error) {
	m.stopPolling(context.Background())

	client, sel, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	stored, ok := m.loadMark()
	if !ok || stored.UIDValidity != sel.UIDValidity {
		stored = mark{UIDValidity: sel.UIDValidity, UIDNext: uint32(sel.UIDNext)}
		m.saveMark(stored)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	m.client = client
	m.mark = stored
	m.pollCancel = cancel
	m.pollDone = done
	m.mu.Unlock()

	ch := m.OpenEvents()
	info := map[string]string{"address": m.fromAddress()}
	m.Emit(bus.Authenticated{Info: info})
	m.Emit(bus.Ready{Info: info})
	m.Log().Info("email session open", "host", m.cfg.IMAPHost, "user", m.cfg.Username)

	go m.pollLoop(pollCtx, done)
	return ch, nil
}

// SubmitAuthValue always fails: mail credentials live in the config.
func (m *Mailer) SubmitAuthValue(_ context.Context, _ bus.AuthKind, _ string) error {
	return fault.New(fault.Validation, "email auth uses configured credentials, no prompt pending")
}

// Send executes one outbound command through the per-chat queue.
func (m *Mailer) Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	if err := cmd.Validate(); err != nil {
		return bus.SendResult{}, err
	}
	return m.queue.Do(ctx, cmd)
}

// DownloadMedia returns an attachment cached during polling.
func (m *Mailer) DownloadMedia(ctx context.Context, ref string) (media.Blob, error) {
	if ref == "" {
		return media.Blob{}, fault.New(fault.Validation, "empty media ref")
	}
	return m.media.Get(ctx, m.AgentID(), ref)
}

// Shutdown stops polling, logs out, and closes the event stream.
func (m *Mailer) Shutdown(ctx context.Context, reason string) error {
	m.stopPolling(ctx)
	m.dropClient(true)
	m.CloseEvents()
	m.Log().Info("email session stopped", "reason", reason)
	return nil
}

func (m *Mailer) dial(ctx context.Context) (*imapclient.Client, *imap.SelectData, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.IMAPHost, m.cfg.IMAPPort)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, nil, fault.Wrap(fault.Transient, err, "dial imap %s", addr)
	}
	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fault.Wrap(fault.AuthFailed, err, "imap login for %s", m.cfg.Username)
	}
	sel, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, nil, fault.Wrap(fault.Transient, err, "select inbox")
	}
	return client, sel, nil
}

func (m *Mailer) dropClient(logout bool) {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return
	}
	if logout {
		_ = client.Logout().Wait()
	}
	_ = client.Close()
}

func (m *Mailer) stopPolling(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownWait):
		m.Log().Warn("email poll loop did not exit in time")
	case <-ctx.Done():
	}
}

func (m *Mailer) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(m.cfg.PollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		client := m.currentClient()
		if client == nil {
			fresh, sel, err := m.dial(ctx)
			if err != nil {
				if fault.IsKind(err, fault.AuthFailed) {
					m.Emit(bus.Disconnected{Reason: "imap login rejected", Recoverable: false})
					return
				}
				m.Log().Warn("imap reconnect failed", "error", err)
				continue
			}
			m.mu.Lock()
			m.client = fresh
			m.mu.Unlock()
			m.syncMark(sel)
			client = fresh
		}

		if err := m.pollOnce(ctx, client); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.Log().Warn("imap poll failed, will reconnect", "error", err)
			m.dropClient(false)
		}
	}
}

func (m *Mailer) currentClient() *imapclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// syncMark resets the mark after a reconnect when the server renumbered
// the mailbox.
func (m *Mailer) syncMark(sel *imap.SelectData) {
	m.mu.Lock()
	if m.mark.UIDValidity != sel.UIDValidity {
		m.mark = mark{UIDValidity: sel.UIDValidity, UIDNext: uint32(sel.UIDNext)}
	}
	stored := m.mark
	m.mu.Unlock()
	m.saveMark(stored)
}

// pollOnce re-selects INBOX and fetches everything above the mark.
func (m *Mailer) pollOnce(ctx context.Context, client *imapclient.Client) error {
	sel, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	m.mu.Lock()
	current := m.mark
	m.mu.Unlock()

	if sel.UIDValidity != current.UIDValidity {
		m.syncMark(sel)
		return nil
	}
	if uint32(sel.UIDNext) <= current.UIDNext {
		return nil
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(current.UIDNext), 0)
	msgs, err := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}).Collect()
	if err != nil {
		return fmt.Errorf("fetch new mail: %w", err)
	}

	for _, raw := range msgs {
		// The n:* range resolves to the last message when nothing is
		// newer; the mark guards against re-emitting it.
		if uint32(raw.UID) < current.UIDNext {
			continue
		}
		m.emitMail(ctx, uint32(raw.UID), raw.FindBodySection(&imap.FetchItemBodySection{}))
	}

	m.mu.Lock()
	m.mark.UIDNext = uint32(sel.UIDNext)
	stored := m.mark
	m.mu.Unlock()
	m.saveMark(stored)
	return nil
}

func (m *Mailer) emitMail(ctx context.Context, uid uint32, raw []byte) {
	if len(raw) == 0 {
		m.Log().Warn("imap returned empty message body", "uid", uid)
		return
	}
	msg, atts, err := parseInbound(m.AgentID(), uid, raw)
	if err != nil {
		m.Log().Warn("unparseable inbound mail", "uid", uid, "error", err)
		return
	}

	var keys []string
	for _, att := range atts {
		key, err := m.media.Put(ctx, m.AgentID(), att.Data, att.Mime, att.Name)
		if err != nil {
			m.Log().Warn("media.store_failed", "uid", uid, "name", att.Name, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	var ref string
	if len(keys) > 0 {
		ref = keys[0]
		if msg.Meta == nil {
			msg.Meta = map[string]any{}
		}
		msg.Meta["attachments"] = keys
	}
	m.Emit(bus.Inbound{Msg: msg, MediaRef: ref})
}

// deliver runs on the send queue. Email carries text and media; the
// interactive kinds have no wire equivalent.
func (m *Mailer) deliver(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	switch cmd.Kind {
	case bus.SendText, bus.SendMedia:
	default:
		return bus.SendResult{}, fault.New(fault.Validation, "email cannot send kind %q", cmd.Kind)
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.fromAddress()); err != nil {
		return bus.SendResult{}, fault.Wrap(fault.Validation, err, "bad from address")
	}
	if err := msg.To(cmd.ChatID); err != nil {
		return bus.SendResult{}, fault.Wrap(fault.Validation, err, "bad recipient %q", cmd.ChatID)
	}

	id := fmt.Sprintf("%s@%s", uuid.NewString(), hostOf(m.fromAddress()))
	msg.SetMessageIDWithValue(id)
	if cmd.ReplyTo != "" {
		msg.SetGenHeader(gomail.HeaderInReplyTo, "<"+nativeEmailID(cmd.ReplyTo)+">")
	}
	msg.Subject(subjectFor(cmd))

	body := cmd.Body
	if cmd.Kind == bus.SendMedia {
		body = cmd.Caption
	}
	msg.SetBodyString(gomail.TypeTextPlain, body)

	if cmd.Kind == bus.SendMedia {
		data, blob, err := m.media.Read(ctx, m.AgentID(), cmd.MediaKey)
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
		if err := msg.AttachReader(name, bytes.NewReader(data)); err != nil {
			return bus.SendResult{}, fault.Wrap(fault.Validation, err, "attach %s", name)
		}
	}

	client, err := gomail.NewClient(m.cfg.SMTPHost,
		gomail.WithPort(m.cfg.SMTPPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(m.cfg.Username),
		gomail.WithPassword(m.cfg.Password),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return bus.SendResult{}, fault.Wrap(fault.Validation, err, "smtp client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return bus.SendResult{}, fault.Wrap(fault.Transient, err, "smtp send to %s", cmd.ChatID)
	}

	return bus.SendResult{
		MessageID: bus.MessageID(bus.PlatformEmail, id),
		Timestamp: bus.NowMillis(),
	}, nil
}

func (m *Mailer) fromAddress() string {
	if m.cfg.From != "" {
		return m.cfg.From
	}
	return m.cfg.Username
}

func (m *Mailer) loadMark() (mark, bool) {
	_, blob, err := m.sessions.Load(m.AgentID())
	if err != nil {
		return mark{}, false
	}
	stored, err := decodeMark(blob)
	if err != nil {
		m.Log().Warn("stale email session blob", "error", err)
		return mark{}, false
	}
	return stored, true
}

func (m *Mailer) saveMark(stored mark) {
	if err := m.sessions.Save(m.AgentID(), string(bus.PlatformEmail), encodeMark(stored)); err != nil {
		m.Log().Warn("email mark not persisted", "error", err)
	}
}

func hostOf(addr string) string {
	if _, host, ok := strings.Cut(addr, "@"); ok && host != "" {
		return host
	}
	return "agenthub.local"
}

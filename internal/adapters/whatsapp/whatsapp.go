// Package whatsapp implements the bridge adapter. The WhatsApp protocol
// itself runs in an external bridge process; this adapter speaks JSON
// frames to it over a websocket, translates bridge traffic into bus
// events, and correlates send and download requests with acks.
package whatsapp

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
)

const (
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 30 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second
	shutdownWait     = 5 * time.Second
)

// Config is the transport bag for whatsapp agents.
type Config struct {
	BridgeURL string `json:"bridgeUrl"`
}

// frame is one JSON envelope on the bridge socket. Type discriminates;
// the remaining fields apply per type. Send and download frames carry an
// ID echoed back on the matching ack.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// message
	Msg      *bus.Message `json:"msg,omitempty"`
	MediaRef string       `json:"mediaRef,omitempty"`

	// edited / deleted / typing
	MsgID     string `json:"msgId,omitempty"`
	Chat      string `json:"chat,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// qr / authenticated / ready
	QR   string            `json:"qr,omitempty"`
	Info map[string]string `json:"info,omitempty"`

	// send
	Cmd *bus.SendCommand `json:"cmd,omitempty"`

	// ack: MsgID+Timestamp answer a send, Data+Mime+Name a download.
	Data         []byte `json:"data,omitempty"`
	Mime         string `json:"mime,omitempty"`
	Name         string `json:"name,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`

	// disconnected
	Reason      string `json:"reason,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Bridge is the whatsapp adapter.
type Bridge struct {
	*adapters.Base
	cfg   Config
	media *media.Cache
	queue *adapters.SendQueue

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New builds the whatsapp adapter for one agent.
func New(deps adapters.Deps) (adapters.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(deps.Config, &cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fault.New(fault.Validation, "whatsapp config needs a ws:// or wss:// bridgeUrl, got %q", cfg.BridgeURL)
	}

	b := &Bridge{
		Base:    adapters.NewBase(deps.AgentID, bus.PlatformWhatsApp, deps.Logger),
		cfg:     cfg,
		media:   deps.Media,
		pending: make(map[string]chan frame),
	}
	b.queue = adapters.NewSendQueue(b.deliver, deps.Logger)
	return b, nil
}

// Initialize connects to the bridge and starts the read loop. A failed
// first dial is not fatal; the loop keeps retrying with backoff while
// the session stays in authenticating.
func (b *Bridge) Initialize(ctx context.Context) (<-chan bus.Event, error) {
	b.stopRun(context.Background())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.mu.Lock()
	b.runCancel = cancel
	b.runDone = done
	b.mu.Unlock()

	ch := b.OpenEvents()
	if err := b.connect(ctx); err != nil {
		b.Log().Warn("whatsapp bridge initial dial failed, will retry", "error", err)
	}
	go b.runLoop(runCtx, done)
	return ch, nil
}

// SubmitAuthValue always fails: whatsapp authenticates by QR scan.
func (b *Bridge) SubmitAuthValue(_ context.Context, _ bus.AuthKind, _ string) error {
	return fault.New(fault.Validation, "whatsapp auth is QR-based, no prompt pending")
}

// Send executes one outbound command through the per-chat queue.
func (b *Bridge) Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	if err := cmd.Validate(); err != nil {
		return bus.SendResult{}, err
	}
	return b.queue.Do(ctx, cmd)
}

// DownloadMedia asks the bridge for the attachment bytes behind a ref
// and caches them.
func (b *Bridge) DownloadMedia(ctx context.Context, ref string) (media.Blob, error) {
	if ref == "" {
		return media.Blob{}, fault.New(fault.Validation, "empty media ref")
	}
	ack, err := b.request(ctx, frame{Type: "download", MediaRef: ref})
	if err != nil {
		return media.Blob{}, err
	}
	if ack.Error != "" {
		return media.Blob{}, bridgeFault(ack, "bridge download")
	}
	if len(ack.Data) == 0 {
		return media.Blob{}, fault.New(fault.Transient, "bridge returned no media for %s", ref)
	}
	key, err := b.media.Put(ctx, b.AgentID(), ack.Data, ack.Mime, ack.Name)
	if err != nil {
		return media.Blob{}, err
	}
	return b.media.Get(ctx, b.AgentID(), key)
}

// Shutdown stops the read loop, drops the socket, and closes the event
// stream.
func (b *Bridge) Shutdown(ctx context.Context, reason string) error {
	b.stopRun(ctx)
	b.dropConn()
	b.CloseEvents()
	b.Log().Info("whatsapp bridge stopped", "reason", reason)
	return nil
}

func (b *Bridge) stopRun(ctx context.Context) {
	b.mu.Lock()
	cancel, done := b.runCancel, b.runDone
	b.runCancel, b.runDone = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	// The read loop may be blocked on ReadMessage; dropping the socket
	// unblocks it.
	b.dropConn()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownWait):
		b.Log().Warn("whatsapp read loop did not exit in time")
	case <-ctx.Done():
	}
}

func (b *Bridge) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.BridgeURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fault.Wrap(fault.Transient, err, "dial whatsapp bridge %s", b.cfg.BridgeURL)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.Log().Info("whatsapp bridge connected", "url", b.cfg.BridgeURL)
	return nil
}

func (b *Bridge) current() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// dropConn closes the socket and fails every in-flight request.
func (b *Bridge) dropConn() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan frame)
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	for _, waiter := range pending {
		close(waiter)
	}
}

// runLoop reads bridge frames and reconnects on socket loss. Socket
// drops are healed here without surfacing Disconnected; only the bridge
// reporting a dead session raises one.
func (b *Bridge) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		conn := b.current()
		if conn == nil {
			wait := backoff/2 + rand.N(backoff/2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := b.connect(ctx); err != nil {
				b.Log().Warn("whatsapp bridge reconnect failed", "error", err, "backoff", backoff)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = initialBackoff
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.Log().Warn("whatsapp bridge read failed, reconnecting", "error", err)
			b.dropConn()
			continue
		}

		var f frame
		if err := unmarshalFrame(payload, &f); err != nil {
			b.Log().Warn("whatsapp bridge sent bad frame", "error", err)
			continue
		}
		b.handleFrame(f)
	}
}

func (b *Bridge) handleFrame(f frame) {
	switch f.Type {
	case "qr":
		b.Emit(bus.QRIssued{Bytes: []byte(f.QR)})
	case "authenticated":
		b.Emit(bus.Authenticated{Info: f.Info})
	case "ready":
		b.Emit(bus.Ready{Info: f.Info})
	case "message":
		if f.Msg == nil {
			b.Log().Warn("whatsapp message frame without msg")
			return
		}
		b.Emit(bus.Inbound{Msg: normalizeInbound(b.AgentID(), *f.Msg), MediaRef: f.MediaRef})
	case "edited":
		b.Emit(bus.MessageEdited{
			MessageID: prefixID(f.MsgID),
			ChatID:    f.Chat,
			NewBody:   f.Body,
			At:        stampOrNow(f.Timestamp),
		})
	case "deleted":
		b.Emit(bus.MessageDeleted{
			MessageID: prefixID(f.MsgID),
			ChatID:    f.Chat,
			At:        stampOrNow(f.Timestamp),
		})
	case "typing":
		b.Emit(bus.Typing{ChatID: f.Chat, SenderID: f.From})
	case "ack":
		b.resolve(f)
	case "disconnected":
		b.Emit(bus.Disconnected{Reason: f.Reason, Recoverable: f.Recoverable})
	default:
		b.Log().Debug("whatsapp bridge frame skipped", "type", f.Type)
	}
}

func (b *Bridge) resolve(f frame) {
	b.mu.Lock()
	waiter, ok := b.pending[f.ID]
	if ok {
		delete(b.pending, f.ID)
	}
	b.mu.Unlock()
	if !ok {
		b.Log().Debug("whatsapp ack without waiter", "id", f.ID)
		return
	}
	waiter <- f
}

// request writes one frame and waits for its ack.
func (b *Bridge) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	waiter := make(chan frame, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return frame{}, fault.New(fault.Transient, "whatsapp bridge not connected")
	}
	b.pending[f.ID] = waiter
	b.mu.Unlock()
	defer b.forget(f.ID)

	if err := b.write(conn, f); err != nil {
		return frame{}, fault.Wrap(fault.Transient, err, "write to bridge")
	}

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case ack, ok := <-waiter:
		if !ok {
			return frame{}, fault.New(fault.Transient, "whatsapp bridge connection lost")
		}
		return ack, nil
	case <-time.After(requestTimeout):
		return frame{}, fault.New(fault.Transient, "whatsapp bridge ack timeout")
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) write(conn *websocket.Conn, f frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// deliver runs on the send queue and hands one command to the bridge.
func (b *Bridge) deliver(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	ack, err := b.request(ctx, frame{Type: "send", Cmd: &cmd})
	if err != nil {
		return bus.SendResult{}, err
	}
	if ack.Error != "" {
		return bus.SendResult{}, bridgeFault(ack, "bridge send")
	}
	return bus.SendResult{
		MessageID: prefixID(ack.MsgID),
		Timestamp: stampOrNow(ack.Timestamp),
	}, nil
}

// bridgeFault maps a bridge ack error onto the fault taxonomy. The code
// field mirrors fault kinds; anything unlabeled counts as transient.
func bridgeFault(ack frame, op string) error {
	if ack.RetryAfterMs > 0 {
		return fault.BusyFor(time.Duration(ack.RetryAfterMs)*time.Millisecond, "%s: %s", op, ack.Error)
	}
	if ack.Code == string(fault.Validation) {
		return fault.New(fault.Validation, "%s: %s", op, ack.Error)
	}
	return fault.New(fault.Transient, "%s: %s", op, ack.Error)
}

func stampOrNow(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return bus.NowMillis()
}

func prefixID(nativeID string) string {
	if nativeID == "" || strings.HasPrefix(nativeID, string(bus.PlatformWhatsApp)+":") {
		return nativeID
	}
	return bus.MessageID(bus.PlatformWhatsApp, nativeID)
}

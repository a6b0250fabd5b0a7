// Package agent runs one supervisor per configured agent. The supervisor
// owns the adapter lifecycle (connect, auth hand-off, reconnect backoff),
// funnels adapter events into the store and the hub, launches matching
// flows, and speaks for the agent on the swarm bus.
//
// The supervisor is an actor: a single goroutine owns all mutable state
// and everything else talks to it through a bounded mailbox. Reads that
// must not block (Status, Send gating) go through an atomic snapshot.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	// adapterStopWait bounds Shutdown on disconnect and teardown.
	adapterStopWait = 10 * time.Second

	// mediaFetchWait bounds the inline attachment download; the event
	// loop stalls for at most this long per inbound attachment.
	mediaFetchWait = 60 * time.Second

	statsFlushEvery = 30 * time.Second
	dedupeWindow    = 512
)

// Deps is the shared infrastructure handed to every supervisor.
type Deps struct {
	Store    *store.Store
	Hub      *hub.Hub
	Swarm    *swarm.Bus
	Media    *media.Cache
	Sessions *sessions.Store
	Matcher  *flow.Matcher
	Executor *flow.Executor
	Adapters *adapters.Registry
	Agents   config.AgentsConfig
	Logger   *slog.Logger
}

// StatusInfo is the lock-free view of a supervisor published after every
// state change. QR and AuthPrompt are only set while authenticating.
type StatusInfo struct {
	AgentID      string
	Tenant       string
	Name         string
	Platform     bus.Platform
	Status       string
	SwarmEnabled bool
	Isolated     bool
	QR           []byte
	AuthPrompt   bus.AuthKind
	LastActivity int64 // unix ms, zero until the first message
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdSubmitAuth
	cmdSetSwarm
	cmdUpdateProfile
	cmdArchive
	cmdCall
	cmdBroadcast
)

type command struct {
	kind cmdKind

	reason   string
	authKind bus.AuthKind
	value    string
	swarmOn  bool
	isolated bool
	name     string
	config   json.RawMessage
	call     *swarm.Request
	bcast    *swarm.Broadcast

	reply chan error
}

// Supervisor drives one agent. Construct with New, run with Start.
type Supervisor struct {
	id       string
	tenant   string
	platform bus.Platform

	deps Deps
	log  *slog.Logger

	cmds      chan command
	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}

	// Everything below the mutex pair is owned by the run loop.
	name           string
	configRaw      json.RawMessage
	browserSession string
	status         string
	swarmEnabled   bool
	isolated       bool
	qr             []byte
	prompt         bus.AuthKind
	attempts       int
	events         <-chan bus.Event
	retry          *time.Timer
	retryC         <-chan time.Time
	seen           *recentSet
	flushedIn      int64
	flushedOut     int64

	adMu    sync.RWMutex
	adapter adapters.Adapter

	snap atomic.Pointer[StatusInfo]

	statsIn      atomic.Int64
	statsOut     atomic.Int64
	statsExec    atomic.Int64
	statsAI      atomic.Int64
	lastActivity atomic.Int64
}

// New builds a supervisor from its persisted row. Counters and status
// resume from the record; call Start before anything else.
func New(rec *store.AgentRecord, deps Deps) *Supervisor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	mailbox := deps.Agents.InboundQueueSize
	if mailbox <= 0 {
		mailbox = 256
	}
	s := &Supervisor{
		id:             rec.ID,
		tenant:         rec.Tenant,
		platform:       bus.Platform(rec.Platform),
		deps:           deps,
		log:            log.With("agent", rec.ID),
		cmds:           make(chan command, mailbox),
		done:           make(chan struct{}),
		name:           rec.Name,
		configRaw:      rec.Config,
		browserSession: rec.BrowserSession,
		status:         rec.Status,
		swarmEnabled:   rec.SwarmEnabled,
		isolated:       rec.Isolated,
		seen:           newRecentSet(dedupeWindow),
	}
	if s.status == "" {
		s.status = protocol.StatusCreated
	}
	s.statsIn.Store(rec.MessagesIn)
	s.statsOut.Store(rec.MessagesOut)
	s.statsExec.Store(rec.Executions)
	s.statsAI.Store(rec.AICalls)
	s.flushedIn, s.flushedOut = rec.MessagesIn, rec.MessagesOut
	s.lastActivity.Store(rec.UpdatedAt)
	s.refreshSnapshot()
	return s
}

// Start launches the run loop. ctx bounds the supervisor's lifetime;
// cancelling it is equivalent to Stop.
func (s *Supervisor) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	go s.run()
}

// Stop shuts the loop down, closing the adapter and flushing counters.
// The persisted status is left as-is so a restart resumes where the
// agent was.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.runCancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AgentID implements swarm.Target.
func (s *Supervisor) AgentID() string { return s.id }

// Tenant implements swarm.Target.
func (s *Supervisor) Tenant() string { return s.tenant }

// Platform reports the transport this agent runs on.
func (s *Supervisor) Platform() bus.Platform { return s.platform }

// Status returns the current snapshot without touching the mailbox.
func (s *Supervisor) Status() StatusInfo { return *s.snap.Load() }

// Stats returns the live activity counters.
func (s *Supervisor) Stats() protocol.StatsPayload {
	return protocol.StatsPayload{
		MessagesIn:  s.statsIn.Load(),
		MessagesOut: s.statsOut.Load(),
		Executions:  s.statsExec.Load(),
		AICalls:     s.statsAI.Load(),
	}
}

// Connect brings the transport up. Returns once the first attempt has
// been made; auth prompts and the ready transition stream over the hub.
func (s *Supervisor) Connect(ctx context.Context) error {
	return s.ask(ctx, command{kind: cmdConnect})
}

// Disconnect tears the transport down without touching credentials.
func (s *Supervisor) Disconnect(ctx context.Context, reason string) error {
	return s.ask(ctx, command{kind: cmdDisconnect, reason: reason})
}

// SubmitAuth forwards an interactive credential to the adapter.
func (s *Supervisor) SubmitAuth(ctx context.Context, kind bus.AuthKind, value string) error {
	return s.ask(ctx, command{kind: cmdSubmitAuth, authKind: kind, value: value})
}

// SetSwarm updates swarm membership and quarantine together, persists
// both flags and re-derives the connected status.
func (s *Supervisor) SetSwarm(ctx context.Context, enabled, isolated bool) error {
	return s.ask(ctx, command{kind: cmdSetSwarm, swarmOn: enabled, isolated: isolated})
}

// UpdateProfile renames the agent and/or swaps its transport config.
// A config change takes effect on the next connect.
func (s *Supervisor) UpdateProfile(ctx context.Context, name string, cfg json.RawMessage) error {
	return s.ask(ctx, command{kind: cmdUpdateProfile, name: name, config: cfg})
}

// Archive disconnects the agent and parks it. Archived agents are
// excluded from boot resume until explicitly reconnected.
func (s *Supervisor) Archive(ctx context.Context) error {
	return s.ask(ctx, command{kind: cmdArchive})
}

// DeliverCall implements swarm.Target. Enqueue only; the loop decides
// whether to run, reject or ignore the call.
func (s *Supervisor) DeliverCall(req swarm.Request) error {
	select {
	case s.cmds <- command{kind: cmdCall, call: &req}:
		return nil
	case <-s.done:
		return fault.New(fault.Busy, "agent %s is shut down", s.id)
	default:
		return fault.New(fault.Busy, "agent %s mailbox is full", s.id)
	}
}

// DeliverBroadcast implements swarm.Target. Broadcasts are best-effort;
// a full mailbox drops them.
func (s *Supervisor) DeliverBroadcast(b swarm.Broadcast) {
	select {
	case s.cmds <- command{kind: cmdBroadcast, bcast: &b}:
	default:
		s.log.Warn("agent.broadcast_dropped", "topic", b.Topic, "from", b.From)
	}
}

// Send pushes an outbound command through the adapter. It bypasses the
// mailbox so a stalled event pipeline cannot block sends; the adapter's
// own queue serializes per chat.
func (s *Supervisor) Send(ctx context.Context, cmd bus.SendCommand) (*bus.SendResult, error) {
	switch st := s.snap.Load().Status; st {
	case protocol.StatusReady, protocol.StatusSwarming, protocol.StatusIsolated:
	case protocol.StatusAuthenticating, protocol.StatusDisconnected:
		return nil, fault.New(fault.Busy, "agent %s is %s", s.id, st)
	default:
		return nil, fault.New(fault.Validation, "agent %s is %s, connect it first", s.id, st)
	}
	ad := s.currentAdapter()
	if ad == nil {
		return nil, fault.New(fault.Busy, "agent %s has no live transport", s.id)
	}
	if cmd.MediaKey != "" {
		s.deps.Media.Pin(s.id, cmd.MediaKey)
		defer s.deps.Media.Unpin(s.id, cmd.MediaKey)
	}
	res, err := ad.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.recordOutbound(ctx, cmd, res)
	return &res, nil
}

func (s *Supervisor) currentAdapter() adapters.Adapter {
	s.adMu.RLock()
	defer s.adMu.RUnlock()
	return s.adapter
}

func (s *Supervisor) setAdapter(ad adapters.Adapter) {
	s.adMu.Lock()
	s.adapter = ad
	s.adMu.Unlock()
}

func (s *Supervisor) ask(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return fault.New(fault.Transient, "agent %s is shut down", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return fault.New(fault.Transient, "agent %s is shut down", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordOutbound persists the echo of a successful send and feeds the
// outbound counter. Mutating kinds patch the stored original instead of
// inserting a new row.
func (s *Supervisor) recordOutbound(ctx context.Context, cmd bus.SendCommand, res bus.SendResult) {
	switch cmd.Kind {
	case bus.SendEdit:
		if err := s.deps.Store.ApplyMessageEdit(ctx, s.id, cmd.TargetMessageID, cmd.Body, res.Timestamp); err != nil {
			s.log.Warn("agent.edit_record_failed", "message", cmd.TargetMessageID, "error", err)
		}
		return
	case bus.SendDelete:
		if err := s.deps.Store.ApplyMessageDelete(ctx, s.id, cmd.TargetMessageID, res.Timestamp); err != nil {
			s.log.Warn("agent.delete_record_failed", "message", cmd.TargetMessageID, "error", err)
		}
		return
	case bus.SendReaction:
		return
	}

	chatID := cmd.ChatID
	if cmd.Kind == bus.SendForward && cmd.ForwardToChatID != "" {
		chatID = cmd.ForwardToChatID
	}
	msg := bus.Message{
		ID:        res.MessageID,
		AgentID:   s.id,
		Platform:  s.platform,
		Direction: bus.DirectionOut,
		ChatID:    chatID,
		Body:      outboundBody(cmd),
		Timestamp: res.Timestamp,
		Type:      outboundType(cmd),
		HasMedia:  cmd.MediaKey != "",
		FromMe:    true,
		ReplyTo:   cmd.ReplyTo,
	}
	if cmd.MediaKey != "" {
		msg.Meta = map[string]any{"mediaKey": cmd.MediaKey}
	}

	// Mark before insert so the adapter's own echo event is skipped
	// without a store round-trip.
	s.seen.Seen(msg.ID)
	if _, err := s.deps.Store.InsertMessage(ctx, msg); err != nil {
		s.log.Warn("agent.outbound_persist_failed", "message", msg.ID, "error", err)
	}
	s.statsOut.Add(1)
	s.lastActivity.Store(bus.NowMillis())
	s.publishMessage(ctx, msg)
	s.publishStats(ctx)
}

func outboundBody(cmd bus.SendCommand) string {
	switch cmd.Kind {
	case bus.SendText, bus.SendButtons:
		return cmd.Body
	case bus.SendMedia:
		return cmd.Caption
	case bus.SendPoll:
		if cmd.Title != "" {
			return cmd.Title
		}
		return cmd.Body
	}
	return ""
}

func outboundType(cmd bus.SendCommand) bus.MessageType {
	switch cmd.Kind {
	case bus.SendText, bus.SendButtons:
		return bus.TypeText
	case bus.SendMedia:
		switch {
		case strings.HasPrefix(cmd.MimeType, "image/"):
			return bus.TypeImage
		case strings.HasPrefix(cmd.MimeType, "video/"):
			return bus.TypeVideo
		case strings.HasPrefix(cmd.MimeType, "audio/"):
			return bus.TypeAudio
		default:
			return bus.TypeDocument
		}
	case bus.SendLocation:
		return bus.TypeLocation
	case bus.SendContact:
		return bus.TypeContact
	case bus.SendPoll:
		return bus.TypePoll
	case bus.SendForward:
		return bus.TypeUnknown
	}
	return bus.TypeUnknown
}

// recentSet is a fixed-size set of recently seen message IDs, used to
// cut obvious duplicates before they reach the store's unique index.
type recentSet struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	next  int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{
		set:   make(map[string]struct{}, n),
		order: make([]string, n),
	}
}

// Seen reports whether id was already recorded, recording it if not.
func (r *recentSet) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return true
	}
	if old := r.order[r.next]; old != "" {
		delete(r.set, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.set[id] = struct{}{}
	return false
}

package adapters

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
)

// eventBuffer is the upward stream depth. The supervisor drains fast;
// a full buffer means it is gone or wedged, and events drop.
const eventBuffer = 256

// Base carries the event stream shared by every adapter variant.
// Variants embed it and emit through it.
type Base struct {
	agentID  string
	platform bus.Platform
	log      *slog.Logger

	mu     sync.Mutex
	events chan bus.Event
	closed bool
}

func NewBase(agentID string, platform bus.Platform, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	return &Base{agentID: agentID, platform: platform, log: log}
}

func (b *Base) Platform() bus.Platform { return b.platform }

func (b *Base) AgentID() string { return b.agentID }

func (b *Base) Log() *slog.Logger { return b.log }

// OpenEvents allocates a fresh stream for one Initialize call. Any
// previous stream is closed first, so a restarted adapter never leaks
// consumers of the old session.
func (b *Base) OpenEvents() <-chan bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil && !b.closed {
		close(b.events)
	}
	b.events = make(chan bus.Event, eventBuffer)
	b.closed = false
	return b.events
}

// Emit delivers an event upward without blocking. Events offered after
// close, or into a full buffer, are dropped with a warning.
func (b *Base) Emit(ev bus.Event) bool {
	b.mu.Lock()
	ch := b.events
	closed := b.closed
	b.mu.Unlock()

	if ch == nil || closed {
		b.log.Debug("adapter.event_after_close", "agent", b.agentID, "event", eventName(ev))
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		b.log.Warn("adapter.event_dropped", "agent", b.agentID, "event", eventName(ev))
		return false
	}
}

// CloseEvents ends the stream. Safe to call more than once.
func (b *Base) CloseEvents() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil && !b.closed {
		close(b.events)
	}
	b.closed = true
}

func eventName(ev bus.Event) string {
	switch ev.(type) {
	case bus.QRIssued:
		return "qr"
	case bus.AuthPrompt:
		return "authPrompt"
	case bus.Authenticated:
		return "authenticated"
	case bus.Ready:
		return "ready"
	case bus.Inbound:
		return "inbound"
	case bus.MessageEdited:
		return "edited"
	case bus.MessageDeleted:
		return "deleted"
	case bus.Typing:
		return "typing"
	case bus.Disconnected:
		return "disconnected"
	case bus.FatalError:
		return "fatal"
	default:
		return "unknown"
	}
}

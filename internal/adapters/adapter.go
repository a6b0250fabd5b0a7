// Package adapters defines the transport SPI and the shared plumbing
// every platform variant builds on. An adapter owns exactly one session
// on one platform, normalizes traffic into bus types, and reports its
// life through the event stream returned by Initialize.
package adapters

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/media"
	"github.com/nextlevelbuilder/agenthub/internal/sessions"
)

// Adapter is the contract between a platform transport and its
// supervisor. Initialize is restartable: after a Shutdown or a fatal
// event the supervisor may call it again for a fresh session.
type Adapter interface {
	Platform() bus.Platform

	// Initialize opens the session and returns the upward event stream.
	// The stream is closed by Shutdown.
	Initialize(ctx context.Context) (<-chan bus.Event, error)

	// SubmitAuthValue answers a pending AuthPrompt. Without one it
	// returns a Validation fault.
	SubmitAuthValue(ctx context.Context, kind bus.AuthKind, value string) error

	// Send executes one outbound command. Per-chat ordering is the
	// adapter's duty (SendQueue provides it).
	Send(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error)

	// DownloadMedia fetches the attachment behind an Inbound.MediaRef
	// into the media cache.
	DownloadMedia(ctx context.Context, ref string) (media.Blob, error)

	Shutdown(ctx context.Context, reason string) error
}

// Deps is everything a factory needs to build an adapter for one agent.
type Deps struct {
	AgentID string
	Tenant  string
	Name    string
	// Config is the agent row's transport-specific bag, decoded by the
	// variant's own config struct.
	Config   json.RawMessage
	Media    *media.Cache
	Sessions *sessions.Store
	Logger   *slog.Logger
}

// DecodeConfig unmarshals the transport config bag strictly.
func DecodeConfig(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fault.New(fault.Validation, "missing adapter config")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fault.Wrap(fault.Validation, err, "bad adapter config")
	}
	return nil
}

// Factory builds one adapter instance.
type Factory func(deps Deps) (Adapter, error)

// Registry maps platforms to factories. Variants register explicitly at
// process wiring time; the registry stays closed to the four platforms
// the schema names.
type Registry struct {
	mu        sync.RWMutex
	factories map[bus.Platform]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[bus.Platform]Factory)}
}

func (r *Registry) Register(p bus.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// New builds an adapter for the platform, or a Validation fault when no
// factory is registered.
func (r *Registry) New(p bus.Platform, deps Deps) (Adapter, error) {
	r.mu.RLock()
	f := r.factories[p]
	r.mu.RUnlock()
	if f == nil {
		return nil, fault.New(fault.Validation, "no adapter for platform %q", p)
	}
	return f(deps)
}

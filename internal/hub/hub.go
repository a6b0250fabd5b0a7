// Package hub is the in-process pub/sub layer between supervisors and
// the subscriber gateway. Topics are dot-delimited; subscriptions may use
// NATS-style wildcards: `*` matches one segment, `>` matches the rest.
//
// Delivery is sequenced under one mutex, so every subscriber observes
// publishes on a topic in publish order. Producers never block: a
// subscriber whose buffer is full is dropped on the spot.
package hub

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 256

// Envelope is one published event. Origin carries the hub instance ID so
// the Redis mirror can discard its own echoes.
type Envelope struct {
	Topic  string               `json:"topic"`
	Tenant string               `json:"tenant"`
	Origin string               `json:"origin,omitempty"`
	Frame  protocol.ServerFrame `json:"frame"`
}

// SnapshotFunc builds the initial state a new subscriber receives before
// incremental events.
type SnapshotFunc func(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error)

// Options configures a Hub.
type Options struct {
	BufferSize int
	Snapshot   SnapshotFunc
	Redis      RedisMirror
}

// Hub routes envelopes to matching subscribers.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	buffer   int
	origin   string
	snapshot SnapshotFunc
	mirror   RedisMirror
	closed   bool
}

// Subscription is one attached consumer. Read events from C; a closed C
// means the hub dropped this subscriber (overflow or hub shutdown).
type Subscription struct {
	id     string
	tenant string
	ch     chan Envelope
	pats   map[string]*regexp.Regexp
	hub    *Hub
}

func New(opts Options) *Hub {
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:     make(map[string]*Subscription),
		buffer:   buffer,
		origin:   uuid.NewString(),
		snapshot: opts.Snapshot,
		mirror:   opts.Redis,
	}
}

// Subscribe attaches a consumer bound to one tenant. Empty filters match
// every topic the tenant may see. The subscriber starts buffering
// immediately, so callers can compute a snapshot afterwards without
// losing interim events.
func (h *Hub) Subscribe(tenant string, filters []string) (*Subscription, error) {
	if tenant == "" {
		return nil, fault.New(fault.Validation, "tenant binding required")
	}
	pats, err := compileFilters(filters)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fault.New(fault.Fatal, "hub is closed")
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		tenant: tenant,
		ch:     make(chan Envelope, h.buffer),
		pats:   pats,
		hub:    h,
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// C is the subscriber's event stream.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// AddFilters widens the subscription.
func (s *Subscription) AddFilters(filters []string) error {
	pats, err := compileFilters(filters)
	if err != nil {
		return err
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for p, re := range pats {
		s.pats[p] = re
	}
	return nil
}

// RemoveFilters narrows the subscription. Removing the last filter
// returns the subscription to match-all.
func (s *Subscription) RemoveFilters(filters []string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, p := range filters {
		delete(s.pats, p)
	}
}

// Close detaches the subscriber. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s.id)
}

// Publish fans an event out to matching subscribers and the Redis mirror.
// Never blocks; subscribers that cannot keep up are dropped.
func (h *Hub) Publish(ctx context.Context, topic, tenant string, frame protocol.ServerFrame) {
	frame.Topic = topic
	env := Envelope{Topic: topic, Tenant: tenant, Origin: h.origin, Frame: frame}

	h.deliver(env)

	if h.mirror != nil {
		h.mirror.Mirror(ctx, env)
	}
}

// deliver routes one envelope locally. Also the re-entry point for
// envelopes arriving from the Redis mirror.
func (h *Hub) deliver(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	var dropped []*Subscription
	for _, sub := range h.subs {
		if sub.tenant != env.Tenant {
			continue
		}
		if !sub.matchesLocked(env.Topic) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		slog.Warn("hub.subscriber_dropped", "subscriber", sub.id, "tenant", sub.tenant, "topic", env.Topic)
		h.removeLocked(sub.id)
	}
}

// Snapshot builds the initial state for a new subscriber.
func (h *Hub) Snapshot(ctx context.Context, tenant string, filters []string) (protocol.SnapshotPayload, error) {
	if h.snapshot == nil {
		return protocol.SnapshotPayload{}, nil
	}
	return h.snapshot(ctx, tenant, filters)
}

// Subscribers reports the current attachment count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Origin identifies this hub instance on the Redis backplane.
func (h *Hub) Origin() string { return h.origin }

// Close drops every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id := range h.subs {
		h.removeLocked(id)
	}
}

func (h *Hub) removeLocked(id string) {
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// matchesLocked requires h.mu (the pattern set is mutable).
func (s *Subscription) matchesLocked(topic string) bool {
	if len(s.pats) == 0 {
		return true
	}
	for pattern, re := range s.pats {
		if re == nil {
			if topic == pattern {
				return true
			}
			continue
		}
		if re.MatchString(topic) {
			return true
		}
	}
	return false
}

func compileFilters(filters []string) (map[string]*regexp.Regexp, error) {
	pats := make(map[string]*regexp.Regexp, len(filters))
	for _, f := range filters {
		re, err := compilePattern(f)
		if err != nil {
			return nil, err
		}
		pats[f] = re
	}
	return pats, nil
}

// compilePattern converts a NATS-style pattern to an anchored regexp.
// Returns nil for literal patterns, which match by string equality.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fault.New(fault.Validation, "empty topic filter")
	}
	if i := strings.Index(pattern, ">"); i >= 0 && i != len(pattern)-1 {
		return nil, fault.New(fault.Validation, "filter %q: > is only valid as the final segment", pattern)
	}
	if !strings.ContainsAny(pattern, "*>") {
		return nil, nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, ">", `.+`)

	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "filter %q does not compile", pattern)
	}
	return re, nil
}

package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

type matchKey struct {
	agentID string
	kind    string
}

// Matcher indexes active flows by (agentID, trigger kind) and evaluates
// trigger predicates against inbound events. The index is rebuilt from
// the store whenever an agent's flows change.
type Matcher struct {
	mu      sync.RWMutex
	index   map[matchKey][]*Flow
	regexes map[string]*regexp.Regexp
	flows   *store.Store
}

func NewMatcher(flows *store.Store) *Matcher {
	return &Matcher{
		index:   make(map[matchKey][]*Flow),
		regexes: make(map[string]*regexp.Regexp),
		flows:   flows,
	}
}

// Reload drops and rebuilds the whole index from active flows.
func (m *Matcher) Reload(ctx context.Context) error {
	recs, err := m.flows.ListActiveFlows(ctx)
	if err != nil {
		return err
	}

	index := make(map[matchKey][]*Flow)
	regexes := make(map[string]*regexp.Regexp)
	for i := range recs {
		f, err := FromRecord(&recs[i])
		if err != nil {
			slog.Warn("flow.index_skip", "flow", recs[i].FlowID, "error", err)
			continue
		}
		key := matchKey{agentID: f.AgentID, kind: f.Trigger.Kind}
		index[key] = append(index[key], f)

		if f.Trigger.Kind == TriggerMessage && f.Trigger.Match == "regex" && f.Trigger.Pattern != "" {
			pattern := f.Trigger.Pattern
			if !f.Trigger.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				slog.Warn("flow.bad_trigger_regex", "flow", f.FlowID, "pattern", f.Trigger.Pattern, "error", err)
				continue
			}
			regexes[f.FlowID] = re
		}
	}

	m.mu.Lock()
	m.index = index
	m.regexes = regexes
	m.mu.Unlock()
	return nil
}

// MatchMessage returns every active flow whose message trigger accepts
// the inbound message. Each match becomes an independent execution.
func (m *Matcher) MatchMessage(agentID string, msg *bus.Message) []*Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Flow
	for _, f := range m.index[matchKey{agentID: agentID, kind: TriggerMessage}] {
		if m.messageMatchesLocked(f, msg) {
			out = append(out, f)
		}
	}
	return out
}

func (m *Matcher) messageMatchesLocked(f *Flow, msg *bus.Message) bool {
	t := f.Trigger
	if t.ChatID != "" && t.ChatID != msg.ChatID {
		return false
	}
	if t.FromMe != nil && *t.FromMe != msg.FromMe {
		return false
	}
	if t.Pattern == "" {
		return true
	}

	body, pattern := msg.Body, t.Pattern
	if !t.CaseSensitive && t.Match != "regex" {
		body, pattern = strings.ToLower(body), strings.ToLower(pattern)
	}

	switch t.Match {
	case "", "contains":
		return strings.Contains(body, pattern)
	case "equals":
		return body == pattern
	case "prefix":
		return strings.HasPrefix(body, pattern)
	case "regex":
		re, ok := m.regexes[f.FlowID]
		return ok && re.MatchString(msg.Body)
	}
	return false
}

// MatchWebhook returns flows registered for the webhook path.
func (m *Matcher) MatchWebhook(agentID, path string) []*Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Flow
	for _, f := range m.index[matchKey{agentID: agentID, kind: TriggerWebhook}] {
		if f.Trigger.Path == path {
			out = append(out, f)
		}
	}
	return out
}

// MatchCrossAgent resolves a swarm call target by flow name. Returns nil
// when no active cross-agent flow carries that name.
func (m *Matcher) MatchCrossAgent(agentID, flowName string) *Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.index[matchKey{agentID: agentID, kind: TriggerCrossAgent}] {
		if f.Name == flowName {
			return f
		}
	}
	return nil
}

// ScheduleFlows lists every active cron-triggered flow, for scheduler
// registration.
func (m *Matcher) ScheduleFlows() []*Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Flow
	for key, flows := range m.index {
		if key.kind != TriggerSchedule {
			continue
		}
		out = append(out, flows...)
	}
	return out
}

// FlowByName finds any active flow by name on one agent, for sub-flow
// resolution.
func (m *Matcher) FlowByName(agentID, name string) *Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, flows := range m.index {
		if key.agentID != agentID {
			continue
		}
		for _, f := range flows {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// FlowByID finds any active flow by ID on one agent.
func (m *Matcher) FlowByID(agentID, flowID string) *Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, flows := range m.index {
		if key.agentID != agentID {
			continue
		}
		for _, f := range flows {
			if f.FlowID == flowID {
				return f
			}
		}
	}
	return nil
}

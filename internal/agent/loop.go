package agent

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/adapters"
	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/internal/store"
	"github.com/nextlevelbuilder/agenthub/internal/swarm"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

// run is the supervisor's actor loop. It alone touches the loop-owned
// fields; commands, adapter events, the reconnect timer and the stats
// ticker are the only inputs.
func (s *Supervisor) run() {
	defer close(s.done)
	ticker := time.NewTicker(statsFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			s.teardown()
			return
		case c := <-s.cmds:
			s.handleCommand(c)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.handleStreamClosed()
				continue
			}
			s.handleEvent(ev)
		case <-s.retryC:
			s.retryC = nil
			s.retryConnect()
		case <-ticker.C:
			s.flushStats(s.runCtx)
			s.refreshCounters(s.runCtx)
		}
	}
}

func (s *Supervisor) handleCommand(c command) {
	var err error
	switch c.kind {
	case cmdConnect:
		err = s.connect()
	case cmdDisconnect:
		err = s.disconnect(c.reason)
	case cmdSubmitAuth:
		err = s.submitAuth(c.authKind, c.value)
	case cmdSetSwarm:
		err = s.setSwarm(c.swarmOn, c.isolated)
	case cmdUpdateProfile:
		err = s.applyProfile(c.name, c.config)
	case cmdArchive:
		err = s.archive()
	case cmdCall:
		s.handleCall(*c.call)
	case cmdBroadcast:
		s.handleBroadcast(*c.bcast)
	}
	if c.reply != nil {
		c.reply <- err
	}
}

func (s *Supervisor) connected() bool {
	switch s.status {
	case protocol.StatusReady, protocol.StatusSwarming, protocol.StatusIsolated:
		return true
	}
	return false
}

// connectedStatus derives the status a live transport maps to from the
// swarm flags.
func (s *Supervisor) connectedStatus() string {
	switch {
	case s.swarmEnabled && s.isolated:
		return protocol.StatusIsolated
	case s.swarmEnabled:
		return protocol.StatusSwarming
	default:
		return protocol.StatusReady
	}
}

func (s *Supervisor) connect() error {
	if s.connected() {
		return nil
	}
	s.attempts = 0
	s.stopRetry()
	return s.bringUp()
}

func (s *Supervisor) bringUp() error {
	s.transition(protocol.StatusAuthenticating)
	ad, err := s.ensureAdapter()
	if err != nil {
		// Unusable transport config; retrying cannot fix it.
		s.transition(protocol.StatusFailed)
		return err
	}
	ch, err := ad.Initialize(s.runCtx)
	if err != nil {
		return s.connectFailed(err)
	}
	s.events = ch
	return nil
}

func (s *Supervisor) ensureAdapter() (adapters.Adapter, error) {
	if ad := s.currentAdapter(); ad != nil {
		return ad, nil
	}
	ad, err := s.deps.Adapters.New(s.platform, adapters.Deps{
		AgentID:  s.id,
		Tenant:   s.tenant,
		Name:     s.name,
		Config:   s.configRaw,
		Media:    s.deps.Media,
		Sessions: s.deps.Sessions,
		Logger:   s.log,
	})
	if err != nil {
		return nil, err
	}
	s.setAdapter(ad)
	return ad, nil
}

func (s *Supervisor) connectFailed(err error) error {
	s.attempts++
	s.log.Warn("agent.connect_failed", "attempt", s.attempts, "error", err)
	if s.attempts >= s.reconnectCap() {
		s.log.Error("agent.reconnect_exhausted", "attempts", s.attempts)
		s.dropAdapter("reconnect attempts exhausted")
		s.transition(protocol.StatusFailed)
		return err
	}
	s.scheduleRetry()
	return err
}

func (s *Supervisor) reconnectCap() int {
	if s.deps.Agents.ReconnectCap > 0 {
		return s.deps.Agents.ReconnectCap
	}
	return 10
}

// scheduleRetry arms the backoff timer with full jitter: a uniform draw
// from the doubling window, capped at reconnectMax, so a burst of
// dropped agents does not reconnect in lockstep.
func (s *Supervisor) scheduleRetry() {
	backoff := reconnectBase << (s.attempts - 1)
	if backoff > reconnectMax || backoff <= 0 {
		backoff = reconnectMax
	}
	d := rand.N(backoff) + time.Millisecond
	s.retry = time.NewTimer(d)
	s.retryC = s.retry.C
	s.log.Info("agent.reconnect_scheduled", "attempt", s.attempts, "in", d)
}

func (s *Supervisor) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
		s.retryC = nil
	}
}

func (s *Supervisor) retryConnect() {
	switch s.status {
	case protocol.StatusDisconnected, protocol.StatusAuthenticating:
	default:
		return
	}
	s.log.Info("agent.reconnecting", "attempt", s.attempts)
	_ = s.bringUp()
}

func (s *Supervisor) disconnect(reason string) error {
	s.stopRetry()
	s.qr, s.prompt = nil, ""
	if !s.connected() && s.status != protocol.StatusAuthenticating {
		s.refreshSnapshot()
		return nil
	}
	s.shutdownAdapter(reason)
	s.transition(protocol.StatusDisconnected)
	return nil
}

func (s *Supervisor) submitAuth(kind bus.AuthKind, value string) error {
	ad := s.currentAdapter()
	if ad == nil || s.status != protocol.StatusAuthenticating {
		return fault.New(fault.Validation, "agent %s is not authenticating", s.id)
	}
	if err := ad.SubmitAuthValue(s.runCtx, kind, value); err != nil {
		return err
	}
	s.prompt = ""
	s.refreshSnapshot()
	return nil
}

func (s *Supervisor) setSwarm(enabled, isolated bool) error {
	if isolated && !enabled {
		return fault.New(fault.Validation, "agent %s is not in the swarm", s.id)
	}
	s.swarmEnabled, s.isolated = enabled, isolated
	if err := s.persistProfile(); err != nil {
		return err
	}
	if s.connected() {
		s.transition(s.connectedStatus())
	}
	s.refreshSnapshot()
	return nil
}

func (s *Supervisor) applyProfile(name string, cfg json.RawMessage) error {
	if name != "" {
		s.name = name
	}
	if len(cfg) > 0 {
		s.configRaw = cfg
		if s.connected() {
			// The live connection keeps its old config until the next
			// connect cycle.
			s.log.Info("agent.config_staged")
		} else {
			s.dropAdapter("config changed")
		}
	}
	if err := s.persistProfile(); err != nil {
		return err
	}
	s.refreshSnapshot()
	return nil
}

func (s *Supervisor) persistProfile() error {
	return s.deps.Store.UpdateAgent(s.runCtx, &store.AgentRecord{
		ID:             s.id,
		Tenant:         s.tenant,
		Name:           s.name,
		Config:         s.configRaw,
		BrowserSession: s.browserSession,
		SwarmEnabled:   s.swarmEnabled,
		Isolated:       s.isolated,
	})
}

func (s *Supervisor) archive() error {
	if s.status == protocol.StatusArchived {
		return nil
	}
	s.stopRetry()
	s.qr, s.prompt = nil, ""
	s.dropAdapter("agent archived")
	s.transition(protocol.StatusArchived)
	return nil
}

// handleCall gates an incoming cross-agent call. Only a swarming agent
// runs it; isolated and non-swarm agents answer with a refusal, and a
// dead transport answers with silence so the caller's timeout fires.
func (s *Supervisor) handleCall(req swarm.Request) {
	switch s.status {
	case protocol.StatusSwarming:
	case protocol.StatusIsolated:
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(fault.CrossAgentForbidden, "agent %s is isolated", s.id))
		return
	case protocol.StatusReady:
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(fault.CrossAgentForbidden, "agent %s is not in the swarm", s.id))
		return
	default:
		s.log.Debug("agent.call_ignored", "status", s.status, "flow", req.FlowName, "from", req.From.AgentID)
		return
	}
	if s.deps.Matcher == nil || s.deps.Executor == nil {
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(fault.Validation, "agent %s does not run flows", s.id))
		return
	}
	f := s.deps.Matcher.MatchCrossAgent(s.id, req.FlowName)
	if f == nil {
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(fault.Validation, "agent %s has no cross-agent flow %q", s.id, req.FlowName))
		return
	}
	if !f.AllowsCaller(req.From.AgentID) {
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(fault.CrossAgentForbidden, "flow %q does not accept calls from %s", req.FlowName, req.From.AgentID))
		return
	}
	s.statsExec.Add(1)
	go s.runCall(f, req)
}

func (s *Supervisor) runCall(f *flow.Flow, req swarm.Request) {
	out, err := s.deps.Executor.Launch(s.runCtx, f, s.tenant, flow.TriggerEvent{
		Kind:    flow.TriggerCrossAgent,
		Caller:  req.From.AgentID,
		CallID:  req.CallID,
		Payload: req.Payload,
	})
	if err != nil {
		s.deps.Swarm.Reply(req.CallID, nil, err)
		return
	}
	if out.Suspended {
		// The caller cannot wait out a suspended flow; hand back the
		// execution reference instead.
		ref, _ := json.Marshal(map[string]any{"executionId": out.Record.ExecutionID, "suspended": true})
		s.deps.Swarm.Reply(req.CallID, ref, nil)
		return
	}
	if out.Record.Status != flow.StatusSucceeded {
		kind := fault.Kind(out.Record.ErrorKind)
		if kind == "" {
			kind = fault.Transient
		}
		s.deps.Swarm.Reply(req.CallID, nil, fault.New(kind, "flow %q %s: %s", f.Name, out.Record.Status, out.Record.ErrorMsg))
		return
	}
	s.deps.Swarm.Reply(req.CallID, out.Reply, nil)
}

// handleBroadcast runs the cross-agent flow named after the topic, when
// one exists and admits the sender. No reply either way.
func (s *Supervisor) handleBroadcast(b swarm.Broadcast) {
	if s.status != protocol.StatusSwarming {
		return
	}
	if s.deps.Matcher == nil || s.deps.Executor == nil {
		return
	}
	f := s.deps.Matcher.MatchCrossAgent(s.id, b.Topic)
	if f == nil || !f.AllowsCaller(b.From) {
		return
	}
	s.statsExec.Add(1)
	go func() {
		if _, err := s.deps.Executor.Launch(s.runCtx, f, s.tenant, flow.TriggerEvent{
			Kind:    flow.TriggerCrossAgent,
			Caller:  b.From,
			Payload: b.Payload,
		}); err != nil {
			s.log.Warn("agent.broadcast_flow_failed", "topic", b.Topic, "error", err)
		}
	}()
}

// dropFromTransport reacts to the transport dying underneath us, via a
// Disconnected or FatalError event or a closed stream.
func (s *Supervisor) dropFromTransport(reason string, recoverable bool) {
	s.qr, s.prompt = nil, ""
	if !recoverable {
		s.dropAdapter(reason)
		s.transition(protocol.StatusFailed)
		return
	}
	s.transition(protocol.StatusDisconnected)
	s.attempts++
	if s.attempts >= s.reconnectCap() {
		s.log.Error("agent.reconnect_exhausted", "attempts", s.attempts)
		s.dropAdapter(reason)
		s.transition(protocol.StatusFailed)
		return
	}
	s.scheduleRetry()
}

func (s *Supervisor) handleStreamClosed() {
	if !s.connected() && s.status != protocol.StatusAuthenticating {
		return
	}
	s.log.Warn("agent.event_stream_closed")
	s.dropFromTransport("event stream closed", true)
}

// shutdownAdapter stops the transport but keeps the instance so its
// in-memory caches survive a manual reconnect.
func (s *Supervisor) shutdownAdapter(reason string) {
	ad := s.currentAdapter()
	if ad == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), adapterStopWait)
	defer cancel()
	if err := ad.Shutdown(ctx, reason); err != nil {
		s.log.Warn("agent.adapter_shutdown_failed", "error", err)
	}
	s.events = nil
}

func (s *Supervisor) dropAdapter(reason string) {
	s.shutdownAdapter(reason)
	s.setAdapter(nil)
}

func (s *Supervisor) transition(to string) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	s.refreshSnapshot()
	if err := s.deps.Store.UpdateAgentStatus(s.runCtx, s.id, to); err != nil {
		s.log.Warn("agent.status_persist_failed", "to", to, "error", err)
	}
	s.publishStatus(from, to)
	s.log.Info("agent.status_changed", "from", from, "to", to)
}

func (s *Supervisor) refreshSnapshot() {
	s.snap.Store(&StatusInfo{
		AgentID:      s.id,
		Tenant:       s.tenant,
		Name:         s.name,
		Platform:     s.platform,
		Status:       s.status,
		SwarmEnabled: s.swarmEnabled,
		Isolated:     s.isolated,
		QR:           s.qr,
		AuthPrompt:   s.prompt,
		LastActivity: s.lastActivity.Load(),
	})
}

func (s *Supervisor) publishStatus(from, to string) {
	payload, _ := json.Marshal(protocol.StatusPayload{From: from, To: to, At: bus.NowMillis()})
	s.deps.Hub.Publish(s.runCtx, protocol.AgentTopic(s.id, protocol.TopicStatus), s.tenant, protocol.ServerFrame{
		Type:    protocol.FrameStatus,
		AgentID: s.id,
		Payload: payload,
	})
}

// flushStats persists the message counter deltas accumulated since the
// last flush. Execution and AI counters are bumped at their source.
func (s *Supervisor) flushStats(ctx context.Context) {
	in, out := s.statsIn.Load(), s.statsOut.Load()
	dIn, dOut := in-s.flushedIn, out-s.flushedOut
	if dIn == 0 && dOut == 0 {
		return
	}
	err := s.deps.Store.BumpAgentCounters(ctx, s.id, store.AgentCounters{
		MessagesIn:  dIn,
		MessagesOut: dOut,
	})
	if err != nil {
		s.log.Warn("agent.stats_flush_failed", "error", err)
		return
	}
	s.flushedIn, s.flushedOut = in, out
}

// refreshCounters folds in executions and AI calls recorded by the flow
// executor and the tier router, which bump the store directly.
func (s *Supervisor) refreshCounters(ctx context.Context) {
	rec, err := s.deps.Store.GetAgentByID(ctx, s.id)
	if err != nil {
		return
	}
	if rec.Executions > s.statsExec.Load() {
		s.statsExec.Store(rec.Executions)
	}
	if rec.AICalls > s.statsAI.Load() {
		s.statsAI.Store(rec.AICalls)
	}
	s.publishStats(ctx)
}

func (s *Supervisor) teardown() {
	s.stopRetry()
	s.shutdownAdapter("shutting down")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), adapterStopWait)
	defer cancel()
	s.flushStats(ctx)
	s.log.Info("agent.supervisor_stopped")
}

package agent

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/flow"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

func (s *Supervisor) handleEvent(ev bus.Event) {
	switch e := ev.(type) {
	case bus.QRIssued:
		s.qr, s.prompt = e.Bytes, ""
		s.refreshSnapshot()
		s.publishQR(e.Bytes)
	case bus.AuthPrompt:
		s.prompt, s.qr = e.Kind, nil
		s.refreshSnapshot()
		s.publishAuthPrompt(e.Kind)
	case bus.Authenticated:
		s.qr, s.prompt = nil, ""
		s.refreshSnapshot()
		s.log.Info("agent.authenticated")
	case bus.Ready:
		s.attempts = 0
		s.stopRetry()
		s.qr, s.prompt = nil, ""
		s.refreshSnapshot()
		s.transition(s.connectedStatus())
	case bus.Inbound:
		s.handleInbound(e)
	case bus.MessageEdited:
		if err := s.deps.Store.ApplyMessageEdit(s.runCtx, s.id, e.MessageID, e.NewBody, e.At); err != nil {
			s.log.Warn("agent.edit_record_failed", "message", e.MessageID, "error", err)
		}
	case bus.MessageDeleted:
		if err := s.deps.Store.ApplyMessageDelete(s.runCtx, s.id, e.MessageID, e.At); err != nil {
			s.log.Warn("agent.delete_record_failed", "message", e.MessageID, "error", err)
		}
	case bus.Typing:
		s.log.Debug("agent.typing", "chat", e.ChatID, "sender", e.SenderID)
	case bus.Disconnected:
		if !s.connected() && s.status != protocol.StatusAuthenticating {
			return
		}
		s.log.Warn("agent.transport_disconnected", "reason", e.Reason, "recoverable", e.Recoverable)
		s.dropFromTransport(e.Reason, e.Recoverable)
	case bus.FatalError:
		s.log.Error("agent.transport_fatal", "reason", e.Reason)
		s.dropFromTransport(e.Reason, false)
	}
}

// handleInbound is the ingest pipeline: dedupe, persist, resolve the
// attachment, publish, then fan out to matching flows. Persistence
// failures do not stop delivery to subscribers.
func (s *Supervisor) handleInbound(ev bus.Inbound) {
	msg := ev.Msg
	if s.seen.Seen(msg.ID) {
		s.log.Debug("agent.duplicate_skipped", "message", msg.ID)
		return
	}
	inserted, err := s.deps.Store.InsertMessage(s.runCtx, msg)
	if err != nil {
		s.log.Error("agent.inbound_persist_failed", "message", msg.ID, "error", err)
	} else if !inserted {
		s.log.Debug("agent.duplicate_skipped", "message", msg.ID)
		return
	}
	if ev.MediaRef != "" {
		s.fetchMedia(&msg, ev.MediaRef)
	}
	if msg.FromMe {
		s.statsOut.Add(1)
	} else {
		s.statsIn.Add(1)
	}
	s.lastActivity.Store(bus.NowMillis())
	s.publishMessage(s.runCtx, msg)
	s.publishStats(s.runCtx)
	if !msg.FromMe {
		s.launchMessageFlows(msg)
	}
}

// fetchMedia pulls the attachment into the cache and stamps its key on
// the message, both the published copy and the stored row. A failed
// download degrades the message to metadata only.
func (s *Supervisor) fetchMedia(msg *bus.Message, ref string) {
	ad := s.currentAdapter()
	if ad == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.runCtx, mediaFetchWait)
	defer cancel()
	blob, err := ad.DownloadMedia(ctx, ref)
	if err != nil {
		s.log.Warn("agent.media_fetch_failed", "message", msg.ID, "error", err)
		return
	}
	if msg.Meta == nil {
		msg.Meta = map[string]any{}
	}
	msg.Meta["mediaKey"] = blob.Key
	if err := s.deps.Store.AttachMediaKey(s.runCtx, s.id, msg.ID, blob.Key); err != nil {
		s.log.Warn("agent.media_key_persist_failed", "message", msg.ID, "error", err)
	}
}

func (s *Supervisor) launchMessageFlows(msg bus.Message) {
	if s.deps.Matcher == nil || s.deps.Executor == nil {
		return
	}
	for _, f := range s.deps.Matcher.MatchMessage(s.id, &msg) {
		s.statsExec.Add(1)
		go func() {
			if _, err := s.deps.Executor.Launch(s.runCtx, f, s.tenant, flow.TriggerEvent{
				Kind:    flow.TriggerMessage,
				Message: &msg,
			}); err != nil {
				s.log.Warn("agent.flow_launch_failed", "flow", f.Name, "error", err)
			}
		}()
	}
}

func (s *Supervisor) publishMessage(ctx context.Context, msg bus.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("agent.message_encode_failed", "message", msg.ID, "error", err)
		return
	}
	s.deps.Hub.Publish(ctx, protocol.AgentTopic(s.id, protocol.TopicMessage), s.tenant, protocol.ServerFrame{
		Type:    protocol.FrameMessage,
		AgentID: s.id,
		Payload: payload,
	})
}

func (s *Supervisor) publishStats(ctx context.Context) {
	payload, _ := json.Marshal(s.Stats())
	s.deps.Hub.Publish(ctx, protocol.AgentTopic(s.id, protocol.TopicStats), s.tenant, protocol.ServerFrame{
		Type:    protocol.FrameStats,
		AgentID: s.id,
		Payload: payload,
	})
}

func (s *Supervisor) publishQR(code []byte) {
	payload, _ := json.Marshal(protocol.QRPayload{Bytes: code})
	s.deps.Hub.Publish(s.runCtx, protocol.AgentTopic(s.id, protocol.TopicQR), s.tenant, protocol.ServerFrame{
		Type:    protocol.FrameQR,
		AgentID: s.id,
		Payload: payload,
	})
	s.log.Info("agent.qr_issued", "bytes", len(code))
}

func (s *Supervisor) publishAuthPrompt(kind bus.AuthKind) {
	payload, _ := json.Marshal(protocol.AuthPromptPayload{Kind: string(kind)})
	s.deps.Hub.Publish(s.runCtx, protocol.AgentTopic(s.id, protocol.TopicAuth), s.tenant, protocol.ServerFrame{
		Type:    protocol.FrameAuthPrompt,
		AgentID: s.id,
		Payload: payload,
	})
	s.log.Info("agent.auth_prompt", "kind", kind)
}

package flow

import (
	"context"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// sendConfig covers every send-family node; fields beyond chatId apply
// per kind. ChatID and MessageID default to the trigger message so reply
// flows stay terse.
type sendConfig struct {
	ChatID    string `json:"chatId,omitempty"`
	Text      string `json:"text,omitempty"`
	MediaKey  string `json:"mediaKey,omitempty"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Latitude  any    `json:"latitude,omitempty"`
	Longitude any    `json:"longitude,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

func (e *Executor) nodeSend(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if e.deps.Sender == nil {
		return nil, "", fault.New(fault.Validation, "sending is not available")
	}
	var cfg sendConfig
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}

	chatID := ec.Interpolate(cfg.ChatID)
	if chatID == "" {
		if v, ok := ec.Lookup("trigger.chatId"); ok {
			chatID = stringify(v)
		}
	}
	messageID := ec.Interpolate(cfg.MessageID)
	if messageID == "" {
		if v, ok := ec.Lookup("trigger.messageId"); ok {
			messageID = stringify(v)
		}
	}

	cmd := bus.SendCommand{ChatID: chatID, ReplyTo: ec.Interpolate(cfg.ReplyTo)}
	switch node.Kind {
	case KindSendMessage:
		cmd.Kind = bus.SendText
		cmd.Body = ec.Interpolate(cfg.Text)
	case KindSendMedia:
		cmd.Kind = bus.SendMedia
		cmd.MediaKey = ec.Interpolate(cfg.MediaKey)
		cmd.Caption = ec.Interpolate(cfg.Caption)
		cmd.FileName = ec.Interpolate(cfg.FileName)
	case KindSendLocation:
		cmd.Kind = bus.SendLocation
		lat, ok := numberArg(ec, cfg.Latitude)
		if !ok {
			return nil, "", fault.New(fault.Validation, "node %s: latitude is not a number", node.NodeID)
		}
		lon, ok := numberArg(ec, cfg.Longitude)
		if !ok {
			return nil, "", fault.New(fault.Validation, "node %s: longitude is not a number", node.NodeID)
		}
		cmd.Latitude = lat
		cmd.Longitude = lon
	case KindReact:
		cmd.Kind = bus.SendReaction
		cmd.TargetMessageID = messageID
		cmd.Emoji = cfg.Emoji
	case KindEdit:
		cmd.Kind = bus.SendEdit
		cmd.TargetMessageID = messageID
		cmd.Body = ec.Interpolate(cfg.Text)
	case KindDelete:
		cmd.Kind = bus.SendDelete
		cmd.TargetMessageID = messageID
	}
	if err := cmd.Validate(); err != nil {
		return nil, "", err
	}

	res, err := e.deps.Sender.Send(ctx, ec.AgentID, cmd)
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"messageId": res.MessageID, "timestamp": res.Timestamp}, "", nil
}

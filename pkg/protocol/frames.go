package protocol

import "encoding/json"

// Client → server frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAuthSubmit  = "authSubmit"
	FramePing        = "ping"
)

// Server → client frame types.
const (
	FrameSnapshot   = "snapshot"
	FrameStatus     = "status"
	FrameQR         = "qr"
	FrameAuthPrompt = "authPrompt"
	FrameMessage    = "message"
	FrameStats      = "stats"
	FramePong       = "pong"
	FrameError      = "error"
)

// ClientFrame is the envelope for everything a subscriber sends.
// Exactly one payload field is set, matching Type.
type ClientFrame struct {
	Type       string           `json:"type"`
	Subscribe  *SubscribePayload  `json:"subscribe,omitempty"`
	AuthSubmit *AuthSubmitPayload `json:"authSubmit,omitempty"`
}

// SubscribePayload binds the connection to a tenant and narrows the
// delivered topics. Empty filters means every topic the tenant may see.
type SubscribePayload struct {
	Tenant  string   `json:"tenant"`
	Filters []string `json:"filters,omitempty"`
}

// AuthSubmitPayload resolves a pending auth prompt on an agent.
type AuthSubmitPayload struct {
	AgentID string `json:"agentId"`
	Kind    string `json:"kind"`
	Value   string `json:"value"`
}

// ServerFrame is the envelope for everything pushed to a subscriber.
type ServerFrame struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusPayload reports an agent lifecycle transition.
type StatusPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"` // unix ms
}

// QRPayload carries login QR bytes, base64 in JSON.
type QRPayload struct {
	Bytes []byte `json:"bytes"`
}

// AuthPromptPayload asks the subscriber for an interactive credential.
// Kind is one of "phone", "code", "password".
type AuthPromptPayload struct {
	Kind string `json:"kind"`
}

// StatsPayload carries the per-agent activity counters.
type StatsPayload struct {
	MessagesIn  int64 `json:"messagesIn"`
	MessagesOut int64 `json:"messagesOut"`
	Executions  int64 `json:"executions"`
	AICalls     int64 `json:"aiCalls"`
}

// SnapshotAgent is one agent's state inside the initial snapshot frame.
type SnapshotAgent struct {
	AgentID  string            `json:"agentId"`
	Name     string            `json:"name"`
	Platform string            `json:"platform"`
	Status   string            `json:"status"`
	Recent   []json.RawMessage `json:"recent,omitempty"` // last K messages per active chat
}

// SnapshotPayload is the first frame after a successful subscribe.
type SnapshotPayload struct {
	Agents []SnapshotAgent `json:"agents"`
}

package protocol

import "fmt"

// Agent lifecycle states. Mutated only by the owning supervisor.
const (
	StatusCreated        = "created"
	StatusAuthenticating = "authenticating"
	StatusReady          = "ready"
	StatusSwarming       = "swarming"
	StatusIsolated       = "isolated"
	StatusDisconnected   = "disconnected"
	StatusFailed         = "failed"
	StatusArchived       = "archived"
)

// Hub topic suffixes under agent.{id}.
const (
	TopicStatus  = "status"
	TopicQR      = "qr"
	TopicAuth    = "auth"
	TopicMessage = "message"
	TopicStats   = "stats"
)

// AgentTopic builds "agent.{id}.{suffix}".
func AgentTopic(agentID, suffix string) string {
	return fmt.Sprintf("agent.%s.%s", agentID, suffix)
}

// TenantTopic builds "tenant.{id}.{suffix}" for tenant-wide broadcasts.
func TenantTopic(tenant, suffix string) string {
	return fmt.Sprintf("tenant.%s.%s", tenant, suffix)
}

// AgentWildcard matches every topic of one agent.
func AgentWildcard(agentID string) string {
	return fmt.Sprintf("agent.%s.>", agentID)
}

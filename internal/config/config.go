package config

import (
	"fmt"
	"strings"
	"sync"
)

// Config is the root configuration for the agenthub runtime.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Sessions  SessionsConfig  `json:"sessions"`
	Media     MediaConfig     `json:"media"`
	Agents    AgentsConfig    `json:"agents"`
	Flows     FlowsConfig     `json:"flows"`
	AI        AIConfig        `json:"ai"`
	Limits    LimitsConfig    `json:"limits"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	LogLevel  string          `json:"logLevel,omitempty"` // debug|info|warn|error
	mu        sync.RWMutex
}

// ServerConfig configures the two listening surfaces: the admin REST API
// and the subscriber WebSocket channel.
type ServerConfig struct {
	Host        string   `json:"host"`
	APIPort     int      `json:"apiPort"`
	WSPort      int      `json:"wsPort"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
	// JWTSecret is consumed by the admin-surface collaborator that fronts
	// this API. From env AGENTHUB_JWT_SECRET only, never persisted.
	JWTSecret string `json:"-"`
}

// DatabaseConfig selects the relational store. Path is either a SQLite file
// path or a postgres:// DSN; the driver is chosen from the scheme.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SessionsConfig configures session-artifact storage.
type SessionsConfig struct {
	RootPath string `json:"rootPath"`
	// EncryptionKey protects credential blobs at rest (32 bytes, hex or
	// raw). From env AGENTHUB_ENCRYPTION_KEY only, never persisted.
	EncryptionKey string `json:"-"`
}

// MediaConfig bounds the per-agent content-addressed cache.
type MediaConfig struct {
	RootPath         string `json:"rootPath"`
	TTLSeconds       int    `json:"ttlSeconds"`       // soft TTL, default 3600
	MaxBytesPerAgent int64  `json:"maxBytesPerAgent"` // LRU budget, default 256MB
}

// AgentsConfig carries supervisor defaults.
type AgentsConfig struct {
	ReconnectCap     int `json:"reconnectCap"`     // consecutive reconnect failures before failed
	InboundQueueSize int `json:"inboundQueueSize"` // bounded supervisor mailbox
	SnapshotMessages int `json:"snapshotMessages"` // last K messages per chat in hub snapshots
}

// FlowsConfig bounds the executor.
type FlowsConfig struct {
	ExecutionTimeoutMs    int `json:"executionTimeoutMs"` // wall clock per execution
	MaxNodes              int `json:"maxNodes"`           // nodes dispatched per execution
	MaxLoopIterations     int `json:"maxLoopIterations"`
	MaxConcurrentPerAgent int `json:"maxConcurrentPerAgent"`
}

// ProviderProfile describes one AI backend.
type ProviderProfile struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"` // local | remote-free | remote-paid | cli
	BaseURL       string   `json:"baseUrl,omitempty"`
	APIKey        string   `json:"-"`                 // from env AGENTHUB_PROVIDER_<ID>_API_KEY only
	API           string   `json:"api,omitempty"`     // openai | anthropic | ollama; default openai
	Command       []string `json:"command,omitempty"` // cli kind: argv
	CostPerToken  float64  `json:"costPerToken,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"` // text, vision, audio
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
	DefaultModel  string   `json:"defaultModel,omitempty"`
	RatePerMinute int      `json:"ratePerMinute,omitempty"`
}

// AIConfig wires the router: provider profiles plus the tier → chain table.
type AIConfig struct {
	Providers            []ProviderProfile   `json:"providers,omitempty"`
	Failover             map[string][]string `json:"failover,omitempty"`             // tier → ordered provider IDs
	ProbeIntervalSeconds int                 `json:"probeIntervalSeconds,omitempty"` // health probes, default 60
}

// LimitsConfig configures the shared token buckets.
type LimitsConfig struct {
	AgentPerMinute  int `json:"agentPerMinute"`
	AgentBurst      int `json:"agentBurst"`
	TenantPerMinute int `json:"tenantPerMinute"`
	TenantBurst     int `json:"tenantBurst"`
}

// RedisConfig enables the optional cross-process backplane for the
// subscription hub and the rate limiter.
type RedisConfig struct {
	URL string `json:"-"` // from env AGENTHUB_REDIS_URL only
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // grpc (default) or http
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Providers returns a copy of the configured provider profiles.
func (c *Config) Providers() []ProviderProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderProfile, len(c.AI.Providers))
	copy(out, c.AI.Providers)
	return out
}

// ProbeIntervalSeconds returns the health probe cadence, defaulted.
func (c *Config) ProbeIntervalSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AI.ProbeIntervalSeconds > 0 {
		return c.AI.ProbeIntervalSeconds
	}
	return 60
}

// RateLimits returns the bucket settings with defaults applied.
func (c *Config) RateLimits() LimitsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.Limits
	if l.AgentPerMinute <= 0 {
		l.AgentPerMinute = 30
	}
	if l.AgentBurst <= 0 {
		l.AgentBurst = 10
	}
	if l.TenantPerMinute <= 0 {
		l.TenantPerMinute = 120
	}
	if l.TenantBurst <= 0 {
		l.TenantBurst = 30
	}
	return l
}

// RedisURL returns the backplane URL, empty when Redis is not configured.
func (c *Config) RedisURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Redis.URL
}

// Provider returns the profile for id, or nil.
func (c *Config) Provider(id string) *ProviderProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.AI.Providers {
		if c.AI.Providers[i].ID == id {
			p := c.AI.Providers[i]
			return &p
		}
	}
	return nil
}

// FailoverChain returns a copy of the provider chain for a tier.
func (c *Config) FailoverChain(tier string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain := c.AI.Failover[tier]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// SetFailover replaces the tier → chain table. Used by PUT /ai/failover
// and by the config watcher.
func (c *Config) SetFailover(table map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AI.Failover = table
}

// Validate rejects configs that cannot run. Production is any run where
// AGENTHUB_ENV != "dev"; there the encryption key is mandatory.
func (c *Config) Validate(production bool) error {
	if c.Server.APIPort <= 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("config: apiPort %d out of range", c.Server.APIPort)
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("config: wsPort %d out of range", c.Server.WSPort)
	}
	if c.Server.WSPort == c.Server.APIPort {
		return fmt.Errorf("config: wsPort and apiPort both %d", c.Server.APIPort)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if production && c.Sessions.EncryptionKey == "" {
		return fmt.Errorf("config: encryptionKey is required in production")
	}
	for tier, chain := range c.AI.Failover {
		switch tier {
		case "trivial", "simple", "moderate", "complex", "critical":
		default:
			return fmt.Errorf("config: unknown failover tier %q", tier)
		}
		for _, id := range chain {
			if c.Provider(id) == nil {
				return fmt.Errorf("config: failover tier %q references unknown provider %q", tier, id)
			}
		}
	}
	return nil
}

// normalizeLevel maps a logLevel string onto the accepted set.
func normalizeLevel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		return "info"
	}
}

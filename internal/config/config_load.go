package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			APIPort: 18800,
			WSPort:  18801,
		},
		Database: DatabaseConfig{
			Path: "~/.agenthub/hub.db",
		},
		Sessions: SessionsConfig{
			RootPath: "~/.agenthub/sessions",
		},
		Media: MediaConfig{
			RootPath:         "~/.agenthub/media",
			TTLSeconds:       3600,
			MaxBytesPerAgent: 256 << 20,
		},
		Agents: AgentsConfig{
			ReconnectCap:     10,
			InboundQueueSize: 256,
			SnapshotMessages: 20,
		},
		Flows: FlowsConfig{
			ExecutionTimeoutMs:    300_000,
			MaxNodes:              500,
			MaxLoopIterations:     1000,
			MaxConcurrentPerAgent: 10,
		},
		AI: AIConfig{
			ProbeIntervalSeconds: 60,
		},
		Limits: LimitsConfig{
			AgentPerMinute:  30,
			AgentBurst:      10,
			TenantPerMinute: 120,
			TenantBurst:     30,
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGENTHUB_HOST", &c.Server.Host)
	envInt("AGENTHUB_API_PORT", &c.Server.APIPort)
	envInt("AGENTHUB_WS_PORT", &c.Server.WSPort)
	envStr("AGENTHUB_DATABASE_PATH", &c.Database.Path)
	envStr("AGENTHUB_SESSION_ROOT", &c.Sessions.RootPath)
	envStr("AGENTHUB_MEDIA_ROOT", &c.Media.RootPath)
	envStr("AGENTHUB_ENCRYPTION_KEY", &c.Sessions.EncryptionKey)
	envStr("AGENTHUB_JWT_SECRET", &c.Server.JWTSecret)
	envStr("AGENTHUB_REDIS_URL", &c.Redis.URL)
	envInt("AGENTHUB_RECONNECT_CAP", &c.Agents.ReconnectCap)
	envInt("AGENTHUB_EXECUTION_TIMEOUT_MS", &c.Flows.ExecutionTimeoutMs)

	if v := os.Getenv("AGENTHUB_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("AGENTHUB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.LogLevel = normalizeLevel(c.LogLevel)

	// Provider API keys: AGENTHUB_PROVIDER_<ID>_API_KEY with the ID
	// uppercased and dashes mapped to underscores.
	for i := range c.AI.Providers {
		key := "AGENTHUB_PROVIDER_" + envKeyPart(c.AI.Providers[i].ID) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			c.AI.Providers[i].APIKey = v
		}
	}

	// Telemetry. The standard OTEL_ names apply first so the AGENTHUB_
	// variants win when both are set.
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OTEL_EXPORTER_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTHUB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTHUB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTHUB_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTHUB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTHUB_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

func envKeyPart(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

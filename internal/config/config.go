package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// QQ open ids are strings, but operators often paste numeric QQ numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the QQ bridge.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Pairing   PairingConfig   `json:"pairing,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Commands  CommandsConfig  `json:"commands,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the shared HTTP listener that serves every webhook path.
type GatewayConfig struct {
	Host                string `json:"host,omitempty"`
	Port                int    `json:"port,omitempty"`
	Token               string `json:"token,omitempty"`                  // bearer token for the admin API (empty = no auth)
	WebhookRateLimitRPM int    `json:"webhook_rate_limit_rpm,omitempty"` // per remote address, 0 = disabled
	MaxBodyBytes        int64  `json:"max_body_bytes,omitempty"`         // default 1 MiB
	BodyTimeout         string `json:"body_timeout,omitempty"`           // Go duration, default "20s"
}

// BodyReadTimeout parses BodyTimeout, falling back to 20s.
func (g GatewayConfig) BodyReadTimeout() time.Duration {
	if g.BodyTimeout != "" {
		if d, err := time.ParseDuration(g.BodyTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 20 * time.Second
}

// DatabaseConfig selects the pairing store backend.
// PostgresDSN is NEVER read from config.json (secret), only from env QQBRIDGE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env QQBRIDGE_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	Driver      string `json:"driver,omitempty"`      // standalone only: "file" (default) or "sqlite"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.qqbridge/bridge.db
}

// IsManagedMode returns true if pairing state lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// PairingConfig configures the standalone JSON pairing store.
type PairingConfig struct {
	Storage string `json:"storage,omitempty"` // default ~/.qqbridge/pairing.json
}

// SessionsConfig configures the routed-session index.
type SessionsConfig struct {
	Storage string `json:"storage,omitempty"` // directory for session records, default ~/.qqbridge/sessions ("" = memory only)
}

// AgentConfig points at the agent runtime that receives routed messages.
type AgentConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // POST target for routed messages (empty = log only)
	Token    string `json:"-"`                  // from env QQBRIDGE_AGENT_TOKEN only
	Timeout  string `json:"timeout,omitempty"`  // Go duration, default "120s"
	AgentID  string `json:"agent_id,omitempty"` // default agent for session keys (default "default")
	DMScope  string `json:"dm_scope,omitempty"` // "per-channel-peer" (default), "per-account-channel-peer", "per-peer", "main"
}

// RequestTimeout parses Timeout, falling back to 120s.
func (a AgentConfig) RequestTimeout() time.Duration {
	if a.Timeout != "" {
		if d, err := time.ParseDuration(a.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 120 * time.Second
}

// CommandsConfig controls slash-command handling across channels.
type CommandsConfig struct {
	Text            *bool `json:"text,omitempty"`              // handle text commands like /reset (default true)
	UseAccessGroups *bool `json:"use_access_groups,omitempty"` // gate commands by allow lists (default true)
}

// TextEnabled reports whether text commands are handled.
func (c CommandsConfig) TextEnabled() bool { return c.Text == nil || *c.Text }

// AccessGroupsEnabled reports whether command authorization consults allow lists.
func (c CommandsConfig) AccessGroupsEnabled() bool {
	return c.UseAccessGroups == nil || *c.UseAccessGroups
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "qqbridge")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default true
	Path    string `json:"path,omitempty"`    // default "/metrics"
}

// IsEnabled reports whether /metrics is served.
func (m MetricsConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Pairing = src.Pairing
	c.Sessions = src.Sessions
	c.Agent = src.Agent
	c.Commands = src.Commands
	c.Telemetry = src.Telemetry
	c.Metrics = src.Metrics
}

// QQ returns a copy of the QQ channel section under the read lock.
func (c *Config) QQ() QQConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.QQ
}

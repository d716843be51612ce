package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
)

const secretMask = "***"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18790,
			MaxBodyBytes: 1 << 20,
			BodyTimeout:  "20s",
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			Driver:     "file",
			SQLitePath: "~/.qqbridge/bridge.db",
		},
		Pairing: PairingConfig{
			Storage: "~/.qqbridge/pairing.json",
		},
		Sessions: SessionsConfig{
			Storage: "~/.qqbridge/sessions",
		},
		Agent: AgentConfig{
			Timeout: "120s",
			AgentID: "default",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and validates.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. The QQ_BOT_* platform fallbacks
// are not applied here: they only ever fill the default account, and the
// account resolver owns that rule.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("QQBRIDGE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("QQBRIDGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("QQBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("QQBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("QQBRIDGE_MODE", &c.Database.Mode)
	envStr("QQBRIDGE_DB_DRIVER", &c.Database.Driver)
	envStr("QQBRIDGE_PAIRING_STORAGE", &c.Pairing.Storage)

	// Agent runtime
	envStr("QQBRIDGE_AGENT_ENDPOINT", &c.Agent.Endpoint)
	envStr("QQBRIDGE_AGENT_TOKEN", &c.Agent.Token)

	// Telemetry
	envStr("QQBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("QQBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("QQBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("QQBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QQBRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks the closed enumerations once so runtime code can trust them.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	qq := c.Channels.QQ
	problems = append(problems, validateQQAccount("channels.qq", qq.QQAccountConfig)...)

	ids := make([]string, 0, len(qq.Accounts))
	for id := range qq.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		acct := qq.Accounts[id]
		if acct == nil {
			continue
		}
		problems = append(problems, validateQQAccount("channels.qq.accounts."+id, *acct)...)
	}

	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		problems = append(problems, fmt.Sprintf("database.mode %q must be standalone or managed", c.Database.Mode))
	}
	switch c.Database.Driver {
	case "", "file", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be file or sqlite", c.Database.Driver))
	}
	if !sessions.ValidDMScope(c.Agent.DMScope) {
		problems = append(problems, fmt.Sprintf("agent.dm_scope %q is not a known scope", c.Agent.DMScope))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		problems = append(problems, fmt.Sprintf("telemetry.protocol %q must be grpc or http", c.Telemetry.Protocol))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateQQAccount(path string, a QQAccountConfig) []string {
	var problems []string
	if a.DMPolicy != "" {
		if _, err := channels.ParseDMPolicy(a.DMPolicy); err != nil {
			problems = append(problems, path+".dm_policy: "+err.Error())
		}
	}
	if a.GroupPolicy != "" {
		if _, err := channels.ParseGroupPolicy(a.GroupPolicy); err != nil {
			problems = append(problems, path+".group_policy: "+err.Error())
		}
	}
	if a.ChunkMode != "" {
		if _, err := channels.ParseChunkMode(a.ChunkMode); err != nil {
			problems = append(problems, path+".chunk_mode: "+err.Error())
		}
	}
	if a.MarkdownTables != "" {
		if _, err := channels.ParseTableMode(a.MarkdownTables); err != nil {
			problems = append(problems, path+".markdown_tables: "+err.Error())
		}
	}
	if a.TextChunkLimit < 0 {
		problems = append(problems, path+".text_chunk_limit must be positive")
	}
	if a.DMPolicy == string(channels.DMPolicyOpen) && !slices.Contains(a.AllowFrom, "*") {
		problems = append(problems, fmt.Sprintf(`%s.dm_policy="open" requires %s.allow_from to include "*"`, path, path))
	}
	return problems
}

// Save writes the config to a JSON file.
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

// Hash returns a short SHA-256 of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// MaskedCopy returns a deep copy with every secret replaced by "***".
// Used by the doctor command and the admin API.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.QQ.AppSecret)
	for _, acct := range cp.Channels.QQ.Accounts {
		if acct != nil {
			maskNonEmpty(&acct.AppSecret)
		}
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ErrNoConfigPath is returned when a watcher is asked to follow an empty path.
var ErrNoConfigPath = errors.New("config path is empty")

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

package qq

import (
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

const (
	DefaultAccountID   = "default"
	DefaultWebhookPath = "/qq-official-webhook"
	DefaultAPIBaseURL  = "https://api.sgroup.qq.com"
	DefaultTokenURL    = "https://bots.qq.com"
)

// SecretSource records where an account's app secret came from.
type SecretSource string

const (
	SecretSourceConfig     SecretSource = "config"
	SecretSourceConfigFile SecretSource = "configFile"
	SecretSourceEnv        SecretSource = "env"
	SecretSourceNone       SecretSource = "none"
)

// EnvFallback holds the platform credentials read from the process
// environment. Only the default account consults it.
type EnvFallback struct {
	AppID           string `env:"QQ_BOT_APP_ID"`
	AppSecret       string `env:"QQ_BOT_APP_SECRET"`
	LegacyAppSecret string `env:"QQ_APP_SECRET"`
	APIBaseURL      string `env:"QQ_BOT_API_BASE_URL"`
}

// LoadEnvFallback parses the QQ_* environment variables.
func LoadEnvFallback() EnvFallback {
	var fb EnvFallback
	if err := env.Parse(&fb); err != nil {
		slog.Warn("qq: failed to parse env fallback", "error", err)
	}
	return fb
}

func (fb EnvFallback) secret() string {
	if s := strings.TrimSpace(fb.AppSecret); s != "" {
		return s
	}
	return strings.TrimSpace(fb.LegacyAppSecret)
}

// Account is an immutable, fully resolved account snapshot.
type Account struct {
	AccountID    string
	Name         string
	Enabled      bool
	APIBaseURL   string
	TokenURL     string
	AppID        string
	AppSecret    string
	SecretSource SecretSource
	WebhookPath  string

	DMPolicy       channels.DMPolicy
	AllowFrom      []string
	GroupPolicy    channels.GroupPolicy
	GroupAllowFrom []string
	Groups         map[string]*config.QQGroupConfig

	TextChunkLimit int
	ChunkMode      channels.ChunkMode
	TableMode      channels.TableMode
	AgentID        string
}

// Configured reports whether the account has everything needed to call the API.
func (a Account) Configured() bool {
	return a.APIBaseURL != "" && a.AppID != "" && a.AppSecret != ""
}

// Credentials returns the API credential set of the account.
func (a Account) Credentials() Credentials {
	return Credentials{
		APIBaseURL: a.APIBaseURL,
		TokenURL:   a.TokenURL,
		AppID:      a.AppID,
		AppSecret:  a.AppSecret,
	}
}

// ChunkLimit returns the configured chunk size or the platform default.
func (a Account) ChunkLimit() int {
	if a.TextChunkLimit > 0 {
		return a.TextChunkLimit
	}
	return channels.DefaultChunkLimit
}

// Resolver builds Account snapshots from the channels.qq config section.
type Resolver struct {
	cfg config.QQConfig
	env EnvFallback
}

// NewResolver binds a config snapshot and environment fallback.
func NewResolver(cfg config.QQConfig, fb EnvFallback) *Resolver {
	return &Resolver{cfg: cfg, env: fb}
}

// NormalizeAccountID lowercases and trims an account id, replacing characters
// outside [a-z0-9_-] with "-". Empty input maps to the default account.
func NormalizeAccountID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return DefaultAccountID
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// AccountIDs lists configured account ids in sorted order, or the default
// account alone when none are configured.
func (r *Resolver) AccountIDs() []string {
	seen := make(map[string]bool, len(r.cfg.Accounts))
	var ids []string
	for raw := range r.cfg.Accounts {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id := NormalizeAccountID(raw)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []string{DefaultAccountID}
	}
	sort.Strings(ids)
	return ids
}

// DefaultAccountID picks default_account, then "default" if configured,
// then the first configured id.
func (r *Resolver) DefaultAccountID() string {
	if id := strings.TrimSpace(r.cfg.DefaultAccount); id != "" {
		return NormalizeAccountID(id)
	}
	ids := r.AccountIDs()
	for _, id := range ids {
		if id == DefaultAccountID {
			return id
		}
	}
	return ids[0]
}

func (r *Resolver) accountConfig(id string) *config.QQAccountConfig {
	if acct, ok := r.cfg.Accounts[id]; ok {
		return acct
	}
	for raw, acct := range r.cfg.Accounts {
		if NormalizeAccountID(raw) == id {
			return acct
		}
	}
	return nil
}

// Resolve merges base and per-account config plus the environment fallback
// (default account only) into an Account snapshot.
func (r *Resolver) Resolve(accountID string) Account {
	id := NormalizeAccountID(accountID)
	isDefault := id == DefaultAccountID
	acctCfg := r.accountConfig(id)
	merged := r.cfg.QQAccountConfig.Merge(acctCfg)

	baseEnabled := r.cfg.Enabled == nil || *r.cfg.Enabled
	accountEnabled := merged.Enabled == nil || *merged.Enabled

	secret, source := resolveSecret(r.cfg.QQAccountConfig, acctCfg, isDefault, r.env)

	apiBase := strings.TrimSpace(merged.BaseURL)
	appID := strings.TrimSpace(merged.AppID)
	if isDefault {
		if apiBase == "" {
			apiBase = strings.TrimSpace(r.env.APIBaseURL)
		}
		if appID == "" {
			appID = strings.TrimSpace(r.env.AppID)
		}
	}

	webhookPath := strings.TrimSpace(merged.WebhookPath)
	if webhookPath == "" {
		webhookPath = DefaultWebhookPath
	}

	dm, err := channels.ParseDMPolicy(merged.DMPolicy)
	if err != nil {
		dm = channels.DMPolicyPairing
	}
	gp, err := channels.ParseGroupPolicy(merged.GroupPolicy)
	if err != nil {
		gp = channels.GroupPolicyAllowlist
	}
	chunkMode, err := channels.ParseChunkMode(merged.ChunkMode)
	if err != nil {
		chunkMode = channels.ChunkModeLength
	}
	tableMode, err := channels.ParseTableMode(merged.MarkdownTables)
	if err != nil {
		tableMode = channels.TableModeBullets
	}

	return Account{
		AccountID:      id,
		Name:           strings.TrimSpace(merged.Name),
		Enabled:        baseEnabled && accountEnabled,
		APIBaseURL:     NormalizeAPIBaseURL(apiBase),
		TokenURL:       normalizeTokenURL(merged.TokenURL),
		AppID:          appID,
		AppSecret:      secret,
		SecretSource:   source,
		WebhookPath:    channels.NormalizeWebhookPath(webhookPath),
		DMPolicy:       dm,
		AllowFrom:      []string(merged.AllowFrom),
		GroupPolicy:    gp,
		GroupAllowFrom: []string(merged.GroupAllowFrom),
		Groups:         merged.Groups,
		TextChunkLimit: merged.TextChunkLimit,
		ChunkMode:      chunkMode,
		TableMode:      tableMode,
		AgentID:        strings.TrimSpace(merged.AgentID),
	}
}

// EnabledAccounts resolves every listed account and keeps the enabled ones.
func (r *Resolver) EnabledAccounts() []Account {
	var out []Account
	for _, id := range r.AccountIDs() {
		if acct := r.Resolve(id); acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

// resolveSecret applies the strict priority: account direct value, account
// secret file, base direct value, base secret file, then (default account
// only) the environment.
func resolveSecret(base config.QQAccountConfig, acct *config.QQAccountConfig, isDefault bool, fb EnvFallback) (string, SecretSource) {
	if acct != nil {
		if s, src := secretFromEntry(acct.AppSecret, acct.AppSecretFile); src != SecretSourceNone {
			return s, src
		}
	}
	if s, src := secretFromEntry(base.AppSecret, base.AppSecretFile); src != SecretSourceNone {
		return s, src
	}
	if isDefault {
		if s := fb.secret(); s != "" {
			return s, SecretSourceEnv
		}
	}
	return "", SecretSourceNone
}

func secretFromEntry(direct, file string) (string, SecretSource) {
	if s := strings.TrimSpace(direct); s != "" {
		return s, SecretSourceConfig
	}
	if path := strings.TrimSpace(file); path != "" {
		// unreadable files fall through to the next source
		if data, err := os.ReadFile(config.ExpandHome(path)); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s, SecretSourceConfigFile
			}
		}
	}
	return "", SecretSourceNone
}

// NormalizeAPIBaseURL trims whitespace and trailing slashes, defaulting to
// the production API host.
func NormalizeAPIBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		u = DefaultAPIBaseURL
	}
	return strings.TrimRight(u, "/")
}

func normalizeTokenURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		u = DefaultTokenURL
	}
	return strings.TrimRight(u, "/")
}

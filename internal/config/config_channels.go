package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	QQ QQConfig `json:"qq"`
}

// QQGroupConfig overrides policy for one QQ group.
// Keys in QQAccountConfig.Groups are "<groupOpenId>", "group:<groupOpenId>" or "*".
type QQGroupConfig struct {
	Allow          *bool               `json:"allow,omitempty"`           // false blocks the group under the allowlist policy
	Enabled        *bool               `json:"enabled,omitempty"`         // false blocks the group under the allowlist policy
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`      // overrides group_allow_from for this group
	SystemPrompt   string              `json:"system_prompt,omitempty"`
}

// QQAccountConfig holds every per-account setting. The same fields live at the
// top level of QQConfig, where they act as the base every account inherits.
type QQAccountConfig struct {
	Name           string                    `json:"name,omitempty"`
	Enabled        *bool                     `json:"enabled,omitempty"`           // default true
	BaseURL        string                    `json:"base_url,omitempty"`          // default "https://api.sgroup.qq.com"
	TokenURL       string                    `json:"token_url,omitempty"`         // default "https://bots.qq.com"
	AppID          string                    `json:"app_id,omitempty"`
	AppSecret      string                    `json:"app_secret,omitempty"`
	AppSecretFile  string                    `json:"app_secret_file,omitempty"`
	WebhookPath    string                    `json:"webhook_path,omitempty"`      // default "/qq-official-webhook"
	DMPolicy       string                    `json:"dm_policy,omitempty"`         // "pairing" (default), "allowlist", "open", "disabled"
	AllowFrom      FlexibleStringSlice       `json:"allow_from,omitempty"`
	GroupPolicy    string                    `json:"group_policy,omitempty"`      // "allowlist" (default), "open", "disabled"
	GroupAllowFrom FlexibleStringSlice       `json:"group_allow_from,omitempty"`
	Groups         map[string]*QQGroupConfig `json:"groups,omitempty"`
	TextChunkLimit int                       `json:"text_chunk_limit,omitempty"`  // default 1800
	ChunkMode      string                    `json:"chunk_mode,omitempty"`        // "length" (default) or "newline"
	MarkdownTables string                    `json:"markdown_tables,omitempty"`   // "bullets" (default), "code", "off"
	AgentID        string                    `json:"agent_id,omitempty"`          // overrides agent.agent_id for this account
}

// QQConfig is the channels.qq section.
type QQConfig struct {
	QQAccountConfig
	DefaultAccount string                      `json:"default_account,omitempty"`
	Accounts       map[string]*QQAccountConfig `json:"accounts,omitempty"`
}

// Merge overlays the fields set in acct onto a copy of base.
// A non-nil acct.Enabled replaces the base flag.
func (base QQAccountConfig) Merge(acct *QQAccountConfig) QQAccountConfig {
	merged := base
	if acct == nil {
		return merged
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&merged.Name, acct.Name)
	overlay(&merged.BaseURL, acct.BaseURL)
	overlay(&merged.TokenURL, acct.TokenURL)
	overlay(&merged.AppID, acct.AppID)
	overlay(&merged.AppSecret, acct.AppSecret)
	overlay(&merged.AppSecretFile, acct.AppSecretFile)
	overlay(&merged.WebhookPath, acct.WebhookPath)
	overlay(&merged.DMPolicy, acct.DMPolicy)
	overlay(&merged.GroupPolicy, acct.GroupPolicy)
	overlay(&merged.ChunkMode, acct.ChunkMode)
	overlay(&merged.MarkdownTables, acct.MarkdownTables)
	overlay(&merged.AgentID, acct.AgentID)
	if acct.Enabled != nil {
		merged.Enabled = acct.Enabled
	}
	if acct.AllowFrom != nil {
		merged.AllowFrom = acct.AllowFrom
	}
	if acct.GroupAllowFrom != nil {
		merged.GroupAllowFrom = acct.GroupAllowFrom
	}
	if acct.Groups != nil {
		merged.Groups = acct.Groups
	}
	if acct.TextChunkLimit > 0 {
		merged.TextChunkLimit = acct.TextChunkLimit
	}
	return merged
}

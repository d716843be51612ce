// Package qq implements the QQ Official Bot channel: a webhook-driven bridge
// with one Channel per configured account.
//
// Inbound events arrive on a shared listener and are routed by webhook path
// (Registry), authenticated with the secret-derived Ed25519 key, acked, then
// normalized and run through the DM/group policy gate on a goroutine.
// Surviving messages go to the bus; replies come back through Send, which
// chunks them and posts them via the platform API.
package qq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

// PairingChannel is the pairing-store channel key shared by every QQ account.
const PairingChannel = "qq"

// Options wires a Channel to its collaborators.
type Options struct {
	Account  Account
	Bus      bus.MessageRouter
	Pairing  store.PairingStore // nil disables pairing replies
	Sessions *sessions.Manager  // nil skips session bookkeeping
	Registry *Registry
	Tokens   *TokenCache // nil uses the process-wide cache
	Commands config.CommandsConfig
	AgentID  string // fallback when the account sets none
	DMScope  string
}

// Channel serves one QQ account.
type Channel struct {
	*channels.BaseChannel
	account  Account
	api      *APIClient
	pairing  store.PairingStore
	sessions *sessions.Manager
	registry *Registry
	commands config.CommandsConfig
	dmScope  string
	fallback string // Options.AgentID

	mu         sync.Mutex
	unregister func()
	procCtx    context.Context
	procCancel context.CancelFunc
	inflight   sync.WaitGroup

	lastStart    atomic.Int64
	lastStop     atomic.Int64
	lastInbound  atomic.Int64
	lastOutbound atomic.Int64
	lastError    atomic.Value // string

	now func() time.Time
}

// New creates a channel for opts.Account. Call Start to register its webhook.
func New(opts Options) *Channel {
	agentID := opts.Account.AgentID
	if agentID == "" {
		agentID = opts.AgentID
	}
	if agentID == "" {
		agentID = "default"
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel("qq:"+opts.Account.AccountID, opts.Bus, agentID),
		account:     opts.Account,
		api:         NewAPIClient(opts.Account.Credentials(), opts.Tokens),
		pairing:     opts.Pairing,
		sessions:    opts.Sessions,
		registry:    opts.Registry,
		commands:    opts.Commands,
		dmScope:     opts.DMScope,
		fallback:    opts.AgentID,
		now:         time.Now,
	}
	c.lastError.Store("")
	return c
}

// Account returns the resolved account snapshot.
func (c *Channel) Account() Account { return c.account }

func (c *Channel) settings() channelSettings {
	return channelSettings{account: c.account, commands: c.commands, agentID: c.fallback, dmScope: c.dmScope}
}

// API returns the platform client bound to this account.
func (c *Channel) API() *APIClient { return c.api }

// missingFields lists the credential fields an account still needs.
func missingFields(a Account) []string {
	var missing []string
	if a.APIBaseURL == "" {
		missing = append(missing, "apiBaseUrl")
	}
	if a.AppID == "" {
		missing = append(missing, "appId")
	}
	if a.AppSecret == "" {
		missing = append(missing, "appSecret")
	}
	return missing
}

// Start validates credentials and registers the webhook path.
func (c *Channel) Start(_ context.Context) error {
	if missing := missingFields(c.account); len(missing) > 0 {
		err := fmt.Errorf("QQ is not configured for %q (missing %s).", c.account.AccountID, strings.Join(missing, ", "))
		c.lastError.Store(err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unregister != nil {
		return nil
	}
	c.procCtx, c.procCancel = context.WithCancel(context.Background())
	if c.registry != nil {
		c.unregister = c.registry.Register(c.account.WebhookPath, c)
	} else {
		c.unregister = func() {}
	}
	c.SetRunning(true)
	c.lastStart.Store(c.now().UnixMilli())
	c.lastError.Store("")

	slog.Info("qq account started",
		"account", c.account.AccountID,
		"webhook_path", c.account.WebhookPath,
		"secret_source", c.account.SecretSource,
		"dm_policy", c.account.DMPolicy,
		"group_policy", c.account.GroupPolicy,
	)
	return nil
}

// Stop unregisters the webhook path and waits for in-flight dispatches until
// ctx expires.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	unregister := c.unregister
	cancel := c.procCancel
	c.unregister = nil
	c.mu.Unlock()

	if unregister == nil {
		return nil
	}
	unregister()
	c.SetRunning(false)

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("qq stop: in-flight dispatches still running", "account", c.account.AccountID)
	}
	cancel()

	c.lastStop.Store(c.now().UnixMilli())
	slog.Info("qq account stopped", "account", c.account.AccountID)
	return nil
}

// Send delivers an agent reply. ChatID is the reply target ("group:<id>" or
// "user:<id>"); Metadata[reply_to] carries the inbound message id.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	payload := ReplyPayload{Text: msg.Content}
	for _, m := range msg.Media {
		if m.URL != "" {
			payload.MediaURLs = append(payload.MediaURLs, m.URL)
		}
	}
	replyTo := msg.Metadata[bus.MetaReplyTo]
	if replyTo == "" {
		replyTo = msg.Metadata[bus.MetaMessageID]
	}
	return c.Deliver(ctx, msg.ChatID, payload, replyTo)
}

// IsAllowed checks the account's DM allow list.
func (c *Channel) IsAllowed(senderID string) bool {
	return AllowListMatches(c.account.AllowFrom, senderID)
}

func (c *Channel) markInbound()  { c.lastInbound.Store(c.now().UnixMilli()) }
func (c *Channel) markOutbound() { c.lastOutbound.Store(c.now().UnixMilli()) }

func (c *Channel) setError(err error) {
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// Snapshot is the status view of one account.
type Snapshot struct {
	AccountID      string       `json:"accountId"`
	Name           string       `json:"name,omitempty"`
	Enabled        bool         `json:"enabled"`
	Configured     bool         `json:"configured"`
	APIBaseURL     string       `json:"apiBaseUrl"`
	AppID          string       `json:"appId,omitempty"`
	SecretSource   SecretSource `json:"secretSource"`
	WebhookPath    string       `json:"webhookPath"`
	DMPolicy       string       `json:"dmPolicy"`
	GroupPolicy    string       `json:"groupPolicy"`
	Running        bool         `json:"running"`
	LastStartAt    int64        `json:"lastStartAt,omitempty"`
	LastStopAt     int64        `json:"lastStopAt,omitempty"`
	LastInboundAt  int64        `json:"lastInboundAt,omitempty"`
	LastOutboundAt int64        `json:"lastOutboundAt,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	Probe          *ProbeResult `json:"probe,omitempty"`
}

// Snapshot reports the account configuration and runtime telemetry.
func (c *Channel) Snapshot() Snapshot {
	a := c.account
	lastErr, _ := c.lastError.Load().(string)
	return Snapshot{
		AccountID:      a.AccountID,
		Name:           a.Name,
		Enabled:        a.Enabled,
		Configured:     a.AppID != "" && a.AppSecret != "",
		APIBaseURL:     a.APIBaseURL,
		AppID:          a.AppID,
		SecretSource:   a.SecretSource,
		WebhookPath:    a.WebhookPath,
		DMPolicy:       string(a.DMPolicy),
		GroupPolicy:    string(a.GroupPolicy),
		Running:        c.IsRunning(),
		LastStartAt:    c.lastStart.Load(),
		LastStopAt:     c.lastStop.Load(),
		LastInboundAt:  c.lastInbound.Load(),
		LastOutboundAt: c.lastOutbound.Load(),
		LastError:      lastErr,
	}
}

// ProbeResult is the outcome of an identity probe.
type ProbeResult struct {
	OK        bool         `json:"ok"`
	Bot       *BotIdentity `json:"bot,omitempty"`
	Error     string       `json:"error,omitempty"`
	ElapsedMs int64        `json:"elapsedMs"`
}

// Probe fetches the bot identity. timeout <= 0 uses the 4s default.
func (c *Channel) Probe(ctx context.Context, timeout time.Duration) ProbeResult {
	return Probe(ctx, c.api, timeout)
}

// Probe checks that client's credentials can reach /users/@me.
func Probe(ctx context.Context, client *APIClient, timeout time.Duration) ProbeResult {
	start := time.Now()
	if client == nil || client.creds.AppID == "" || client.creds.AppSecret == "" {
		return ProbeResult{Error: ErrMissingCredentials.Error()}
	}
	ident, err := client.GetBotIdentity(ctx, timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return ProbeResult{Error: err.Error(), ElapsedMs: elapsed}
	}
	return ProbeResult{OK: true, Bot: &ident, ElapsedMs: elapsed}
}

// Status implements channels.StatusProvider.
func (c *Channel) Status() map[string]any {
	s := c.Snapshot()
	return map[string]any{
		"enabled":        s.Enabled,
		"running":        s.Running,
		"configured":     s.Configured,
		"accountId":      s.AccountID,
		"webhookPath":    s.WebhookPath,
		"secretSource":   s.SecretSource,
		"dmPolicy":       s.DMPolicy,
		"lastInboundAt":  s.LastInboundAt,
		"lastOutboundAt": s.LastOutboundAt,
		"lastError":      s.LastError,
	}
}

package qq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

// Policy drop reasons, used as the metrics label.
const (
	dropNoContent       = "no_content"
	dropDMDisabled      = "dm_disabled"
	dropDMNotAllowed    = "dm_not_allowed"
	dropPairingPending  = "pairing_pending"
	dropNoGroupID       = "no_group_id"
	dropGroupNotAllowed = "group_not_allowed"
	dropGroupSender     = "group_sender_not_allowed"
	dropUnauthorizedCmd = "unauthorized_command"
	dropMentionRequired = "mention_required"
)

// BuildPairingReply is the text sent to an unknown DM sender under the pairing policy.
func BuildPairingReply(senderID, code string) string {
	return fmt.Sprintf("QQ: access not configured.\n\nYour QQ user id: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  qqbridge pairing approve %s %s",
		senderID, code, PairingChannel, code)
}

func normalizeAllowList(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		n := NormalizeAllowEntry(e)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// groupAllowed applies the group policy plus the per-group allow/enabled overrides.
func (c *Channel) groupAllowed(groupID string) bool {
	switch c.account.GroupPolicy {
	case channels.GroupPolicyOpen:
		return true
	case channels.GroupPolicyDisabled:
		return false
	}
	g := ResolveGroupConfig(c.account.Groups, groupID)
	if g == nil {
		return false
	}
	return (g.Allow == nil || *g.Allow) && (g.Enabled == nil || *g.Enabled)
}

func (c *Channel) drop(reason string, args ...any) {
	metrics.Default().IncPolicyDrop(c.account.AccountID, reason)
	slog.Debug("qq drop", append([]any{"account", c.account.AccountID, "reason", reason}, args...)...)
}

// readStoreAllowFrom returns the approved pairing ids; store failures count as empty.
func (c *Channel) readStoreAllowFrom(ctx context.Context) []string {
	if c.pairing == nil {
		return nil
	}
	ids, err := c.pairing.ReadAllowFrom(ctx, PairingChannel)
	if err != nil {
		slog.Warn("qq: read pairing allow list failed", "account", c.account.AccountID, "error", err)
		return nil
	}
	return ids
}

// processMessage runs the policy gate and forwards surviving messages to the bus.
func (c *Channel) processMessage(ctx context.Context, m ParsedMessage) error {
	if m.SenderID == "" || m.Content == "" {
		c.drop(dropNoContent)
		return nil
	}

	dmPolicy := c.account.DMPolicy
	configured := normalizeAllowList(c.account.AllowFrom)
	groupCfg := ResolveGroupConfig(c.account.Groups, m.GroupID)

	// Command authorization is computed once, before any gate.
	computeAuth := channels.HasControlCommand(m.Content)
	var fromStore []string
	if !m.IsGroup && (dmPolicy != channels.DMPolicyOpen || computeAuth) {
		fromStore = c.readStoreAllowFrom(ctx)
	}
	effective := store.MergeAllowFrom(configured, normalizeAllowList(fromStore)...)
	senderAllowed := AllowListMatches(effective, m.SenderID)
	commandAuthorized := false
	if computeAuth {
		commandAuthorized = channels.ResolveCommandAuthorized(c.commands.AccessGroupsEnabled(),
			channels.CommandAuthorizer{Configured: len(effective) > 0, Allowed: senderAllowed})
	}

	if !m.IsGroup {
		if dmPolicy == channels.DMPolicyDisabled {
			c.drop(dropDMDisabled, "sender", m.SenderID)
			return nil
		}
		if dmPolicy != channels.DMPolicyOpen && !senderAllowed {
			if dmPolicy == channels.DMPolicyPairing {
				c.drop(dropPairingPending, "sender", m.SenderID)
				return c.requestPairing(ctx, m)
			}
			c.drop(dropDMNotAllowed, "sender", m.SenderID)
			return nil
		}
	} else {
		if m.GroupID == "" {
			c.drop(dropNoGroupID, "sender", m.SenderID)
			return nil
		}
		if !c.groupAllowed(m.GroupID) {
			c.drop(dropGroupNotAllowed, "group", m.GroupID)
			return nil
		}
		scoped := c.account.GroupAllowFrom
		if groupCfg != nil && groupCfg.AllowFrom != nil {
			scoped = groupCfg.AllowFrom
		}
		scoped = normalizeAllowList(scoped)
		if len(scoped) > 0 && !AllowListMatches(scoped, m.SenderID) {
			c.drop(dropGroupSender, "group", m.GroupID, "sender", m.SenderID)
			return nil
		}
	}

	if m.IsGroup && channels.IsControlCommandMessage(m.Content) && !commandAuthorized {
		c.drop(dropUnauthorizedCmd, "sender", m.SenderID)
		return nil
	}

	requireMention := groupCfg == nil || groupCfg.RequireMention == nil || *groupCfg.RequireMention
	wasMentioned := m.IsGroup && m.EventType == protocol.EventGroupAtMessageCreate
	if m.IsGroup && requireMention && !wasMentioned && !(c.commands.TextEnabled() && computeAuth) {
		c.drop(dropMentionRequired, "group", m.GroupID, "sender", m.SenderID)
		return nil
	}

	systemPrompt := ""
	if m.IsGroup && groupCfg != nil {
		systemPrompt = strings.TrimSpace(groupCfg.SystemPrompt)
	}
	c.forward(m, wasMentioned, commandAuthorized, systemPrompt)
	return nil
}

func (c *Channel) requestPairing(ctx context.Context, m ParsedMessage) error {
	if c.pairing == nil {
		return nil
	}
	meta := map[string]string{"account_id": c.account.AccountID}
	if m.SenderName != "" {
		meta["name"] = m.SenderName
	}
	code, created, err := c.pairing.UpsertRequest(ctx, PairingChannel, m.SenderID, meta)
	if err != nil {
		return fmt.Errorf("upsert pairing request: %w", err)
	}
	if !created {
		return nil
	}
	slog.Info("qq pairing requested", "account", c.account.AccountID, "sender", m.SenderID)
	res := SendMessage(ctx, c.api, "user:"+m.SenderID, BuildPairingReply(m.SenderID, code), SendOptions{ReplyTo: m.MessageID})
	if !res.OK {
		return fmt.Errorf("send pairing reply: %s", res.Error)
	}
	c.markOutbound()
	return nil
}

// forward builds the routed inbound message and publishes it on the bus.
func (c *Channel) forward(m ParsedMessage, wasMentioned, commandAuthorized bool, systemPrompt string) {
	kind := sessions.PeerKindFromGroup(m.IsGroup)
	peerID := m.SenderID
	chatID := "user:" + m.SenderID
	if m.IsGroup {
		peerID = m.GroupID
		chatID = "group:" + m.GroupID
	}
	route := sessions.ResolveRoute(c.AgentID(), PairingChannel, c.account.AccountID, kind, peerID, c.dmScope)

	meta := map[string]string{
		bus.MetaAccountID:         c.account.AccountID,
		bus.MetaEventType:         m.EventType,
		bus.MetaTimestampMs:       strconv.FormatInt(m.TimestampMs, 10),
		bus.MetaCommandAuthorized: strconv.FormatBool(commandAuthorized),
	}
	if m.MessageID != "" {
		meta[bus.MetaMessageID] = m.MessageID
		meta[bus.MetaReplyTo] = m.MessageID
	}
	if m.SenderName != "" {
		meta[bus.MetaSenderName] = m.SenderName
	}
	if m.IsGroup {
		meta[bus.MetaWasMentioned] = strconv.FormatBool(wasMentioned)
		if systemPrompt != "" {
			meta[bus.MetaGroupSystemPrompt] = systemPrompt
		}
	}

	if c.sessions != nil {
		c.sessions.RecordInbound(sessions.InboundRecord{
			Route:      route,
			Channel:    c.Name(),
			ChatID:     chatID,
			SenderName: m.SenderName,
			MessageID:  m.MessageID,
		})
		if err := c.sessions.Save(route.SessionKey); err != nil {
			slog.Warn("qq: failed updating session metadata", "session", route.SessionKey, "error", err)
		}
	}

	c.HandleMessage(bus.InboundMessage{
		SenderID:   m.SenderID,
		ChatID:     chatID,
		Content:    m.Content,
		SessionKey: route.SessionKey,
		PeerKind:   string(kind),
		AgentID:    route.AgentID,
		Metadata:   meta,
	})
	slog.Debug("qq message routed", "account", c.account.AccountID, "session", route.SessionKey,
		"preview", channels.Truncate(m.Content, 80))
}

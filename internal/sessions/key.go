// Package sessions builds the session keys routed conversations are filed under.
//
// Keys follow the canonical agent format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the DM scope:
//
//	per-channel-peer:         {channel}:{direct|group}:{peerId}
//	per-account-channel-peer: {channel}:{accountId}:direct:{peerId}
//	per-peer:                 direct:{peerId}
//	main:                     {mainKey}
//
// Examples:
//
//	agent:default:qq:direct:E4F3A1B2C3
//	agent:default:qq:group:9C8D7E6F5A
//	agent:default:qq:ops:direct:E4F3A1B2C3
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// DM scopes.
const (
	DMScopePerChannelPeer        = "per-channel-peer"
	DMScopePerAccountChannelPeer = "per-account-channel-peer"
	DMScopePerPeer               = "per-peer"
	DMScopeMain                  = "main"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	agent:{agentId}:{channel}:{kind}:{peerID}
func BuildSessionKey(agentID, channel string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// Route is the outcome of routing one inbound message.
type Route struct {
	AgentID    string
	AccountID  string
	PeerKind   PeerKind
	PeerID     string
	SessionKey string
}

// ResolveRoute picks the session key for a conversation. Groups always get the
// full per-channel key; dmScope only changes how DMs are grouped.
func ResolveRoute(agentID, channel, accountID string, kind PeerKind, peerID, dmScope string) Route {
	if agentID == "" {
		agentID = "default"
	}
	r := Route{AgentID: agentID, AccountID: accountID, PeerKind: kind, PeerID: peerID}

	if kind == PeerGroup {
		r.SessionKey = BuildSessionKey(agentID, channel, kind, peerID)
		return r
	}

	switch dmScope {
	case DMScopeMain:
		r.SessionKey = BuildAgentMainSessionKey(agentID, "")
	case DMScopePerPeer:
		r.SessionKey = fmt.Sprintf("agent:%s:direct:%s", agentID, peerID)
	case DMScopePerAccountChannelPeer:
		r.SessionKey = fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, peerID)
	default:
		r.SessionKey = BuildSessionKey(agentID, channel, kind, peerID)
	}
	return r
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// ValidDMScope reports whether s names a known DM scope (empty is the default).
func ValidDMScope(s string) bool {
	switch s {
	case "", DMScopePerChannelPeer, DMScopePerAccountChannelPeer, DMScopePerPeer, DMScopeMain:
		return true
	}
	return false
}

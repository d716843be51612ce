// Package channels provides the channel abstraction layer between chat platforms
// and the agent runtime.
//
// A channel receives platform events, applies its access policy and publishes
// surviving messages to the message bus; the manager hands replies from the bus
// back to the channel that owns the conversation. Shared pieces live here:
//   - DM/Group policies (pairing, allowlist, open, disabled)
//   - webhook target registry and bounded body reads for shared listeners
//   - text chunking, markdown table conversion and command detection
package channels

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // Require pairing code
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// ParseDMPolicy validates s. Empty input yields the pairing default.
func ParseDMPolicy(s string) (DMPolicy, error) {
	switch p := DMPolicy(s); p {
	case "":
		return DMPolicyPairing, nil
	case DMPolicyPairing, DMPolicyAllowlist, DMPolicyOpen, DMPolicyDisabled:
		return p, nil
	}
	return "", fmt.Errorf("unknown dm policy %q (want pairing, allowlist, open or disabled)", s)
}

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only configured groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// ParseGroupPolicy validates s. Empty input yields the allowlist default.
func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch p := GroupPolicy(s); p {
	case "":
		return GroupPolicyAllowlist, nil
	case GroupPolicyOpen, GroupPolicyAllowlist, GroupPolicyDisabled:
		return p, nil
	}
	return "", fmt.Errorf("unknown group policy %q (want allowlist, open or disabled)", s)
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "qq:default").
	Name() string

	// Start begins accepting messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's DM allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	bus     bus.MessageRouter
	running atomic.Bool
	agentID string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus bus.MessageRouter, agentID string) *BaseChannel {
	return &BaseChannel{
		name:    name,
		bus:     msgBus,
		agentID: agentID,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AgentID returns the agent that owns this channel's sessions.
func (c *BaseChannel) AgentID() string { return c.agentID }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// HandleMessage publishes an already-authorized message to the bus.
// Policy must be applied by the caller; nothing is filtered here.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	msg.Channel = c.name
	if msg.AgentID == "" {
		msg.AgentID = c.agentID
	}
	if msg.UserID == "" {
		msg.UserID = msg.SenderID
	}
	c.bus.PublishInbound(msg)
}

// Truncate shortens s to maxLen runes for log previews, appending "..." if cut.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

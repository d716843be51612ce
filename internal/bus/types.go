package bus

import "context"

// InboundMessage represents an authorized message received from a channel.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"` // reply target, e.g. "group:<id>" or "user:<id>"
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	PeerKind   string            `json:"peer_kind,omitempty"` // "direct" or "group" (used for session key)
	AgentID    string            `json:"agent_id,omitempty"`  // target agent (for multi-agent routing)
	UserID     string            `json:"user_id,omitempty"`   // external user ID for per-user scoping
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MediaAttachment represents a media reference sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // remote URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`      // optional caption for media
}

// Metadata keys shared between channels and the agent client.
const (
	MetaMessageID         = "message_id"
	MetaAccountID         = "account_id"
	MetaSenderName        = "sender_name"
	MetaGroupSystemPrompt = "group_system_prompt"
	MetaWasMentioned      = "was_mentioned"
	MetaCommandAuthorized = "command_authorized"
	MetaEventType         = "event_type"
	MetaTimestampMs       = "timestamp_ms"
	MetaReplyTo           = "reply_to"
)

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}

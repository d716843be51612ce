// Package protocol holds the QQ Official Bot webhook wire format shared by the
// bridge and its tooling.
package protocol

// ProtocolVersion is bumped whenever the bridge's admin HTTP payloads change shape.
const ProtocolVersion = 1

// Op codes carried in the webhook envelope "op" field.
const (
	OpDispatch           = 0
	OpHeartbeat          = 1
	OpHeartbeatAck       = 11 // outbound only
	OpDispatchAck        = 12 // outbound only
	OpCallbackValidation = 13
)

// Dispatch event types ("t" field) the bridge forwards for processing.
// Every other dispatch event is acknowledged and dropped.
const (
	EventGroupAtMessageCreate = "GROUP_AT_MESSAGE_CREATE"
	EventC2CMessageCreate     = "C2C_MESSAGE_CREATE"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

// Outbound API headers.
const (
	HeaderAppID         = "X-Union-Appid"
	AuthorizationPrefix = "QQBot "
)

// MessageTypeText is the msg_type discriminator for plain text messages.
const MessageTypeText = 0

// IsMessageEvent reports whether a dispatch event type carries a user message.
func IsMessageEvent(eventType string) bool {
	return eventType == EventGroupAtMessageCreate || eventType == EventC2CMessageCreate
}

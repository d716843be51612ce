package qq

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

var mentionRe = regexp.MustCompile(`<@!?\w+>`)

// ParsedMessage is the normalized form of a message-create dispatch.
type ParsedMessage struct {
	EventType   string
	Content     string
	SenderID    string
	SenderName  string
	MessageID   string
	GroupID     string
	IsGroup     bool
	TimestampMs int64
}

// extractor pulls one candidate value out of a decoded payload.
type extractor func(d map[string]any) string

func field(path ...string) extractor {
	return func(d map[string]any) string {
		var cur any = d
		for _, key := range path {
			m, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur = m[key]
		}
		s, _ := cur.(string)
		return strings.TrimSpace(s)
	}
}

// firstOf returns the first non-empty value from the extractors, in order.
func firstOf(d map[string]any, exs ...extractor) string {
	for _, ex := range exs {
		if v := ex(d); v != "" {
			return v
		}
	}
	return ""
}

var (
	senderIDFields   = []extractor{field("author", "id"), field("author", "user_openid")}
	senderNameFields = []extractor{field("author", "username"), field("author", "nick")}
	messageIDFields  = []extractor{field("id"), field("msg_id")}
	groupIDFields    = []extractor{field("group_id"), field("group_openid")}
)

// ParseMessage normalizes a dispatch payload. isGroup follows the event type
// only; group fields on a C2C event are ignored.
func ParseMessage(eventType string, raw json.RawMessage, now time.Time) (ParsedMessage, bool) {
	var d map[string]any
	if err := json.Unmarshal(raw, &d); err != nil || d == nil {
		return ParsedMessage{}, false
	}

	rawContent, _ := d["content"].(string)
	content := strings.TrimSpace(mentionRe.ReplaceAllString(rawContent, ""))
	if content == "" {
		content = strings.TrimSpace(rawContent)
	}

	senderID := firstOf(d, senderIDFields...)
	senderName := firstOf(d, senderNameFields...)
	if senderName == "" {
		senderName = senderID
	}

	isGroup := eventType == protocol.EventGroupAtMessageCreate
	groupID := ""
	if isGroup {
		groupID = firstOf(d, groupIDFields...)
	}

	ts, _ := d["timestamp"].(string)
	return ParsedMessage{
		EventType:   eventType,
		Content:     content,
		SenderID:    senderID,
		SenderName:  senderName,
		MessageID:   firstOf(d, messageIDFields...),
		GroupID:     groupID,
		IsGroup:     isGroup,
		TimestampMs: parseTimestampMs(ts, now),
	}, true
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}

func parseTimestampMs(raw string, now time.Time) int64 {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, raw); err == nil && t.UnixMilli() > 0 {
				return t.UnixMilli()
			}
		}
	}
	return now.UnixMilli()
}

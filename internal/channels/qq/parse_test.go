package qq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

func TestParseMessageGroup(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "ROBOT1.0_abc",
		"content": "<@!bot123> what's up ",
		"timestamp": "2024-03-01T12:00:00+08:00",
		"group_openid": "G_OPEN",
		"author": {"member_openid": "M1", "id": "U1", "username": "alice"}
	}`)
	now := time.Unix(1, 0)
	m, ok := ParseMessage(protocol.EventGroupAtMessageCreate, raw, now)
	if !ok {
		t.Fatal("ParseMessage rejected a valid payload")
	}
	want := ParsedMessage{
		EventType:   protocol.EventGroupAtMessageCreate,
		Content:     "what's up",
		SenderID:    "U1",
		SenderName:  "alice",
		MessageID:   "ROBOT1.0_abc",
		GroupID:     "G_OPEN",
		IsGroup:     true,
		TimestampMs: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC).UnixMilli(),
	}
	if m != want {
		t.Errorf("ParseMessage =\n %+v\nwant\n %+v", m, want)
	}
}

func TestParseMessageC2CFallbacks(t *testing.T) {
	raw := json.RawMessage(`{
		"msg_id": "M-9",
		"content": "hi",
		"group_id": "ignored",
		"timestamp": "not a time",
		"author": {"user_openid": "OPEN1"}
	}`)
	now := time.Unix(1700000000, 0)
	m, ok := ParseMessage(protocol.EventC2CMessageCreate, raw, now)
	if !ok {
		t.Fatal("ParseMessage rejected a valid payload")
	}
	if m.IsGroup || m.GroupID != "" {
		t.Errorf("C2C event parsed as group: %+v", m)
	}
	if m.SenderID != "OPEN1" || m.SenderName != "OPEN1" || m.MessageID != "M-9" {
		t.Errorf("fallback fields: %+v", m)
	}
	if m.TimestampMs != now.UnixMilli() {
		t.Errorf("TimestampMs = %d, want receive time", m.TimestampMs)
	}
}

func TestParseMessageMentionOnly(t *testing.T) {
	m, ok := ParseMessage(protocol.EventGroupAtMessageCreate, json.RawMessage(`{"content":"<@bot>","author":{"id":"u"}}`), time.Now())
	if !ok {
		t.Fatal("rejected")
	}
	if m.Content != "<@bot>" {
		t.Errorf("mention-only content = %q, want the raw text", m.Content)
	}
}

func TestParseMessageRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[]`, `"x"`, `null`, `{bad`} {
		if _, ok := ParseMessage(protocol.EventC2CMessageCreate, json.RawMessage(raw), time.Now()); ok {
			t.Errorf("ParseMessage(%s) accepted", raw)
		}
	}
}

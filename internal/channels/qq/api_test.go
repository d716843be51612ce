package qq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessageGroup(t *testing.T) {
	p := newFakePlatform(t)
	client := NewAPIClient(p.account().Credentials(), p.tokens())

	res := SendMessage(context.Background(), client, "qq:group:G123", "hello", SendOptions{ReplyTo: "evt-1"})
	if !res.OK || res.MessageID != "m-1" {
		t.Fatalf("SendMessage = %+v", res)
	}
	msgs := p.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Path != "/v2/groups/G123/messages" {
		t.Errorf("path = %q", m.Path)
	}
	if m.Auth != "QQBot tok-1" || m.AppID != "app-1" {
		t.Errorf("headers: auth=%q appid=%q", m.Auth, m.AppID)
	}
	if m.Body.Content != "hello" || m.Body.MsgType != 0 || m.Body.MsgID != "evt-1" {
		t.Errorf("body = %+v", m.Body)
	}
}

func TestSendMessageUserWithMedia(t *testing.T) {
	p := newFakePlatform(t)
	client := NewAPIClient(p.account().Credentials(), p.tokens())

	tests := []struct {
		text string
		opts SendOptions
		want string
	}{
		{"look", SendOptions{MediaURL: "https://x/a.png"}, "look\n\nAttachment: https://x/a.png"},
		{"look", SendOptions{MediaURL: "https://x/a.png", Caption: "cap"}, "cap\n\nAttachment: https://x/a.png"},
		{"", SendOptions{MediaURL: "https://x/a.png"}, "https://x/a.png"},
	}
	for i, tt := range tests {
		res := SendMessage(context.Background(), client, "u:user_1", tt.text, tt.opts)
		if !res.OK {
			t.Fatalf("case %d: %+v", i, res)
		}
		got := p.messages()[i]
		if got.Path != "/v2/users/user_1/messages" {
			t.Errorf("case %d: path = %q", i, got.Path)
		}
		if got.Body.Content != tt.want {
			t.Errorf("case %d: content = %q, want %q", i, got.Body.Content, tt.want)
		}
		if got.Body.MsgID != "" {
			t.Errorf("case %d: unexpected msg_id %q", i, got.Body.MsgID)
		}
	}
}

func TestSendMessageErrors(t *testing.T) {
	p := newFakePlatform(t)
	good := NewAPIClient(p.account().Credentials(), p.tokens())
	noSecret := p.account().Credentials()
	noSecret.AppSecret = ""
	bad := NewAPIClient(noSecret, p.tokens())

	tests := []struct {
		name   string
		client *APIClient
		target string
		text   string
		want   string
	}{
		{"bad target", good, "group:a b", "hi", "unsupported group target id: a b"},
		{"empty text", good, "user:abc", "   ", "message text is empty"},
		{"missing credentials", bad, "user:abc", "hi", "missing QQ official credentials (appId/appSecret)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := SendMessage(context.Background(), tt.client, tt.target, tt.text, SendOptions{})
			if res.OK || res.Error != tt.want {
				t.Errorf("SendMessage = %+v, want error %q", res, tt.want)
			}
		})
	}
	if n := len(p.messages()); n != 0 {
		t.Errorf("%d messages reached the API", n)
	}
}

func TestAPIClientErrorMessages(t *testing.T) {
	p := newFakePlatform(t)
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"json message", 400, `{"message":"invalid msg_id","code":40034}`, "QQ official API failed: invalid msg_id"},
		{"json err_code", 400, `{"err_code":22009}`, "QQ official API failed: err_code 22009"},
		{"raw body", 403, "forbidden here", "QQ official API failed: forbidden here"},
		{"empty body", 404, "", "QQ official API failed: Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer api.Close()

			creds := p.account().Credentials()
			creds.APIBaseURL = api.URL
			_, err := NewAPIClient(creds, p.tokens()).SendC2CMessage(context.Background(), "abc", "hi", "")
			if err == nil || err.Error() != tt.want {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
			apiErr, ok := err.(*APIError)
			if !ok || apiErr.StatusCode != tt.status {
				t.Errorf("error = %#v", err)
			}
		})
	}
}

func TestAPIClientEscapesPathAndTolerantSuccess(t *testing.T) {
	p := newFakePlatform(t)
	var gotPath string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte("ok"))
	}))
	defer api.Close()

	creds := p.account().Credentials()
	creds.APIBaseURL = api.URL + "/"
	resp, err := NewAPIClient(creds, p.tokens()).SendGroupMessage(context.Background(), " a/b ", "hi", "")
	if err != nil {
		t.Fatalf("SendGroupMessage: %v", err)
	}
	if gotPath != "/v2/groups/a%2Fb/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if resp.ResolvedID() != "" {
		t.Errorf("ResolvedID = %q", resp.ResolvedID())
	}

	if _, err := NewAPIClient(creds, p.tokens()).SendGroupMessage(context.Background(), " ", "hi", ""); err == nil || err.Error() != "groupId is required" {
		t.Errorf("blank group id error = %v", err)
	}
}

func TestMessageResponseResolvedID(t *testing.T) {
	tests := []struct {
		resp MessageResponse
		want string
	}{
		{MessageResponse{ID: "a", MessageID: "b"}, "a"},
		{MessageResponse{MessageID: "b"}, "b"},
		{MessageResponse{ID: float64(12345)}, "12345"},
		{MessageResponse{}, ""},
	}
	for _, tt := range tests {
		if got := tt.resp.ResolvedID(); got != tt.want {
			t.Errorf("ResolvedID(%+v) = %q, want %q", tt.resp, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	p := newFakePlatform(t)
	res := Probe(context.Background(), NewAPIClient(p.account().Credentials(), p.tokens()), 0)
	if !res.OK || res.Bot == nil || res.Bot.ID != "bot-1" || res.Bot.Username != "qqbot" {
		t.Fatalf("Probe = %+v", res)
	}

	creds := p.account().Credentials()
	creds.AppID = ""
	if res := Probe(context.Background(), NewAPIClient(creds, p.tokens()), 0); res.OK || res.Error != ErrMissingCredentials.Error() {
		t.Errorf("Probe without credentials = %+v", res)
	}
}

package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/store/file"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

const testSecret = "qq-secret"

type sentMessage struct {
	Path  string
	Auth  string
	AppID string
	Body  protocol.OutboundMessage
}

// fakePlatform stands in for both the token host and the API host.
type fakePlatform struct {
	srv *httptest.Server

	mu         sync.Mutex
	tokenCalls int
	sent       []sentMessage
	expiresIn  any
	failSends  int // number of upcoming sends to fail with HTTP 500
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{expiresIn: 7200}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/getAppAccessToken", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.tokenCalls++
		n := p.tokenCalls
		exp := p.expiresIn
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", n), "expires_in": exp})
	})
	sendHandler := func(w http.ResponseWriter, r *http.Request) {
		var body protocol.OutboundMessage
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		fail := p.failSends > 0
		if fail {
			p.failSends--
		}
		if !fail {
			p.sent = append(p.sent, sentMessage{
				Path:  r.URL.EscapedPath(),
				Auth:  r.Header.Get("Authorization"),
				AppID: r.Header.Get(protocol.HeaderAppID),
				Body:  body,
			})
		}
		n := len(p.sent)
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"server busy"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": fmt.Sprintf("m-%d", n)})
	}
	mux.HandleFunc("POST /v2/users/{id}/messages", sendHandler)
	mux.HandleFunc("POST /v2/groups/{id}/messages", sendHandler)
	mux.HandleFunc("GET /users/@me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "bot-1", "username": "qqbot"})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func (p *fakePlatform) tokenFetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *fakePlatform) tokens() *TokenCache { return NewTokenCache(p.srv.Client()) }

func (p *fakePlatform) account() Account {
	return Account{
		AccountID:    DefaultAccountID,
		Enabled:      true,
		APIBaseURL:   p.srv.URL,
		TokenURL:     p.srv.URL,
		AppID:        "app-1",
		AppSecret:    testSecret,
		SecretSource: SecretSourceConfig,
		WebhookPath:  DefaultWebhookPath,
		DMPolicy:     channels.DMPolicyPairing,
		GroupPolicy:  channels.GroupPolicyOpen,
		ChunkMode:    channels.ChunkModeLength,
		TableMode:    channels.TableModeBullets,
	}
}

type testEnv struct {
	platform *fakePlatform
	bus      *bus.MessageBus
	registry *Registry
	pairing  *file.FilePairingStore
	channel  *Channel
}

// newTestChannel builds a started channel against a fake platform.
// mutate may adjust the account before the channel is created.
func newTestChannel(t *testing.T, mutate func(*Account), extra ...func(*Options)) *testEnv {
	t.Helper()
	p := newFakePlatform(t)
	acct := p.account()
	if mutate != nil {
		mutate(&acct)
	}
	ps, err := file.NewFilePairingStore(t.TempDir() + "/pairing.json")
	if err != nil {
		t.Fatalf("NewFilePairingStore: %v", err)
	}
	mb := bus.New()
	reg := NewRegistry(RegistryOptions{})
	opts := Options{
		Account:  acct,
		Bus:      mb,
		Pairing:  ps,
		Registry: reg,
		Tokens:   p.tokens(),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	ch := New(opts)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ch.Stop(ctx)
	})
	return &testEnv{platform: p, bus: mb, registry: reg, pairing: ps, channel: ch}
}

// expectInbound waits for one routed message.
func expectInbound(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a routed inbound message")
	}
	return msg
}

// expectNoInbound asserts nothing reaches the bus.
func expectNoInbound(t *testing.T, mb *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected routed message: %+v", msg)
	}
}

// signedRequest builds a webhook request signed with secret.
func signedRequest(path, secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	ts := "1700000000"
	req.Header.Set(protocol.HeaderTimestamp, ts)
	req.Header.Set(protocol.HeaderSignature, Sign(secret, ts, []byte(body)))
	return req
}

func c2cPayload(senderID, content string) ParsedMessage {
	return ParsedMessage{
		EventType:   protocol.EventC2CMessageCreate,
		Content:     content,
		SenderID:    senderID,
		SenderName:  senderID,
		MessageID:   "msg-" + senderID,
		TimestampMs: 1700000000000,
	}
}

func groupPayload(groupID, senderID, content string) ParsedMessage {
	return ParsedMessage{
		EventType:   protocol.EventGroupAtMessageCreate,
		Content:     content,
		SenderID:    senderID,
		SenderName:  senderID,
		MessageID:   "msg-" + senderID,
		GroupID:     groupID,
		IsGroup:     true,
		TimestampMs: 1700000000000,
	}
}

func boolPtr(b bool) *bool { return &b }

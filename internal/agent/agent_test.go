package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

func inbound(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "qq:default",
		SenderID:   "U1",
		ChatID:     "user:U1",
		Content:    content,
		SessionKey: "agent:default:qq:direct:U1",
		PeerKind:   "direct",
		AgentID:    "default",
		Metadata: map[string]string{
			bus.MetaMessageID: id,
			bus.MetaAccountID: "default",
		},
	}
}

func TestClientForward(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"replies":[{"text":"pong"},{"media_url":"https://img"}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{Endpoint: srv.URL, Token: "secret"}, srv.Client())
	if !c.Enabled() {
		t.Fatal("client with endpoint reports disabled")
	}
	replies, err := c.Forward(context.Background(), inbound("m1", "ping"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Content != "ping" || got.SessionKey != "agent:default:qq:direct:U1" || got.Metadata[bus.MetaMessageID] != "m1" {
		t.Errorf("request = %+v", got)
	}
	if len(replies) != 2 || replies[0].Text != "pong" || replies[1].MediaURL != "https://img" {
		t.Errorf("replies = %+v", replies)
	}
}

func TestClientForwardErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusBadGateway, "upstream down\n", "agent runtime returned HTTP 502: upstream down"},
		{"no body", http.StatusUnauthorized, "", "agent runtime returned HTTP 401"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(config.AgentConfig{Endpoint: srv.URL}, nil).Forward(context.Background(), inbound("m1", "x"))
			var rerr *RuntimeError
			if !errors.As(err, &rerr) || rerr.StatusCode != tt.status {
				t.Fatalf("error = %v", err)
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestClientEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	replies, err := NewClient(config.AgentConfig{Endpoint: srv.URL}, nil).Forward(context.Background(), inbound("m1", "x"))
	if err != nil || len(replies) != 0 {
		t.Errorf("replies=%v err=%v", replies, err)
	}
	if NewClient(config.AgentConfig{Endpoint: "  "}, nil).Enabled() {
		t.Error("blank endpoint reports enabled")
	}
}

func TestOutboundFor(t *testing.T) {
	msg := inbound("m1", "hi")
	out := OutboundFor(msg, Reply{Text: "a", MediaURLs: []string{" https://x ", ""}, MediaURL: "https://ignored"})
	if out.Channel != "qq:default" || out.ChatID != "user:U1" || out.Content != "a" {
		t.Errorf("out = %+v", out)
	}
	if out.Metadata[bus.MetaReplyTo] != "m1" || out.Metadata[bus.MetaAccountID] != "default" {
		t.Errorf("metadata = %v", out.Metadata)
	}
	if len(out.Media) != 1 || out.Media[0].URL != "https://x" {
		t.Errorf("media = %+v", out.Media)
	}

	out = OutboundFor(msg, Reply{MediaURL: "https://single"})
	if len(out.Media) != 1 || out.Media[0].URL != "https://single" {
		t.Errorf("single media = %+v", out.Media)
	}
}

type fakeForwarder struct {
	mu     sync.Mutex
	calls  []string
	active atomic.Int32
	maxAct atomic.Int32
	delay  time.Duration
}

func (f *fakeForwarder) Forward(ctx context.Context, msg bus.InboundMessage) ([]Reply, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxAct.Load()
		if n <= m || f.maxAct.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.calls = append(f.calls, msg.Content)
	f.mu.Unlock()
	return []Reply{{Text: "re: " + msg.Content}, {}}, nil
}

func runConsumer(t *testing.T, mb *bus.MessageBus, f Forwarder) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewConsumer(mb, f, 4).Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestConsumerForwardsAndReplies(t *testing.T) {
	mb := bus.New()
	defer mb.Close()
	f := &fakeForwarder{}
	stop := runConsumer(t, mb, f)
	defer stop()

	mb.PublishInbound(inbound("m1", "hello"))
	mb.PublishInbound(inbound("m1", "hello")) // webhook retry

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound reply")
	}
	if out.Content != "re: hello" || out.Metadata[bus.MetaReplyTo] != "m1" {
		t.Errorf("out = %+v", out)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if extra, ok := mb.SubscribeOutbound(short); ok {
		t.Errorf("unexpected extra outbound %+v", extra)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) != 1 {
		t.Errorf("forward calls = %v, want one", f.calls)
	}
}

func TestConsumerSerializesSession(t *testing.T) {
	mb := bus.New()
	defer mb.Close()
	f := &fakeForwarder{delay: 20 * time.Millisecond}
	stop := runConsumer(t, mb, f)

	for _, id := range []string{"a", "b", "c"} {
		mb.PublishInbound(inbound(id, id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, ok := mb.SubscribeOutbound(ctx); !ok {
			t.Fatalf("missing reply %d", i)
		}
	}
	stop()
	if m := f.maxAct.Load(); m != 1 {
		t.Errorf("max concurrent forwards in one session = %d, want 1", m)
	}
}

func TestConsumerWithoutForwarder(t *testing.T) {
	mb := bus.New()
	defer mb.Close()
	stop := runConsumer(t, mb, nil)
	mb.PublishInbound(inbound("m1", "hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if out, ok := mb.SubscribeOutbound(ctx); ok {
		t.Errorf("unexpected outbound %+v", out)
	}
	stop()
}

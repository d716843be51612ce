package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
)

const (
	defaultConcurrency = 8
	dedupeTTL          = 20 * time.Minute
	dedupeMax          = 5000
)

// Forwarder hands one routed message to the agent runtime.
type Forwarder interface {
	Forward(ctx context.Context, msg bus.InboundMessage) ([]Reply, error)
}

// Consumer drains inbound messages from the bus, forwards them to the agent
// runtime and publishes the replies as outbound messages. Messages of one
// session are handled one at a time; different sessions run in parallel up
// to the concurrency limit.
type Consumer struct {
	router      bus.MessageRouter
	forwarder   Forwarder
	concurrency int
	dedupe      *bus.DedupeCache

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

// NewConsumer builds a consumer. A nil forwarder only logs what it receives.
func NewConsumer(router bus.MessageRouter, forwarder Forwarder, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Consumer{
		router:      router,
		forwarder:   forwarder,
		concurrency: concurrency,
		dedupe:      bus.NewDedupeCache(dedupeTTL, dedupeMax),
		lanes:       make(map[string]*lane),
	}
}

// Run blocks until ctx is cancelled or the bus closes, then waits for
// in-flight messages.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("inbound message consumer started", "concurrency", c.concurrency)
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for {
		msg, ok := c.router.ConsumeInbound(ctx)
		if !ok {
			break
		}
		if key := dedupeKey(msg); c.dedupe.IsDuplicate(key) {
			slog.Debug("inbound: duplicate message skipped", "key", key)
			continue
		}
		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("inbound message consumer stopped")
	return err
}

func dedupeKey(msg bus.InboundMessage) string {
	id := msg.Metadata[bus.MetaMessageID]
	if id == "" {
		return ""
	}
	return msg.Channel + "|" + msg.ChatID + "|" + id
}

func (c *Consumer) handle(ctx context.Context, msg bus.InboundMessage) {
	l := c.acquire(msg.SessionKey)
	defer c.release(msg.SessionKey, l)

	if c.forwarder == nil {
		slog.Info("inbound: no agent endpoint configured, message dropped",
			"channel", msg.Channel, "chat_id", msg.ChatID, "session", msg.SessionKey)
		return
	}

	replies, err := c.forwarder.Forward(ctx, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Warn("inbound: agent run failed",
			"channel", msg.Channel, "chat_id", msg.ChatID, "session", msg.SessionKey, "error", err)
		return
	}
	for _, r := range replies {
		out := OutboundFor(msg, r)
		if out.Content == "" && len(out.Media) == 0 {
			continue
		}
		c.router.PublishOutbound(out)
	}
}

func (c *Consumer) acquire(key string) *lane {
	c.mu.Lock()
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{}
		c.lanes[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return l
}

func (c *Consumer) release(key string, l *lane) {
	l.mu.Unlock()
	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.lanes, key)
	}
	c.mu.Unlock()
}

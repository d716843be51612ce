// Package agent connects routed channel messages to the external agent
// runtime. The runtime is reached over HTTP: each inbound message is POSTed
// to the configured endpoint and the replies in the response are published
// back on the bus for the channel manager to deliver.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/tracing"
)

// maxResponseBytes bounds how much of a runtime response is read.
const maxResponseBytes = 4 << 20

// Request is the body POSTed to the agent runtime for one routed message.
type Request struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	SenderID   string            `json:"sender_id"`
	AgentID    string            `json:"agent_id"`
	SessionKey string            `json:"session_key"`
	PeerKind   string            `json:"peer_kind"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Reply is one reply payload produced by the runtime. Media is link-only.
type Reply struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
}

// Response is the runtime's answer to a Request.
type Response struct {
	Replies []Reply `json:"replies"`
}

// RuntimeError is returned for a non-2xx runtime response.
type RuntimeError struct {
	StatusCode int
	Body       string
}

func (e *RuntimeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent runtime returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("agent runtime returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client posts routed messages to the agent runtime.
type Client struct {
	endpoint   string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient builds a client from the agent config section.
func NewClient(cfg config.AgentConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		token:      cfg.Token,
		timeout:    cfg.RequestTimeout(),
		httpClient: httpClient,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.endpoint != "" }

// RequestFromInbound converts a bus message into the runtime request body.
func RequestFromInbound(msg bus.InboundMessage) Request {
	return Request{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		AgentID:    msg.AgentID,
		SessionKey: msg.SessionKey,
		PeerKind:   msg.PeerKind,
		Content:    msg.Content,
		Metadata:   msg.Metadata,
	}
}

// Forward sends msg to the runtime and returns its replies.
func (c *Client) Forward(ctx context.Context, msg bus.InboundMessage) ([]Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "agent.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", msg.AgentID),
		attribute.String("agent.session", msg.SessionKey),
		attribute.String("channel", msg.Channel),
	)

	replies, err := c.forward(ctx, RequestFromInbound(msg))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return replies, err
}

func (c *Client) forward(ctx context.Context, body Request) ([]Reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RuntimeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return out.Replies, nil
}

// OutboundFor builds the bus message that delivers r in reply to msg.
func OutboundFor(msg bus.InboundMessage, r Reply) bus.OutboundMessage {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: r.Text,
		Metadata: map[string]string{
			bus.MetaAccountID: msg.Metadata[bus.MetaAccountID],
		},
	}
	if id := msg.Metadata[bus.MetaMessageID]; id != "" {
		out.Metadata[bus.MetaReplyTo] = id
	}
	urls := r.MediaURLs
	if len(urls) == 0 && r.MediaURL != "" {
		urls = []string{r.MediaURL}
	}
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out.Media = append(out.Media, bus.MediaAttachment{URL: u})
		}
	}
	return out
}

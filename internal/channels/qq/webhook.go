package qq

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
	"github.com/nextlevelbuilder/qqbridge/internal/tracing"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultBodyTimeout  = 20 * time.Second
	ambiguousTargetText = "ambiguous webhook target: use distinct webhookPath per account"
)

// RegistryOptions bound inbound body reads and rate limiting.
type RegistryOptions struct {
	MaxBodyBytes int64
	BodyTimeout  time.Duration
	RateLimiter  *channels.WebhookRateLimiter // nil disables limiting
}

// Registry multiplexes QQ accounts onto one listener by webhook path.
// It implements channels.WebhookHandler.
type Registry struct {
	targets     *channels.WebhookTargets[*Channel]
	maxBody     int64
	bodyTimeout time.Duration
	limiter     *channels.WebhookRateLimiter
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = DefaultBodyTimeout
	}
	return &Registry{
		targets:     channels.NewWebhookTargets[*Channel](),
		maxBody:     opts.MaxBodyBytes,
		bodyTimeout: opts.BodyTimeout,
		limiter:     opts.RateLimiter,
	}
}

// Register adds ch under path and returns its unregister function.
func (r *Registry) Register(path string, ch *Channel) func() {
	return r.targets.Register(path, ch)
}

// Paths lists the registered webhook paths.
func (r *Registry) Paths() []string { return r.targets.Paths() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(text))
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWebhook serves a request when its path belongs to a registered
// account and reports false otherwise, so the listener can try other handlers.
func (r *Registry) HandleWebhook(w http.ResponseWriter, req *http.Request) bool {
	targets := r.targets.Resolve(req.URL.Path)
	if len(targets) == 0 {
		return false
	}

	accountLabel := targets[0].account.AccountID
	status := r.serve(w, req, targets)
	if len(targets) > 1 {
		accountLabel = "ambiguous"
	}
	metrics.Default().IncWebhook(accountLabel, strconv.Itoa(status))
	return true
}

func (r *Registry) serve(w http.ResponseWriter, req *http.Request, targets []*Channel) int {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return http.StatusMethodNotAllowed
	}
	if len(targets) > 1 {
		slog.Warn("security.qq_webhook_ambiguous", "path", req.URL.Path, "targets", len(targets))
		writeText(w, http.StatusConflict, ambiguousTargetText)
		return http.StatusConflict
	}
	if r.limiter.Enabled() && !r.limiter.Allow(remoteKey(req)) {
		slog.Warn("security.qq_webhook_rate_limited", "remote", remoteKey(req), "path", req.URL.Path)
		writeText(w, http.StatusTooManyRequests, "Too Many Requests")
		return http.StatusTooManyRequests
	}

	body, err := channels.ReadLimitedBody(req, r.maxBody, r.bodyTimeout)
	if err != nil {
		berr, ok := channels.IsBodyReadError(err)
		if !ok {
			berr = &channels.BodyReadError{Kind: channels.BodyMalformed, Err: err}
		}
		writeText(w, berr.StatusCode(), berr.StatusText())
		return berr.StatusCode()
	}
	if !json.Valid(body) {
		berr := &channels.BodyReadError{Kind: channels.BodyMalformed}
		writeText(w, berr.StatusCode(), berr.StatusText())
		return berr.StatusCode()
	}
	return targets[0].handleEnvelope(w, req, body)
}

// handleEnvelope authenticates the raw body and runs the op-code state machine.
func (c *Channel) handleEnvelope(w http.ResponseWriter, req *http.Request, body []byte) int {
	requestID := uuid.NewString()
	ctx, span := tracing.Tracer().Start(req.Context(), "qq.webhook", trace.WithAttributes(
		attribute.String("qq.account", c.account.AccountID),
		attribute.String("qq.request_id", requestID),
	))
	defer span.End()

	sig := req.Header.Get(protocol.HeaderSignature)
	ts := req.Header.Get(protocol.HeaderTimestamp)
	if !VerifySignature(c.account.AppSecret, sig, ts, body) {
		slog.Warn("security.qq_signature_invalid", "account", c.account.AccountID, "request_id", requestID)
		writeText(w, http.StatusUnauthorized, "unauthorized")
		return http.StatusUnauthorized
	}

	env, err := protocol.ParseEnvelope(body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Bad Request")
		return http.StatusBadRequest
	}
	op := env.OpCode()
	span.SetAttributes(attribute.Int("qq.op", op))

	switch op {
	case protocol.OpCallbackValidation:
		var vr protocol.ValidationRequest
		if !env.DataObject() || !decodeValidation(env.D, &vr) {
			writeText(w, http.StatusBadRequest, "invalid callback validation payload")
			return http.StatusBadRequest
		}
		writeJSON(w, http.StatusOK, protocol.ValidationResponse{
			PlainToken: vr.PlainToken,
			Signature:  SignValidation(c.account.AppSecret, vr.EventTS, vr.PlainToken),
		})
		slog.Info("qq callback validation answered", "account", c.account.AccountID)
		return http.StatusOK

	case protocol.OpHeartbeat:
		writeJSON(w, http.StatusOK, protocol.HeartbeatAck(env.Sequence()))
		return http.StatusOK

	case protocol.OpDispatch:
		c.markInbound()
		eventType := env.EventType()
		span.SetAttributes(attribute.String("qq.event_type", eventType))
		metrics.Default().IncDispatchEvent(c.account.AccountID, eventType)
		if protocol.IsMessageEvent(eventType) && env.DataObject() {
			if !c.dispatchAsync(trace.SpanContextFromContext(ctx), requestID, eventType, env.D) {
				slog.Debug("qq dispatch skipped, account stopping", "account", c.account.AccountID, "request_id", requestID)
			}
		}
		writeJSON(w, http.StatusOK, protocol.DispatchAck(true))
		return http.StatusOK
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	return http.StatusOK
}

// decodeValidation requires plain_token and event_ts to be non-empty strings.
func decodeValidation(raw json.RawMessage, out *protocol.ValidationRequest) bool {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	token, ok1 := fields["plain_token"].(string)
	ts, ok2 := fields["event_ts"].(string)
	if !ok1 || !ok2 || token == "" || ts == "" {
		return false
	}
	out.PlainToken, out.EventTS = token, ts
	return true
}

// dispatchAsync processes a message event after the ack has been written.
// Failures end in the log; the platform has already been acked. It reports
// false without dispatching once Stop has begun.
func (c *Channel) dispatchAsync(parent trace.SpanContext, requestID, eventType string, data json.RawMessage) bool {
	c.mu.Lock()
	if c.unregister == nil {
		c.mu.Unlock()
		return false
	}
	base := c.procCtx
	c.inflight.Add(1)
	c.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	raw := append(json.RawMessage(nil), data...)

	go func() {
		defer c.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("qq dispatch panic", "account", c.account.AccountID, "request_id", requestID, "panic", rec)
			}
		}()

		ctx := trace.ContextWithRemoteSpanContext(base, parent)
		ctx, span := tracing.Tracer().Start(ctx, "qq.dispatch", trace.WithAttributes(
			attribute.String("qq.event_type", eventType),
		))
		defer span.End()

		msg, ok := ParseMessage(eventType, raw, c.now())
		if !ok {
			return
		}
		if err := c.processMessage(ctx, msg); err != nil {
			span.RecordError(err)
			c.setError(err)
			slog.Error("qq dispatch failed", "account", c.account.AccountID, "request_id", requestID, "error", err)
		}
	}()
	return true
}

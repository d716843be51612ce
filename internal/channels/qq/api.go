package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/qqbridge/internal/tracing"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

// APIError is returned for non-2xx responses from the outbound API.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return "QQ official API failed: " + e.Message
}

// APIClient performs authenticated calls against the platform API.
type APIClient struct {
	creds      Credentials
	tokens     *TokenCache
	httpClient *http.Client
}

// NewAPIClient creates a client for creds. A nil tokens uses the
// process-wide token cache.
func NewAPIClient(creds Credentials, tokens *TokenCache) *APIClient {
	if tokens == nil {
		tokens = sharedTokens
	}
	return &APIClient{
		creds:      creds,
		tokens:     tokens,
		httpClient: tokens.httpClient,
	}
}

// MessageResponse is the send endpoint response. Either id field may be
// missing, and either may come back as a number.
type MessageResponse struct {
	ID        any `json:"id,omitempty"`
	MessageID any `json:"message_id,omitempty"`
}

// ResolvedID returns id, falling back to message_id, as a string.
func (r MessageResponse) ResolvedID() string {
	for _, v := range []any{r.ID, r.MessageID} {
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return formatNumber(x)
		}
	}
	return ""
}

// BotIdentity is the /users/@me response.
type BotIdentity struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// call issues one authenticated request and decodes the response body into
// out. A non-JSON success body is tolerated and leaves out untouched.
func (c *APIClient) call(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, span := tracing.Tracer().Start(ctx, "qq.api "+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("qq.path", path))

	err := c.doCall(ctx, method, path, body, timeout, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *APIClient) doCall(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	token, err := c.tokens.Token(ctx, c.creds, timeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, NormalizeAPIBaseURL(c.creds.APIBaseURL)+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", protocol.AuthorizationPrefix+token)
	req.Header.Set(protocol.HeaderAppID, c.creds.AppID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("QQ official API request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("QQ official API read body: %w", err)
	}

	var parsed any
	hasJSON := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &parsed) == nil

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fallback := string(raw)
		if fallback == "" {
			fallback = http.StatusText(resp.StatusCode)
		}
		msg := fallback
		if hasJSON {
			msg = apiErrorMessage(parsed, fallback)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, Body: string(raw)}
	}

	if out != nil && hasJSON {
		// A success body of an unexpected shape is not an error.
		_ = json.Unmarshal(raw, out)
	}
	return nil
}

func (c *APIClient) sendMessage(ctx context.Context, kind, id, content, replyTo string) (MessageResponse, error) {
	path := fmt.Sprintf("/v2/%s/%s/messages", kind, url.PathEscape(id))
	var resp MessageResponse
	err := c.call(ctx, http.MethodPost, path, protocol.OutboundMessage{
		Content: content,
		MsgType: protocol.MessageTypeText,
		MsgID:   strings.TrimSpace(replyTo),
	}, 0, &resp)
	return resp, err
}

// SendGroupMessage posts a text message to a group.
func (c *APIClient) SendGroupMessage(ctx context.Context, groupID, content, replyTo string) (MessageResponse, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return MessageResponse{}, errors.New("groupId is required")
	}
	return c.sendMessage(ctx, "groups", groupID, content, replyTo)
}

// SendC2CMessage posts a text message to a user.
func (c *APIClient) SendC2CMessage(ctx context.Context, userID, content, replyTo string) (MessageResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return MessageResponse{}, errors.New("userId is required")
	}
	return c.sendMessage(ctx, "users", userID, content, replyTo)
}

// GetBotIdentity fetches the bot's own profile. Timeout defaults to 4s.
func (c *APIClient) GetBotIdentity(ctx context.Context, timeout time.Duration) (BotIdentity, error) {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	var ident BotIdentity
	err := c.call(ctx, http.MethodGet, "/users/@me", nil, timeout, &ident)
	return ident, err
}

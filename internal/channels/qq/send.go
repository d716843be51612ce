package qq

import (
	"context"
	"errors"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
)

// ErrMissingCredentials is reported when an account lacks an app id or secret.
var ErrMissingCredentials = errors.New("missing QQ official credentials (appId/appSecret)")

// SendOptions carries the optional parts of an outbound message.
type SendOptions struct {
	MediaURL string
	Caption  string
	ReplyTo  string
}

// SendResult is the outcome of one send. Errors never escape SendMessage.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// buildTextPayload appends a link-only attachment line, caption first.
func buildTextPayload(text, mediaURL, caption string) string {
	text = strings.TrimSpace(text)
	mediaURL = strings.TrimSpace(mediaURL)
	if mediaURL == "" {
		return text
	}
	lead := strings.TrimSpace(caption)
	if lead == "" {
		lead = text
	}
	if lead == "" {
		return mediaURL
	}
	return lead + "\n\nAttachment: " + mediaURL
}

// SendMessage parses target, builds the text and posts it through client.
func SendMessage(ctx context.Context, client *APIClient, target, text string, opts SendOptions) SendResult {
	t, err := ParseTarget(target)
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	message := buildTextPayload(text, opts.MediaURL, opts.Caption)
	if strings.TrimSpace(message) == "" {
		return SendResult{Error: "message text is empty"}
	}

	if client == nil || strings.TrimSpace(client.creds.AppID) == "" || strings.TrimSpace(client.creds.AppSecret) == "" {
		return SendResult{Error: ErrMissingCredentials.Error()}
	}

	var resp MessageResponse
	if t.Kind == TargetGroup {
		resp, err = client.SendGroupMessage(ctx, t.ID, message, opts.ReplyTo)
	} else {
		resp, err = client.SendC2CMessage(ctx, t.ID, message, opts.ReplyTo)
	}
	if err != nil {
		metrics.Default().IncOutbound(string(t.Kind), "error")
		return SendResult{Error: err.Error()}
	}
	metrics.Default().IncOutbound(string(t.Kind), "ok")
	return SendResult{OK: true, MessageID: resp.ResolvedID()}
}

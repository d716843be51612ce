package qq

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
)

// ReplyPayload is one agent reply: text plus link-only media.
type ReplyPayload struct {
	Text      string
	MediaURLs []string
	MediaURL  string
}

// BuildReplyText converts markdown tables, trims, and appends one
// "Attachment: <url>" line per media reference.
func BuildReplyText(p ReplyPayload, tableMode channels.TableMode) string {
	text := strings.TrimSpace(channels.ConvertMarkdownTables(p.Text, tableMode))

	media := p.MediaURLs
	if len(media) == 0 && p.MediaURL != "" {
		media = []string{p.MediaURL}
	}
	lines := make([]string, 0, len(media))
	for _, u := range media {
		lines = append(lines, "Attachment: "+u)
	}
	block := strings.Join(lines, "\n")

	switch {
	case text != "" && block != "":
		return text + "\n\n" + block
	case text != "":
		return text
	default:
		return block
	}
}

// Deliver chunks a reply and sends the chunks in order. Only the first chunk
// carries replyTo. A failed chunk is logged and the rest are still sent; an
// error is returned only when nothing was delivered.
func (c *Channel) Deliver(ctx context.Context, target string, p ReplyPayload, replyTo string) error {
	text := BuildReplyText(p, c.account.TableMode)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	chunks := channels.ChunkText(text, c.account.ChunkLimit(), c.account.ChunkMode)
	var lastErr string
	sent := 0
	for _, chunk := range chunks {
		res := SendMessage(ctx, c.api, target, chunk, SendOptions{ReplyTo: replyTo})
		replyTo = ""
		if !res.OK {
			lastErr = res.Error
			slog.Error("qq send failed", "account", c.account.AccountID, "target", target, "error", res.Error)
			continue
		}
		sent++
		c.markOutbound()
	}
	if sent == 0 && lastErr != "" {
		err := errors.New(lastErr)
		c.setError(err)
		return err
	}
	return nil
}

package qq

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// PairingApprovedMessage is sent to a sender once their pairing is approved.
const PairingApprovedMessage = "QQ pairing approved. You can now message this bot."

// DirectoryEntry is one known peer or group.
type DirectoryEntry struct {
	Kind string `json:"kind"` // "user" or "group"
	ID   string `json:"id"`
}

func matchesQuery(id, q string) bool {
	return q == "" || strings.Contains(strings.ToLower(id), q)
}

// ListPeers returns the user ids named in allow_from and group_allow_from,
// wildcards excluded.
func ListPeers(a Account, query string, limit int) []DirectoryEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	seen := make(map[string]bool)
	var out []DirectoryEntry
	for _, list := range [][]string{a.AllowFrom, a.GroupAllowFrom} {
		for _, e := range list {
			id := NormalizeAllowEntry(e)
			if id == "" || id == "*" || seen[id] {
				continue
			}
			seen[id] = true
			if !matchesQuery(id, q) {
				continue
			}
			out = append(out, DirectoryEntry{Kind: "user", ID: id})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListGroups returns the configured groups that are not switched off.
func ListGroups(a Account, query string, limit int) []DirectoryEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	keys := make([]string, 0, len(a.Groups))
	for k := range a.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []DirectoryEntry
	for _, k := range keys {
		if k == "*" {
			continue
		}
		g := a.Groups[k]
		id := strings.TrimSpace(k)
		if len(id) >= 6 && strings.EqualFold(id[:6], "group:") {
			id = id[6:]
		}
		if id == "" {
			continue
		}
		if g != nil && ((g.Enabled != nil && !*g.Enabled) || (g.Allow != nil && !*g.Allow)) {
			continue
		}
		if !matchesQuery(id, q) {
			continue
		}
		out = append(out, DirectoryEntry{Kind: "group", ID: "group:" + id})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// NotifyApproved tells a newly approved sender they can talk to the bot.
func (c *Channel) NotifyApproved(ctx context.Context, senderID string) error {
	res := SendMessage(ctx, c.api, "user:"+senderID, PairingApprovedMessage, SendOptions{})
	if !res.OK {
		if res.Error == "" {
			res.Error = "failed to send pairing approval"
		}
		return errors.New(res.Error)
	}
	c.markOutbound()
	return nil
}

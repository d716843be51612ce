// Package http serves the bridge's admin API: pairing approval, account
// status and probes, directory listing and session inspection.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// extractBearerToken returns the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireToken wraps next with bearer authentication. With no token
// configured every caller is refused.
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: gateway.token not set")
			return
		}
		if extractBearerToken(r) != token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

// qqChannels returns the running QQ channels registered with mgr, sorted by
// channel name.
func qqChannels(mgr *channels.Manager) []*qq.Channel {
	var out []*qq.Channel
	for _, name := range mgr.GetEnabledChannels() {
		ch, ok := mgr.GetChannel(name)
		if !ok {
			continue
		}
		if c, ok := ch.(*qq.Channel); ok {
			out = append(out, c)
		}
	}
	return out
}

func qqChannel(mgr *channels.Manager, accountID string) (*qq.Channel, bool) {
	ch, ok := mgr.GetChannel("qq:" + qq.NormalizeAccountID(accountID))
	if !ok {
		return nil, false
	}
	c, ok := ch.(*qq.Channel)
	return c, ok
}

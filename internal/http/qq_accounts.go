package http

import (
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
)

const (
	probeTimeout  = 4 * time.Second
	probeParallel = 4
)

// QQHandler exposes per-account status and the allow-list directory.
type QQHandler struct {
	channels *channels.Manager
	token    string
}

func NewQQHandler(mgr *channels.Manager, token string) *QQHandler {
	return &QQHandler{channels: mgr, token: token}
}

// RegisterRoutes registers the QQ account routes on the given mux.
func (h *QQHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/qq/accounts", requireToken(h.token, h.handleAccounts))
	mux.HandleFunc("GET /v1/qq/accounts/{id}/peers", requireToken(h.token, h.handlePeers))
	mux.HandleFunc("GET /v1/qq/accounts/{id}/groups", requireToken(h.token, h.handleGroups))
}

func (h *QQHandler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	chans := qqChannels(h.channels)
	snaps := make([]qq.Snapshot, len(chans))
	for i, c := range chans {
		snaps[i] = c.Snapshot()
	}

	if r.URL.Query().Get("probe") != "" {
		var g errgroup.Group
		g.SetLimit(probeParallel)
		for i, c := range chans {
			g.Go(func() error {
				res := c.Probe(r.Context(), probeTimeout)
				snaps[i].Probe = &res
				return nil
			})
		}
		g.Wait()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": snaps})
}

func (h *QQHandler) handlePeers(w http.ResponseWriter, r *http.Request) {
	c, ok := qqChannel(h.channels, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	entries := qq.ListPeers(c.Account(), r.URL.Query().Get("q"), queryLimit(r, 0, 1000))
	if entries == nil {
		entries = []qq.DirectoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *QQHandler) handleGroups(w http.ResponseWriter, r *http.Request) {
	c, ok := qqChannel(h.channels, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	entries := qq.ListGroups(c.Account(), r.URL.Query().Get("q"), queryLimit(r, 0, 1000))
	if entries == nil {
		entries = []qq.DirectoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

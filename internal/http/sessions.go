package http

import (
	"net/http"

	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
)

// SessionsHandler lists routed sessions.
type SessionsHandler struct {
	sessions *sessions.Manager
	token    string
}

func NewSessionsHandler(m *sessions.Manager, token string) *SessionsHandler {
	return &SessionsHandler{sessions: m, token: token}
}

func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", requireToken(h.token, h.handleList))
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List(r.URL.Query().Get("agent"))
	if n := queryLimit(r, 0, 1000); n > 0 && len(list) > n {
		list = list[:n]
	}
	if list == nil {
		list = []sessions.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

// PairingHandler lists and approves pending DM pairing requests.
type PairingHandler struct {
	store    store.PairingStore
	channels *channels.Manager
	token    string
}

func NewPairingHandler(s store.PairingStore, mgr *channels.Manager, token string) *PairingHandler {
	return &PairingHandler{store: s, channels: mgr, token: token}
}

// RegisterRoutes registers the pairing routes on the given mux.
func (h *PairingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pairing/requests", requireToken(h.token, h.handleList))
	mux.HandleFunc("POST /v1/pairing/approve", requireToken(h.token, h.handleApprove))
}

func (h *PairingHandler) handleList(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.store.ListRequests(r.Context(), qq.PairingChannel)
	if err != nil {
		slog.Error("pairing: list requests", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list pairing requests")
		return
	}
	if reqs == nil {
		reqs = []store.PairingRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

type approveRequest struct {
	Codes  []string `json:"codes"`
	Notify *bool    `json:"notify,omitempty"` // default true
}

func (h *PairingHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var codes []string
	for _, c := range body.Codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		writeError(w, http.StatusBadRequest, "codes is required")
		return
	}

	approved, err := h.store.Approve(r.Context(), qq.PairingChannel, codes...)
	if errors.Is(err, store.ErrPairingNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		slog.Error("pairing: approve", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to approve pairing")
		return
	}

	notify := body.Notify == nil || *body.Notify
	notified := make(map[string]string, len(approved))
	for _, req := range approved {
		if !notify {
			continue
		}
		ch, ok := qqChannel(h.channels, req.Meta["account_id"])
		if !ok {
			notified[req.SenderID] = "account not running"
			continue
		}
		if err := ch.NotifyApproved(r.Context(), req.SenderID); err != nil {
			slog.Warn("pairing: approval notice failed", "sender", req.SenderID, "error", err)
			notified[req.SenderID] = err.Error()
			continue
		}
		notified[req.SenderID] = "ok"
	}

	slog.Info("pairing: approved", "count", len(approved))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approved": approved,
		"notified": notified,
	})
}

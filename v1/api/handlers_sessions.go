package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/session"
)

// SessionHandler handles session HTTP requests.
type SessionHandler struct {
	base     context.Context
	sessions *session.Registry
}

// NewSessionHandler creates a session handler. Sessions opened through it
// live until Disconnect or until base is done.
func NewSessionHandler(base context.Context, sessions *session.Registry) *SessionHandler {
	return &SessionHandler{base: base, sessions: sessions}
}

type connectRequest struct {
	User string `json:"user"`
}

type touchResponse struct {
	Held      bool       `json:"held"`
	ItemID    string     `json:"itemId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Connect handles POST /sessions
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	s := h.sessions.Connect(h.base, req.User)
	writeJSON(w, http.StatusCreated, s)
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Disconnect handles DELETE /sessions/{id}
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Touch handles POST /sessions/{id}/touch
func (h *SessionHandler) Touch(w http.ResponseWriter, r *http.Request) {
	l, held, err := h.sessions.Touch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	writeJSON(w, http.StatusOK, touched(l, held))
}

func touched(l lease.Lease, held bool) touchResponse {
	if !held {
		return touchResponse{}
	}
	exp := l.ExpiresAt
	return touchResponse{Held: true, ItemID: l.ItemID, ExpiresAt: &exp}
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mirkobrombin/go-todolock/v1/gateway"
	"github.com/mirkobrombin/go-todolock/v1/session"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

// TodoHandler handles todo and edit HTTP requests.
type TodoHandler struct {
	gw       *gateway.Gateway
	sessions *session.Registry
}

// NewTodoHandler creates a new todo handler.
func NewTodoHandler(gw *gateway.Gateway, sessions *session.Registry) *TodoHandler {
	return &TodoHandler{gw: gw, sessions: sessions}
}

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Priority    int    `json:"priority"`
}

func (h *TodoHandler) reply(w http.ResponseWriter, status int, v gateway.View) {
	writeJSON(w, status, present(h.sessions, v))
}

// List handles GET /todos
func (h *TodoHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.gw.List(r.Context())
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	out := make([]todoResponse, 0, len(views))
	for _, v := range views {
		out = append(out, present(h.sessions, v))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /todos/{id}
func (h *TodoHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.gw.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusOK, v)
}

// Create handles POST /todos
func (h *TodoHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := h.gw.Create(r.Context(), GetSession(r).ID, todo.Item{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
		Priority:    req.Priority,
	})
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusCreated, v)
}

// Apply handles PATCH /todos/{id}
func (h *TodoHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var p todo.Patch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := h.gw.Apply(r.Context(), chi.URLParam(r, "id"), GetSession(r).ID, p)
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusOK, v)
}

// Delete handles DELETE /todos/{id}
func (h *TodoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.Delete(r.Context(), chi.URLParam(r, "id"), GetSession(r).ID); err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BeginEdit handles POST /todos/{id}/edit
func (h *TodoHandler) BeginEdit(w http.ResponseWriter, r *http.Request) {
	v, err := h.gw.BeginEdit(r.Context(), chi.URLParam(r, "id"), GetSession(r).ID)
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusOK, v)
}

// CommitEdit handles PUT /todos/{id}/edit. With ?done=true the lease is
// released after the patch is stored.
func (h *TodoHandler) CommitEdit(w http.ResponseWriter, r *http.Request) {
	done := false
	if raw := r.URL.Query().Get("done"); raw != "" {
		var err error
		if done, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "done must be a boolean")
			return
		}
	}
	// An empty body only renews or finishes the edit.
	var p todo.Patch
	if err := decodeJSON(r, &p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := h.gw.CommitEdit(r.Context(), chi.URLParam(r, "id"), GetSession(r).ID, p, done)
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusOK, v)
}

// CancelEdit handles DELETE /todos/{id}/edit
func (h *TodoHandler) CancelEdit(w http.ResponseWriter, r *http.Request) {
	v, err := h.gw.CancelEdit(r.Context(), chi.URLParam(r, "id"), GetSession(r).ID)
	if err != nil {
		writeFailure(w, h.sessions, err)
		return
	}
	h.reply(w, http.StatusOK, v)
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/session"
)

// SessionParam names the session of a stream when headers cannot be set,
// as with EventSource.
const SessionParam = "session"

// EventsHandler serves the event streams. A stream opened for a session is
// that session's connection: when the last one ends the session is
// disconnected and its lease released.
type EventsHandler struct {
	events   *broadcast.Broadcaster
	sessions *session.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]int
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(events *broadcast.Broadcaster, sessions *session.Registry, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		events:   events,
		sessions: sessions,
		logger:   logger,
		streams:  make(map[string]int),
	}
}

// SSE handles GET /events
func (h *EventsHandler) SSE() http.HandlerFunc { return broadcast.StreamSSE(h.open) }

// WebSocket handles GET /events/ws
func (h *EventsHandler) WebSocket() http.HandlerFunc { return broadcast.StreamWebSocket(h.open) }

func (h *EventsHandler) open(w http.ResponseWriter, r *http.Request, f broadcast.Filter) (*broadcast.Subscription, func(), bool) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		id = r.URL.Query().Get(SessionParam)
	}
	if id == "" {
		return broadcast.RequestOpener(h.events)(w, r, f)
	}
	s, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown session")
		return nil, nil, false
	}
	h.mu.Lock()
	h.streams[id]++
	h.mu.Unlock()
	sub := s.Subscribe(h.events, f)
	return sub, func() {
		sub.Close()
		h.ended(context.WithoutCancel(r.Context()), id)
	}, true
}

func (h *EventsHandler) ended(ctx context.Context, id string) {
	h.mu.Lock()
	h.streams[id]--
	last := h.streams[id] <= 0
	if last {
		delete(h.streams, id)
	}
	h.mu.Unlock()
	if !last {
		return
	}
	if err := h.sessions.Disconnect(ctx, id); err != nil && !errors.Is(err, tlerrors.ErrNotFound) {
		h.logger.Warn("todolock: disconnecting session after its stream ended failed", "session", id, "error", err)
		return
	}
	h.logger.Debug("todolock: session stream ended", "session", id)
}


// Package api exposes the todo gateway, sessions and the event stream over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	"github.com/mirkobrombin/go-todolock/v1/gateway"
	"github.com/mirkobrombin/go-todolock/v1/session"
)

// SessionHeader carries the session id on mutating requests.
const SessionHeader = "X-Session-ID"

// Deps is what the router serves.
type Deps struct {
	// Base outlives single requests; sessions are bound to it.
	Base     context.Context
	Gateway  *gateway.Gateway
	Sessions *session.Registry
	Events   *broadcast.Broadcaster
	// Metrics is exposed on /metrics when set.
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(d Deps) *chi.Mux {
	if d.Base == nil {
		d.Base = context.Background()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(d.Logger))
	r.Use(Recovery(d.Logger))

	sessionH := NewSessionHandler(d.Base, d.Sessions)
	todoH := NewTodoHandler(d.Gateway, d.Sessions)
	eventsH := NewEventsHandler(d.Events, d.Sessions, d.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"sessions":    d.Sessions.Len(),
			"subscribers": d.Events.Subscribers(),
		})
	})
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", sessionH.Connect)
		r.Get("/{id}", sessionH.Get)
		r.Delete("/{id}", sessionH.Disconnect)
		r.Post("/{id}/touch", sessionH.Touch)
	})

	r.Route("/todos", func(r chi.Router) {
		r.Get("/", todoH.List)
		r.Get("/{id}", todoH.Get)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(d.Sessions))
			r.Post("/", todoH.Create)
			r.Patch("/{id}", todoH.Apply)
			r.Delete("/{id}", todoH.Delete)
			r.Post("/{id}/edit", todoH.BeginEdit)
			r.Put("/{id}/edit", todoH.CommitEdit)
			r.Delete("/{id}/edit", todoH.CancelEdit)
		})
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/", eventsH.SSE())
		r.Get("/ws", eventsH.WebSocket())
	})

	return r
}

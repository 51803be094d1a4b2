package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
)

// Frame is the JSON message written to streaming clients.
type Frame struct {
	Type    string       `json:"type"`
	Event   *ChangeEvent `json:"event,omitempty"`
	Items   []string     `json:"items,omitempty"`
	Dropped uint64       `json:"dropped,omitempty"`
}

const (
	FrameEvent      = "event"
	FrameOverloaded = "overloaded"
)

// nextFrame waits for the next event or overload report of sub.
func nextFrame(ctx context.Context, sub *Subscription) (Frame, error) {
	ev, err := sub.Next(ctx)
	if err != nil {
		var oe *tlerrors.OverloadError
		if errors.As(err, &oe) {
			return Frame{Type: FrameOverloaded, Items: oe.Items, Dropped: oe.Dropped}, nil
		}
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Event: &ev}, nil
}

func filterFrom(r *http.Request) Filter {
	return Filter{Items: r.URL.Query()["item"]}
}

// Opener opens the subscription behind one streaming request. When ok is
// false it has already written the response. done runs once the stream ends.
type Opener func(w http.ResponseWriter, r *http.Request, f Filter) (sub *Subscription, done func(), ok bool)

// RequestOpener subscribes to b for as long as the request lasts.
func RequestOpener(b *Broadcaster) Opener {
	return func(_ http.ResponseWriter, r *http.Request, f Filter) (*Subscription, func(), bool) {
		sub := b.Subscribe(r.Context(), f)
		return sub, sub.Close, true
	}
}

// SSEHandler streams events over Server-Sent Events. Items are selected with
// repeated "item" query parameters; without any, every item is streamed.
func SSEHandler(b *Broadcaster) http.HandlerFunc {
	return StreamSSE(RequestOpener(b))
}

// StreamSSE is SSEHandler over subscriptions opened by open.
func StreamSSE(open Opener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		sub, done, ok := open(w, r, filterFrom(r))
		if !ok {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer func() {
			cancel()
			done()
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			frame, err := nextFrame(ctx, sub)
			if err != nil {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams events over WebSocket, one JSON Frame per text
// message. Items are selected as for SSEHandler.
func WebSocketHandler(b *Broadcaster) http.HandlerFunc {
	return StreamWebSocket(RequestOpener(b))
}

// StreamWebSocket is WebSocketHandler over subscriptions opened by open. The
// subscription is opened before the upgrade so open can still refuse it.
func StreamWebSocket(open Opener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, done, ok := open(w, r, filterFrom(r))
		if !ok {
			return
		}
		defer done()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// The read loop only exists to notice the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			frame, err := nextFrame(ctx, sub)
			if err != nil {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

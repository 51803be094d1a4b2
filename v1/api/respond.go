package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/gateway"
	"github.com/mirkobrombin/go-todolock/v1/session"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// conflictResponse is the body of a 423 reply.
type conflictResponse struct {
	Error             string    `json:"error"`
	ItemID            string    `json:"itemId"`
	LockedBy          string    `json:"lockedBy"`
	LockedBySession   string    `json:"lockedBySession"`
	LockedAt          time.Time `json:"lockedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	RetryAfterSeconds int       `json:"retryAfterSeconds"`
}

type busyResponse struct {
	Error  string `json:"error"`
	ItemID string `json:"itemId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// retrySeconds rounds up so clients never retry before the lease ends.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// writeFailure maps domain errors to HTTP replies.
func writeFailure(w http.ResponseWriter, sessions *session.Registry, err error) {
	var ce *tlerrors.ConflictError
	var be *tlerrors.SessionBusyError
	switch {
	case errors.As(err, &ce):
		secs := retrySeconds(ce.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusLocked, conflictResponse{
			Error:             err.Error(),
			ItemID:            ce.ItemID,
			LockedBy:          userOf(sessions, ce.HeldBy),
			LockedBySession:   ce.HeldBy,
			LockedAt:          ce.LockedAt,
			ExpiresAt:         ce.ExpiresAt,
			RetryAfterSeconds: secs,
		})
	case errors.As(err, &be):
		writeJSON(w, http.StatusConflict, busyResponse{Error: err.Error(), ItemID: be.ItemID})
	case errors.Is(err, tlerrors.ErrNotHolder), errors.Is(err, tlerrors.ErrLeaseExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tlerrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, todo.ErrEmptyTitle), errors.Is(err, gateway.ErrEmptyPatch),
		errors.Is(err, tlerrors.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tlerrors.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, tlerrors.ErrConnectionClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// userOf names the user behind a lease holder, falling back to the holder
// itself once the session is gone.
func userOf(sessions *session.Registry, holder string) string {
	if holder == "" {
		return ""
	}
	if u, ok := sessions.User(holder); ok {
		return u
	}
	return holder
}

// lockResponse adds the user name to the lock state.
type lockResponse struct {
	todo.LockState
	User string `json:"user,omitempty"`
}

type todoResponse struct {
	todo.Item
	Lock lockResponse `json:"lock"`
}

func present(sessions *session.Registry, v gateway.View) todoResponse {
	return todoResponse{
		Item: v.Item,
		Lock: lockResponse{LockState: v.Lock, User: userOf(sessions, v.Lock.LockedBy)},
	}
}

// Package session tracks connected clients. A session is the lease holder
// for everything its client edits, and ending the session releases its
// lease right away instead of waiting for expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/metrics"
)

// Session is one connected client.
type Session struct {
	ID          string    `json:"id"`
	User        string    `json:"user"`
	ConnectedAt time.Time `json:"connectedAt"`

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is canceled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Subscribe opens a subscription that ends together with the session.
func (s *Session) Subscribe(b *broadcast.Broadcaster, f broadcast.Filter) *broadcast.Subscription {
	return b.Subscribe(s.ctx, f)
}

// Registry owns the live sessions.
type Registry struct {
	leases *lease.Manager
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty Registry releasing leases through leases.
func NewRegistry(leases *lease.Manager, opts ...Option) *Registry {
	r := &Registry{
		leases:   leases,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect opens a session for user. The session ends when ctx is done or
// Disconnect is called.
func (r *Registry) Connect(ctx context.Context, user string) *Session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:          uuid.NewString(),
		User:        user,
		ConnectedAt: r.leases.Now(),
		ctx:         sctx,
		cancel:      cancel,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	metrics.SessionGauge.Inc()
	r.logger.Debug("todolock: session connected", "session", s.ID, "user", user)

	go func() {
		select {
		case <-ctx.Done():
			if err := r.Disconnect(context.WithoutCancel(ctx), s.ID); err != nil {
				r.logger.Warn("todolock: session teardown failed", "session", s.ID, "error", err)
			}
		case <-sctx.Done():
		}
	}()
	return s
}

// Disconnect ends the session id and releases its lease. Unknown ids
// report ErrNotFound.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, tlerrors.ErrNotFound)
	}
	metrics.SessionGauge.Dec()
	s.cancel()
	r.logger.Debug("todolock: session disconnected", "session", id, "user", s.User)
	return r.leases.ReleaseHolder(ctx, id)
}

// Get returns the session id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// User returns the user behind a session id, which is also the lease holder.
func (r *Registry) User(id string) (string, bool) {
	s, ok := r.Get(id)
	if !ok {
		return "", false
	}
	return s.User, true
}

// Touch records client activity and renews the lease the session holds, if
// any. held is false when the session leases nothing.
func (r *Registry) Touch(ctx context.Context, id string) (l lease.Lease, held bool, err error) {
	if _, ok := r.Get(id); !ok {
		return lease.Lease{}, false, fmt.Errorf("session %s: %w", id, tlerrors.ErrNotFound)
	}
	item, ok := r.leases.Held(id)
	if !ok {
		return lease.Lease{}, false, nil
	}
	l, err = r.leases.Renew(ctx, item, id)
	if err != nil {
		return lease.Lease{}, false, err
	}
	return l, true, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disconnects every session. Sessions that end concurrently are not
// reported.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	var firstErr error
	for _, id := range ids {
		err := r.Disconnect(ctx, id)
		if errors.Is(err, tlerrors.ErrNotFound) {
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

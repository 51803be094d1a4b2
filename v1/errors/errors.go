package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockConflict is returned when another holder owns a live lease.
	ErrLockConflict = errors.New("todolock: item is locked by another session")
	// ErrNotHolder is returned when the caller does not own the lease.
	ErrNotHolder = errors.New("todolock: caller does not hold the lease")
	// ErrLeaseExpired is returned when the caller's own lease has lapsed.
	ErrLeaseExpired = errors.New("todolock: lease expired")
	// ErrSubscriberOverloaded signals that events were shed for a subscriber.
	ErrSubscriberOverloaded = errors.New("todolock: subscriber overloaded")
	// ErrSessionBusy is returned when a session already holds a lease on
	// another item and the session policy rejects a second one.
	ErrSessionBusy = errors.New("todolock: session already holds a lease")
	// ErrInvariant marks an internal invariant violation isolated to one item.
	ErrInvariant = errors.New("todolock: invariant violation")
	ErrNotFound  = errors.New("todolock: not found")
	// ErrInvalidDuration is returned when a non-positive lease duration is used.
	ErrInvalidDuration = errors.New("todolock: lease duration must be positive")
)

// ConflictError describes the live lease that blocked an acquisition.
type ConflictError struct {
	ItemID     string
	HeldBy     string
	LockedAt   time.Time
	ExpiresAt  time.Time
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("todolock: item %s is locked by %s, retry in %s",
		e.ItemID, e.HeldBy, e.RetryAfter.Round(time.Second))
}

// Is reports ErrLockConflict as the sentinel for ConflictError.
func (e *ConflictError) Is(target error) bool { return target == ErrLockConflict }

// OverloadError lists the items whose events were shed since the last delivery.
type OverloadError struct {
	Items   []string
	Dropped uint64
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("todolock: subscriber overloaded, %d events dropped for [%s]",
		e.Dropped, strings.Join(e.Items, ","))
}

func (e *OverloadError) Is(target error) bool { return target == ErrSubscriberOverloaded }

// SessionBusyError reports the item a session already holds.
type SessionBusyError struct {
	Holder string
	ItemID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("todolock: session %s already holds item %s", e.Holder, e.ItemID)
}

func (e *SessionBusyError) Is(target error) bool { return target == ErrSessionBusy }

package lease

import "time"

// DefaultDuration is used when neither the caller nor the Manager options
// specify a lease duration.
const DefaultDuration = 5 * time.Minute

// Lease is the exclusive edit ownership of one todo item.
type Lease struct {
	// ID identifies the grant and is kept across renewals.
	ID         string    `json:"id"`
	ItemID     string    `json:"itemId"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	// Duration is added to the renewal time on every renewal.
	Duration time.Duration `json:"duration"`
	// Generation changes on every grant and renewal.
	Generation uint64 `json:"generation"`
}

// Live reports whether the lease is still valid at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Remaining returns the time left before the lease expires.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Grant is the outcome of a successful acquisition.
type Grant struct {
	Lease Lease
	// Renewed is true when the caller already held the lease.
	Renewed bool
}

// SessionPolicy decides what happens when a holder that already owns a lease
// on one item asks for another.
type SessionPolicy int

const (
	// PolicyReject refuses the second acquisition with ErrSessionBusy.
	PolicyReject SessionPolicy = iota
	// PolicyTransfer releases the current lease before acquiring the new one.
	PolicyTransfer
)

// ParseSessionPolicy maps a configuration value to a SessionPolicy.
func ParseSessionPolicy(s string) (SessionPolicy, bool) {
	switch s {
	case "", "reject":
		return PolicyReject, true
	case "transfer":
		return PolicyTransfer, true
	}
	return PolicyReject, false
}

func (p SessionPolicy) String() string {
	if p == PolicyTransfer {
		return "transfer"
	}
	return "reject"
}

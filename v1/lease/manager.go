package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-todolock/v1/lease")

const (
	// maxAcquireAttempts bounds the retries caused by a holder racing itself
	// on two items.
	maxAcquireAttempts = 3
	// expiryRetry is the delay before retrying an expiry the store refused.
	expiryRetry = time.Second
)

// Publisher receives the lock transitions produced by a Manager.
type Publisher interface {
	Publish(ev broadcast.ChangeEvent) broadcast.ChangeEvent
}

// Manager grants, renews, releases and expires leases.
type Manager struct {
	store    Store
	events   Publisher
	clock    clock.WithDelayedExecution
	logger   *slog.Logger
	duration time.Duration
	policy   SessionPolicy

	slots   *slotTable
	holders *holderIndex
	gen     atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where lock transitions are published.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithClock sets the clock used for timestamps and expiry timers.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDuration sets the lease duration used when Acquire gets zero.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.duration = d
		}
	}
}

// WithSessionPolicy sets how a second acquisition by the same holder is
// handled.
func WithSessionPolicy(p SessionPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager returns a Manager backed by store. A nil store means an
// InMemoryStore.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewInMemoryStore()
	}
	m := &Manager{
		store:    store,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		duration: DefaultDuration,
		policy:   PolicyReject,
		slots:    newSlotTable(),
		holders:  newHolderIndex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Duration returns the default lease duration.
func (m *Manager) Duration() time.Duration { return m.duration }

// Now returns the current time of the Manager clock.
func (m *Manager) Now() time.Time { return m.clock.Now() }

// Acquire grants itemID to holder for d, or for the default duration when d
// is zero. If holder already owns the lease it is renewed silently and
// Grant.Renewed is set. If another holder owns it, a *errors.ConflictError
// is returned.
func (m *Manager) Acquire(ctx context.Context, itemID, holder string, d time.Duration) (Grant, error) {
	if d == 0 {
		d = m.duration
	}
	if d < 0 {
		return Grant{}, tlerrors.ErrInvalidDuration
	}
	ctx, span := startSpan(ctx, "acquire", itemID, holder)
	defer span.End()

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		moved, err := m.checkSession(ctx, itemID, holder)
		if err != nil {
			return Grant{}, spanError(span, err)
		}
		g, retry, err := m.acquire(ctx, itemID, holder, d)
		if retry {
			continue
		}
		if err != nil {
			if moved != nil {
				m.restore(ctx, *moved)
			}
			return Grant{}, spanError(span, err)
		}
		span.SetAttributes(attribute.Bool("lease.renewed", g.Renewed))
		return g, nil
	}
	cur, _ := m.holders.current(holder)
	return Grant{}, spanError(span, &tlerrors.SessionBusyError{Holder: holder, ItemID: cur})
}

// checkSession applies the session policy when holder already leases an
// item other than itemID. It runs outside the slot of itemID so two slots
// are never held at once. Under PolicyTransfer the released lease is
// returned so it can be restored if itemID turns out to be taken.
func (m *Manager) checkSession(ctx context.Context, itemID, holder string) (*Lease, error) {
	prev, ok := m.holders.current(holder)
	if !ok || prev == itemID {
		return nil, nil
	}
	cur, owned, err := m.ownedBy(ctx, prev, holder)
	if err != nil || !owned {
		return nil, err
	}
	if m.policy != PolicyTransfer {
		return nil, &tlerrors.SessionBusyError{Holder: holder, ItemID: prev}
	}
	target, held, err := m.state(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if held && target.Holder != holder {
		metrics.LeaseConflictCounter.Inc()
		return nil, conflict(itemID, target, m.clock.Now())
	}
	released, err := m.release(ctx, prev, holder)
	if err != nil || !released {
		return nil, err
	}
	return &cur, nil
}

// ownedBy reports whether holder still owns the lease of itemID. A claim
// left behind by a lease that is gone is dropped under the item slot, so it
// cannot race a grant of the same item.
func (m *Manager) ownedBy(ctx context.Context, itemID, holder string) (l Lease, owned bool, err error) {
	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return Lease{}, false, err
	}
	l, held, err := m.store.Get(ctx, itemID, now)
	if err != nil {
		return Lease{}, false, err
	}
	if !held || l.Holder != holder {
		m.holders.unclaim(holder, itemID)
		return l, false, nil
	}
	return l, true, nil
}

// restore grants back a lease given up by a transfer that failed.
func (m *Manager) restore(ctx context.Context, l Lease) {
	ctx = context.WithoutCancel(ctx)
	if _, _, err := m.acquire(ctx, l.ItemID, l.Holder, l.Duration); err != nil {
		m.logger.Warn("todolock: restoring transferred lease failed",
			"item", l.ItemID, "holder", l.Holder, "error", err)
	}
}

func conflict(itemID string, cur Lease, now time.Time) *tlerrors.ConflictError {
	return &tlerrors.ConflictError{
		ItemID:     itemID,
		HeldBy:     cur.Holder,
		LockedAt:   cur.AcquiredAt,
		ExpiresAt:  cur.ExpiresAt,
		RetryAfter: cur.Remaining(now),
	}
}

func (m *Manager) acquire(ctx context.Context, itemID, holder string, d time.Duration) (g Grant, retry bool, err error) {
	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return Grant{}, false, err
	}
	if _, ok := m.holders.claim(holder, itemID, now); !ok {
		return Grant{}, true, nil
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		m.holders.unclaim(holder, itemID)
		return Grant{}, false, err
	}
	next := Lease{
		ID:         id,
		ItemID:     itemID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(d),
		Duration:   d,
		Generation: m.gen.Add(1),
	}
	cur, renewed, err := m.store.TryInsert(ctx, next, now)
	if err != nil {
		m.holders.unclaim(holder, itemID)
		if errors.Is(err, tlerrors.ErrLockConflict) {
			metrics.LeaseConflictCounter.Inc()
			return Grant{}, false, conflict(itemID, cur, now)
		}
		return Grant{}, false, fmt.Errorf("lease: insert %s: %w", itemID, err)
	}
	if cur.ItemID != itemID || cur.Holder != holder {
		m.holders.unclaim(holder, itemID)
		return Grant{}, false, m.violation(ctx, itemID, s, "store returned a lease for another item or holder")
	}
	m.schedule(itemID, s, cur, cur.ExpiresAt.Sub(now))
	if renewed {
		metrics.LeaseRenewCounter.Inc()
		return Grant{Lease: cur, Renewed: true}, false, nil
	}
	metrics.LeaseGrantCounter.Inc()
	m.publish(broadcast.LockGranted, cur)
	return Grant{Lease: cur}, false, nil
}

// Renew extends the lease of holder on itemID by its duration.
func (m *Manager) Renew(ctx context.Context, itemID, holder string) (l Lease, err error) {
	ctx, span := startSpan(ctx, "renew", itemID, holder)
	defer span.End()

	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return Lease{}, spanError(span, err)
	}
	l, err = m.renew(ctx, itemID, holder, s, now)
	return l, spanError(span, err)
}

func (m *Manager) renew(ctx context.Context, itemID, holder string, s *slot, now time.Time) (Lease, error) {
	cur, err := m.store.Renew(ctx, itemID, holder, m.gen.Add(1), now)
	if err != nil {
		if errors.Is(err, tlerrors.ErrNotHolder) && m.holders.lapsed(holder, itemID, now) {
			err = tlerrors.ErrLeaseExpired
		}
		return Lease{}, fmt.Errorf("lease: renew %s: %w", itemID, err)
	}
	m.holders.claim(holder, itemID, now)
	m.schedule(itemID, s, cur, cur.ExpiresAt.Sub(now))
	metrics.LeaseRenewCounter.Inc()
	return cur, nil
}

// Release gives up the lease of holder on itemID. Releasing a lease held by
// someone else, or not held at all, is a no-op reported as false.
func (m *Manager) Release(ctx context.Context, itemID, holder string) (bool, error) {
	ctx, span := startSpan(ctx, "release", itemID, holder)
	defer span.End()
	ok, err := m.release(ctx, itemID, holder)
	span.SetAttributes(attribute.Bool("lease.released", ok))
	return ok, spanError(span, err)
}

func (m *Manager) release(ctx context.Context, itemID, holder string) (released bool, err error) {
	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	if err := m.settle(ctx, itemID, s, m.clock.Now()); err != nil {
		return false, err
	}
	cur, ok, err := m.store.CompareAndRelease(ctx, itemID, holder)
	if err != nil {
		return false, fmt.Errorf("lease: release %s: %w", itemID, err)
	}
	if !ok {
		m.logger.Debug("todolock: release mismatch", "item", itemID, "holder", holder, "current", cur.Holder)
		return false, nil
	}
	if s.armed.Load() && s.lease.Holder != holder {
		metrics.InvariantViolationCounter.Inc()
		m.logger.Error("todolock: invariant violation", "item", itemID,
			"reason", "released lease disagrees with the scheduled one",
			"released", holder, "scheduled", s.lease.Holder)
		m.holders.unclaim(s.lease.Holder, itemID)
	}
	m.unschedule(s)
	m.holders.unclaim(holder, itemID)
	metrics.LeaseReleaseCounter.Inc()
	m.publish(broadcast.LockReleased, cur)
	return true, nil
}

// ReleaseHolder releases whatever lease holder owns and forgets the holder.
// It is the teardown path of a disconnecting session.
func (m *Manager) ReleaseHolder(ctx context.Context, holder string) error {
	ctx, span := startSpan(ctx, "release_holder", "", holder)
	defer span.End()
	var err error
	if item, ok := m.holders.current(holder); ok {
		span.SetAttributes(attribute.String("item.id", item))
		_, err = m.release(ctx, item, holder)
	}
	m.holders.forget(holder)
	return spanError(span, err)
}

// Held returns the item holder currently leases, if any.
func (m *Manager) Held(holder string) (string, bool) {
	return m.holders.current(holder)
}

// State returns the live lease of itemID.
func (m *Manager) State(ctx context.Context, itemID string) (Lease, bool, error) {
	ctx, span := startSpan(ctx, "state", itemID, "")
	defer span.End()
	l, ok, err := m.state(ctx, itemID)
	return l, ok, spanError(span, err)
}

func (m *Manager) state(ctx context.Context, itemID string) (l Lease, ok bool, err error) {
	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return Lease{}, false, err
	}
	return m.store.Get(ctx, itemID, now)
}

// Hold renews the lease of holder on itemID and runs fn with the renewed
// lease while transitions of itemID are serialized. fn must not call back
// into the Manager for the same item.
func (m *Manager) Hold(ctx context.Context, itemID, holder string, fn func(Lease) error) (l Lease, err error) {
	ctx, span := startSpan(ctx, "hold", itemID, holder)
	defer span.End()

	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return Lease{}, spanError(span, err)
	}
	l, err = m.renew(ctx, itemID, holder, s, now)
	if err != nil {
		return Lease{}, spanError(span, err)
	}
	return l, spanError(span, fn(l))
}

// Inspect runs fn with the current lease of itemID, if any, while
// transitions of itemID are serialized. fn must not call back into the
// Manager for the same item.
func (m *Manager) Inspect(ctx context.Context, itemID string, fn func(l Lease, held bool) error) (err error) {
	ctx, span := startSpan(ctx, "inspect", itemID, "")
	defer span.End()

	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	defer m.guard(ctx, itemID, s, &err)

	now := m.clock.Now()
	if err := m.settle(ctx, itemID, s, now); err != nil {
		return spanError(span, err)
	}
	l, ok, err := m.store.Get(ctx, itemID, now)
	if err != nil {
		return spanError(span, err)
	}
	return spanError(span, fn(l, ok))
}

// schedule arms the expiry timer of l on s. Callers hold s.
func (m *Manager) schedule(itemID string, s *slot, l Lease, d time.Duration) {
	wasArmed := s.armed.Load()
	holder, gen := l.Holder, l.Generation
	s.arm(m.clock, l, d, func() {
		go m.fire(itemID, holder, gen)
	})
	if !wasArmed {
		metrics.ActiveLeaseGauge.Inc()
	}
}

// unschedule cancels the expiry timer of s. Callers hold s.
func (m *Manager) unschedule(s *slot) {
	if s.armed.Load() {
		s.disarm()
		metrics.ActiveLeaseGauge.Dec()
	}
}

// fire handles an expiry timer. Firings for a generation that was renewed,
// released or expired meanwhile are ignored.
func (m *Manager) fire(itemID, holder string, gen uint64) {
	ctx := context.Background()
	s := m.slots.lock(itemID)
	defer m.slots.unlock(itemID, s)
	var err error
	defer m.guard(ctx, itemID, s, &err)

	if !s.armed.Load() || s.lease.Generation != gen || s.lease.Holder != holder {
		return
	}
	err = m.expire(ctx, itemID, s)
}

// settle expires the scheduled lease of s if it lapsed before its timer
// fired. Callers hold s.
func (m *Manager) settle(ctx context.Context, itemID string, s *slot, now time.Time) error {
	if s.armed.Load() && !now.Before(s.lease.ExpiresAt) {
		return m.expire(ctx, itemID, s)
	}
	return nil
}

// expire drops the scheduled lease of s and publishes LockExpired. The store
// may already have evicted it on its own. Callers hold s.
func (m *Manager) expire(ctx context.Context, itemID string, s *slot) error {
	l := s.lease
	if _, _, err := m.store.CompareAndExpire(ctx, itemID, l.Holder, l.Generation); err != nil {
		m.logger.Warn("todolock: lease expiry failed, retrying",
			"item", itemID, "holder", l.Holder, "error", err)
		m.schedule(itemID, s, l, expiryRetry)
		return fmt.Errorf("lease: expire %s: %w", itemID, err)
	}
	m.unschedule(s)
	now := m.clock.Now()
	m.holders.markLapsed(l.Holder, itemID, l.ExpiresAt.Add(l.Duration), now)
	metrics.LeaseExpireCounter.Inc()
	m.logger.Debug("todolock: lease expired", "item", itemID, "holder", l.Holder)
	m.publish(broadcast.LockExpired, l)
	return nil
}

// guard turns a panic raised while handling itemID into an invariant
// violation isolated to that item. It must be deferred directly.
func (m *Manager) guard(ctx context.Context, itemID string, s *slot, errp *error) {
	if r := recover(); r != nil {
		*errp = m.violation(ctx, itemID, s, fmt.Sprint(r))
	}
}

// violation logs an inconsistency of itemID and resets that item to
// Unlocked. Callers hold s.
func (m *Manager) violation(ctx context.Context, itemID string, s *slot, reason string) error {
	metrics.InvariantViolationCounter.Inc()
	m.logger.Error("todolock: invariant violation", "item", itemID, "reason", reason)

	scheduled := s.lease
	m.unschedule(s)
	if scheduled.Holder != "" {
		m.holders.unclaim(scheduled.Holder, itemID)
	}
	evicted, ok, err := m.store.Evict(ctx, itemID)
	if err != nil {
		m.logger.Error("todolock: evicting inconsistent lease failed", "item", itemID, "error", err)
	}
	evicted.ItemID, scheduled.ItemID = itemID, itemID
	switch {
	case ok:
		m.holders.unclaim(evicted.Holder, itemID)
		m.publish(broadcast.LockReleased, evicted)
	case scheduled.Holder != "":
		m.publish(broadcast.LockReleased, scheduled)
	}
	return fmt.Errorf("%w: item %s: %s", tlerrors.ErrInvariant, itemID, reason)
}

func (m *Manager) publish(kind broadcast.Kind, l Lease) {
	if m.events == nil {
		return
	}
	m.events.Publish(broadcast.ChangeEvent{
		ItemID: l.ItemID,
		Kind:   kind,
		Payload: broadcast.LockPayload{
			LeaseID:   l.ID,
			Holder:    l.Holder,
			LockedAt:  l.AcquiredAt,
			ExpiresAt: l.ExpiresAt,
		},
		At: m.clock.Now(),
	})
}

func startSpan(ctx context.Context, op, itemID, holder string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 2)
	if itemID != "" {
		attrs = append(attrs, attribute.String("item.id", itemID))
	}
	if holder != "" {
		attrs = append(attrs, attribute.String("holder", holder))
	}
	return tracer.Start(ctx, "todolock.lease."+op, trace.WithAttributes(attrs...))
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

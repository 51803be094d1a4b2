package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-todolock/v1/gateway")

// ErrEmptyPatch is returned by Apply when the patch touches nothing.
var ErrEmptyPatch = errors.New("gateway: empty patch")

// Mutation operations carried by ItemMutated events.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Mutation is the payload of ItemMutated events.
type Mutation struct {
	Op   string    `json:"op"`
	Item todo.Item `json:"item"`
	// By is the holder that made the change, empty for anonymous writes.
	By string `json:"by,omitempty"`
}

// View is an item together with its current lock state.
type View struct {
	Item todo.Item      `json:"item"`
	Lock todo.LockState `json:"lock"`
}

// LockScopePolicy lists the fields that may change without the edit lease.
type LockScopePolicy struct {
	BypassFields []string
}

// DefaultLockScope lets anyone toggle completion.
func DefaultLockScope() LockScopePolicy {
	return LockScopePolicy{BypassFields: []string{todo.FieldCompleted}}
}

// Bypasses reports whether every field in fields is a bypass field.
func (p LockScopePolicy) Bypasses(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		found := false
		for _, b := range p.BypassFields {
			if b == f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Gateway routes todo mutations through the lease manager.
type Gateway struct {
	leases *lease.Manager
	items  todo.Store
	events lease.Publisher
	scope  LockScopePolicy
	logger *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPublisher sets where ItemMutated events are published.
func WithPublisher(p lease.Publisher) Option {
	return func(g *Gateway) { g.events = p }
}

// WithLockScope sets the bypass policy.
func WithLockScope(p LockScopePolicy) Option {
	return func(g *Gateway) { g.scope = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New returns a Gateway.
func New(leases *lease.Manager, items todo.Store, opts ...Option) *Gateway {
	g := &Gateway{
		leases: leases,
		items:  items,
		scope:  DefaultLockScope(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LockScope returns the bypass policy in use.
func (g *Gateway) LockScope() LockScopePolicy { return g.scope }

// Create stores a new item. ID and timestamps are assigned here.
func (g *Gateway) Create(ctx context.Context, holder string, it todo.Item) (v View, err error) {
	ctx, span := startSpan(ctx, "create", "", holder)
	defer func() { endSpan(span, err) }()

	if err := it.Validate(); err != nil {
		return View{}, err
	}
	it.ID = uuid.NewString()
	now := g.leases.Now()
	it.CreatedAt, it.UpdatedAt = now, now
	span.SetAttributes(attribute.String("item.id", it.ID))

	err = g.leases.Inspect(ctx, it.ID, func(l lease.Lease, held bool) error {
		if err := g.items.Put(ctx, it); err != nil {
			return fmt.Errorf("gateway: store %s: %w", it.ID, err)
		}
		g.publish(OpCreate, it, holder)
		v = View{Item: it, Lock: lockState(l, held)}
		return nil
	})
	return v, err
}

// Get returns the item with its lock state.
func (g *Gateway) Get(ctx context.Context, itemID string) (v View, err error) {
	ctx, span := startSpan(ctx, "get", itemID, "")
	defer func() { endSpan(span, err) }()

	err = g.leases.Inspect(ctx, itemID, func(l lease.Lease, held bool) error {
		it, err := g.load(ctx, itemID)
		if err != nil {
			return err
		}
		v = View{Item: it, Lock: lockState(l, held)}
		return nil
	})
	return v, err
}

// List returns every item with its lock state.
func (g *Gateway) List(ctx context.Context) (views []View, err error) {
	ctx, span := startSpan(ctx, "list", "", "")
	defer func() { endSpan(span, err) }()

	items, err := g.items.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: list: %w", err)
	}
	views = make([]View, 0, len(items))
	for _, it := range items {
		l, held, err := g.leases.State(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, View{Item: it, Lock: lockState(l, held)})
	}
	return views, nil
}

// BeginEdit acquires the edit lease of itemID for holder. If someone else
// edits it the *errors.ConflictError from the manager is returned.
func (g *Gateway) BeginEdit(ctx context.Context, itemID, holder string) (v View, err error) {
	ctx, span := startSpan(ctx, "begin_edit", itemID, holder)
	defer func() { endSpan(span, err) }()

	if _, err := g.load(ctx, itemID); err != nil {
		return View{}, err
	}
	grant, err := g.leases.Acquire(ctx, itemID, holder, 0)
	if err != nil {
		return View{}, err
	}
	it, err := g.load(ctx, itemID)
	if err != nil {
		// Deleted in between; do not keep a lease on nothing.
		if _, rerr := g.leases.Release(ctx, itemID, holder); rerr != nil {
			g.logger.Warn("todolock: releasing lease of vanished item failed", "item", itemID, "error", rerr)
		}
		return View{}, err
	}
	return View{Item: it, Lock: lockState(grant.Lease, true)}, nil
}

// CommitEdit applies p while holder owns the lease, renewing it. With done
// set the lease is released afterwards.
func (g *Gateway) CommitEdit(ctx context.Context, itemID, holder string, p todo.Patch, done bool) (v View, err error) {
	ctx, span := startSpan(ctx, "commit_edit", itemID, holder)
	span.SetAttributes(attribute.Bool("edit.done", done))
	defer func() { endSpan(span, err) }()

	l, err := g.leases.Hold(ctx, itemID, holder, func(l lease.Lease) error {
		it, err := g.mutate(ctx, itemID, holder, p)
		if err != nil {
			return err
		}
		v = View{Item: it, Lock: lockState(l, true)}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	if !done {
		return v, nil
	}
	if _, err := g.leases.Release(ctx, l.ItemID, holder); err != nil {
		return View{}, err
	}
	v.Lock = todo.LockState{}
	return v, nil
}

// CancelEdit gives up the edit lease without changes. Cancelling an edit the
// caller does not own changes nothing.
func (g *Gateway) CancelEdit(ctx context.Context, itemID, holder string) (v View, err error) {
	ctx, span := startSpan(ctx, "cancel_edit", itemID, holder)
	defer func() { endSpan(span, err) }()

	if _, err := g.leases.Release(ctx, itemID, holder); err != nil {
		return View{}, err
	}
	return g.Get(ctx, itemID)
}

// Apply changes an item outside an edit session. Patches touching only
// bypass fields are always accepted; any other patch needs the caller to hold
// the lease.
func (g *Gateway) Apply(ctx context.Context, itemID, holder string, p todo.Patch) (v View, err error) {
	ctx, span := startSpan(ctx, "apply", itemID, holder)
	defer func() { endSpan(span, err) }()

	fields := p.Fields()
	if len(fields) == 0 {
		return View{}, ErrEmptyPatch
	}
	if g.scope.Bypasses(fields) {
		span.SetAttributes(attribute.Bool("lock.bypass", true))
		err = g.leases.Inspect(ctx, itemID, func(l lease.Lease, held bool) error {
			it, err := g.mutate(ctx, itemID, holder, p)
			if err != nil {
				return err
			}
			v = View{Item: it, Lock: lockState(l, held)}
			return nil
		})
		return v, err
	}

	_, err = g.leases.Hold(ctx, itemID, holder, func(l lease.Lease) error {
		it, err := g.mutate(ctx, itemID, holder, p)
		if err != nil {
			return err
		}
		v = View{Item: it, Lock: lockState(l, true)}
		return nil
	})
	if errors.Is(err, tlerrors.ErrNotHolder) {
		return View{}, g.explain(ctx, itemID, holder, err)
	}
	return v, err
}

// Delete removes an item. It fails with a *errors.ConflictError while
// someone else holds the lease and releases the caller's own lease.
func (g *Gateway) Delete(ctx context.Context, itemID, holder string) (err error) {
	ctx, span := startSpan(ctx, "delete", itemID, holder)
	defer func() { endSpan(span, err) }()

	own := false
	err = g.leases.Inspect(ctx, itemID, func(l lease.Lease, held bool) error {
		if held && l.Holder != holder {
			return conflict(l, g.leases.Now())
		}
		own = held
		it, err := g.load(ctx, itemID)
		if err != nil {
			return err
		}
		if _, err := g.items.Delete(ctx, itemID); err != nil {
			return fmt.Errorf("gateway: delete %s: %w", itemID, err)
		}
		g.publish(OpDelete, it, holder)
		return nil
	})
	if err != nil || !own {
		return err
	}
	_, err = g.leases.Release(ctx, itemID, holder)
	return err
}

// mutate loads, patches, stores and announces an item. Callers run it under
// the item's lease slot.
func (g *Gateway) mutate(ctx context.Context, itemID, holder string, p todo.Patch) (todo.Item, error) {
	it, err := g.load(ctx, itemID)
	if err != nil {
		return todo.Item{}, err
	}
	if p.Empty() {
		return it, nil
	}
	it, err = p.Apply(it, g.leases.Now())
	if err != nil {
		return todo.Item{}, err
	}
	if err := g.items.Put(ctx, it); err != nil {
		return todo.Item{}, fmt.Errorf("gateway: store %s: %w", itemID, err)
	}
	g.publish(OpUpdate, it, holder)
	return it, nil
}

func (g *Gateway) load(ctx context.Context, itemID string) (todo.Item, error) {
	it, ok, err := g.items.Get(ctx, itemID)
	if err != nil {
		return todo.Item{}, fmt.Errorf("gateway: load %s: %w", itemID, err)
	}
	if !ok {
		return todo.Item{}, fmt.Errorf("gateway: item %s: %w", itemID, tlerrors.ErrNotFound)
	}
	return it, nil
}

// explain turns a failed lease check into a conflict when another holder
// owns the item.
func (g *Gateway) explain(ctx context.Context, itemID, holder string, cause error) error {
	l, held, err := g.leases.State(ctx, itemID)
	if err != nil {
		return cause
	}
	if held && l.Holder != holder {
		return conflict(l, g.leases.Now())
	}
	if _, err := g.load(ctx, itemID); err != nil {
		return err
	}
	return cause
}

func (g *Gateway) publish(op string, it todo.Item, holder string) {
	if g.events == nil {
		return
	}
	g.events.Publish(broadcast.ChangeEvent{
		ItemID:  it.ID,
		Kind:    broadcast.ItemMutated,
		Payload: Mutation{Op: op, Item: it, By: holder},
		At:      g.leases.Now(),
	})
}

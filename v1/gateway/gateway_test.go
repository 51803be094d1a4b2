package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

type fixture struct {
	g   *Gateway
	m   *lease.Manager
	clk *testingclock.FakeClock
	sub *broadcast.Subscription
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	b := broadcast.New(broadcast.WithClock(clk))
	t.Cleanup(b.Close)
	m := lease.NewManager(nil, lease.WithClock(clk), lease.WithPublisher(b))
	opts = append([]Option{WithPublisher(b)}, opts...)
	return &fixture{
		g:   New(m, todo.NewInMemoryStore(), opts...),
		m:   m,
		clk: clk,
		sub: b.Subscribe(context.Background(), broadcast.Filter{}),
	}
}

func (f *fixture) expect(t *testing.T, kind broadcast.Kind) broadcast.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := f.sub.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for %s: %v", kind, err)
	}
	if ev.Kind != kind {
		t.Fatalf("expected %s, got %s", kind, ev.Kind)
	}
	return ev
}

func (f *fixture) create(t *testing.T, title string) todo.Item {
	t.Helper()
	v, err := f.g.Create(context.Background(), "", todo.Item{Title: title})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.expect(t, broadcast.ItemMutated)
	return v.Item
}

func str(s string) *string { return &s }
func boolean(b bool) *bool { return &b }

func TestCreateAssignsIdentity(t *testing.T) {
	f := newFixture(t)
	v, err := f.g.Create(context.Background(), "alice", todo.Item{Title: "Write report", Priority: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.Item.ID == "" || !v.Item.CreatedAt.Equal(f.clk.Now()) || v.Lock.Locked {
		t.Fatalf("unexpected view %+v", v)
	}
	ev := f.expect(t, broadcast.ItemMutated)
	mu, ok := ev.Payload.(Mutation)
	if !ok || mu.Op != OpCreate || mu.Item.ID != v.Item.ID || mu.By != "alice" {
		t.Fatalf("unexpected payload %#v", ev.Payload)
	}
	if _, err := f.g.Create(context.Background(), "", todo.Item{}); !errors.Is(err, todo.ErrEmptyTitle) {
		t.Fatalf("expected empty title error, got %v", err)
	}
}

func TestEditSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "Buy milk")

	v, err := f.g.BeginEdit(ctx, it.ID, "alice")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !v.Lock.Locked || v.Lock.LockedBy != "alice" || !v.Lock.ExpiresAt.Equal(f.clk.Now().Add(lease.DefaultDuration)) {
		t.Fatalf("unexpected lock %+v", v.Lock)
	}
	f.expect(t, broadcast.LockGranted)

	f.clk.Step(time.Minute)
	v, err = f.g.CommitEdit(ctx, it.ID, "alice", todo.Patch{Title: str("Buy oat milk")}, false)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v.Item.Title != "Buy oat milk" || !v.Lock.Locked || !v.Lock.ExpiresAt.Equal(f.clk.Now().Add(lease.DefaultDuration)) {
		t.Fatalf("expected title saved and lease renewed, got %+v", v)
	}
	ev := f.expect(t, broadcast.ItemMutated)
	if mu := ev.Payload.(Mutation); mu.Op != OpUpdate || mu.Item.Title != "Buy oat milk" {
		t.Fatalf("unexpected mutation %+v", mu)
	}

	v, err = f.g.CommitEdit(ctx, it.ID, "alice", todo.Patch{Description: str("2 litres")}, true)
	if err != nil {
		t.Fatalf("final commit: %v", err)
	}
	if v.Lock.Locked || v.Item.Description != "2 litres" {
		t.Fatalf("expected unlocked saved item, got %+v", v)
	}
	f.expect(t, broadcast.ItemMutated)
	f.expect(t, broadcast.LockReleased)

	got, err := f.g.Get(ctx, it.ID)
	if err != nil || got.Lock.Locked || got.Item.Title != "Buy oat milk" {
		t.Fatalf("get: %+v err %v", got, err)
	}
}

func TestBeginEditConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.clk.Step(30 * time.Second)

	_, err := f.g.BeginEdit(ctx, it.ID, "bob")
	var ce *tlerrors.ConflictError
	if !errors.As(err, &ce) || ce.HeldBy != "alice" || ce.RetryAfter != lease.DefaultDuration-30*time.Second {
		t.Fatalf("expected conflict held by alice, got %v", err)
	}

	if _, err := f.g.CancelEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.g.BeginEdit(ctx, it.ID, "bob"); err != nil {
		t.Fatalf("begin after cancel: %v", err)
	}
}

func TestCancelEditByOtherHolderChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	v, err := f.g.CancelEdit(ctx, it.ID, "bob")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !v.Lock.Locked || v.Lock.LockedBy != "alice" {
		t.Fatalf("expected alice to keep the lock, got %+v", v.Lock)
	}
}

func TestBypassFieldWhileLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.expect(t, broadcast.LockGranted)

	v, err := f.g.Apply(ctx, it.ID, "bob", todo.Patch{Completed: boolean(true)})
	if err != nil {
		t.Fatalf("toggle completed: %v", err)
	}
	if !v.Item.Completed || v.Lock.LockedBy != "alice" {
		t.Fatalf("expected completed item still locked by alice, got %+v", v)
	}
	ev := f.expect(t, broadcast.ItemMutated)
	if mu := ev.Payload.(Mutation); mu.By != "bob" || !mu.Item.Completed {
		t.Fatalf("unexpected mutation %+v", mu)
	}

	_, err = f.g.Apply(ctx, it.ID, "bob", todo.Patch{Title: str("hijacked")})
	var ce *tlerrors.ConflictError
	if !errors.As(err, &ce) || ce.HeldBy != "alice" {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = f.g.Apply(ctx, it.ID, "bob", todo.Patch{Title: str("hijacked"), Completed: boolean(false)})
	if !errors.As(err, &ce) {
		t.Fatalf("expected mixed patch to need the lease, got %v", err)
	}
	got, _ := f.g.Get(ctx, it.ID)
	if got.Item.Title != "42" || !got.Item.Completed {
		t.Fatalf("unexpected item after refused edits %+v", got.Item)
	}

	if _, err := f.g.Apply(ctx, it.ID, "alice", todo.Patch{Title: str("forty-two")}); err != nil {
		t.Fatalf("holder apply: %v", err)
	}
}

func TestApplyWithoutLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.Apply(ctx, it.ID, "bob", todo.Patch{Title: str("x")}); !errors.Is(err, tlerrors.ErrNotHolder) {
		t.Fatalf("expected not holder, got %v", err)
	}
	if _, err := f.g.Apply(ctx, it.ID, "bob", todo.Patch{}); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("expected empty patch, got %v", err)
	}
	if _, err := f.g.Apply(ctx, "missing", "bob", todo.Patch{Title: str("x")}); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.g.Apply(ctx, "missing", "bob", todo.Patch{Completed: boolean(true)}); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found on bypass, got %v", err)
	}
}

func TestStrictLockScope(t *testing.T) {
	f := newFixture(t, WithLockScope(LockScopePolicy{}))
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var ce *tlerrors.ConflictError
	if _, err := f.g.Apply(ctx, it.ID, "bob", todo.Patch{Completed: boolean(true)}); !errors.As(err, &ce) {
		t.Fatalf("expected conflict without bypass fields, got %v", err)
	}
}

func TestCommitAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.expect(t, broadcast.LockGranted)
	f.clk.Step(lease.DefaultDuration)
	f.expect(t, broadcast.LockExpired)

	_, err := f.g.CommitEdit(ctx, it.ID, "alice", todo.Patch{Title: str("late")}, true)
	if !errors.Is(err, tlerrors.ErrLeaseExpired) {
		t.Fatalf("expected lease expired, got %v", err)
	}
	got, _ := f.g.Get(ctx, it.ID)
	if got.Item.Title != "42" {
		t.Fatalf("expected late commit discarded, got %q", got.Item.Title)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, "42")
	if _, err := f.g.BeginEdit(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.expect(t, broadcast.LockGranted)

	var ce *tlerrors.ConflictError
	if err := f.g.Delete(ctx, it.ID, "bob"); !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := f.g.Delete(ctx, it.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev := f.expect(t, broadcast.ItemMutated)
	if mu := ev.Payload.(Mutation); mu.Op != OpDelete {
		t.Fatalf("expected delete mutation, got %s", mu.Op)
	}
	f.expect(t, broadcast.LockReleased)
	if _, err := f.g.Get(ctx, it.ID); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, held := f.m.Held("alice"); held {
		t.Fatal("expected alice lease released")
	}
	if err := f.g.Delete(ctx, it.ID, "alice"); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListIncludesLockState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	f.clk.Step(time.Second)
	b := f.create(t, "b")
	if _, err := f.g.BeginEdit(ctx, b.ID, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	views, err := f.g.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 || views[0].Item.ID != a.ID || views[0].Lock.Locked || !views[1].Lock.Locked {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestBeginEditMissingItem(t *testing.T) {
	f := newFixture(t)
	if _, err := f.g.BeginEdit(context.Background(), "missing", "alice"); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, held := f.m.Held("alice"); held {
		t.Fatal("expected no lease on a missing item")
	}
}

func TestLockScopeBypasses(t *testing.T) {
	p := DefaultLockScope()
	if !p.Bypasses([]string{todo.FieldCompleted}) {
		t.Fatal("expected completed to bypass")
	}
	if p.Bypasses(nil) || p.Bypasses([]string{todo.FieldCompleted, todo.FieldTitle}) {
		t.Fatal("unexpected bypass")
	}
}

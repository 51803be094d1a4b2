package session

import (
	"context"
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/lease"
)

func newRegistry(t *testing.T) (*Registry, *lease.Manager, *broadcast.Broadcaster, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	b := broadcast.New(broadcast.WithClock(clk))
	t.Cleanup(b.Close)
	m := lease.NewManager(nil, lease.WithClock(clk), lease.WithPublisher(b))
	return NewRegistry(m), m, b, clk
}

func nextKind(t *testing.T, sub *broadcast.Subscription) broadcast.Kind {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev.Kind
}

func TestDisconnectReleasesBeforeExpiry(t *testing.T) {
	r, m, b, clk := newRegistry(t)
	ctx := context.Background()
	sub := b.Subscribe(ctx, broadcast.Filter{Items: []string{"42"}})

	s := r.Connect(ctx, "alice")
	if _, err := m.Acquire(ctx, "42", s.ID, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if k := nextKind(t, sub); k != broadcast.LockGranted {
		t.Fatalf("expected LockGranted, got %s", k)
	}

	clk.Step(time.Minute)
	if err := r.Disconnect(ctx, s.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if k := nextKind(t, sub); k != broadcast.LockReleased {
		t.Fatalf("expected LockReleased, got %s", k)
	}
	if _, held, _ := m.State(ctx, "42"); held {
		t.Fatal("expected item free right after disconnect")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("expected session context canceled")
	}
	if err := r.Disconnect(ctx, s.ID); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConnectContextCancelDisconnects(t *testing.T) {
	r, m, b, _ := newRegistry(t)
	sub := b.Subscribe(context.Background(), broadcast.Filter{})
	ctx, cancel := context.WithCancel(context.Background())
	s := r.Connect(ctx, "bob")
	if _, err := m.Acquire(context.Background(), "7", s.ID, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	nextKind(t, sub)

	cancel()
	if k := nextKind(t, sub); k != broadcast.LockReleased {
		t.Fatalf("expected LockReleased, got %s", k)
	}
	deadline := time.Now().Add(time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("expected session removed")
	}
}

func TestSessionSubscriptionEndsWithSession(t *testing.T) {
	r, _, b, _ := newRegistry(t)
	s := r.Connect(context.Background(), "carol")
	sub := s.Subscribe(b, broadcast.Filter{})
	if err := r.Disconnect(context.Background(), s.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription outlived the session")
	}
}

func TestTouchRenewsHeldLease(t *testing.T) {
	r, m, _, clk := newRegistry(t)
	ctx := context.Background()
	s := r.Connect(ctx, "alice")

	if _, held, err := r.Touch(ctx, s.ID); err != nil || held {
		t.Fatalf("expected nothing to renew, held %v err %v", held, err)
	}
	if _, err := m.Acquire(ctx, "42", s.ID, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Step(4 * time.Minute)
	l, held, err := r.Touch(ctx, s.ID)
	if err != nil || !held {
		t.Fatalf("touch: held %v err %v", held, err)
	}
	if !l.ExpiresAt.Equal(clk.Now().Add(lease.DefaultDuration)) {
		t.Fatalf("expected renewed expiry, got %v", l.ExpiresAt)
	}
	if _, _, err := r.Touch(ctx, "unknown"); !errors.Is(err, tlerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if u, ok := r.User(s.ID); !ok || u != "alice" {
		t.Fatalf("expected alice, got %q", u)
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	r, m, _, _ := newRegistry(t)
	ctx := context.Background()
	a := r.Connect(ctx, "a")
	r.Connect(ctx, "b")
	if _, err := m.Acquire(ctx, "1", a.ID, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", r.Len())
	}
	if _, held, _ := m.State(ctx, "1"); held {
		t.Fatal("expected lease released")
	}
}

package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client), mr
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newRedisStore(t)
	storeContract(t, s)
}

func TestRedisStoreKeyTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	if _, _, err := s.TryInsert(ctx, testLease("42", "alice", now, 30*time.Second, 1), now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ttl := mr.TTL("todolock:lease:42"); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", ttl)
	}
	if got := mr.HGet("todolock:lease:42", "holder"); got != "alice" {
		t.Fatalf("expected holder alice, got %q", got)
	}
	mr.FastForward(31 * time.Second)
	if _, ok, err := s.Get(ctx, "42", now); err != nil || ok {
		t.Fatalf("expected key to be gone, ok %v err %v", ok, err)
	}
}

func TestRedisStoreCustomPrefix(t *testing.T) {
	s, mr := newRedisStore(t)
	s = NewRedisStore(s.client, WithRedisPrefix("app:"))
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	if _, _, err := s.TryInsert(ctx, testLease("1", "alice", now, time.Minute, 1), now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !mr.Exists("app:1") {
		t.Fatal("expected prefixed key")
	}
}

func TestRedisStoreConnectionClosed(t *testing.T) {
	s, _ := newRedisStore(t)
	_ = s.client.Close()
	now := time.Now()
	_, _, err := s.TryInsert(context.Background(), testLease("1", "alice", now, time.Minute, 1), now)
	if !errors.Is(err, tlerrors.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestRedisStoreBackedManager(t *testing.T) {
	s, _ := newRedisStore(t)
	h := newHarness(t, s)
	ctx := context.Background()

	g, err := h.m.Acquire(ctx, "42", "alice", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	expectKind(t, h.sub, "42", broadcast.LockGranted)
	var ce *tlerrors.ConflictError
	if _, err := h.m.Acquire(ctx, "42", "bob", 0); !errors.As(err, &ce) || ce.HeldBy != "alice" {
		t.Fatalf("expected conflict held by alice, got %v", err)
	}
	if !ce.ExpiresAt.Equal(g.Lease.ExpiresAt) {
		t.Fatalf("expected conflict expiry %v, got %v", g.Lease.ExpiresAt, ce.ExpiresAt)
	}

	h.clk.Step(DefaultDuration)
	expectKind(t, h.sub, "42", broadcast.LockExpired)
	if _, err := h.m.Acquire(ctx, "42", "bob", 0); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	expectKind(t, h.sub, "42", broadcast.LockGranted)
}

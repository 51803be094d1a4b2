package todo

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

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

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	storeContract(t, s)
}

func TestRedisStoreListIgnoresForeignKeys(t *testing.T) {
	s, mr := newRedisStore(t)
	if err := mr.Set("todolock:lease:a", "x"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Put(context.Background(), Item{ID: "a", Title: "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	items, err := s.List(context.Background())
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one item, got %v err %v", items, err)
	}
}

func TestRedisStoreConnectionClosed(t *testing.T) {
	s, _ := newRedisStore(t)
	_ = s.client.Close()
	if _, _, err := s.Get(context.Background(), "a"); !errors.Is(err, tlerrors.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestRedisStoreCanceledContext(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, Item{ID: "a", Title: "a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

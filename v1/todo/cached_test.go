package todo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingStore struct {
	*InMemoryStore
	gets    atomic.Int64
	release chan struct{}
}

func (s *countingStore) Get(ctx context.Context, id string) (Item, bool, error) {
	s.gets.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.InMemoryStore.Get(ctx, id)
}

func newCached(t *testing.T, backend Store) *CachedStore {
	t.Helper()
	c, err := NewCachedStore(backend, WithCapacity(100), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCachedStoreContract(t *testing.T) {
	storeContract(t, newCached(t, NewInMemoryStore()))
}

func TestCachedStoreServesHitsFromCache(t *testing.T) {
	backend := &countingStore{InMemoryStore: NewInMemoryStore()}
	c := newCached(t, backend)
	ctx := context.Background()
	if err := c.Put(ctx, Item{ID: "a", Title: "first"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 3; i++ {
		it, ok, err := c.Get(ctx, "a")
		if err != nil || !ok || it.Title != "first" {
			t.Fatalf("get: %+v ok %v err %v", it, ok, err)
		}
	}
	if n := backend.gets.Load(); n != 1 {
		t.Fatalf("expected 1 backend read, got %d", n)
	}

	if err := c.Put(ctx, Item{ID: "a", Title: "second"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	it, _, _ := c.Get(ctx, "a")
	if it.Title != "second" {
		t.Fatalf("expected write to invalidate cache, got %q", it.Title)
	}
	if _, err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("expected delete to invalidate cache")
	}
}

func TestCachedStoreCollapsesConcurrentMisses(t *testing.T) {
	backend := &countingStore{InMemoryStore: NewInMemoryStore(), release: make(chan struct{})}
	if err := backend.Put(context.Background(), Item{ID: "a", Title: "a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := newCached(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := c.Get(context.Background(), "a"); err != nil || !ok {
				t.Errorf("get: ok %v err %v", ok, err)
			}
		}()
	}
	for backend.gets.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()
	if n := backend.gets.Load(); n != 1 {
		t.Fatalf("expected collapsed backend reads, got %d", n)
	}
}

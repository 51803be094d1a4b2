package todo

import (
	"context"
	"testing"
	"time"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing item, ok %v err %v", ok, err)
	}
	second := Item{ID: "b", Title: "second", CreatedAt: base.Add(time.Minute), UpdatedAt: base}
	first := Item{ID: "a", Title: "first", Priority: 1, CreatedAt: base, UpdatedAt: base}
	for _, it := range []Item{second, first} {
		if err := s.Put(ctx, it); err != nil {
			t.Fatalf("put %s: %v", it.ID, err)
		}
	}
	got, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || got.Title != "first" || got.Priority != 1 || !got.CreatedAt.Equal(base) {
		t.Fatalf("get: %+v ok %v err %v", got, ok, err)
	}

	first.Completed = true
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	items, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" || !items[0].Completed {
		t.Fatalf("unexpected listing %+v", items)
	}

	if ok, err := s.Delete(ctx, "a"); err != nil || !ok {
		t.Fatalf("delete: ok %v err %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "a"); err != nil || ok {
		t.Fatalf("second delete: ok %v err %v", ok, err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("expected deleted item gone")
	}
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}

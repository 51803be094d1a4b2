package todo

import (
	"context"
	"sort"
	"sync"
)

// Store persists todo items.
type Store interface {
	Get(ctx context.Context, id string) (Item, bool, error)
	Put(ctx context.Context, it Item) error
	// Delete removes id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns every item ordered by creation time.
	List(ctx context.Context) ([]Item, error)
}

// InMemoryStore is a Store backed by a map.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Item)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok, nil
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(ctx context.Context, it Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

// List implements Store.List.
func (s *InMemoryStore) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	s.mu.RUnlock()
	sortItems(items)
	return items, nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

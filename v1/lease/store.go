package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
)

// Store holds at most one live lease per item.
//
// Implementations must make every operation atomic for a single item. Only
// the Manager is expected to call the mutating operations.
type Store interface {
	// TryInsert stores l unless another holder owns a live lease for
	// l.ItemID, in which case the live lease is returned along with
	// ErrLockConflict. If l.Holder already owns the live lease its expiry and
	// generation are refreshed and renewed is true.
	TryInsert(ctx context.Context, l Lease, now time.Time) (cur Lease, renewed bool, err error)
	// Renew extends the lease held by holder to now plus its duration and
	// stamps generation. It returns ErrNotHolder when someone else (or
	// nobody) holds the item and ErrLeaseExpired when the holder's own lease
	// already lapsed.
	Renew(ctx context.Context, itemID, holder string, generation uint64, now time.Time) (Lease, error)
	// CompareAndRelease removes the lease only if holder owns it. A mismatch
	// is reported with ok=false and no error.
	CompareAndRelease(ctx context.Context, itemID, holder string) (Lease, bool, error)
	// CompareAndExpire removes the lease only if holder and generation still
	// match the scheduled expiry.
	CompareAndExpire(ctx context.Context, itemID, holder string, generation uint64) (Lease, bool, error)
	// Get returns the live lease for itemID. Expired entries are evicted.
	Get(ctx context.Context, itemID string, now time.Time) (Lease, bool, error)
	// Evict unconditionally drops the lease of itemID.
	Evict(ctx context.Context, itemID string) (Lease, bool, error)
}

const shardCount = 64

func shardOf(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

type storeShard struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// InMemoryStore is a Store sharded by item id.
type InMemoryStore struct {
	shards [shardCount]storeShard
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	for i := range s.shards {
		s.shards[i].leases = make(map[string]Lease)
	}
	return s
}

func (s *InMemoryStore) shard(itemID string) *storeShard {
	return &s.shards[shardOf(itemID)]
}

// TryInsert implements Store.TryInsert.
func (s *InMemoryStore) TryInsert(ctx context.Context, l Lease, now time.Time) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	sh := s.shard(l.ItemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.leases[l.ItemID]; ok {
		if cur.Live(now) {
			if cur.Holder != l.Holder {
				return cur, false, tlerrors.ErrLockConflict
			}
			cur.ExpiresAt = l.ExpiresAt
			cur.Duration = l.Duration
			cur.Generation = l.Generation
			sh.leases[l.ItemID] = cur
			return cur, true, nil
		}
		delete(sh.leases, l.ItemID)
	}
	sh.leases[l.ItemID] = l
	return l, false, nil
}

// Renew implements Store.Renew.
func (s *InMemoryStore) Renew(ctx context.Context, itemID, holder string, generation uint64, now time.Time) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[itemID]
	if !ok {
		return Lease{}, tlerrors.ErrNotHolder
	}
	if !cur.Live(now) {
		delete(sh.leases, itemID)
		if cur.Holder == holder {
			return Lease{}, tlerrors.ErrLeaseExpired
		}
		return Lease{}, tlerrors.ErrNotHolder
	}
	if cur.Holder != holder {
		return Lease{}, tlerrors.ErrNotHolder
	}
	cur.ExpiresAt = now.Add(cur.Duration)
	cur.Generation = generation
	sh.leases[itemID] = cur
	return cur, nil
}

// CompareAndRelease implements Store.CompareAndRelease.
func (s *InMemoryStore) CompareAndRelease(ctx context.Context, itemID, holder string) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[itemID]
	if !ok || cur.Holder != holder {
		return cur, false, nil
	}
	delete(sh.leases, itemID)
	return cur, true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *InMemoryStore) CompareAndExpire(ctx context.Context, itemID, holder string, generation uint64) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[itemID]
	if !ok || cur.Holder != holder || cur.Generation != generation {
		return cur, false, nil
	}
	delete(sh.leases, itemID)
	return cur, true, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, itemID string, now time.Time) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[itemID]
	if !ok {
		return Lease{}, false, nil
	}
	if !cur.Live(now) {
		delete(sh.leases, itemID)
		return Lease{}, false, nil
	}
	return cur, true, nil
}

// Evict implements Store.Evict.
func (s *InMemoryStore) Evict(ctx context.Context, itemID string) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	sh := s.shard(itemID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[itemID]
	delete(sh.leases, itemID)
	return cur, ok, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *InMemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.leases)
		sh.mu.Unlock()
	}
	return n
}

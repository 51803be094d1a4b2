package lease

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// slot serializes every transition of one item. It also records the lease
// the Manager believes live, together with its pending expiry timer.
type slot struct {
	mu   sync.Mutex
	refs int // guarded by the owning slotShard

	// armed is set while the slot owns a pending timer. It is read without
	// mu when the slot is about to be dropped.
	armed atomic.Bool
	timer clock.Timer
	lease Lease
}

type slotShard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slotTable struct {
	shards [shardCount]slotShard
}

func newSlotTable() *slotTable {
	t := &slotTable{}
	for i := range t.shards {
		t.shards[i].slots = make(map[string]*slot)
	}
	return t
}

// lock returns the locked slot for itemID, creating it on first use.
func (t *slotTable) lock(itemID string) *slot {
	sh := &t.shards[shardOf(itemID)]
	sh.mu.Lock()
	s, ok := sh.slots[itemID]
	if !ok {
		s = &slot{}
		sh.slots[itemID] = s
	}
	s.refs++
	sh.mu.Unlock()
	s.mu.Lock()
	return s
}

// unlock releases s and drops it once nobody uses it and no timer is pending.
func (t *slotTable) unlock(itemID string, s *slot) {
	s.mu.Unlock()
	sh := &t.shards[shardOf(itemID)]
	sh.mu.Lock()
	s.refs--
	if s.refs == 0 && !s.armed.Load() {
		delete(sh.slots, itemID)
	}
	sh.mu.Unlock()
}

func (t *slotTable) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

// arm records l as live and schedules fire after d, replacing any pending
// timer. Callers hold s.mu.
func (s *slot) arm(c clock.WithDelayedExecution, l Lease, d time.Duration, fire func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.lease = l
	s.timer = c.AfterFunc(d, fire)
	s.armed.Store(true)
}

// disarm cancels the pending timer. Callers hold s.mu.
func (s *slot) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.lease = Lease{}
	s.armed.Store(false)
}

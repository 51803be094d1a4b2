package lease

import (
	"sync"
	"time"
)

// lapsedSweepInterval is how often stale lapsed markers are dropped.
const lapsedSweepInterval = time.Minute

type holderEntry struct {
	item   string // item currently leased, empty if none
	lapsed string // item whose lease expired while held
	// lapsedUntil bounds how long lapsed is reported.
	lapsedUntil time.Time
}

type holderShard struct {
	mu      sync.Mutex
	entries map[string]holderEntry
}

// holderIndex maps a holder to the single item it leases.
type holderIndex struct {
	shards [shardCount]holderShard

	sweepMu   sync.Mutex
	nextSweep time.Time
}

func newHolderIndex() *holderIndex {
	h := &holderIndex{}
	for i := range h.shards {
		h.shards[i].entries = make(map[string]holderEntry)
	}
	return h
}

func (h *holderIndex) shard(holder string) *holderShard {
	return &h.shards[shardOf(holder)]
}

// claim records item for holder unless holder already leases another item,
// which is returned with ok=false.
func (h *holderIndex) claim(holder, item string, now time.Time) (string, bool) {
	defer h.sweep(now)
	sh := h.shard(holder)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[holder]
	if e.item != "" && e.item != item {
		return e.item, false
	}
	sh.entries[holder] = holderEntry{item: item}
	return item, true
}

// unclaim clears the entry of holder if it still points at item.
func (h *holderIndex) unclaim(holder, item string) {
	sh := h.shard(holder)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[holder]
	if !ok || e.item != item {
		return
	}
	e.item = ""
	if e.lapsed == "" {
		delete(sh.entries, holder)
		return
	}
	sh.entries[holder] = e
}

// markLapsed clears the claim on item and remembers until the given time
// that it expired.
func (h *holderIndex) markLapsed(holder, item string, until, now time.Time) {
	defer h.sweep(now)
	sh := h.shard(holder)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[holder]
	if e.item == item {
		e.item = ""
	}
	e.lapsed, e.lapsedUntil = item, until
	sh.entries[holder] = e
}

func (h *holderIndex) lapsed(holder, item string, now time.Time) bool {
	sh := h.shard(holder)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[holder]
	return e.lapsed == item && now.Before(e.lapsedUntil)
}

func (h *holderIndex) current(holder string) (string, bool) {
	sh := h.shard(holder)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[holder]
	return e.item, e.item != ""
}

// forget drops everything known about holder.
func (h *holderIndex) forget(holder string) {
	sh := h.shard(holder)
	sh.mu.Lock()
	delete(sh.entries, holder)
	sh.mu.Unlock()
}

// sweep drops entries that only carry a lapsed marker past its bound. It
// walks the shards at most once per lapsedSweepInterval.
func (h *holderIndex) sweep(now time.Time) {
	h.sweepMu.Lock()
	if now.Before(h.nextSweep) {
		h.sweepMu.Unlock()
		return
	}
	h.nextSweep = now.Add(lapsedSweepInterval)
	h.sweepMu.Unlock()

	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		for holder, e := range sh.entries {
			if e.item == "" && !now.Before(e.lapsedUntil) {
				delete(sh.entries, holder)
			}
		}
		sh.mu.Unlock()
	}
}

func (h *holderIndex) len() int {
	n := 0
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

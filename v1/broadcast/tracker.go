package broadcast

import "sync"

// Verdict is the outcome of Tracker.Observe.
type Verdict int

const (
	// InOrder means the event directly follows the last one seen.
	InOrder Verdict = iota
	// Stale means the event is a duplicate or older than the last one seen.
	Stale
	// Gap means events were missed; the item state must be re-fetched.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in-order"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// Tracker follows per-item sequence numbers on the subscriber side.
type Tracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]uint64)}
}

// Observe classifies ev against the last sequence seen for its item. The
// first event of an item is always in order.
func (t *Tracker) Observe(ev ChangeEvent) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, seen := t.last[ev.ItemID]
	switch {
	case seen && ev.Sequence <= last:
		return Stale
	case seen && ev.Sequence != last+1:
		t.last[ev.ItemID] = ev.Sequence
		return Gap
	}
	t.last[ev.ItemID] = ev.Sequence
	return InOrder
}

// Reset records seq as the last sequence reflected in a freshly fetched
// state of itemID.
func (t *Tracker) Reset(itemID string, seq uint64) {
	t.mu.Lock()
	t.last[itemID] = seq
	t.mu.Unlock()
}

// Forget drops the state of itemID.
func (t *Tracker) Forget(itemID string) {
	t.mu.Lock()
	delete(t.last, itemID)
	t.mu.Unlock()
}

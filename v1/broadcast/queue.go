package broadcast

// OverflowPolicy decides which event a full subscriber queue sheds.
type OverflowPolicy int

const (
	// DropOldestContent evicts the oldest queued ItemMutated. When only lock
	// transitions are queued, an incoming ItemMutated is shed instead, and an
	// incoming lock transition evicts the oldest queued one.
	DropOldestContent OverflowPolicy = iota
	// DropNewest sheds the incoming ItemMutated. Incoming lock transitions
	// fall back to DropOldestContent.
	DropNewest
)

// ParseOverflowPolicy maps a configuration value to an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest_content":
		return DropOldestContent, true
	case "drop_newest":
		return DropNewest, true
	}
	return DropOldestContent, false
}

func (p OverflowPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest_content"
}

// queue is a bounded FIFO of events. It is not safe for concurrent use.
type queue struct {
	events []ChangeEvent
	limit  int
	policy OverflowPolicy
}

func newQueue(limit int, policy OverflowPolicy) *queue {
	return &queue{events: make([]ChangeEvent, 0, limit), limit: limit, policy: policy}
}

// push appends ev and returns the event shed to make room, if any.
func (q *queue) push(ev ChangeEvent) (ChangeEvent, bool) {
	if len(q.events) < q.limit {
		q.events = append(q.events, ev)
		return ChangeEvent{}, false
	}
	if q.policy == DropNewest && !ev.Kind.LockTransition() {
		return ev, true
	}
	idx := -1
	for i, queued := range q.events {
		if queued.Kind == ItemMutated {
			idx = i
			break
		}
	}
	if idx < 0 {
		if !ev.Kind.LockTransition() {
			return ev, true
		}
		idx = 0
	}
	shed := q.events[idx]
	copy(q.events[idx:], q.events[idx+1:])
	q.events[len(q.events)-1] = ev
	return shed, true
}

func (q *queue) pop() (ChangeEvent, bool) {
	if len(q.events) == 0 {
		return ChangeEvent{}, false
	}
	ev := q.events[0]
	copy(q.events, q.events[1:])
	q.events[len(q.events)-1] = ChangeEvent{}
	q.events = q.events[:len(q.events)-1]
	return ev, true
}

func (q *queue) len() int { return len(q.events) }

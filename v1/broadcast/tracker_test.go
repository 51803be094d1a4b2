package broadcast

import "testing"

func TestTrackerVerdicts(t *testing.T) {
	tr := NewTracker()
	steps := []struct {
		seq  uint64
		want Verdict
	}{
		{5, InOrder},
		{6, InOrder},
		{6, Stale},
		{4, Stale},
		{9, Gap},
		{10, InOrder},
	}
	for _, s := range steps {
		if got := tr.Observe(ChangeEvent{ItemID: "a", Sequence: s.seq}); got != s.want {
			t.Fatalf("seq %d: expected %s, got %s", s.seq, s.want, got)
		}
	}
	if got := tr.Observe(ChangeEvent{ItemID: "b", Sequence: 3}); got != InOrder {
		t.Fatalf("expected first event of b in order, got %s", got)
	}
}

func TestTrackerResetAfterRefetch(t *testing.T) {
	tr := NewTracker()
	tr.Observe(ChangeEvent{ItemID: "a", Sequence: 1})
	tr.Reset("a", 8)
	if got := tr.Observe(ChangeEvent{ItemID: "a", Sequence: 8}); got != Stale {
		t.Fatalf("expected event covered by refetch to be stale, got %s", got)
	}
	if got := tr.Observe(ChangeEvent{ItemID: "a", Sequence: 9}); got != InOrder {
		t.Fatalf("expected in order after reset, got %s", got)
	}
	tr.Forget("a")
	if got := tr.Observe(ChangeEvent{ItemID: "a", Sequence: 2}); got != InOrder {
		t.Fatalf("expected forgotten item to restart, got %s", got)
	}
}

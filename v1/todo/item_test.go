package todo

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestPatchFieldsAndApply(t *testing.T) {
	title := "Buy milk"
	done := true
	p := Patch{Title: &title, Completed: &done}
	if got := p.Fields(); !reflect.DeepEqual(got, []string{FieldTitle, FieldCompleted}) {
		t.Fatalf("unexpected fields %v", got)
	}
	if (Patch{}).Empty() != true || p.Empty() {
		t.Fatal("unexpected Empty result")
	}

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)
	it := Item{ID: "1", Title: "Buy bread", Priority: 2, CreatedAt: created, UpdatedAt: created}
	out, err := p.Apply(it, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Title != title || !out.Completed || out.Priority != 2 || !out.UpdatedAt.Equal(now) || !out.CreatedAt.Equal(created) {
		t.Fatalf("unexpected item %+v", out)
	}
	if it.Title != "Buy bread" {
		t.Fatal("apply mutated its input")
	}

	blank := "  "
	if _, err := (Patch{Title: &blank}).Apply(it, now); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected empty title error, got %v", err)
	}
}

package todo

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyTitle is returned when an item would end up without a title.
var ErrEmptyTitle = errors.New("todo: title must not be empty")

// Field names as they appear in patches and in LockScopePolicy.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldCompleted   = "completed"
	FieldPriority    = "priority"
)

// Item is a todo list entry.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the fields every stored item must have.
func (it Item) Validate() error {
	if strings.TrimSpace(it.Title) == "" {
		return ErrEmptyTitle
	}
	return nil
}

// LockState is the lock view of an item as shown to clients.
type LockState struct {
	Locked    bool       `json:"locked"`
	LockedBy  string     `json:"lockedBy,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

// Fields lists the names of the fields p touches.
func (p Patch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if p.Description != nil {
		fields = append(fields, FieldDescription)
	}
	if p.Completed != nil {
		fields = append(fields, FieldCompleted)
	}
	if p.Priority != nil {
		fields = append(fields, FieldPriority)
	}
	return fields
}

// Empty reports whether p touches nothing.
func (p Patch) Empty() bool { return len(p.Fields()) == 0 }

// Apply returns it with p applied and UpdatedAt set to now.
func (p Patch) Apply(it Item, now time.Time) (Item, error) {
	if p.Title != nil {
		it.Title = *p.Title
	}
	if p.Description != nil {
		it.Description = *p.Description
	}
	if p.Completed != nil {
		it.Completed = *p.Completed
	}
	if p.Priority != nil {
		it.Priority = *p.Priority
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	it.UpdatedAt = now
	return it, nil
}

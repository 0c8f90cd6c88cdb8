package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority ranks a task. The zero value is treated as PriorityMedium.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank returns a sort key where high priority sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// MaxTitleLength bounds task and checklist item titles.
const MaxTitleLength = 500

// Task is the domain representation of a task record.
type Task struct {
	// ===== Identification =====
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// ===== Content =====
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Category    string `json:"category,omitempty"`

	// ===== Classification =====
	Priority  Priority `json:"priority"`
	Urgent    bool     `json:"urgent"`
	Important bool     `json:"important"`
	Completed bool     `json:"completed"`

	// ===== Scheduling =====
	DueDate     *time.Time `json:"due_date,omitempty"`
	ReminderAt  *time.Time `json:"reminder_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ===== Sub-items =====
	Checklist []ChecklistItem `json:"checklist,omitempty"`

	// ===== Recency =====
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChecklistItem is one entry of a task's ordered checklist.
type ChecklistItem struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	Position  int       `json:"position"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := validateTitle(t.Title); err != nil {
		return err
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", t.Priority)
	}
	for i := range t.Checklist {
		if err := t.Checklist[i].Validate(); err != nil {
			return fmt.Errorf("checklist item %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks if the ChecklistItem has valid field values.
func (c *ChecklistItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	return validateTitle(c.Title)
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(title))
	}
	return nil
}

// Clone returns a deep copy so callers never share slices or time pointers
// with the live collection.
func (t Task) Clone() Task {
	t.DueDate = cloneTime(t.DueDate)
	t.ReminderAt = cloneTime(t.ReminderAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	if t.Checklist != nil {
		t.Checklist = slices.Clone(t.Checklist)
	}
	return t
}

// ChecklistIndex returns the position of item id in the checklist, or -1.
func (t *Task) ChecklistIndex(id string) int {
	return slices.IndexFunc(t.Checklist, func(c ChecklistItem) bool { return c.ID == id })
}

// SortChecklist orders checklist items by position, then creation time.
func (t *Task) SortChecklist() {
	slices.SortStableFunc(t.Checklist, func(a, b ChecklistItem) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// IsOverdue reports whether the task is open and past its due date.
func (t *Task) IsOverdue(now time.Time) bool {
	return !t.Completed && t.DueDate != nil && t.DueDate.Before(now)
}

// IsNewer reports whether incoming should replace held. Rows without a
// revision are always accepted so snapshot-only transports keep last
// applied wins.
func IsNewer(incoming, held int64) bool {
	if incoming == 0 || held == 0 {
		return true
	}
	return incoming > held
}

// SortTasks orders tasks for display: open before completed, then priority,
// then earliest due date, then newest first.
func SortTasks(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		if a.Completed != b.Completed {
			if a.Completed {
				return 1
			}
			return -1
		}
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra - rb
		}
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return -1
		case a.DueDate == nil && b.DueDate != nil:
			return 1
		case a.DueDate != nil && b.DueDate != nil:
			if c := a.DueDate.Compare(*b.DueDate); c != 0 {
				return c
			}
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

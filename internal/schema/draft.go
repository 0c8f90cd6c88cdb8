package schema

import (
	"fmt"
	"slices"
	"time"
)

// Draft holds the fields of a task that does not exist yet. The backing
// service assigns the id.
type Draft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Category    string     `json:"category,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Urgent      bool       `json:"urgent,omitempty"`
	Important   bool       `json:"important,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	ReminderAt  *time.Time `json:"reminder_at,omitempty"`

	// Checklist lists the titles of initial checklist items, in order.
	Checklist []string `json:"checklist,omitempty"`

	// ClientRef is an idempotency key. A replayed create carrying the same
	// ClientRef returns the task created the first time.
	ClientRef string `json:"client_ref,omitempty"`
}

// SetDefaults applies default values for optional fields.
func (d *Draft) SetDefaults() {
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
}

// Validate checks if the Draft can be sent to the backing service.
func (d *Draft) Validate() error {
	if err := validateTitle(d.Title); err != nil {
		return err
	}
	if d.Priority != "" && !d.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", d.Priority)
	}
	for i, title := range d.Checklist {
		if err := validateTitle(title); err != nil {
			return fmt.Errorf("checklist item %d: %w", i, err)
		}
	}
	return nil
}

// Patch is a shallow partial update. Nil fields are left untouched; the
// Clear* flags reset optional dates to unset.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Urgent      *bool     `json:"urgent,omitempty"`
	Important   *bool     `json:"important,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`

	DueDate          *time.Time `json:"due_date,omitempty"`
	ClearDueDate     bool       `json:"clear_due_date,omitempty"`
	ReminderAt       *time.Time `json:"reminder_at,omitempty"`
	ClearReminder    bool       `json:"clear_reminder,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ClearCompletedAt bool       `json:"clear_completed_at,omitempty"`

	// Checklist replaces the whole checklist when non-nil.
	Checklist *[]ChecklistItem `json:"checklist,omitempty"`
}

// IsEmpty reports whether applying p would change nothing.
func (p *Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Notes == nil &&
		p.Category == nil && p.Priority == nil && p.Urgent == nil &&
		p.Important == nil && p.Completed == nil &&
		p.DueDate == nil && !p.ClearDueDate &&
		p.ReminderAt == nil && !p.ClearReminder &&
		p.CompletedAt == nil && !p.ClearCompletedAt &&
		p.Checklist == nil
}

// Validate checks the fields that are set.
func (p *Patch) Validate() error {
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Priority != nil && !p.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", *p.Priority)
	}
	if p.DueDate != nil && p.ClearDueDate {
		return fmt.Errorf("due_date set and cleared in the same patch")
	}
	if p.ReminderAt != nil && p.ClearReminder {
		return fmt.Errorf("reminder_at set and cleared in the same patch")
	}
	if p.Checklist != nil {
		for i := range *p.Checklist {
			if err := (*p.Checklist)[i].Validate(); err != nil {
				return fmt.Errorf("checklist item %d: %w", i, err)
			}
		}
	}
	return nil
}

// Apply shallow-merges p into t. It does not touch UpdatedAt or Revision.
func (p *Patch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Urgent != nil {
		t.Urgent = *p.Urgent
	}
	if p.Important != nil {
		t.Important = *p.Important
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}

	switch {
	case p.ClearDueDate:
		t.DueDate = nil
	case p.DueDate != nil:
		t.DueDate = cloneTime(p.DueDate)
	}
	switch {
	case p.ClearReminder:
		t.ReminderAt = nil
	case p.ReminderAt != nil:
		t.ReminderAt = cloneTime(p.ReminderAt)
	}
	switch {
	case p.ClearCompletedAt:
		t.CompletedAt = nil
	case p.CompletedAt != nil:
		t.CompletedAt = cloneTime(p.CompletedAt)
	}

	if p.Checklist != nil {
		t.Checklist = slices.Clone(*p.Checklist)
		for i := range t.Checklist {
			t.Checklist[i].TaskID = t.ID
		}
	}
}

// CompletionPatch builds the patch that marks a task done or not done.
func CompletionPatch(completed bool, now time.Time) Patch {
	p := Patch{Completed: &completed}
	if completed {
		at := now
		p.CompletedAt = &at
	} else {
		p.ClearCompletedAt = true
	}
	return p
}

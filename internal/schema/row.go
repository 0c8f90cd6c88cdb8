package schema

import (
	"fmt"
	"time"
)

// Column names shared by wire rows and the backing service's tables.
const (
	ColumnDueDate     = "due_date"
	ColumnReminderAt  = "reminder_at"
	ColumnCompletedAt = "completed_at"
)

// TaskRow is a task as stored and transmitted by the backing service.
type TaskRow struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	ClientRef   *string `json:"client_ref,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Notes       *string `json:"notes"`
	Category    *string `json:"category"`
	Priority    string  `json:"priority"`
	IsCompleted bool    `json:"is_completed"`
	IsUrgent    bool    `json:"is_urgent"`
	IsImportant bool    `json:"is_important"`
	DueDate     *string `json:"due_date"`
	ReminderAt  *string `json:"reminder_at"`
	CompletedAt *string `json:"completed_at"`
	Revision    int64   `json:"revision"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`

	// ChecklistItems is populated by list and write responses. Realtime
	// task events carry the bare table row and leave it nil.
	ChecklistItems []ChecklistRow `json:"checklist_items,omitempty"`
}

// ChecklistRow is a checklist item as stored by the backing service.
type ChecklistRow struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"is_completed"`
	Position    int    `json:"position"`
	Revision    int64  `json:"revision"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// DraftRow is the create payload.
type DraftRow struct {
	ClientRef      string              `json:"client_ref,omitempty"`
	Title          string              `json:"title"`
	Description    *string             `json:"description,omitempty"`
	Notes          *string             `json:"notes,omitempty"`
	Category       *string             `json:"category,omitempty"`
	Priority       string              `json:"priority"`
	IsUrgent       bool                `json:"is_urgent"`
	IsImportant    bool                `json:"is_important"`
	DueDate        *string             `json:"due_date,omitempty"`
	ReminderAt     *string             `json:"reminder_at,omitempty"`
	ChecklistItems []ChecklistDraftRow `json:"checklist_items,omitempty"`
}

// ChecklistDraftRow is one initial checklist item of a create payload.
type ChecklistDraftRow struct {
	Title string `json:"title"`
}

// TaskPatchRow is the update payload. Clear lists nullable columns to reset.
type TaskPatchRow struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	Category       *string         `json:"category,omitempty"`
	Priority       *string         `json:"priority,omitempty"`
	IsCompleted    *bool           `json:"is_completed,omitempty"`
	IsUrgent       *bool           `json:"is_urgent,omitempty"`
	IsImportant    *bool           `json:"is_important,omitempty"`
	DueDate        *string         `json:"due_date,omitempty"`
	ReminderAt     *string         `json:"reminder_at,omitempty"`
	CompletedAt    *string         `json:"completed_at,omitempty"`
	Clear          []string        `json:"clear,omitempty"`
	ChecklistItems *[]ChecklistRow `json:"checklist_items,omitempty"`
}

// TaskFromRow maps a wire row to the domain representation.
func TaskFromRow(row TaskRow) (Task, error) {
	t := Task{
		ID:          row.ID,
		UserID:      row.UserID,
		Title:       row.Title,
		Description: deref(row.Description),
		Notes:       deref(row.Notes),
		Category:    deref(row.Category),
		Priority:    Priority(row.Priority),
		Completed:   row.IsCompleted,
		Urgent:      row.IsUrgent,
		Important:   row.IsImportant,
		Revision:    row.Revision,
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	var err error
	if t.DueDate, err = ParseOptionalTime(row.DueDate); err != nil {
		return Task{}, fmt.Errorf("task %s: due_date: %w", row.ID, err)
	}
	if t.ReminderAt, err = ParseOptionalTime(row.ReminderAt); err != nil {
		return Task{}, fmt.Errorf("task %s: reminder_at: %w", row.ID, err)
	}
	if t.CompletedAt, err = ParseOptionalTime(row.CompletedAt); err != nil {
		return Task{}, fmt.Errorf("task %s: completed_at: %w", row.ID, err)
	}
	if t.CreatedAt, err = ParseTime(row.CreatedAt); err != nil {
		return Task{}, fmt.Errorf("task %s: created_at: %w", row.ID, err)
	}
	if t.UpdatedAt, err = ParseTime(row.UpdatedAt); err != nil {
		return Task{}, fmt.Errorf("task %s: updated_at: %w", row.ID, err)
	}

	if row.ChecklistItems != nil {
		t.Checklist = make([]ChecklistItem, 0, len(row.ChecklistItems))
		for _, cr := range row.ChecklistItems {
			item, err := ChecklistItemFromRow(cr)
			if err != nil {
				return Task{}, fmt.Errorf("task %s: %w", row.ID, err)
			}
			t.Checklist = append(t.Checklist, item)
		}
		t.SortChecklist()
	}

	return t, nil
}

// RowFromTask maps a domain task back to its wire row.
func RowFromTask(t Task) TaskRow {
	row := TaskRow{
		ID:          t.ID,
		UserID:      t.UserID,
		Title:       t.Title,
		Description: optional(t.Description),
		Notes:       optional(t.Notes),
		Category:    optional(t.Category),
		Priority:    string(t.Priority),
		IsCompleted: t.Completed,
		IsUrgent:    t.Urgent,
		IsImportant: t.Important,
		DueDate:     FormatOptionalTime(t.DueDate),
		ReminderAt:  FormatOptionalTime(t.ReminderAt),
		CompletedAt: FormatOptionalTime(t.CompletedAt),
		Revision:    t.Revision,
		CreatedAt:   FormatTime(t.CreatedAt),
		UpdatedAt:   FormatTime(t.UpdatedAt),
	}
	if t.Checklist != nil {
		row.ChecklistItems = make([]ChecklistRow, 0, len(t.Checklist))
		for _, c := range t.Checklist {
			row.ChecklistItems = append(row.ChecklistItems, RowFromChecklistItem(c, t.UserID))
		}
	}
	return row
}

// ChecklistItemFromRow maps a checklist wire row to the domain item.
func ChecklistItemFromRow(row ChecklistRow) (ChecklistItem, error) {
	item := ChecklistItem{
		ID:        row.ID,
		TaskID:    row.TaskID,
		Title:     row.Title,
		Completed: row.IsCompleted,
		Position:  row.Position,
		Revision:  row.Revision,
	}
	var err error
	if item.CreatedAt, err = ParseTime(row.CreatedAt); err != nil {
		return ChecklistItem{}, fmt.Errorf("checklist item %s: created_at: %w", row.ID, err)
	}
	if item.UpdatedAt, err = ParseTime(row.UpdatedAt); err != nil {
		return ChecklistItem{}, fmt.Errorf("checklist item %s: updated_at: %w", row.ID, err)
	}
	return item, nil
}

// RowFromChecklistItem maps a domain checklist item to its wire row.
func RowFromChecklistItem(c ChecklistItem, userID string) ChecklistRow {
	return ChecklistRow{
		ID:          c.ID,
		TaskID:      c.TaskID,
		UserID:      userID,
		Title:       c.Title,
		IsCompleted: c.Completed,
		Position:    c.Position,
		Revision:    c.Revision,
		CreatedAt:   FormatTime(c.CreatedAt),
		UpdatedAt:   FormatTime(c.UpdatedAt),
	}
}

// RowFromDraft maps a draft to the create payload.
func RowFromDraft(d Draft) DraftRow {
	row := DraftRow{
		ClientRef:   d.ClientRef,
		Title:       d.Title,
		Description: optional(d.Description),
		Notes:       optional(d.Notes),
		Category:    optional(d.Category),
		Priority:    string(d.Priority),
		IsUrgent:    d.Urgent,
		IsImportant: d.Important,
		DueDate:     FormatOptionalTime(d.DueDate),
		ReminderAt:  FormatOptionalTime(d.ReminderAt),
	}
	for _, title := range d.Checklist {
		row.ChecklistItems = append(row.ChecklistItems, ChecklistDraftRow{Title: title})
	}
	return row
}

// DraftFromRow maps a create payload back to a draft.
func DraftFromRow(row DraftRow) (Draft, error) {
	d := Draft{
		ClientRef:   row.ClientRef,
		Title:       row.Title,
		Description: deref(row.Description),
		Notes:       deref(row.Notes),
		Category:    deref(row.Category),
		Priority:    Priority(row.Priority),
		Urgent:      row.IsUrgent,
		Important:   row.IsImportant,
	}
	var err error
	if d.DueDate, err = ParseOptionalTime(row.DueDate); err != nil {
		return Draft{}, fmt.Errorf("due_date: %w", err)
	}
	if d.ReminderAt, err = ParseOptionalTime(row.ReminderAt); err != nil {
		return Draft{}, fmt.Errorf("reminder_at: %w", err)
	}
	for _, item := range row.ChecklistItems {
		d.Checklist = append(d.Checklist, item.Title)
	}
	return d, nil
}

// RowFromPatch maps a domain patch to the update payload.
func RowFromPatch(p Patch, userID string) TaskPatchRow {
	row := TaskPatchRow{
		Title:       p.Title,
		Description: p.Description,
		Notes:       p.Notes,
		Category:    p.Category,
		IsCompleted: p.Completed,
		IsUrgent:    p.Urgent,
		IsImportant: p.Important,
		DueDate:     FormatOptionalTime(p.DueDate),
		ReminderAt:  FormatOptionalTime(p.ReminderAt),
		CompletedAt: FormatOptionalTime(p.CompletedAt),
	}
	if p.Priority != nil {
		s := string(*p.Priority)
		row.Priority = &s
	}
	if p.ClearDueDate {
		row.Clear = append(row.Clear, ColumnDueDate)
	}
	if p.ClearReminder {
		row.Clear = append(row.Clear, ColumnReminderAt)
	}
	if p.ClearCompletedAt {
		row.Clear = append(row.Clear, ColumnCompletedAt)
	}
	if p.Checklist != nil {
		items := make([]ChecklistRow, 0, len(*p.Checklist))
		for _, c := range *p.Checklist {
			items = append(items, RowFromChecklistItem(c, userID))
		}
		row.ChecklistItems = &items
	}
	return row
}

// PatchFromRow maps an update payload back to a domain patch.
func PatchFromRow(row TaskPatchRow) (Patch, error) {
	p := Patch{
		Title:       row.Title,
		Description: row.Description,
		Notes:       row.Notes,
		Category:    row.Category,
		Completed:   row.IsCompleted,
		Urgent:      row.IsUrgent,
		Important:   row.IsImportant,
	}
	if row.Priority != nil {
		prio := Priority(*row.Priority)
		p.Priority = &prio
	}

	var err error
	if p.DueDate, err = ParseOptionalTime(row.DueDate); err != nil {
		return Patch{}, fmt.Errorf("due_date: %w", err)
	}
	if p.ReminderAt, err = ParseOptionalTime(row.ReminderAt); err != nil {
		return Patch{}, fmt.Errorf("reminder_at: %w", err)
	}
	if p.CompletedAt, err = ParseOptionalTime(row.CompletedAt); err != nil {
		return Patch{}, fmt.Errorf("completed_at: %w", err)
	}

	for _, col := range row.Clear {
		switch col {
		case ColumnDueDate:
			p.ClearDueDate = true
		case ColumnReminderAt:
			p.ClearReminder = true
		case ColumnCompletedAt:
			p.ClearCompletedAt = true
		default:
			return Patch{}, fmt.Errorf("column %q cannot be cleared", col)
		}
	}

	if row.ChecklistItems != nil {
		items := make([]ChecklistItem, 0, len(*row.ChecklistItems))
		for _, cr := range *row.ChecklistItems {
			item, err := ChecklistItemFromRow(cr)
			if err != nil {
				return Patch{}, err
			}
			items = append(items, item)
		}
		p.Checklist = &items
	}
	return p, nil
}

// timeLayouts are the ISO-8601 shapes accepted from the backing service.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp. An empty string is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// ParseOptionalTime parses a nullable timestamp.
func ParseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FormatTime renders t in the wire format. The zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatOptionalTime renders a nullable timestamp.
func FormatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package remote

import (
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// DiffChecklist compares the checklist of a task before and after a write.
// It returns the stored checklist of after, with positions, revisions and
// timestamps stamped, and one checklist event per inserted, changed or
// removed item. Items without an id are given one.
func DiffChecklist(before, after schema.Task, now time.Time) ([]schema.ChecklistItem, []Event) {
	prev := make(map[string]schema.ChecklistItem, len(before.Checklist))
	for _, c := range before.Checklist {
		prev[c.ID] = c
	}

	var events []Event
	items := make([]schema.ChecklistItem, 0, len(after.Checklist))
	for i, c := range after.Checklist {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.TaskID = after.ID
		c.Position = i
		old, existed := prev[c.ID]
		switch {
		case !existed:
			c.Revision, c.CreatedAt, c.UpdatedAt = 1, now, now
			events = append(events, mustEvent(EventInsert, KindChecklistItem, schema.RowFromChecklistItem(c, after.UserID), nil))
		case old.Title != c.Title || old.Completed != c.Completed || old.Position != c.Position:
			c.Revision, c.CreatedAt, c.UpdatedAt = old.Revision+1, old.CreatedAt, now
			events = append(events, mustEvent(EventUpdate, KindChecklistItem,
				schema.RowFromChecklistItem(c, after.UserID), schema.RowFromChecklistItem(old, after.UserID)))
		default:
			c = old
		}
		delete(prev, c.ID)
		items = append(items, c)
	}
	for _, gone := range before.Checklist {
		if _, removed := prev[gone.ID]; removed {
			events = append(events, mustEvent(EventDelete, KindChecklistItem, nil, schema.RowFromChecklistItem(gone, after.UserID)))
		}
	}
	return items, events
}

// TaskEvent builds a task event. Checklist items are stripped from both
// rows; they travel as checklist events of their own.
func TaskEvent(typ EventType, newRow, oldRow *schema.TaskRow) Event {
	var n, o any
	if newRow != nil {
		n = bareRow(*newRow)
	}
	if oldRow != nil {
		o = bareRow(*oldRow)
	}
	return mustEvent(typ, KindTask, n, o)
}

// ChecklistEvents builds one checklist event of typ per row.
func ChecklistEvents(typ EventType, rows []schema.ChecklistRow) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		if typ == EventDelete {
			events = append(events, mustEvent(typ, KindChecklistItem, nil, row))
			continue
		}
		events = append(events, mustEvent(typ, KindChecklistItem, row, nil))
	}
	return events
}

package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTaskFromRow_StorageNativeFields(t *testing.T) {
	raw := `{
		"id": "abc",
		"user_id": "u1",
		"title": "Call mom",
		"description": null,
		"notes": "after work",
		"category": "family",
		"priority": "high",
		"is_completed": false,
		"is_urgent": true,
		"is_important": true,
		"due_date": "2026-10-20",
		"reminder_at": "2026-10-19T18:00:00+02:00",
		"completed_at": null,
		"revision": 4,
		"created_at": "2026-10-16T08:00:00Z",
		"updated_at": "2026-10-16T08:30:00.123Z",
		"checklist_items": [
			{"id": "c2", "task_id": "abc", "title": "Say hi", "is_completed": false, "position": 1,
			 "revision": 1, "created_at": "2026-10-16T08:00:00Z", "updated_at": "2026-10-16T08:00:00Z"},
			{"id": "c1", "task_id": "abc", "title": "Dial", "is_completed": true, "position": 0,
			 "revision": 2, "created_at": "2026-10-16T08:00:00Z", "updated_at": "2026-10-16T08:01:00Z"}
		]
	}`

	var row TaskRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	task, err := TaskFromRow(row)
	if err != nil {
		t.Fatalf("TaskFromRow failed: %v", err)
	}

	due := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	reminder := time.Date(2026, 10, 19, 16, 0, 0, 0, time.UTC)
	created := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	want := Task{
		ID:         "abc",
		UserID:     "u1",
		Title:      "Call mom",
		Notes:      "after work",
		Category:   "family",
		Priority:   PriorityHigh,
		Urgent:     true,
		Important:  true,
		DueDate:    &due,
		ReminderAt: &reminder,
		Revision:   4,
		CreatedAt:  created,
		UpdatedAt:  time.Date(2026, 10, 16, 8, 30, 0, 123000000, time.UTC),
		Checklist: []ChecklistItem{
			{ID: "c1", TaskID: "abc", Title: "Dial", Completed: true, Position: 0, Revision: 2,
				CreatedAt: created, UpdatedAt: created.Add(time.Minute)},
			{ID: "c2", TaskID: "abc", Title: "Say hi", Position: 1, Revision: 1,
				CreatedAt: created, UpdatedAt: created},
		},
	}

	if diff := cmp.Diff(want, task); diff != "" {
		t.Errorf("TaskFromRow mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskFromRow_DefaultsAndErrors(t *testing.T) {
	task, err := TaskFromRow(TaskRow{ID: "t1", Title: "x"})
	if err != nil {
		t.Fatalf("TaskFromRow failed: %v", err)
	}
	if task.Priority != PriorityMedium {
		t.Errorf("Priority = %q, want medium default", task.Priority)
	}
	if task.Checklist != nil {
		t.Errorf("Checklist = %v, want nil when row carries none", task.Checklist)
	}

	bad := "not-a-date"
	if _, err := TaskFromRow(TaskRow{ID: "t1", Title: "x", DueDate: &bad}); err == nil {
		t.Error("TaskFromRow should reject an invalid due_date")
	}
}

func TestRowFromTask_RoundTrip(t *testing.T) {
	due := time.Date(2026, 11, 1, 10, 0, 0, 0, time.UTC)
	created := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	task := Task{
		ID:        "t1",
		UserID:    "u1",
		Title:     "File taxes",
		Category:  "admin",
		Priority:  PriorityLow,
		Important: true,
		DueDate:   &due,
		Revision:  7,
		CreatedAt: created,
		UpdatedAt: created,
		Checklist: []ChecklistItem{{ID: "c1", TaskID: "t1", Title: "Find receipts", CreatedAt: created, UpdatedAt: created}},
	}

	row := RowFromTask(task)
	if !row.IsImportant || row.IsUrgent || row.Description != nil {
		t.Errorf("RowFromTask flags/nullables wrong: %+v", row)
	}
	if row.ChecklistItems[0].UserID != "u1" {
		t.Errorf("checklist row user_id = %q, want u1", row.ChecklistItems[0].UserID)
	}

	back, err := TaskFromRow(row)
	if err != nil {
		t.Fatalf("TaskFromRow failed: %v", err)
	}
	if diff := cmp.Diff(task, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRowFromPatch_ClearColumns(t *testing.T) {
	done := true
	p := Patch{Completed: &done, ClearDueDate: true, ClearReminder: true}
	row := RowFromPatch(p, "u1")

	if row.IsCompleted == nil || !*row.IsCompleted {
		t.Errorf("is_completed not mapped: %+v", row)
	}
	if diff := cmp.Diff([]string{ColumnDueDate, ColumnReminderAt}, row.Clear); diff != "" {
		t.Errorf("Clear mismatch (-want +got):\n%s", diff)
	}

	back, err := PatchFromRow(row)
	if err != nil {
		t.Fatalf("PatchFromRow failed: %v", err)
	}
	if !back.ClearDueDate || !back.ClearReminder || back.ClearCompletedAt {
		t.Errorf("PatchFromRow clear flags = %+v", back)
	}

	if _, err := PatchFromRow(TaskPatchRow{Clear: []string{"title"}}); err == nil {
		t.Error("PatchFromRow should reject clearing a non-nullable column")
	}
}

func TestRowFromDraft(t *testing.T) {
	d := Draft{Title: "Trip", Urgent: true, Checklist: []string{"Pack", "Tickets"}, ClientRef: "ref-1"}
	d.SetDefaults()
	row := RowFromDraft(d)

	if row.Priority != "medium" || !row.IsUrgent || row.ClientRef != "ref-1" {
		t.Errorf("RowFromDraft = %+v", row)
	}
	if len(row.ChecklistItems) != 2 || row.ChecklistItems[1].Title != "Tickets" {
		t.Errorf("checklist items = %+v", row.ChecklistItems)
	}

	back, err := DraftFromRow(row)
	if err != nil {
		t.Fatalf("DraftFromRow failed: %v", err)
	}
	if diff := cmp.Diff(d, back); diff != "" {
		t.Errorf("draft round trip mismatch (-want +got):\n%s", diff)
	}
}

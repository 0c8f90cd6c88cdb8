package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// testDB opens a database in a temporary directory.
func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenDB(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitSchemaCreatesTables(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"tasks", "checklist_items"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestCreateAndListTasks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	work := "work"
	result, err := db.CreateTask(ctx, "user-1", schema.DraftRow{
		Title:          "Write report",
		Category:       &work,
		Priority:       "high",
		ChecklistItems: []schema.ChecklistDraftRow{{Title: "outline"}, {Title: "draft"}},
	})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if result.Replayed {
		t.Error("first create reported as replayed")
	}
	if got := len(result.Events); got != 3 {
		t.Errorf("CreateTask() emitted %d events, want 3", got)
	}
	if _, err := db.CreateTask(ctx, "user-2", schema.DraftRow{Title: "not mine"}); err != nil {
		t.Fatalf("CreateTask(user-2) failed: %v", err)
	}

	rows, err := db.ListTasks(ctx, remote.Filter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ListTasks() returned %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.Title != "Write report" || row.Priority != "high" || row.Category == nil || *row.Category != "work" {
		t.Errorf("row = %+v", row)
	}
	if len(row.ChecklistItems) != 2 || row.ChecklistItems[0].Title != "outline" {
		t.Errorf("ChecklistItems = %+v", row.ChecklistItems)
	}

	byCategory, err := db.ListTasks(ctx, remote.Filter{UserID: "user-1", Category: "home"})
	if err != nil {
		t.Fatalf("ListTasks(category) failed: %v", err)
	}
	if len(byCategory) != 0 {
		t.Errorf("ListTasks(home) returned %d rows, want 0", len(byCategory))
	}
}

func TestCreateTaskClientRefIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := db.CreateTask(ctx, "user-1", schema.DraftRow{Title: "once", ClientRef: "ref-1"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	again, err := db.CreateTask(ctx, "user-1", schema.DraftRow{Title: "once", ClientRef: "ref-1"})
	if err != nil {
		t.Fatalf("replayed CreateTask() failed: %v", err)
	}
	if !again.Replayed || again.Row.ID != first.Row.ID {
		t.Errorf("replay = %+v, want the first task back", again)
	}
	if len(again.Events) != 0 {
		t.Errorf("replay emitted %d events", len(again.Events))
	}

	// Same ref from another user is a different task.
	other, err := db.CreateTask(ctx, "user-2", schema.DraftRow{Title: "once", ClientRef: "ref-1"})
	if err != nil {
		t.Fatalf("CreateTask(user-2) failed: %v", err)
	}
	if other.Replayed {
		t.Error("client_ref leaked across users")
	}

	count, err := db.GetTaskCount(ctx, "user-1")
	if err != nil || count != 1 {
		t.Errorf("GetTaskCount() = %d, %v; want 1", count, err)
	}
}

func TestUpdateTaskChecklistAndClear(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	due := "2026-03-01T09:00:00Z"
	created, err := db.CreateTask(ctx, "user-1", schema.DraftRow{
		Title:          "Plan trip",
		DueDate:        &due,
		ChecklistItems: []schema.ChecklistDraftRow{{Title: "flights"}, {Title: "hotel"}},
	})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	// Drop "flights", complete "hotel", add "car".
	items := []schema.ChecklistRow{created.Row.ChecklistItems[1]}
	items[0].IsCompleted = true
	items = append(items, schema.ChecklistRow{ID: "car", Title: "car", CreatedAt: created.Row.CreatedAt, UpdatedAt: created.Row.CreatedAt})

	row, events, err := db.UpdateTask(ctx, "user-1", created.Row.ID, schema.TaskPatchRow{
		Clear:          []string{schema.ColumnDueDate},
		ChecklistItems: &items,
	})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if row.Revision != 2 {
		t.Errorf("Revision = %d, want 2", row.Revision)
	}
	if row.DueDate != nil {
		t.Errorf("DueDate = %v, want cleared", *row.DueDate)
	}
	// task update, hotel update (position and completion), car insert, flights delete
	if got := len(events); got != 4 {
		t.Errorf("UpdateTask() emitted %d events, want 4", got)
	}

	rows, err := db.ListTasks(ctx, remote.Filter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	got := rows[0].ChecklistItems
	if len(got) != 2 || got[0].Title != "hotel" || !got[0].IsCompleted || got[1].ID != "car" {
		t.Errorf("stored checklist = %+v", got)
	}
}

func TestUpdateAndDeleteErrors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	created, err := db.CreateTask(ctx, "user-1", schema.DraftRow{Title: "mine"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	title := "stolen"
	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"update missing", func() error {
			_, _, err := db.UpdateTask(ctx, "user-1", "missing", schema.TaskPatchRow{Title: &title})
			return err
		}, remote.ErrNotFound},
		{"update other user", func() error {
			_, _, err := db.UpdateTask(ctx, "user-2", created.Row.ID, schema.TaskPatchRow{Title: &title})
			return err
		}, remote.ErrNotFound},
		{"update bad clear", func() error {
			_, _, err := db.UpdateTask(ctx, "user-1", created.Row.ID, schema.TaskPatchRow{Clear: []string{"title"}})
			return err
		}, remote.ErrRejected},
		{"create blank", func() error {
			_, err := db.CreateTask(ctx, "user-1", schema.DraftRow{Title: ""})
			return err
		}, remote.ErrRejected},
		{"delete other user", func() error {
			_, err := db.DeleteTask(ctx, "user-2", created.Row.ID)
			return err
		}, remote.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	events, err := db.DeleteTask(ctx, "user-1", created.Row.ID)
	if err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != remote.EventDelete {
		t.Errorf("DeleteTask() events = %+v", events)
	}
	if _, err := db.DeleteTask(ctx, "user-1", created.Row.ID); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("second DeleteTask() = %v, want ErrNotFound", err)
	}
}

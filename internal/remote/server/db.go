// Package server is the reference backing service for tasksync.
//
// It stores tasks and checklist items in embedded SQLite, serves them over a
// small REST API and pushes row changes to websocket subscribers. The
// HTTPClient in package remote is its client.
//
// Architecture:
//   - Database file: ~/.tasksync/server.db (configurable)
//   - WAL mode: concurrent readers during writes
//   - Schema: tasks, checklist_items tables
//   - Every write bumps the row revision and emits row-change events
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// DB wraps the SQLite connection holding the service's tasks.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// OpenDB creates or opens the database at path and initialises the schema.
//
// The caller MUST call Close() when done.
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, now: time.Now}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_ref TEXT,
		title TEXT NOT NULL,
		description TEXT,
		notes TEXT,
		category TEXT,
		priority TEXT NOT NULL DEFAULT 'medium',
		is_completed INTEGER NOT NULL DEFAULT 0,
		is_urgent INTEGER NOT NULL DEFAULT 0,
		is_important INTEGER NOT NULL DEFAULT 0,
		due_date TEXT,
		reminder_at TEXT,
		completed_at TEXT,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, client_ref)
	);

	CREATE TABLE IF NOT EXISTS checklist_items (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		is_completed INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, is_completed);
	CREATE INDEX IF NOT EXISTS idx_tasks_category ON tasks(user_id, category);
	CREATE INDEX IF NOT EXISTS idx_checklist_task ON checklist_items(task_id, position);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ListTasks returns the tasks matching filter, checklist items included,
// oldest first.
func (db *DB) ListTasks(ctx context.Context, filter remote.Filter) ([]schema.TaskRow, error) {
	conditions := []string{"user_id = ?"}
	args := []any{filter.UserID}

	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.ExcludeCompleted {
		conditions = append(conditions, "is_completed = 0")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []schema.TaskRow{}, nil
	}

	items, err := db.checklistByTask(ctx, db.conn, filter.UserID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].ChecklistItems = items[tasks[i].ID]
		if tasks[i].ChecklistItems == nil {
			tasks[i].ChecklistItems = []schema.ChecklistRow{}
		}
	}
	return tasks, nil
}

// CreateResult is the outcome of CreateTask.
type CreateResult struct {
	Row schema.TaskRow
	// Replayed is set when the draft's client_ref matched an existing task.
	Replayed bool
	Events   []remote.Event
}

// CreateTask inserts a task owned by userID. A draft whose client_ref was
// already used by the same user returns the existing task unchanged.
func (db *DB) CreateTask(ctx context.Context, userID string, draftRow schema.DraftRow) (CreateResult, error) {
	draft, err := schema.DraftFromRow(draftRow)
	if err == nil {
		err = draft.Validate()
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}
	draft.SetDefaults()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if draft.ClientRef != "" {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE user_id = ? AND client_ref = ?`,
			userID, draft.ClientRef).Scan(&id)
		switch {
		case err == nil:
			row, err := db.getTask(ctx, tx, userID, id)
			if err != nil {
				return CreateResult{}, err
			}
			return CreateResult{Row: row, Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return CreateResult{}, fmt.Errorf("failed to look up client_ref: %w", err)
		}
	}

	now := db.now().UTC()
	task := schema.Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       draft.Title,
		Description: draft.Description,
		Notes:       draft.Notes,
		Category:    draft.Category,
		Priority:    draft.Priority,
		Urgent:      draft.Urgent,
		Important:   draft.Important,
		DueDate:     draft.DueDate,
		ReminderAt:  draft.ReminderAt,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Checklist:   []schema.ChecklistItem{},
	}
	for i, title := range draft.Checklist {
		task.Checklist = append(task.Checklist, schema.ChecklistItem{
			ID: uuid.NewString(), TaskID: task.ID, Title: title, Position: i,
			Revision: 1, CreatedAt: now, UpdatedAt: now,
		})
	}

	row := schema.RowFromTask(task)
	if draft.ClientRef != "" {
		ref := draft.ClientRef
		row.ClientRef = &ref
	}
	if err := insertTask(ctx, tx, row); err != nil {
		return CreateResult{}, err
	}
	for _, item := range row.ChecklistItems {
		if err := upsertChecklistItem(ctx, tx, item); err != nil {
			return CreateResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	events := append([]remote.Event{remote.TaskEvent(remote.EventInsert, &row, nil)},
		remote.ChecklistEvents(remote.EventInsert, row.ChecklistItems)...)
	return CreateResult{Row: row, Events: events}, nil
}

// UpdateTask applies patchRow to a task owned by userID.
func (db *DB) UpdateTask(ctx context.Context, userID, id string, patchRow schema.TaskPatchRow) (schema.TaskRow, []remote.Event, error) {
	patch, err := schema.PatchFromRow(patchRow)
	if err == nil {
		err = patch.Validate()
	}
	if err != nil {
		return schema.TaskRow{}, nil, fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return schema.TaskRow{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := db.getTask(ctx, tx, userID, id)
	if err != nil {
		return schema.TaskRow{}, nil, err
	}
	task, err := schema.TaskFromRow(old)
	if err != nil {
		return schema.TaskRow{}, nil, fmt.Errorf("stored task %s is corrupt: %w", id, err)
	}
	before := task.Clone()
	patch.Apply(&task)

	now := db.now().UTC()
	task.Revision++
	task.UpdatedAt = now

	var itemEvents []remote.Event
	if patch.Checklist != nil {
		task.Checklist, itemEvents = remote.DiffChecklist(before, task, now)
	}

	row := schema.RowFromTask(task)
	row.ClientRef = old.ClientRef
	if err := updateTaskRow(ctx, tx, row); err != nil {
		return schema.TaskRow{}, nil, err
	}
	if patch.Checklist != nil {
		if err := replaceChecklist(ctx, tx, row); err != nil {
			return schema.TaskRow{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return schema.TaskRow{}, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	events := append([]remote.Event{remote.TaskEvent(remote.EventUpdate, &row, &old)}, itemEvents...)
	return row, events, nil
}

// DeleteTask removes a task owned by userID together with its checklist.
func (db *DB) DeleteTask(ctx context.Context, userID, id string) ([]remote.Event, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := db.getTask(ctx, tx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	events := append(remote.ChecklistEvents(remote.EventDelete, old.ChecklistItems),
		remote.TaskEvent(remote.EventDelete, nil, &old))
	return events, nil
}

// GetTaskCount returns the number of tasks owned by userID.
func (db *DB) GetTaskCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const taskColumns = `id, user_id, client_ref, title, description, notes, category, priority,
	is_completed, is_urgent, is_important, due_date, reminder_at, completed_at,
	revision, created_at, updated_at`

func (db *DB) getTask(ctx context.Context, q querier, userID, id string) (schema.TaskRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return schema.TaskRow{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return schema.TaskRow{}, err
	}
	if len(tasks) == 0 {
		return schema.TaskRow{}, fmt.Errorf("%w: %s", remote.ErrNotFound, id)
	}

	task := tasks[0]
	items, err := q.QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items
		WHERE task_id = ? ORDER BY position ASC, created_at ASC`, id)
	if err != nil {
		return schema.TaskRow{}, fmt.Errorf("failed to get checklist of %s: %w", id, err)
	}
	task.ChecklistItems, err = scanChecklist(items)
	if err != nil {
		return schema.TaskRow{}, err
	}
	if task.ChecklistItems == nil {
		task.ChecklistItems = []schema.ChecklistRow{}
	}
	return task, nil
}

const checklistColumns = `id, task_id, user_id, title, is_completed, position, revision, created_at, updated_at`

func (db *DB) checklistByTask(ctx context.Context, q querier, userID string) (map[string][]schema.ChecklistRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items
		WHERE user_id = ? ORDER BY task_id, position ASC, created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checklist items: %w", err)
	}
	items, err := scanChecklist(rows)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string][]schema.ChecklistRow)
	for _, item := range items {
		byTask[item.TaskID] = append(byTask[item.TaskID], item)
	}
	return byTask, nil
}

func insertTask(ctx context.Context, q querier, row schema.TaskRow) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, nullString(row.ClientRef), row.Title,
		nullString(row.Description), nullString(row.Notes), nullString(row.Category), row.Priority,
		row.IsCompleted, row.IsUrgent, row.IsImportant,
		nullString(row.DueDate), nullString(row.ReminderAt), nullString(row.CompletedAt),
		row.Revision, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func updateTaskRow(ctx context.Context, q querier, row schema.TaskRow) error {
	_, err := q.ExecContext(ctx, `
	UPDATE tasks SET
		title = ?, description = ?, notes = ?, category = ?, priority = ?,
		is_completed = ?, is_urgent = ?, is_important = ?,
		due_date = ?, reminder_at = ?, completed_at = ?,
		revision = ?, updated_at = ?
	WHERE id = ?`,
		row.Title, nullString(row.Description), nullString(row.Notes), nullString(row.Category), row.Priority,
		row.IsCompleted, row.IsUrgent, row.IsImportant,
		nullString(row.DueDate), nullString(row.ReminderAt), nullString(row.CompletedAt),
		row.Revision, row.UpdatedAt, row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", row.ID, err)
	}
	return nil
}

func upsertChecklistItem(ctx context.Context, q querier, item schema.ChecklistRow) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO checklist_items (`+checklistColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		is_completed = excluded.is_completed,
		position = excluded.position,
		revision = excluded.revision,
		updated_at = excluded.updated_at`,
		item.ID, item.TaskID, item.UserID, item.Title, item.IsCompleted,
		item.Position, item.Revision, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert checklist item %s: %w", item.ID, err)
	}
	return nil
}

// replaceChecklist makes the stored checklist of row.ID match row exactly.
func replaceChecklist(ctx context.Context, q querier, row schema.TaskRow) error {
	keep := make([]any, 0, len(row.ChecklistItems)+1)
	keep = append(keep, row.ID)
	for _, item := range row.ChecklistItems {
		if err := upsertChecklistItem(ctx, q, item); err != nil {
			return err
		}
		keep = append(keep, item.ID)
	}

	query := `DELETE FROM checklist_items WHERE task_id = ?`
	if len(keep) > 1 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(keep)-2) + `)`
	}
	if _, err := q.ExecContext(ctx, query, keep...); err != nil {
		return fmt.Errorf("failed to prune checklist of %s: %w", row.ID, err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]schema.TaskRow, error) {
	defer rows.Close()

	var tasks []schema.TaskRow
	for rows.Next() {
		var row schema.TaskRow
		var clientRef, description, notes, category sql.NullString
		var dueDate, reminderAt, completedAt sql.NullString

		err := rows.Scan(
			&row.ID, &row.UserID, &clientRef, &row.Title,
			&description, &notes, &category, &row.Priority,
			&row.IsCompleted, &row.IsUrgent, &row.IsImportant,
			&dueDate, &reminderAt, &completedAt,
			&row.Revision, &row.CreatedAt, &row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		row.ClientRef = stringPtr(clientRef)
		row.Description = stringPtr(description)
		row.Notes = stringPtr(notes)
		row.Category = stringPtr(category)
		row.DueDate = stringPtr(dueDate)
		row.ReminderAt = stringPtr(reminderAt)
		row.CompletedAt = stringPtr(completedAt)

		tasks = append(tasks, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanChecklist(rows *sql.Rows) ([]schema.ChecklistRow, error) {
	defer rows.Close()

	var items []schema.ChecklistRow
	for rows.Next() {
		var item schema.ChecklistRow
		err := rows.Scan(&item.ID, &item.TaskID, &item.UserID, &item.Title, &item.IsCompleted,
			&item.Position, &item.Revision, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checklist item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checklist items: %w", err)
	}
	return items, nil
}

// nullString converts an optional string to a nullable SQL value.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// stringPtr converts a nullable SQL string to an optional string.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

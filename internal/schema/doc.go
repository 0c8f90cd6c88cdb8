// Package schema defines the task data model used by the sync engine.
//
// # Overview
//
// Two shapes of the same data live in this package:
//
//   - Domain records (Task, ChecklistItem, Draft, Patch) used by the store,
//     the reconciler and callers.
//   - Wire rows (TaskRow, ChecklistRow, DraftRow, TaskPatchRow) that mirror
//     the backing service's storage-native layout: snake_case names,
//     is_* boolean flags and ISO-8601 timestamp strings.
//
// All conversion between the two goes through the mapping functions in
// row.go (TaskFromRow, RowFromTask, RowFromDraft, RowFromPatch, ...). No
// other package renames fields inline.
//
// # Example
//
// A task row as delivered by the backing service:
//
//	{
//	  "id": "3f1c...",
//	  "user_id": "u-42",
//	  "title": "Buy milk",
//	  "category": "errands",
//	  "priority": "medium",
//	  "is_completed": false,
//	  "is_urgent": true,
//	  "is_important": false,
//	  "due_date": "2026-10-20T09:00:00Z",
//	  "revision": 3,
//	  "created_at": "2026-10-16T08:12:44Z",
//	  "updated_at": "2026-10-16T08:30:02Z"
//	}
//
// # Revisions
//
// Every row carries a revision that the backing service increments on each
// write. Consumers compare revisions with IsNewer to ignore events that are
// not strictly newer than what they already hold.
package schema

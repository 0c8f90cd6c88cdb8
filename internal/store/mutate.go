package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Create sends draft to the service and, on success, reloads the
// collection. Nothing is inserted locally before the service confirms; the
// confirmed row is held from then on, so a load that was already in flight
// cannot drop it.
//
// While offline the draft is queued instead and Create returns (nil, nil);
// the task appears after the queue drains and the next load runs.
func (s *Store) Create(ctx context.Context, draft schema.Draft) (*schema.Task, error) {
	draft.SetDefaults()
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("invalid draft: %w", err)
	}
	if draft.ClientRef == "" {
		draft.ClientRef = uuid.NewString()
	}
	row := schema.RowFromDraft(draft)
	s.cache.Invalidate(s.userID)

	if !s.online() && s.queue != nil {
		action, err := offline.NewCreate(row)
		if err != nil {
			return nil, err
		}
		if err := s.queue.Enqueue(ctx, action); err != nil {
			return nil, fmt.Errorf("failed to queue create: %w", err)
		}
		return nil, nil
	}

	canonical, err := s.client.CreateTask(s.userContext(ctx), row)
	if err != nil {
		s.failed("create", "", err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	task, err := schema.TaskFromRow(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to decode created task: %w", err)
	}

	s.mu.Lock()
	held := s.insertConfirmedLocked(task)
	after := s.loadSeq
	s.mu.Unlock()
	s.cache.Invalidate(s.userID)
	if held {
		s.emit(Change{Kind: ChangeUpsert, TaskID: task.ID, Source: SourceRemote})
	}

	if _, err := s.reloadAfter(ctx, after); err != nil {
		s.logger.Printf("Warning: reload after create failed: %v", err)
	}
	return &task, nil
}

// insertConfirmedLocked holds a row the service just created, unless a
// pushed event already brought the same or a newer revision or deleted it.
func (s *Store) insertConfirmedLocked(task schema.Task) bool {
	if s.tombstones[task.ID] {
		return false
	}
	if i := s.indexLocked(task.ID); i >= 0 {
		if !schema.IsNewer(task.Revision, s.tasks[i].Revision) {
			return false
		}
		s.tasks[i] = task.Clone()
	} else {
		s.tasks = append(s.tasks, task.Clone())
	}
	s.touchLocked(task.ID)
	s.settleLocked(task.ID)
	return true
}

// Update applies patch locally, stamps the update time and sends it to the
// service. On success the local copy is replaced by the canonical row. On
// failure the optimistic value is discarded, a reload is requested and the
// returned error wraps ErrStaleWrite.
func (s *Store) Update(ctx context.Context, id string, patch schema.Patch) (schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid patch: %w", err)
	}
	task, _, err := s.mutate(ctx, "update", id, func(schema.Task) (schema.Patch, error) {
		return patch, nil
	})
	return task, err
}

// ToggleComplete flips the completion state of task id. OnComplete fires
// once the service confirms a transition to completed.
func (s *Store) ToggleComplete(ctx context.Context, id string) (schema.Task, error) {
	task, confirmed, err := s.mutate(ctx, "toggle", id, func(t schema.Task) (schema.Patch, error) {
		return schema.CompletionPatch(!t.Completed, s.now().UTC()), nil
	})
	if err != nil {
		return task, err
	}
	if confirmed && task.Completed && s.onComplete != nil {
		s.onComplete(task.Clone())
	}
	return task, nil
}

// AddChecklistItem appends an item titled title to task id's checklist.
func (s *Store) AddChecklistItem(ctx context.Context, id, title string) (schema.Task, error) {
	title = strings.TrimSpace(title)
	task, _, err := s.mutate(ctx, "add checklist item to", id, func(t schema.Task) (schema.Patch, error) {
		now := s.now().UTC()
		items := slices.Clone(t.Checklist)
		items = append(items, schema.ChecklistItem{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			Title:     title,
			Position:  len(items),
			CreatedAt: now,
			UpdatedAt: now,
		})
		return schema.Patch{Checklist: &items}, nil
	})
	return task, err
}

// ChecklistPatch is a partial update of one checklist item.
type ChecklistPatch struct {
	Title     *string
	Completed *bool
}

// UpdateChecklistItem changes one item of task id's checklist.
func (s *Store) UpdateChecklistItem(ctx context.Context, id, itemID string, patch ChecklistPatch) (schema.Task, error) {
	task, _, err := s.mutate(ctx, "update checklist item of", id, func(t schema.Task) (schema.Patch, error) {
		i := t.ChecklistIndex(itemID)
		if i < 0 {
			return schema.Patch{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
		}
		items := slices.Clone(t.Checklist)
		if patch.Title != nil {
			items[i].Title = *patch.Title
		}
		if patch.Completed != nil {
			items[i].Completed = *patch.Completed
		}
		items[i].UpdatedAt = s.now().UTC()
		return schema.Patch{Checklist: &items}, nil
	})
	return task, err
}

// RemoveChecklistItem deletes one item of task id's checklist.
func (s *Store) RemoveChecklistItem(ctx context.Context, id, itemID string) (schema.Task, error) {
	task, _, err := s.mutate(ctx, "remove checklist item of", id, func(t schema.Task) (schema.Patch, error) {
		i := t.ChecklistIndex(itemID)
		if i < 0 {
			return schema.Patch{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
		}
		items := slices.Delete(slices.Clone(t.Checklist), i, i+1)
		for j := range items {
			items[j].Position = j
		}
		return schema.Patch{Checklist: &items}, nil
	})
	return task, err
}

// mutate runs one optimistic task update. build derives the patch from the
// held task inside the critical section that applies it. confirmed is false
// when the update was queued for later.
func (s *Store) mutate(ctx context.Context, op, id string, build func(schema.Task) (schema.Patch, error)) (task schema.Task, confirmed bool, err error) {
	s.cache.Invalidate(s.userID)

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return schema.Task{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	patch, err := build(s.tasks[i].Clone())
	if err == nil {
		err = patch.Validate()
	}
	if err != nil {
		s.mu.Unlock()
		return schema.Task{}, false, err
	}
	before := s.tasks[i].Clone()
	patch.Apply(&s.tasks[i])
	s.tasks[i].UpdatedAt = s.now().UTC()
	optimistic := s.tasks[i].Clone()
	gen := s.touchLocked(id)
	s.pending[id]++
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeUpsert, TaskID: id, Source: SourceLocal})

	row := schema.RowFromPatch(patch, s.userID)
	if !s.online() && s.queue != nil {
		action, err := offline.NewUpdate(id, row)
		if err == nil {
			err = s.queue.Enqueue(ctx, action)
		}
		if err != nil {
			s.rollback(id, gen, before)
			s.failed(op, id, err)
			return schema.Task{}, false, fmt.Errorf("%w: failed to queue %s of task %s: %w", ErrStaleWrite, op, id, err)
		}
		s.mu.Lock()
		s.pending[id]--
		s.cleanupLocked(id)
		s.mu.Unlock()
		return optimistic, false, nil
	}

	canonical, err := s.client.UpdateTask(s.userContext(ctx), id, row)
	if err == nil {
		task, err = schema.TaskFromRow(canonical)
	}
	if err != nil {
		s.rollback(id, gen, before)
		s.failed(op, id, err)
		return schema.Task{}, false, fmt.Errorf("%w: failed to %s task %s: %w", ErrStaleWrite, op, id, err)
	}

	s.mu.Lock()
	if pushed, ok := s.deferred[id]; ok && pushed.Revision > task.Revision {
		task = pushed
	}
	s.pending[id]--
	s.cleanupLocked(id)
	s.settleLocked(id)
	if j := s.indexLocked(id); j >= 0 && (task.Revision == s.tasks[j].Revision || schema.IsNewer(task.Revision, s.tasks[j].Revision)) {
		if task.Checklist == nil {
			task.Checklist = s.tasks[j].Checklist
		}
		s.tasks[j] = task.Clone()
		s.touchLocked(id)
	}
	s.mu.Unlock()

	s.cache.Invalidate(s.userID)
	s.emit(Change{Kind: ChangeUpsert, TaskID: id, Source: SourceRemote})
	return task, true, nil
}

// Delete removes task id locally and on the service. On failure a reload
// is requested and the returned error wraps ErrStaleWrite; the task is
// never re-inserted piecemeal.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.cache.Invalidate(s.userID)

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	s.tasks = slices.Delete(s.tasks, i, i+1)
	s.touchLocked(id)
	s.pending[id]++
	s.removing[id] = true
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeRemoved, TaskID: id, Source: SourceLocal})

	var err error
	if !s.online() && s.queue != nil {
		err = s.queue.Enqueue(ctx, offline.NewDelete(id))
		s.mu.Lock()
		s.pending[id]--
		s.cleanupLocked(id)
		s.mu.Unlock()
		if err != nil {
			s.failed("delete", id, err)
			return fmt.Errorf("%w: failed to queue delete of task %s: %w", ErrStaleWrite, id, err)
		}
		return nil
	}

	err = s.client.DeleteTask(s.userContext(ctx), id)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		s.mu.Lock()
		s.pending[id]--
		s.cleanupLocked(id)
		s.mu.Unlock()
		s.failed("delete", id, err)
		return fmt.Errorf("%w: failed to delete task %s: %w", ErrStaleWrite, id, err)
	}

	s.mu.Lock()
	s.pending[id]--
	s.cleanupLocked(id)
	s.settleLocked(id)
	s.tombstones[id] = true
	s.mu.Unlock()

	s.cache.Invalidate(s.userID)
	return nil
}

// rollback restores before unless the row changed again since gen. A row
// pushed while the write was in flight is newer than before and wins.
func (s *Store) rollback(id string, gen uint64, before schema.Task) {
	s.mu.Lock()
	if pushed, ok := s.deferred[id]; ok && pushed.Revision > before.Revision {
		before = pushed
	}
	s.pending[id]--
	s.cleanupLocked(id)
	restored := false
	if s.gens[id] == gen {
		if i := s.indexLocked(id); i >= 0 {
			s.tasks[i] = before
			s.touchLocked(id)
			restored = true
		}
	}
	s.mu.Unlock()

	if restored {
		s.emit(Change{Kind: ChangeUpsert, TaskID: id, Source: SourceLocal})
	}
}

// failed handles the shared side of every mutation failure: log, report,
// notify and ask for a reload.
func (s *Store) failed(op, id string, err error) {
	if id == "" {
		s.logger.Printf("Failed to %s task: %v", op, err)
	} else {
		s.logger.Printf("Failed to %s task %s: %v", op, id, err)
	}
	if errors.Is(err, remote.ErrRemoteUnavailable) && s.conn != nil {
		s.conn.ReportFailure()
	}
	if s.notify != nil {
		s.notify(Notification{Op: op, TaskID: id, Err: err})
	}
	s.cache.Invalidate(s.userID)
	s.requestReload(fmt.Sprintf("%s failed", op))
}

func (s *Store) cleanupLocked(id string) {
	if s.pending[id] <= 0 {
		delete(s.pending, id)
		delete(s.removing, id)
		delete(s.deferred, id)
	}
}

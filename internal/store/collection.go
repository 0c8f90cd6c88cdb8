package store

import (
	"slices"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Collection is the view of the held tasks passed to a Merge callback. It
// is only valid for the duration of the callback.
type Collection struct {
	s       *Store
	source  Source
	changes []Change
}

// Merge runs fn with exclusive access to the collection. It is the write
// path for changes the backing service already made, such as realtime
// events. Rows written through the collection win over any load issued
// before the merge.
func (s *Store) Merge(source Source, fn func(c *Collection)) {
	c := &Collection{s: s, source: source}
	s.mu.Lock()
	fn(c)
	s.mu.Unlock()
	s.emit(c.changes...)
}

// Get returns a copy of task id.
func (c *Collection) Get(id string) (schema.Task, bool) {
	if i := c.s.indexLocked(id); i >= 0 {
		return c.s.tasks[i].Clone(), true
	}
	return schema.Task{}, false
}

// Deleted reports whether task id is known to be gone: deleted on the
// service, or removed locally with the delete still in flight.
func (c *Collection) Deleted(id string) bool {
	return c.s.tombstones[id] || c.s.removing[id]
}

// ChecklistOwner returns the id of the held task whose checklist contains
// item itemID.
func (c *Collection) ChecklistOwner(itemID string) (string, bool) {
	for i := range c.s.tasks {
		if c.s.tasks[i].ChecklistIndex(itemID) >= 0 {
			return c.s.tasks[i].ID, true
		}
	}
	return "", false
}

// Pending reports whether task id has a local write in flight.
func (c *Collection) Pending(id string) bool {
	return c.s.pending[id] > 0
}

// Defer keeps t, a newer row of a task with a write in flight, until that
// write settles. The held optimistic value stays visible meanwhile.
func (c *Collection) Defer(t schema.Task) {
	s := c.s
	if held, ok := s.deferred[t.ID]; ok && !schema.IsNewer(t.Revision, held.Revision) {
		return
	}
	s.deferred[t.ID] = t.Clone()
}

// Put inserts t, or replaces the held task with the same id.
func (c *Collection) Put(t schema.Task) {
	s := c.s
	t = t.Clone()
	if i := s.indexLocked(t.ID); i >= 0 {
		s.tasks[i] = t
	} else {
		s.tasks = append(s.tasks, t)
	}
	s.touchLocked(t.ID)
	s.settleLocked(t.ID)
	c.changes = append(c.changes, Change{Kind: ChangeUpsert, TaskID: t.ID, Source: c.source})
}

// Remove drops task id and remembers it as deleted. It reports whether the
// task was held.
func (c *Collection) Remove(id string) bool {
	s := c.s
	s.tombstones[id] = true
	s.settleLocked(id)
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.tasks = slices.Delete(s.tasks, i, i+1)
	s.touchLocked(id)
	c.changes = append(c.changes, Change{Kind: ChangeRemoved, TaskID: id, Source: c.source})
	return true
}

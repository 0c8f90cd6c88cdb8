package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Op names a Memory operation for failure injection and call counting.
type Op string

const (
	OpGetTasks   Op = "get_tasks"
	OpCreateTask Op = "create_task"
	OpUpdateTask Op = "update_task"
	OpDeleteTask Op = "delete_task"
)

// Memory is an in-process backing service. It keeps rows in memory, assigns
// ids and revisions like the real service and pushes events to subscribers
// synchronously, after the write and before the call returns.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	rows     map[string]schema.TaskRow
	order    []string
	refs     map[string]string
	subs     map[int]*memorySub
	nextSub  int
	failures map[Op][]error
	calls    map[Op]int
	offline  bool
	muted    bool
	now      func() time.Time
}

type memorySub struct {
	kind    EntityKind
	userID  string
	handler Handler
}

// NewMemory creates an empty in-memory service.
func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[string]schema.TaskRow),
		refs:     make(map[string]string),
		subs:     make(map[int]*memorySub),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
		now:      time.Now,
	}
}

// Seed stores rows as-is without pushing events.
func (m *Memory) Seed(rows ...schema.TaskRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if _, exists := m.rows[row.ID]; !exists {
			m.order = append(m.order, row.ID)
		}
		m.rows[row.ID] = row
	}
}

// Fail makes the next call of op return err. Failures queue up in order.
func (m *Memory) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetOffline makes every call fail with ErrRemoteUnavailable while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Mute stops event delivery while true, simulating a lost push channel.
func (m *Memory) Mute(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

// Calls returns how many times op was invoked, failures included.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Row returns the stored row for id.
func (m *Memory) Row(id string) (schema.TaskRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}

// Len returns the number of stored tasks.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Ping reports ErrRemoteUnavailable while the service is offline. It is
// not counted as a call.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return fmt.Errorf("%w: memory service offline", ErrRemoteUnavailable)
	}
	return ctx.Err()
}

// Emit pushes ev to matching subscribers as if the service had produced it.
func (m *Memory) Emit(userID string, ev Event) {
	m.mu.Lock()
	targets := m.targetsLocked(ev.Kind, userID)
	m.mu.Unlock()
	for _, h := range targets {
		h(ev)
	}
}

// beginLocked records a call and returns the injected failure, if any.
func (m *Memory) beginLocked(op Op) error {
	m.calls[op]++
	if m.offline {
		return fmt.Errorf("%w: memory service offline", ErrRemoteUnavailable)
	}
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// GetTasks implements Client.GetTasks.
func (m *Memory) GetTasks(ctx context.Context, filter Filter) ([]schema.TaskRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(OpGetTasks); err != nil {
		return nil, err
	}
	if filter.UserID == "" {
		return nil, ErrNotAuthenticated
	}

	var out []schema.TaskRow
	for _, id := range m.order {
		row := m.rows[id]
		if row.UserID != filter.UserID {
			continue
		}
		if filter.Category != "" && (row.Category == nil || *row.Category != filter.Category) {
			continue
		}
		if filter.ExcludeCompleted && row.IsCompleted {
			continue
		}
		out = append(out, cloneRow(row))
	}
	return out, nil
}

// CreateTask implements Client.CreateTask.
func (m *Memory) CreateTask(ctx context.Context, draftRow schema.DraftRow) (schema.TaskRow, error) {
	if err := ctx.Err(); err != nil {
		return schema.TaskRow{}, err
	}
	m.mu.Lock()
	if err := m.beginLocked(OpCreateTask); err != nil {
		m.mu.Unlock()
		return schema.TaskRow{}, err
	}
	userID, ok := UserFromContext(ctx)
	if !ok {
		m.mu.Unlock()
		return schema.TaskRow{}, ErrNotAuthenticated
	}
	if draftRow.ClientRef != "" {
		if id, ok := m.refs[userID+"/"+draftRow.ClientRef]; ok {
			row := cloneRow(m.rows[id])
			m.mu.Unlock()
			return row, nil
		}
	}

	draft, err := schema.DraftFromRow(draftRow)
	if err == nil {
		err = draft.Validate()
	}
	if err != nil {
		m.mu.Unlock()
		return schema.TaskRow{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	draft.SetDefaults()

	now := m.now().UTC()
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
	if draftRow.ClientRef != "" {
		ref := draftRow.ClientRef
		row.ClientRef = &ref
		m.refs[userID+"/"+ref] = row.ID
	}
	m.rows[row.ID] = row
	m.order = append(m.order, row.ID)

	events := append([]Event{TaskEvent(EventInsert, &row, nil)}, ChecklistEvents(EventInsert, row.ChecklistItems)...)
	deliver := m.deliveryLocked(userID, events)
	m.mu.Unlock()

	deliver()
	return cloneRow(row), nil
}

// UpdateTask implements Client.UpdateTask.
func (m *Memory) UpdateTask(ctx context.Context, id string, patchRow schema.TaskPatchRow) (schema.TaskRow, error) {
	if err := ctx.Err(); err != nil {
		return schema.TaskRow{}, err
	}
	m.mu.Lock()
	if err := m.beginLocked(OpUpdateTask); err != nil {
		m.mu.Unlock()
		return schema.TaskRow{}, err
	}
	old, ok := m.rows[id]
	if !ok {
		m.mu.Unlock()
		return schema.TaskRow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	patch, err := schema.PatchFromRow(patchRow)
	if err == nil {
		err = patch.Validate()
	}
	if err != nil {
		m.mu.Unlock()
		return schema.TaskRow{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	task, err := schema.TaskFromRow(old)
	if err != nil {
		m.mu.Unlock()
		return schema.TaskRow{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	before := task.Clone()
	patch.Apply(&task)

	now := m.now().UTC()
	task.Revision++
	task.UpdatedAt = now
	var events []Event
	if patch.Checklist != nil {
		task.Checklist, events = DiffChecklist(before, task, now)
	}

	row := schema.RowFromTask(task)
	row.ClientRef = old.ClientRef
	m.rows[id] = row
	events = append([]Event{TaskEvent(EventUpdate, &row, &old)}, events...)

	deliver := m.deliveryLocked(row.UserID, events)
	m.mu.Unlock()

	deliver()
	return cloneRow(row), nil
}

// DeleteTask implements Client.DeleteTask.
func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.beginLocked(OpDeleteTask); err != nil {
		m.mu.Unlock()
		return err
	}
	old, ok := m.rows[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.rows, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })

	events := append(ChecklistEvents(EventDelete, old.ChecklistItems), TaskEvent(EventDelete, nil, &old))
	deliver := m.deliveryLocked(old.UserID, events)
	m.mu.Unlock()

	deliver()
	return nil
}

// Subscribe implements Client.Subscribe.
func (m *Memory) Subscribe(ctx context.Context, kind EntityKind, userID string, handler Handler) (Subscription, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, fmt.Errorf("%w: memory service offline", ErrRemoteUnavailable)
	}
	m.nextSub++
	id := m.nextSub
	m.subs[id] = &memorySub{kind: kind, userID: userID, handler: handler}

	return &memorySubscription{m: m, id: id}, nil
}

func (m *Memory) targetsLocked(kind EntityKind, userID string) []Handler {
	if m.muted {
		return nil
	}
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []Handler
	for _, id := range ids {
		sub := m.subs[id]
		if sub.kind == kind && sub.userID == userID {
			out = append(out, sub.handler)
		}
	}
	return out
}

// deliveryLocked resolves subscribers under the lock and returns a function
// that calls them once the lock is released.
func (m *Memory) deliveryLocked(userID string, events []Event) func() {
	type delivery struct {
		ev       Event
		handlers []Handler
	}
	var out []delivery
	for _, ev := range events {
		if hs := m.targetsLocked(ev.Kind, userID); len(hs) > 0 {
			out = append(out, delivery{ev: ev, handlers: hs})
		}
	}
	return func() {
		for _, d := range out {
			for _, h := range d.handlers {
				h(d.ev)
			}
		}
	}
}

type memorySubscription struct {
	m    *Memory
	id   int
	once sync.Once
}

// Unsubscribe implements Subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
	})
	return nil
}

// bareRow strips checklist items, matching what the tasks table pushes.
func bareRow(row schema.TaskRow) schema.TaskRow {
	row.ChecklistItems = nil
	return row
}

func cloneRow(row schema.TaskRow) schema.TaskRow {
	if row.ChecklistItems != nil {
		row.ChecklistItems = slices.Clone(row.ChecklistItems)
	}
	return row
}

func mustEvent(typ EventType, kind EntityKind, newRow, oldRow any) Event {
	ev, err := NewEvent(typ, kind, newRow, oldRow)
	if err != nil {
		panic(err)
	}
	return ev
}

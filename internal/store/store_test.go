package store

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

const testUser = "user-1"

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeConn is a connectivity signal driven by the test.
type fakeConn struct {
	offline  atomic.Bool
	failures atomic.Int32
}

func (c *fakeConn) Online() bool { return !c.offline.Load() }

func (c *fakeConn) ReportFailure() {
	c.failures.Add(1)
	c.offline.Store(true)
}

// hookClient runs callbacks around Memory calls.
type hookClient struct {
	*remote.Memory
	afterGet     func()
	beforeCreate func()
	beforeUpdate func()
}

func (c *hookClient) GetTasks(ctx context.Context, filter remote.Filter) ([]schema.TaskRow, error) {
	rows, err := c.Memory.GetTasks(ctx, filter)
	if c.afterGet != nil {
		c.afterGet()
	}
	return rows, err
}

func (c *hookClient) CreateTask(ctx context.Context, draft schema.DraftRow) (schema.TaskRow, error) {
	if c.beforeCreate != nil {
		c.beforeCreate()
	}
	return c.Memory.CreateTask(ctx, draft)
}

func (c *hookClient) UpdateTask(ctx context.Context, id string, patch schema.TaskPatchRow) (schema.TaskRow, error) {
	if c.beforeUpdate != nil {
		c.beforeUpdate()
	}
	return c.Memory.UpdateTask(ctx, id, patch)
}

// once wraps fn so nested calls of the hook do nothing.
func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}

type testEnv struct {
	store  *Store
	client *hookClient
	conn   *fakeConn
	notes  []Notification
	mu     sync.Mutex
}

func (e *testEnv) notifications() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.notes...)
}

// setupTestStore creates a store over an in-memory service seeded with rows.
func setupTestStore(t *testing.T, cfg Config, rows ...schema.TaskRow) *testEnv {
	t.Helper()

	env := &testEnv{
		client: &hookClient{Memory: remote.NewMemory()},
		conn:   &fakeConn{},
	}
	env.client.Seed(rows...)

	cfg.Client = env.client
	cfg.UserID = testUser
	if cfg.Connectivity == nil {
		cfg.Connectivity = env.conn
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Notify = func(n Notification) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.notes = append(env.notes, n)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	env.store = s
	return env
}

func seedRow(id, title string) schema.TaskRow {
	ts := schema.FormatTime(base)
	return schema.TaskRow{
		ID:        id,
		UserID:    testUser,
		Title:     title,
		Priority:  string(schema.PriorityMedium),
		Revision:  1,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func mustLoad(t *testing.T, s *Store) []schema.Task {
	t.Helper()
	tasks, err := s.LoadAll(context.Background(), true)
	if err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}
	return tasks
}

func remoteTask(t *testing.T, m *remote.Memory, id string) schema.Task {
	t.Helper()
	row, ok := m.Row(id)
	if !ok {
		t.Fatalf("remote has no task %s", id)
	}
	task, err := schema.TaskFromRow(row)
	if err != nil {
		t.Fatalf("TaskFromRow() failed: %v", err)
	}
	return task
}

func TestNewRequiresUserAndClient(t *testing.T) {
	if _, err := New(Config{Client: remote.NewMemory()}); !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Errorf("New() without user = %v, want ErrNotAuthenticated", err)
	}
	if _, err := New(Config{UserID: testUser}); err == nil {
		t.Error("New() without client succeeded")
	}
}

func TestLoadAllHonoursCacheTTL(t *testing.T) {
	now := base
	clock := func() time.Time { return now }
	env := setupTestStore(t, Config{
		Cache: cache.New(cache.Config{TTL: time.Minute, Now: clock}),
		Now:   clock,
	}, seedRow("t1", "Buy milk"))
	ctx := context.Background()

	tests := []struct {
		name      string
		advance   time.Duration
		force     bool
		wantCalls int
	}{
		{"first load queries", 0, false, 1},
		{"fresh cache is used", 30 * time.Second, false, 1},
		{"force bypasses cache", 0, true, 2},
		{"cache refreshed by forced load", 59 * time.Second, false, 2},
		{"expired entry is never returned", time.Second, false, 3},
	}
	for _, tt := range tests {
		now = now.Add(tt.advance)
		tasks, err := env.store.LoadAll(ctx, tt.force)
		if err != nil {
			t.Fatalf("%s: LoadAll() failed: %v", tt.name, err)
		}
		if len(tasks) != 1 {
			t.Errorf("%s: got %d tasks, want 1", tt.name, len(tasks))
		}
		if got := env.client.Calls(remote.OpGetTasks); got != tt.wantCalls {
			t.Errorf("%s: GetTasks calls = %d, want %d", tt.name, got, tt.wantCalls)
		}
	}
	if !env.store.LastLoad().Equal(now) {
		t.Errorf("LastLoad() = %v, want %v", env.store.LastLoad(), now)
	}
}

func TestLoadAllFailureKeepsHeldTasks(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)

	env.client.Fail(remote.OpGetTasks, remote.ErrRemoteUnavailable)
	if _, err := env.store.LoadAll(context.Background(), true); !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("LoadAll() = %v, want ErrRemoteUnavailable", err)
	}
	if env.store.Len() != 1 {
		t.Errorf("Len() = %d after failed load, want 1", env.store.Len())
	}
	if env.store.Err() == nil {
		t.Error("Err() = nil after failed load")
	}
	if env.conn.failures.Load() != 1 {
		t.Errorf("connectivity failures = %d, want 1", env.conn.failures.Load())
	}

	mustLoad(t, env.store)
	if env.store.Err() != nil {
		t.Errorf("Err() = %v after successful load", env.store.Err())
	}
}

func TestLoadAllSharesInFlightRequest(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	release := make(chan struct{})
	env.client.afterGet = once(func() { <-release })

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.store.LoadAll(context.Background(), true); err != nil {
				t.Errorf("LoadAll() failed: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := env.client.Calls(remote.OpGetTasks); got != 1 {
		t.Errorf("GetTasks calls = %d, want 1", got)
	}
}

func TestLoadAllCallerCancellation(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	release := make(chan struct{})
	env.client.afterGet = once(func() { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.store.LoadAll(ctx, true); !errors.Is(err, context.Canceled) {
		t.Errorf("LoadAll() = %v, want context.Canceled", err)
	}
	close(release)

	// The shared request still completes for the next caller.
	if tasks := mustLoad(t, env.store); len(tasks) != 1 {
		t.Errorf("got %d tasks, want 1", len(tasks))
	}
}

func TestCreateHasNoOptimisticInsert(t *testing.T) {
	env := setupTestStore(t, Config{})
	env.client.beforeCreate = func() {
		if env.store.Len() != 0 {
			t.Error("task inserted locally before the service confirmed it")
		}
	}

	task, err := env.store.Create(context.Background(), schema.Draft{Title: "Buy milk", Checklist: []string{"2%"}})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if task == nil || task.ID == "" {
		t.Fatalf("Create() = %+v, want the created task", task)
	}
	got, ok := env.store.Get(task.ID)
	if !ok {
		t.Fatal("created task missing after reload")
	}
	if len(got.Checklist) != 1 || got.Checklist[0].Title != "2%" {
		t.Errorf("checklist = %+v, want one item", got.Checklist)
	}
	if env.client.Calls(remote.OpGetTasks) != 1 {
		t.Errorf("GetTasks calls = %d, want a forced reload", env.client.Calls(remote.OpGetTasks))
	}
}

// A create confirmed while an earlier load is in flight survives that
// load, and the snapshot cached afterwards includes it.
func TestCreateDuringInFlightLoad(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy bread"))
	started := make(chan struct{})
	release := make(chan struct{})
	env.client.afterGet = once(func() {
		close(started)
		<-release
	})

	loaded := make(chan error, 1)
	go func() {
		_, err := env.store.LoadAll(context.Background(), true)
		loaded <- err
	}()
	<-started

	type created struct {
		task *schema.Task
		err  error
	}
	done := make(chan created, 1)
	go func() {
		task, err := env.store.Create(context.Background(), schema.Draft{Title: "Buy milk"})
		done <- created{task, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for env.client.Calls(remote.OpCreateTask) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-loaded; err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}
	res := <-done
	if res.err != nil || res.task == nil {
		t.Fatalf("Create() = %v, %v", res.task, res.err)
	}

	if _, ok := env.store.Get(res.task.ID); !ok {
		t.Error("created task missing after the earlier load finished")
	}
	if got := env.store.Len(); got != 2 {
		t.Errorf("store holds %d tasks, want 2", got)
	}
	if got := env.client.Calls(remote.OpGetTasks); got != 2 {
		t.Errorf("GetTasks calls = %d, want a fresh load after the create", got)
	}
	cached, err := env.store.LoadAll(context.Background(), false)
	if err != nil {
		t.Fatalf("LoadAll(false) failed: %v", err)
	}
	if len(cached) != 2 {
		t.Errorf("cached snapshot holds %d tasks, want 2", len(cached))
	}
}

func TestCreateInvalidatesCache(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy bread"))
	mustLoad(t, env.store)
	if _, _, ok := env.store.Cache().Get(testUser); !ok {
		t.Fatal("load did not fill the cache")
	}

	env.client.beforeCreate = func() {
		if _, _, ok := env.store.Cache().Get(testUser); ok {
			t.Error("cache still valid while the create is in flight")
		}
	}
	if _, err := env.store.Create(context.Background(), schema.Draft{Title: "Buy milk"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	env.client.Fail(remote.OpCreateTask, remote.ErrRejected)
	mustLoad(t, env.store)
	if _, err := env.store.Create(context.Background(), schema.Draft{Title: "Call mom"}); err == nil {
		t.Fatal("Create() succeeded, want failure")
	}
	if _, _, ok := env.store.Cache().Get(testUser); ok {
		t.Error("cache still valid after a failed create")
	}
}

func TestCreateFailureLeavesStoreUntouched(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)
	before := env.store.Tasks()

	env.client.Fail(remote.OpCreateTask, remote.ErrRejected)
	if _, err := env.store.Create(context.Background(), schema.Draft{Title: "Call mom"}); !errors.Is(err, remote.ErrRejected) {
		t.Fatalf("Create() = %v, want ErrRejected", err)
	}
	if diff := cmp.Diff(before, env.store.Tasks()); diff != "" {
		t.Errorf("store changed (-before +after):\n%s", diff)
	}
	if n := env.notifications(); len(n) != 1 || n[0].Op != "create" {
		t.Errorf("notifications = %+v, want one create failure", n)
	}

	if _, err := env.store.Create(context.Background(), schema.Draft{}); err == nil {
		t.Error("Create() accepted a draft without a title")
	}
}

func TestUpdateReplacesWithCanonicalRow(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)

	title := "Buy oat milk"
	task, err := env.store.Update(context.Background(), "t1", schema.Patch{Title: &title})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if task.Title != title || task.Revision != 2 {
		t.Errorf("Update() = %q rev %d, want %q rev 2", task.Title, task.Revision, title)
	}
	if diff := cmp.Diff(remoteTask(t, env.client.Memory, "t1"), task); diff != "" {
		t.Errorf("returned task differs from remote (-remote +got):\n%s", diff)
	}
	held, _ := env.store.Get("t1")
	if held.Revision != 2 {
		t.Errorf("held revision = %d, want 2", held.Revision)
	}
}

func TestUpdateAppliesOptimistically(t *testing.T) {
	now := base.Add(time.Hour)
	env := setupTestStore(t, Config{Now: func() time.Time { return now }}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)

	env.client.beforeUpdate = func() {
		held, _ := env.store.Get("t1")
		if held.Title != "Buy oat milk" {
			t.Errorf("title during round trip = %q, want the optimistic value", held.Title)
		}
		if !held.UpdatedAt.Equal(now) {
			t.Errorf("updated_at during round trip = %v, want %v", held.UpdatedAt, now)
		}
	}
	title := "Buy oat milk"
	if _, err := env.store.Update(context.Background(), "t1", schema.Patch{Title: &title}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func TestFailedUpdateRestoresLastRemoteRead(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)
	lastRead := remoteTask(t, env.client.Memory, "t1")

	env.client.Fail(remote.OpUpdateTask, remote.ErrRemoteUnavailable)
	title := "Buy oat milk"
	_, err := env.store.Update(context.Background(), "t1", schema.Patch{Title: &title})
	if !errors.Is(err, ErrStaleWrite) || !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("Update() = %v, want ErrStaleWrite wrapping ErrRemoteUnavailable", err)
	}

	held, _ := env.store.Get("t1")
	if diff := cmp.Diff(lastRead, held); diff != "" {
		t.Errorf("held task differs from last remote read (-want +got):\n%s", diff)
	}
	select {
	case <-env.store.ReloadRequests():
	default:
		t.Error("no reload requested after failed update")
	}
	if env.conn.failures.Load() != 1 {
		t.Errorf("connectivity failures = %d, want 1", env.conn.failures.Load())
	}
	if n := env.notifications(); len(n) != 1 || n[0].TaskID != "t1" {
		t.Errorf("notifications = %+v, want one for t1", n)
	}

	mustLoad(t, env.store)
	held, _ = env.store.Get("t1")
	if diff := cmp.Diff(lastRead, held); diff != "" {
		t.Errorf("held task after reload differs (-want +got):\n%s", diff)
	}
}

func TestToggleCompleteDoesNotFlicker(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	var completions []string
	env.store.onComplete = func(task schema.Task) { completions = append(completions, task.ID) }
	mustLoad(t, env.store)

	var seen []bool
	unsubscribe := env.store.Subscribe(func(c Change) {
		if task, ok := env.store.Get("t1"); ok {
			seen = append(seen, task.Completed)
		}
	})
	defer unsubscribe()

	// A reload racing the round trip keeps the optimistic value.
	env.client.beforeUpdate = once(func() { mustLoad(t, env.store) })

	task, err := env.store.ToggleComplete(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ToggleComplete() failed: %v", err)
	}
	if !task.Completed || task.CompletedAt == nil {
		t.Errorf("ToggleComplete() = completed %v at %v", task.Completed, task.CompletedAt)
	}
	mustLoad(t, env.store)

	if len(seen) == 0 {
		t.Fatal("no changes observed")
	}
	for i, completed := range seen {
		if !completed {
			t.Errorf("change %d observed completed=false", i)
		}
	}
	if diff := cmp.Diff([]string{"t1"}, completions); diff != "" {
		t.Errorf("completion signals (-want +got):\n%s", diff)
	}

	// Reopening is not a completion.
	if _, err := env.store.ToggleComplete(context.Background(), "t1"); err != nil {
		t.Fatalf("second ToggleComplete() failed: %v", err)
	}
	if len(completions) != 1 {
		t.Errorf("completion signals = %d, want 1", len(completions))
	}
}

func TestToggleCompleteFailureFiresNoSignal(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	fired := false
	env.store.onComplete = func(schema.Task) { fired = true }
	mustLoad(t, env.store)

	env.client.Fail(remote.OpUpdateTask, remote.ErrRejected)
	if _, err := env.store.ToggleComplete(context.Background(), "t1"); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("ToggleComplete() = %v, want ErrStaleWrite", err)
	}
	if fired {
		t.Error("completion signal fired for a failed toggle")
	}
	if held, _ := env.store.Get("t1"); held.Completed {
		t.Error("task still completed after rollback")
	}
}

func TestLoadKeepsWritesConfirmedAfterIssue(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"), seedRow("t2", "Call mom"))
	mustLoad(t, env.store)

	// The load reads the service, then an update and a delete are
	// confirmed before its response is applied.
	env.client.afterGet = once(func() {
		title := "Buy oat milk"
		if _, err := env.store.Update(context.Background(), "t1", schema.Patch{Title: &title}); err != nil {
			t.Errorf("Update() failed: %v", err)
		}
		if err := env.store.Delete(context.Background(), "t2"); err != nil {
			t.Errorf("Delete() failed: %v", err)
		}
	})
	mustLoad(t, env.store)

	held, ok := env.store.Get("t1")
	if !ok || held.Title != "Buy oat milk" {
		t.Errorf("t1 = %q, want the confirmed title", held.Title)
	}
	if _, ok := env.store.Get("t2"); ok {
		t.Error("t2 resurrected by a load issued before its delete")
	}

	// The next load sees the service state.
	mustLoad(t, env.store)
	if env.store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", env.store.Len())
	}
}

func TestDeleteFailureRequestsReloadWithoutReinsert(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)

	env.client.Fail(remote.OpDeleteTask, remote.ErrRemoteUnavailable)
	err := env.store.Delete(context.Background(), "t1")
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("Delete() = %v, want ErrStaleWrite", err)
	}
	if _, ok := env.store.Get("t1"); ok {
		t.Error("task re-inserted after failed delete")
	}
	select {
	case <-env.store.ReloadRequests():
	default:
		t.Error("no reload requested after failed delete")
	}

	mustLoad(t, env.store)
	if _, ok := env.store.Get("t1"); !ok {
		t.Error("task missing after reload")
	}
}

func TestDeleteOfMissingRemoteTaskSucceeds(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)
	env.client.Fail(remote.OpDeleteTask, remote.ErrNotFound)

	if err := env.store.Delete(context.Background(), "t1"); err != nil {
		t.Errorf("Delete() = %v, want nil for an already deleted task", err)
	}
}

func TestMutationsOfUnknownTask(t *testing.T) {
	env := setupTestStore(t, Config{})
	ctx := context.Background()
	title := "x"

	tests := []struct {
		name string
		call func() error
	}{
		{"update", func() error { _, err := env.store.Update(ctx, "nope", schema.Patch{Title: &title}); return err }},
		{"toggle", func() error { _, err := env.store.ToggleComplete(ctx, "nope"); return err }},
		{"delete", func() error { return env.store.Delete(ctx, "nope") }},
		{"add item", func() error { _, err := env.store.AddChecklistItem(ctx, "nope", "x"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrUnknownTask) {
				t.Errorf("got %v, want ErrUnknownTask", err)
			}
		})
	}
	if env.client.Calls(remote.OpUpdateTask)+env.client.Calls(remote.OpDeleteTask) != 0 {
		t.Error("service called for an unknown task")
	}
}

func TestChecklistOperations(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Pack"))
	mustLoad(t, env.store)
	ctx := context.Background()

	if _, err := env.store.AddChecklistItem(ctx, "t1", "Passport"); err != nil {
		t.Fatalf("AddChecklistItem() failed: %v", err)
	}
	task, err := env.store.AddChecklistItem(ctx, "t1", "Charger")
	if err != nil {
		t.Fatalf("AddChecklistItem() failed: %v", err)
	}
	if len(task.Checklist) != 2 {
		t.Fatalf("checklist has %d items, want 2", len(task.Checklist))
	}
	passport := task.Checklist[0].ID

	done := true
	task, err = env.store.UpdateChecklistItem(ctx, "t1", passport, ChecklistPatch{Completed: &done})
	if err != nil {
		t.Fatalf("UpdateChecklistItem() failed: %v", err)
	}
	if !task.Checklist[0].Completed {
		t.Error("checklist item not completed")
	}

	task, err = env.store.RemoveChecklistItem(ctx, "t1", passport)
	if err != nil {
		t.Fatalf("RemoveChecklistItem() failed: %v", err)
	}
	if len(task.Checklist) != 1 || task.Checklist[0].Title != "Charger" || task.Checklist[0].Position != 0 {
		t.Errorf("checklist = %+v, want only Charger at position 0", task.Checklist)
	}

	if _, err := env.store.RemoveChecklistItem(ctx, "t1", passport); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("removing a removed item = %v, want ErrUnknownItem", err)
	}

	remoteRow, _ := env.client.Row("t1")
	if len(remoteRow.ChecklistItems) != 1 || remoteRow.ChecklistItems[0].Title != "Charger" {
		t.Errorf("remote checklist = %+v, want only Charger", remoteRow.ChecklistItems)
	}
}

func TestOfflineMutationsAreQueued(t *testing.T) {
	ctx := context.Background()
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"), seedRow("t2", "Old task"))
	memory, conn := env.client.Memory, env.conn
	queue, err := offline.New(ctx, offline.Config{
		Storage: offline.NewMemoryStorage(),
		Client:  memory,
		UserID:  testUser,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("offline.New() failed: %v", err)
	}
	env.store.queue = queue
	mustLoad(t, env.store)

	conn.offline.Store(true)
	for _, title := range []string{"Buy bread", "Call mom"} {
		task, err := env.store.Create(ctx, schema.Draft{Title: title})
		if err != nil || task != nil {
			t.Fatalf("offline Create(%q) = %v, %v; want nil, nil", title, task, err)
		}
	}
	if _, err := env.store.ToggleComplete(ctx, "t1"); err != nil {
		t.Fatalf("offline ToggleComplete() failed: %v", err)
	}
	if held, _ := env.store.Get("t1"); !held.Completed {
		t.Error("offline toggle not applied locally")
	}
	if err := env.store.Delete(ctx, "t2"); err != nil {
		t.Fatalf("offline Delete() failed: %v", err)
	}
	if queue.Len() != 4 {
		t.Fatalf("queue length = %d, want 4", queue.Len())
	}
	if memory.Calls(remote.OpCreateTask)+memory.Calls(remote.OpUpdateTask)+memory.Calls(remote.OpDeleteTask) != 0 {
		t.Error("service called while offline")
	}

	conn.offline.Store(false)
	if _, err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	mustLoad(t, env.store)

	titles := map[string]bool{}
	ids := map[string]bool{}
	for _, task := range env.store.Tasks() {
		titles[task.Title] = task.Completed
		ids[task.ID] = true
	}
	want := map[string]bool{"Buy milk": true, "Buy bread": false, "Call mom": false}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Errorf("tasks after drain (-want +got):\n%s", diff)
	}
	if len(ids) != 3 {
		t.Errorf("got %d distinct ids, want 3", len(ids))
	}
	if queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", queue.Len())
	}
}

// Loads that succeed before the queue drains keep queued edits.
func TestLoadKeepsQueuedMutations(t *testing.T) {
	ctx := context.Background()
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"), seedRow("t2", "Old task"))
	queue, err := offline.New(ctx, offline.Config{
		Storage: offline.NewMemoryStorage(),
		Client:  env.client.Memory,
		UserID:  testUser,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("offline.New() failed: %v", err)
	}
	env.store.queue = queue
	mustLoad(t, env.store)

	env.conn.offline.Store(true)
	if _, err := env.store.ToggleComplete(ctx, "t1"); err != nil {
		t.Fatalf("offline ToggleComplete() failed: %v", err)
	}
	if err := env.store.Delete(ctx, "t2"); err != nil {
		t.Fatalf("offline Delete() failed: %v", err)
	}

	// The service is reachable even though the store believes otherwise.
	mustLoad(t, env.store)
	if held, _ := env.store.Get("t1"); !held.Completed {
		t.Error("load reverted the queued toggle")
	}
	if _, ok := env.store.Get("t2"); ok {
		t.Error("load brought back the queued delete")
	}
	if _, _, ok := env.store.Cache().Get(testUser); ok {
		t.Error("load cached a snapshot that disagrees with the service")
	}

	env.conn.offline.Store(false)
	if _, err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	mustLoad(t, env.store)
	if !remoteTask(t, env.client.Memory, "t1").Completed {
		t.Error("queued toggle never reached the service")
	}
	if _, ok := env.client.Row("t2"); ok {
		t.Error("queued delete never reached the service")
	}
	if held, _ := env.store.Get("t1"); !held.Completed || env.store.Len() != 1 {
		t.Errorf("after drain: t1 completed %v, %d tasks held", held.Completed, env.store.Len())
	}
}

func TestMergeWinsOverEarlierLoad(t *testing.T) {
	env := setupTestStore(t, Config{}, seedRow("t1", "Buy milk"))
	mustLoad(t, env.store)

	pushed := remoteTask(t, env.client.Memory, "t1")
	pushed.Title = "Buy oat milk"
	pushed.Revision = 5
	env.client.afterGet = once(func() {
		env.store.Merge(SourceRealtime, func(c *Collection) { c.Put(pushed) })
	})

	var changes []Change
	env.store.Subscribe(func(c Change) { changes = append(changes, c) })
	mustLoad(t, env.store)

	held, _ := env.store.Get("t1")
	if held.Title != "Buy oat milk" {
		t.Errorf("title = %q, want the merged value", held.Title)
	}
	want := []Change{
		{Kind: ChangeUpsert, TaskID: "t1", Source: SourceRealtime},
		{Kind: ChangeLoaded, Source: SourceLoad},
	}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
}

func TestAccessorsFilterAndSort(t *testing.T) {
	high := seedRow("t1", "Urgent")
	high.Priority = string(schema.PriorityHigh)
	done := seedRow("t2", "Done")
	done.IsCompleted = true
	low := seedRow("t3", "Someday")
	low.Priority = string(schema.PriorityLow)

	env := setupTestStore(t, Config{}, low, done, high)
	mustLoad(t, env.store)

	var pending []string
	for _, task := range env.store.Pending() {
		pending = append(pending, task.ID)
	}
	if diff := cmp.Diff([]string{"t1", "t3"}, pending); diff != "" {
		t.Errorf("Pending() (-want +got):\n%s", diff)
	}
	if completed := env.store.Completed(); len(completed) != 1 || completed[0].ID != "t2" {
		t.Errorf("Completed() = %+v, want t2", completed)
	}
}

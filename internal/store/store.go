// Package store holds the authoritative in-memory task collection of one
// session and owns every write path into it.
//
// Three sources change the collection: local mutations, applied
// optimistically and confirmed or rolled back by the backing service;
// realtime events, merged through Merge; and full loads, which replace the
// collection with the service's view. A load never clobbers a row that has
// a local write in flight or queued offline, or a row changed by a
// confirmed write or event after the load was issued.
//
// Every change to the collection happens in one critical section under the
// store mutex. Network calls are never made while holding it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"golang.org/x/sync/singleflight"
)

// Connectivity reports whether the backing service is believed reachable.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
	ReportFailure()
}

// Enqueuer accepts mutations that cannot reach the service. *offline.Queue
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, a offline.Action) error
	// Queued reports whether an action for task id is waiting to be sent.
	Queued(id string) bool
}

// Notification is a transient, user-visible report of a failed mutation.
type Notification struct {
	Op     string
	TaskID string
	Err    error
}

// Config configures a Store.
type Config struct {
	// Client is the backing service (required)
	Client remote.Client

	// UserID owns the collection (required)
	UserID string

	// Cache holds load snapshots (default: new cache with the default TTL)
	Cache *cache.Manager

	// Queue receives mutations issued while offline (default: none, such
	// mutations go straight to Client)
	Queue Enqueuer

	// Connectivity decides whether mutations go to Client or Queue
	// (default: always online)
	Connectivity Connectivity

	// Logger for store activity (default: stderr logger)
	Logger *log.Logger

	// Notify receives a notification for every failed mutation
	Notify func(Notification)

	// OnComplete is called after a task was confirmed completed
	OnComplete func(schema.Task)

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// ChangeKind describes what happened to the collection.
type ChangeKind string

const (
	ChangeLoaded  ChangeKind = "loaded"
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemoved ChangeKind = "removed"
)

// Source names where a change came from.
type Source string

const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceRealtime Source = "realtime"
	SourceLoad     Source = "load"
)

// Change is delivered to listeners after the collection changed.
type Change struct {
	Kind   ChangeKind
	TaskID string
	Source Source
}

// Store is the task collection of one authenticated user.
//
// Store is safe for concurrent use.
type Store struct {
	client     remote.Client
	userID     string
	cache      *cache.Manager
	queue      Enqueuer
	conn       Connectivity
	logger     *log.Logger
	notify     func(Notification)
	onComplete func(schema.Task)
	now        func() time.Time

	loads   singleflight.Group
	reloads chan string

	mu       sync.Mutex
	tasks    []schema.Task
	loadErr  error
	lastLoad time.Time

	// loadSeq numbers issued loads; appliedSeq is the newest applied one.
	loadSeq    uint64
	appliedSeq uint64

	// pending counts local writes in flight per task.
	pending map[string]int
	// removing marks tasks removed locally whose delete is in flight.
	removing map[string]bool
	// settled records the loadSeq current when a write was confirmed or an
	// event applied, so loads issued earlier leave the row alone.
	settled map[string]uint64
	// tombstones are tasks known to be deleted on the service.
	tombstones map[string]bool
	// gens is bumped on every change of a row; rollback only restores a
	// row nobody touched since the optimistic write.
	gens map[string]uint64
	gen  uint64
	// deferred holds the newest pushed row of a task with a write in
	// flight. It is applied when the write settles.
	deferred map[string]schema.Task

	listenerMu sync.Mutex
	listeners  map[int]func(Change)
	nextID     int
}

// New creates an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.UserID == "" {
		return nil, remote.ErrNotAuthenticated
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		client:     cfg.Client,
		userID:     cfg.UserID,
		cache:      cfg.Cache,
		queue:      cfg.Queue,
		conn:       cfg.Connectivity,
		logger:     cfg.Logger,
		notify:     cfg.Notify,
		onComplete: cfg.OnComplete,
		now:        cfg.Now,
		reloads:    make(chan string, 1),
		pending:    make(map[string]int),
		removing:   make(map[string]bool),
		settled:    make(map[string]uint64),
		tombstones: make(map[string]bool),
		gens:       make(map[string]uint64),
		deferred:   make(map[string]schema.Task),
		listeners:  make(map[int]func(Change)),
	}, nil
}

// UserID returns the owner of the collection.
func (s *Store) UserID() string {
	return s.userID
}

// Cache returns the snapshot cache used by the store.
func (s *Store) Cache() *cache.Manager {
	return s.cache
}

// ReloadRequests delivers a reason every time the store needs a full
// reload. Requests coalesce while one is waiting to be received.
func (s *Store) ReloadRequests() <-chan string {
	return s.reloads
}

// RequestReload asks whoever drains ReloadRequests for a full reload.
func (s *Store) RequestReload(reason string) {
	s.requestReload(reason)
}

func (s *Store) requestReload(reason string) {
	select {
	case s.reloads <- reason:
	default:
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.listenerMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// ===== Reads =====

// Tasks returns a copy of every held task in display order.
func (s *Store) Tasks() []schema.Task {
	s.mu.Lock()
	tasks := cloneTasks(s.tasks)
	s.mu.Unlock()
	schema.SortTasks(tasks)
	return tasks
}

// Get returns a copy of task id.
func (s *Store) Get(id string) (schema.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.tasks[i].Clone(), true
	}
	return schema.Task{}, false
}

// Pending returns the open tasks in display order.
func (s *Store) Pending() []schema.Task {
	return slices.DeleteFunc(s.Tasks(), func(t schema.Task) bool { return t.Completed })
}

// Completed returns the completed tasks in display order.
func (s *Store) Completed() []schema.Task {
	return slices.DeleteFunc(s.Tasks(), func(t schema.Task) bool { return !t.Completed })
}

// Len returns the number of held tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Err returns the error of the last load, or nil if it succeeded.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// LastLoad returns when the collection was last replaced by a load.
func (s *Store) LastLoad() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLoad
}

// ===== Loading =====

// LoadAll returns the user's tasks. Without force a cached snapshot younger
// than the TTL is returned as-is; otherwise the service is queried and the
// collection replaced. Concurrent callers share one request.
//
// A failed load records the error (see Err) and keeps the held tasks.
func (s *Store) LoadAll(ctx context.Context, force bool) ([]schema.Task, error) {
	if !force {
		if snapshot, _, ok := s.cache.Get(s.userID); ok {
			return snapshot, nil
		}
	}

	res, err := s.shareLoad(ctx)
	if err != nil {
		return nil, err
	}
	return cloneTasks(res.tasks), nil
}

// reloadAfter forces a load issued after load sequence number after, so
// the result reflects a write the service confirmed at that point. A
// shared load issued earlier is waited out, not reused.
func (s *Store) reloadAfter(ctx context.Context, after uint64) ([]schema.Task, error) {
	for {
		res, err := s.shareLoad(ctx)
		if err != nil {
			return nil, err
		}
		if res.seq > after {
			return cloneTasks(res.tasks), nil
		}
	}
}

// loadResult is the outcome of one shared load.
type loadResult struct {
	tasks []schema.Task
	seq   uint64
}

// shareLoad joins the in-flight load or starts one.
func (s *Store) shareLoad(ctx context.Context) (loadResult, error) {
	loadCtx := remote.WithUser(context.WithoutCancel(ctx), s.userID)
	ch := s.loads.DoChan("load", func() (any, error) {
		return s.load(loadCtx)
	})

	select {
	case <-ctx.Done():
		return loadResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return loadResult{}, res.Err
		}
		return res.Val.(loadResult), nil
	}
}

func (s *Store) load(ctx context.Context) (loadResult, error) {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	rows, err := s.client.GetTasks(ctx, remote.Filter{UserID: s.userID})
	var fetched []schema.Task
	if err == nil {
		fetched, err = tasksFromRows(rows)
	}
	if err != nil {
		s.mu.Lock()
		s.loadErr = err
		s.mu.Unlock()
		if errors.Is(err, remote.ErrRemoteUnavailable) && s.conn != nil {
			s.conn.ReportFailure()
		}
		s.logger.Printf("Failed to load tasks: %v", err)
		return loadResult{}, fmt.Errorf("failed to load tasks: %w", err)
	}

	s.mu.Lock()
	if seq < s.appliedSeq {
		current := cloneTasks(s.tasks)
		s.mu.Unlock()
		return loadResult{tasks: current, seq: seq}, nil
	}
	s.appliedSeq = seq

	kept := s.replaceLocked(fetched, seq)
	s.loadErr = nil
	s.lastLoad = s.now()
	snapshot := cloneTasks(s.tasks)
	s.mu.Unlock()

	if kept == 0 {
		s.cache.Set(s.userID, snapshot)
	}
	s.logger.Printf("Loaded %d tasks", len(snapshot))
	s.emit(Change{Kind: ChangeLoaded, Source: SourceLoad})
	return loadResult{tasks: snapshot, seq: seq}, nil
}

// replaceLocked swaps the collection for fetched, keeping the local value
// of rows with a write in flight or queued offline, and of rows a newer
// write or event has settled. It returns how many rows
// kept their local value.
func (s *Store) replaceLocked(fetched []schema.Task, seq uint64) int {
	local := make(map[string]*schema.Task, len(s.tasks))
	for i := range s.tasks {
		local[s.tasks[i].ID] = &s.tasks[i]
	}

	kept := 0
	seen := make(map[string]bool, len(fetched))
	next := make([]schema.Task, 0, len(fetched))
	for _, t := range fetched {
		seen[t.ID] = true
		held := local[t.ID]
		if s.keepLocalLocked(t.ID, seq, held, &t) {
			kept++
			if held != nil {
				next = append(next, *held)
			}
			continue
		}
		delete(s.tombstones, t.ID)
		if held == nil || !equalRevision(held, &t) {
			s.touchLocked(t.ID)
		}
		next = append(next, t)
	}
	for _, t := range s.tasks {
		if seen[t.ID] {
			continue
		}
		if s.keepLocalLocked(t.ID, seq, &t, nil) {
			kept++
			next = append(next, t)
			continue
		}
		s.touchLocked(t.ID)
	}
	s.tasks = next

	for id, at := range s.settled {
		if at < seq {
			delete(s.settled, id)
		}
	}
	return kept
}

// keepLocalLocked reports whether the load issued at seq must leave task id
// alone. held and fetched are nil when the task is absent on that side.
func (s *Store) keepLocalLocked(id string, seq uint64, held, fetched *schema.Task) bool {
	if s.pending[id] > 0 {
		return true
	}
	if s.queue != nil && s.queue.Queued(id) {
		return true
	}
	at, ok := s.settled[id]
	if !ok || at < seq {
		return false
	}
	if held != nil && fetched != nil && fetched.Revision > held.Revision && held.Revision != 0 {
		return false
	}
	return true
}

func equalRevision(a, b *schema.Task) bool {
	return a.Revision != 0 && a.Revision == b.Revision
}

// ===== Internal helpers =====

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.tasks, func(t schema.Task) bool { return t.ID == id })
}

func (s *Store) touchLocked(id string) uint64 {
	s.gen++
	s.gens[id] = s.gen
	return s.gen
}

// settleLocked marks id as confirmed by the service as of now.
func (s *Store) settleLocked(id string) {
	s.settled[id] = s.loadSeq
}

func (s *Store) online() bool {
	return s.conn == nil || s.conn.Online()
}

func (s *Store) userContext(ctx context.Context) context.Context {
	return remote.WithUser(ctx, s.userID)
}

func tasksFromRows(rows []schema.TaskRow) ([]schema.Task, error) {
	tasks := make([]schema.Task, 0, len(rows))
	for _, row := range rows {
		t, err := schema.TaskFromRow(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func cloneTasks(tasks []schema.Task) []schema.Task {
	out := make([]schema.Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
	}
	return out
}

// Package realtime merges pushed row changes into a task store.
//
// Events arrive unordered on two subscriptions, one per record kind. The
// reconciler applies them with these rules:
//
//   - insert appends a row that is not held; a second delivery is a no-op
//   - update replaces a held row when its revision is newer; an update for a
//     row that is not held is dropped and a reload requested; an update for
//     a row with a local write in flight is deferred until the write settles
//   - delete removes a held row; deleting an absent row is a no-op
//
// Task events carry the bare task row, so a task update keeps the held
// checklist. Checklist events change one item of a held task.
//
// Every event invalidates the snapshot cache. Nothing is written to it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// Invalidator drops cached snapshots. *cache.Manager satisfies it.
type Invalidator interface {
	Invalidate(userKey string)
}

// Config configures a Reconciler.
type Config struct {
	// Client delivers events (required)
	Client remote.Client

	// Store receives the changes (required)
	Store *store.Store

	// Cache is invalidated on every event (default: the store's cache)
	Cache Invalidator

	// Logger for dropped and malformed events (default: stderr logger)
	Logger *log.Logger
}

// Stats counts how events were handled.
type Stats struct {
	// Applied events changed the store.
	Applied int64
	// Duplicates were inserts of held rows or deletes of absent rows.
	Duplicates int64
	// Stale events carried a revision no newer than the held row, or
	// addressed a deleted task.
	Stale int64
	// Dropped events addressed a row that is not held.
	Dropped int64
	// Deferred events updated a task with a local write in flight; the
	// row is applied when that write settles.
	Deferred int64
	// Malformed events could not be decoded.
	Malformed int64
}

// Reconciler subscribes to a user's task and checklist events and merges
// them into a store.
type Reconciler struct {
	client remote.Client
	store  *store.Store
	cache  Invalidator
	userID string
	logger *log.Logger

	live atomic.Bool

	mu   sync.Mutex
	subs []remote.Subscription

	applied    atomic.Int64
	duplicates atomic.Int64
	stale      atomic.Int64
	dropped    atomic.Int64
	deferred   atomic.Int64
	malformed  atomic.Int64
}

// New creates a reconciler. Call Start to subscribe.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Cache == nil {
		cfg.Cache = cfg.Store.Cache()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Reconciler{
		client: cfg.Client,
		store:  cfg.Store,
		cache:  cfg.Cache,
		userID: cfg.Store.UserID(),
		logger: cfg.Logger,
	}, nil
}

// Start subscribes to both record kinds. If either subscription fails the
// other is revoked and the error returned.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return fmt.Errorf("reconciler already started")
	}

	r.live.Store(true)
	for _, kind := range []remote.EntityKind{remote.KindTask, remote.KindChecklistItem} {
		sub, err := r.client.Subscribe(ctx, kind, r.userID, r.Handle)
		if err != nil {
			r.live.Store(false)
			for _, s := range r.subs {
				_ = s.Unsubscribe()
			}
			r.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", kind, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.logger.Printf("Subscribed to task changes for %s", r.userID)
	return nil
}

// Close revokes both subscriptions. Events that are already being
// delivered are ignored once Close has started.
func (r *Reconciler) Close() error {
	r.live.Store(false)

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Live reports whether the reconciler is subscribed and applying events.
func (r *Reconciler) Live() bool {
	return r.live.Load()
}

// Stats returns the event counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:    r.applied.Load(),
		Duplicates: r.duplicates.Load(),
		Stale:      r.stale.Load(),
		Dropped:    r.dropped.Load(),
		Deferred:   r.deferred.Load(),
		Malformed:  r.malformed.Load(),
	}
}

// Handle applies one event. It is the subscription handler and is safe to
// call from any goroutine.
func (r *Reconciler) Handle(ev remote.Event) {
	if !r.live.Load() {
		return
	}
	switch ev.Kind {
	case remote.KindTask:
		r.applyTask(ev)
	case remote.KindChecklistItem:
		r.applyChecklistItem(ev)
	default:
		r.malformed.Add(1)
		r.logger.Printf("Ignoring event of unknown kind %q", ev.Kind)
	}
	r.cache.Invalidate(r.userID)
}

func (r *Reconciler) applyTask(ev remote.Event) {
	row, err := ev.DecodeTask()
	if err != nil {
		r.malformed.Add(1)
		r.logger.Printf("Ignoring malformed task event: %v", err)
		return
	}

	if ev.Type == remote.EventDelete {
		r.store.Merge(store.SourceRealtime, func(c *store.Collection) {
			if c.Remove(row.ID) {
				r.applied.Add(1)
			} else {
				r.duplicates.Add(1)
			}
		})
		return
	}

	task, err := schema.TaskFromRow(row)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Printf("Ignoring malformed task event: %v", err)
		return
	}

	orphan := false
	r.store.Merge(store.SourceRealtime, func(c *store.Collection) {
		if c.Deleted(task.ID) {
			r.stale.Add(1)
			return
		}
		held, ok := c.Get(task.ID)
		switch ev.Type {
		case remote.EventInsert:
			if ok {
				r.duplicates.Add(1)
				return
			}
		case remote.EventUpdate:
			if !ok {
				orphan = true
				return
			}
			if !schema.IsNewer(task.Revision, held.Revision) {
				r.stale.Add(1)
				return
			}
		default:
			r.malformed.Add(1)
			return
		}
		if ok && row.ChecklistItems == nil {
			task.Checklist = held.Checklist
		}
		if ok && c.Pending(task.ID) {
			c.Defer(task)
			r.deferred.Add(1)
			return
		}
		c.Put(task)
		r.applied.Add(1)
	})

	if orphan {
		r.drop("task", task.ID)
	}
}

func (r *Reconciler) applyChecklistItem(ev remote.Event) {
	row, err := ev.DecodeChecklistItem()
	if err != nil {
		r.malformed.Add(1)
		r.logger.Printf("Ignoring malformed checklist event: %v", err)
		return
	}
	item, err := schema.ChecklistItemFromRow(row)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Printf("Ignoring malformed checklist event: %v", err)
		return
	}

	orphan := false
	r.store.Merge(store.SourceRealtime, func(c *store.Collection) {
		taskID := item.TaskID
		if taskID == "" {
			taskID, _ = c.ChecklistOwner(item.ID)
		}
		parent, ok := c.Get(taskID)
		if !ok {
			if ev.Type == remote.EventDelete || c.Deleted(taskID) {
				r.duplicates.Add(1)
			} else {
				orphan = true
			}
			return
		}

		i := parent.ChecklistIndex(item.ID)
		switch ev.Type {
		case remote.EventInsert:
			if i >= 0 {
				r.duplicates.Add(1)
				return
			}
			item.TaskID = parent.ID
			parent.Checklist = append(parent.Checklist, item)
		case remote.EventUpdate:
			if i < 0 {
				orphan = true
				return
			}
			if !schema.IsNewer(item.Revision, parent.Checklist[i].Revision) {
				r.stale.Add(1)
				return
			}
			item.TaskID = parent.ID
			parent.Checklist[i] = item
		case remote.EventDelete:
			if i < 0 {
				r.duplicates.Add(1)
				return
			}
			parent.Checklist = slices.Delete(parent.Checklist, i, i+1)
		default:
			r.malformed.Add(1)
			return
		}
		parent.SortChecklist()
		c.Put(parent)
		r.applied.Add(1)
	})

	if orphan {
		r.drop("checklist item", item.ID)
	}
}

// drop records an event for a row that is not held. The row shows up with
// the next full load.
func (r *Reconciler) drop(what, id string) {
	r.dropped.Add(1)
	r.logger.Printf("Dropped update for unknown %s %s", what, id)
	r.store.RequestReload(fmt.Sprintf("update for unknown %s", what))
}

package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/tasksync/internal/remote"
)

// Config configures a Queue.
type Config struct {
	// Storage persists the queue (required)
	Storage Storage

	// Client replays actions (required)
	Client remote.Client

	// UserID owns replayed creates (required)
	UserID string

	// Logger for queue activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DrainResult summarises one Drain pass.
type DrainResult struct {
	// Sent counts actions confirmed by the service.
	Sent int
	// Dropped counts actions discarded because the service can never
	// accept them (target gone, payload rejected).
	Dropped int
	// Remaining is the queue length when the pass ended.
	Remaining int
}

// Queue is the durable FIFO of offline mutations.
//
// Queue is safe for concurrent use. Enqueue may run while a drain is in
// progress; the new action lands behind the ones being replayed.
type Queue struct {
	mu      sync.Mutex
	actions []Action

	storage  Storage
	client   remote.Client
	userID   string
	logger   *log.Logger
	now      func() time.Time
	draining atomic.Bool
}

// New creates a queue and restores the actions persisted in cfg.Storage.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.UserID == "" {
		return nil, remote.ErrNotAuthenticated
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[offline] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	actions, err := cfg.Storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	valid := actions[:0]
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			cfg.Logger.Printf("Discarding unreadable queued action %s: %v", a.ID, err)
			continue
		}
		valid = append(valid, a)
	}

	return &Queue{
		actions: valid,
		storage: cfg.Storage,
		client:  cfg.Client,
		userID:  cfg.UserID,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Enqueue appends a to the queue and persists it before returning.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = q.now().UTC()
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := append(slices.Clone(q.actions), a)
	if err := q.storage.Save(ctx, next); err != nil {
		return err
	}
	q.actions = next
	q.logger.Printf("Queued %s (pending: %d)", a.Summary(), len(next))
	return nil
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Pending returns a copy of the pending actions in replay order.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.actions)
}

// Queued reports whether an update or delete of task id is pending. The
// store keeps its local value of such a task over loaded ones.
func (q *Queue) Queued(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.actions, func(a Action) bool { return a.TaskID == id })
}

// Draining reports whether a Drain pass is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Drain replays pending actions in enqueue order. A confirmed action is
// removed; an action the service can never accept is dropped. The pass
// stops at the first action that fails for any other reason, leaving it
// and everything behind it queued.
//
// Overlapping calls return ErrDrainInProgress without touching the queue.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	ctx = remote.WithUser(ctx, q.userID)

	var result DrainResult
	for {
		q.mu.Lock()
		if len(q.actions) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.actions[0]
		q.mu.Unlock()

		err := q.replay(ctx, head)
		switch {
		case err == nil:
			result.Sent++
		case isPermanent(head, err):
			result.Dropped++
			q.logger.Printf("Dropping %s: %v", head.Summary(), err)
		default:
			result.Remaining = q.Len()
			return result, fmt.Errorf("failed to replay %s: %w", head.Summary(), err)
		}

		if err := q.remove(ctx, head.ID); err != nil {
			q.logger.Printf("Warning: %v", err)
		}
	}

	result.Remaining = q.Len()
	if result.Sent > 0 || result.Dropped > 0 {
		q.logger.Printf("Drained offline queue (sent: %d, dropped: %d, remaining: %d)",
			result.Sent, result.Dropped, result.Remaining)
	}
	return result, nil
}

// replay performs the remote call a stands for.
func (q *Queue) replay(ctx context.Context, a Action) error {
	switch a.Kind {
	case KindCreate:
		draft, err := a.Draft()
		if err != nil {
			return fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		_, err = q.client.CreateTask(ctx, draft)
		return err
	case KindUpdate:
		patch, err := a.Patch()
		if err != nil {
			return fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		_, err = q.client.UpdateTask(ctx, a.TaskID, patch)
		return err
	case KindDelete:
		return q.client.DeleteTask(ctx, a.TaskID)
	default:
		return fmt.Errorf("%w: unknown action kind %q", remote.ErrRejected, a.Kind)
	}
}

// isPermanent reports whether err means a can never succeed. A missing
// target resolves updates and deletes: the task is gone either way.
func isPermanent(a Action, err error) bool {
	if errors.Is(err, remote.ErrRejected) {
		return true
	}
	return errors.Is(err, remote.ErrNotFound) && a.Kind != KindCreate
}

// remove deletes action id from the queue and persists the result. The
// in-memory queue is updated even when persisting fails.
func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = slices.DeleteFunc(q.actions, func(a Action) bool { return a.ID == id })
	if err := q.storage.Save(context.WithoutCancel(ctx), q.actions); err != nil {
		return fmt.Errorf("failed to persist removal of action %s: %w", id, err)
	}
	return nil
}

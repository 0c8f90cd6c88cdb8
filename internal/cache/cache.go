// Package cache holds the per-session snapshot of a user's task collection.
//
// There is one coarse entry per user: the whole collection as of the last
// successful load. Entries expire after a fixed TTL and are invalidated on
// every mutation attempt and every realtime event. The cache is in memory
// only and is discarded with the session that owns it.
package cache

import (
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// DefaultTTL is how long a snapshot stays valid when Config.TTL is zero.
const DefaultTTL = 5 * time.Minute

// Config configures a Manager.
type Config struct {
	// TTL is the maximum age of a returned snapshot (default: 5m)
	TTL time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// entry is one cached snapshot.
type entry struct {
	snapshot   []schema.Task
	capturedAt time.Time
}

// Manager is a TTL cache of task snapshots keyed by user id.
//
// Manager is safe for concurrent use. Snapshots are deep-copied on the way
// in and out so callers never share memory with the cache.
type Manager struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates an empty cache.
func New(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		entries: make(map[string]entry),
		ttl:     cfg.TTL,
		now:     cfg.Now,
	}
}

// TTL returns the configured expiry.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Get returns the snapshot for userKey. ok is false when there is no entry
// or the entry is older than the TTL. Expired entries are evicted.
func (m *Manager) Get(userKey string) (snapshot []schema.Task, capturedAt time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.entries[userKey]
	if !found {
		return nil, time.Time{}, false
	}
	if m.now().Sub(e.capturedAt) >= m.ttl {
		delete(m.entries, userKey)
		return nil, time.Time{}, false
	}
	return cloneTasks(e.snapshot), e.capturedAt, true
}

// Set stores snapshot for userKey, captured now.
func (m *Manager) Set(userKey string, snapshot []schema.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userKey] = entry{snapshot: cloneTasks(snapshot), capturedAt: m.now()}
}

// Invalidate drops the entry for userKey. Missing keys are a no-op.
func (m *Manager) Invalidate(userKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userKey)
}

// Clear drops every entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

func cloneTasks(tasks []schema.Task) []schema.Task {
	out := make([]schema.Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
	}
	return out
}

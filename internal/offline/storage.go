package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// DefaultStorageKey is the key the queue is persisted under.
const DefaultStorageKey = "tasksync.offline_queue"

// Storage persists the queue as one ordered list.
type Storage interface {
	// Load returns the persisted actions in enqueue order. An empty store
	// returns nil.
	Load(ctx context.Context) ([]Action, error)

	// Save replaces the persisted list.
	Save(ctx context.Context, actions []Action) error
}

// KV is the key/value store KVStorage writes through. *localdb.DB
// satisfies it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// KVStorage stores the queue as a JSON array under a single key.
type KVStorage struct {
	kv  KV
	key string
}

// NewKVStorage creates a Storage over kv. An empty key selects
// DefaultStorageKey.
func NewKVStorage(kv KV, key string) *KVStorage {
	if key == "" {
		key = DefaultStorageKey
	}
	return &KVStorage{kv: kv, key: key}
}

// Load implements Storage.
func (s *KVStorage) Load(ctx context.Context) ([]Action, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to decode offline queue: %w", err)
	}
	return actions, nil
}

// Save implements Storage.
func (s *KVStorage) Save(ctx context.Context, actions []Action) error {
	if actions == nil {
		actions = []Action{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode offline queue: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to save offline queue: %w", err)
	}
	return nil
}

// MemoryStorage is a Storage that lives only as long as the process.
type MemoryStorage struct {
	mu      sync.Mutex
	actions []Action
	saves   int
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load implements Storage.
func (s *MemoryStorage) Load(ctx context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.actions), nil
}

// Save implements Storage.
func (s *MemoryStorage) Save(ctx context.Context, actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = slices.Clone(actions)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStorage) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Package inbox turns draft files dropped into a directory into tasks.
//
// Each *.json file in the watched directory holds one task draft. Once the
// draft is accepted (created on the service, or queued while offline) the
// file is removed. A draft that can never be accepted is renamed to
// *.json.failed next to it. Drafts that failed for a transient reason stay
// in place and are retried on the next rescan.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// FailedSuffix is appended to drafts that were rejected.
const FailedSuffix = ".failed"

// Creator accepts drafts. *store.Store satisfies it.
type Creator interface {
	Create(ctx context.Context, draft schema.Draft) (*schema.Task, error)
}

// Config holds configuration for an Inbox.
type Config struct {
	// DebounceInterval is how long a file must stay unchanged before it is
	// read, so drafts still being written are not picked up half done.
	DebounceInterval time.Duration

	// RescanInterval is how often drafts left behind by transient
	// failures are retried.
	RescanInterval time.Duration

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		RescanInterval:   time.Minute,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Stats counts processed drafts.
type Stats struct {
	Created int64
	Failed  int64
	Retried int64
}

// Inbox watches a directory for draft files.
type Inbox struct {
	dir     string
	creator Creator
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	// processMu keeps the watcher and the rescan from handling the same
	// draft twice.
	processMu sync.Mutex

	created atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox for dir with default configuration.
func New(dir string, creator Creator) (*Inbox, error) {
	return NewWithConfig(dir, creator, DefaultConfig())
}

// NewWithConfig creates an inbox with custom configuration.
func NewWithConfig(dir string, creator Creator, config *Config) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if creator == nil {
		return nil, fmt.Errorf("creator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.RescanInterval <= 0 {
		config.RescanInterval = defaults.RescanInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		dir:         abs,
		creator:     creator,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Start processes drafts already in the directory, then watches it until
// ctx is cancelled or Stop is called. It blocks.
func (in *Inbox) Start(ctx context.Context) error {
	if err := in.watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", in.dir, err)
	}
	in.config.Logger.Printf("Watching: %s", in.dir)

	in.Scan(ctx)

	in.wg.Add(3)
	go in.watchFileEvents()
	go in.processChangeQueue()
	go in.rescan()

	select {
	case <-ctx.Done():
		return in.Stop()
	case <-in.ctx.Done():
		return nil
	}
}

// Stop ends watching and waits for in-flight drafts to finish.
func (in *Inbox) Stop() error {
	in.cancel()
	err := in.watcher.Close()
	in.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Stats returns the draft counters.
func (in *Inbox) Stats() Stats {
	return Stats{
		Created: in.created.Load(),
		Failed:  in.failed.Load(),
		Retried: in.retried.Load(),
	}
}

// Scan processes every draft currently in the directory, oldest name first.
func (in *Inbox) Scan(ctx context.Context) {
	paths, err := filepath.Glob(filepath.Join(in.dir, "*.json"))
	if err != nil {
		in.config.Logger.Printf("Scan failed: %v", err)
		return
	}
	sort.Strings(paths)
	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		in.Process(ctx, path)
	}
}

// Process reads the draft at path and hands it to the creator.
func (in *Inbox) Process(ctx context.Context, path string) {
	in.processMu.Lock()
	defer in.processMu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		in.config.Logger.Printf("Failed to read %s: %v", path, err)
		return
	}

	var draft schema.Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		in.reject(path, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	draft.SetDefaults()
	if err := draft.Validate(); err != nil {
		in.reject(path, err)
		return
	}

	task, err := in.creator.Create(ctx, draft)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrRejected):
		in.reject(path, err)
		return
	default:
		in.retried.Add(1)
		in.config.Logger.Printf("Draft %s not accepted, will retry: %v", filepath.Base(path), err)
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		in.config.Logger.Printf("Warning: failed to remove %s: %v", path, err)
	}
	in.created.Add(1)
	if task != nil {
		in.config.Logger.Printf("Created task %s from %s", task.ID, filepath.Base(path))
	} else {
		in.config.Logger.Printf("Queued draft %s for later", filepath.Base(path))
	}
}

func (in *Inbox) reject(path string, cause error) {
	in.failed.Add(1)
	in.config.Logger.Printf("Rejected draft %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+FailedSuffix); err != nil {
		in.config.Logger.Printf("Warning: failed to rename %s: %v", path, err)
	}
}

// watchFileEvents monitors filesystem events and queues changed drafts.
func (in *Inbox) watchFileEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			in.queueChange(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (in *Inbox) queueChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued drafts with debouncing.
func (in *Inbox) processChangeQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range in.settledChanges() {
				in.Process(in.ctx, path)
			}
		}
	}
}

// settledChanges removes and returns the drafts untouched for at least the
// debounce interval.
func (in *Inbox) settledChanges() []string {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()

	now := time.Now()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	sort.Strings(ready)
	return ready
}

// rescan periodically retries drafts left in the directory.
func (in *Inbox) rescan() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.Scan(in.ctx)
		}
	}
}

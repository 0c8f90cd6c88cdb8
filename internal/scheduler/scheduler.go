// Package scheduler decides when a session reloads its tasks and drains its
// offline queue.
//
// A forced reload runs when the scheduler starts, every ReloadInterval, when
// the store asks for one (a mutation failed or an event was dropped) and
// after the offline queue drained on reconnect. The queue is also drained
// every DrainInterval while online.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Loader is the store side of the scheduler. *store.Store satisfies it.
type Loader interface {
	LoadAll(ctx context.Context, force bool) ([]schema.Task, error)
	ReloadRequests() <-chan string
}

// Drainer is the offline queue side. *offline.Queue satisfies it.
type Drainer interface {
	Drain(ctx context.Context) (offline.DrainResult, error)
	Len() int
}

// Connectivity reports the current link state.
type Connectivity interface {
	Online() bool
}

// Config holds configuration for a Scheduler.
type Config struct {
	// Store is reloaded by the scheduler (required)
	Store Loader

	// Queue is drained on reconnect and periodically (optional)
	Queue Drainer

	// Connectivity gates periodic drains (default: always online)
	Connectivity Connectivity

	// ReloadInterval is the periodic reload period (default: cache TTL)
	ReloadInterval time.Duration

	// DrainInterval is the periodic drain period (default: 30s)
	DrainInterval time.Duration

	// Logger for scheduling activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReloadInterval: cache.DefaultTTL,
		DrainInterval:  30 * time.Second,
		Logger:         log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler runs reloads and drains on one background goroutine, so no two
// of them overlap.
type Scheduler struct {
	config     *Config
	reconnects chan struct{}

	mu      sync.Mutex
	started bool
	loads   int
	drains  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero config fields take their defaults.
func New(config *Config) (*Scheduler, error) {
	if config == nil || config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultConfig()
	if config.ReloadInterval <= 0 {
		config.ReloadInterval = defaults.ReloadInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:     config,
		reconnects: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start schedules the initial forced load and keeps scheduling in the
// background until Stop is called.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop ends scheduling and waits for a running reload or drain to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Reconnected schedules a drain followed by a reload. It never blocks, so
// it can be registered as a connectivity listener.
func (s *Scheduler) Reconnected() {
	select {
	case s.reconnects <- struct{}{}:
	default:
	}
}

// OnConnectivityChange adapts Reconnected to an online/offline listener.
func (s *Scheduler) OnConnectivityChange(online bool) {
	if online {
		s.Reconnected()
	}
}

// Stats returns how many reloads and drains ran.
func (s *Scheduler) Stats() (loads, drains int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.drains
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.reload("session start")

	reloadTicker := time.NewTicker(s.config.ReloadInterval)
	defer reloadTicker.Stop()
	drainTicker := time.NewTicker(s.config.DrainInterval)
	defer drainTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-reloadTicker.C:
			s.reload("cache expired")
		case reason := <-s.config.Store.ReloadRequests():
			s.reload(reason)
		case <-s.reconnects:
			if s.drain() {
				s.reload("reconnected")
			}
		case <-drainTicker.C:
			if s.online() && s.config.Queue != nil && s.config.Queue.Len() > 0 && s.drain() {
				s.reload("queue drained")
			}
		}
	}
}

func (s *Scheduler) reload(reason string) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()

	if _, err := s.config.Store.LoadAll(s.ctx, true); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.config.Logger.Printf("Reload (%s) failed: %v", reason, err)
		}
		return
	}
	s.config.Logger.Printf("Reloaded tasks (%s)", reason)
}

// drain replays the offline queue and reports whether it emptied.
func (s *Scheduler) drain() bool {
	if s.config.Queue == nil {
		return true
	}
	s.mu.Lock()
	s.drains++
	s.mu.Unlock()

	result, err := s.config.Queue.Drain(s.ctx)
	if err != nil {
		s.config.Logger.Printf("Drain failed: %v", err)
		return false
	}
	return result.Remaining == 0
}

func (s *Scheduler) online() bool {
	return s.config.Connectivity == nil || s.config.Connectivity.Online()
}

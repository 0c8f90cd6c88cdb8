// Package session wires the sync engine together for one signed-in user.
//
// A Session owns the cache, offline queue, connectivity monitor, store,
// realtime reconciler and scheduler of that user. Nothing is shared between
// sessions: signing out is Close, signing in as someone else is a new Open.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/connectivity"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/realtime"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/scheduler"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// Pinger is implemented by clients that can check reachability cheaply.
// Both remote.HTTPClient and remote.Memory do.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Session.
type Config struct {
	// Client talks to the backing service (required)
	Client remote.Client

	// UserID is the signed-in user (required)
	UserID string

	// Storage persists the offline queue (default: in memory)
	Storage offline.Storage

	// Probe checks reachability (default: Client.Ping when available,
	// otherwise the service is assumed reachable)
	Probe connectivity.Probe

	// CacheTTL bounds snapshot age and the periodic reload (default: 5m)
	CacheTTL time.Duration

	// DrainInterval is the periodic drain period (default: 30s)
	DrainInterval time.Duration

	// ProbeInterval and SettleDelay tune the connectivity monitor
	// (defaults: 15s and 2s; a negative SettleDelay disables it)
	ProbeInterval time.Duration
	SettleDelay   time.Duration

	// Notify receives user-visible failure notifications (optional)
	Notify func(store.Notification)

	// OnComplete is called when a task is confirmed complete (optional)
	OnComplete func(schema.Task)

	// LogOutput receives component logs (default: stderr)
	LogOutput io.Writer
}

// Session is the running sync engine of one user.
type Session struct {
	userID     string
	cache      *cache.Manager
	queue      *offline.Queue
	monitor    *connectivity.Monitor
	store      *store.Store
	reconciler *realtime.Reconciler
	scheduler  *scheduler.Scheduler
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open builds a session for cfg.UserID. It restores the persisted offline
// queue but starts nothing; call Start for background sync.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, remote.ErrNotAuthenticated
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	if cfg.Storage == nil {
		cfg.Storage = offline.NewMemoryStorage()
	}
	if cfg.Probe == nil {
		if p, ok := cfg.Client.(Pinger); ok {
			cfg.Probe = p.Ping
		}
	}

	s := &Session{
		userID: cfg.UserID,
		cache:  cache.New(cache.Config{TTL: cfg.CacheTTL}),
		logger: logging.New(cfg.LogOutput, "session"),
	}

	queue, err := offline.New(ctx, offline.Config{
		Storage: cfg.Storage,
		Client:  cfg.Client,
		UserID:  cfg.UserID,
		Logger:  logging.New(cfg.LogOutput, "offline"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore offline queue: %w", err)
	}
	s.queue = queue

	storeCfg := store.Config{
		Client:     cfg.Client,
		UserID:     cfg.UserID,
		Cache:      s.cache,
		Queue:      queue,
		Logger:     logging.New(cfg.LogOutput, "store"),
		Notify:     cfg.Notify,
		OnComplete: cfg.OnComplete,
	}
	schedCfg := &scheduler.Config{
		Queue:          queue,
		ReloadInterval: s.cache.TTL(),
		DrainInterval:  cfg.DrainInterval,
		Logger:         logging.New(cfg.LogOutput, "scheduler"),
	}

	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = connectivity.DefaultConfig().SettleDelay
	}
	if cfg.Probe != nil {
		s.monitor, err = connectivity.NewWithConfig(cfg.Probe, &connectivity.Config{
			ProbeInterval:   cfg.ProbeInterval,
			SettleDelay:     cfg.SettleDelay,
			InitiallyOnline: true,
			Logger:          logging.New(cfg.LogOutput, "connectivity"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connectivity monitor: %w", err)
		}
		storeCfg.Connectivity = s.monitor
		schedCfg.Connectivity = s.monitor
	}

	s.store, err = store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	schedCfg.Store = s.store

	s.reconciler, err = realtime.New(realtime.Config{
		Client: cfg.Client,
		Store:  s.store,
		Logger: logging.New(cfg.LogOutput, "realtime"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	s.scheduler, err = scheduler.New(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.monitor != nil {
		s.monitor.OnChange(s.connectivityChanged)
	}
	return s, nil
}

// Start subscribes to realtime events and starts the connectivity monitor
// and the scheduler, whose first job is a forced load. A subscription that
// cannot be established is retried when the service becomes reachable.
// Subscriptions live until Close.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	if s.started {
		return fmt.Errorf("session already started")
	}

	if err := s.reconciler.Start(s.ctx); err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			return err
		}
		s.logger.Printf("Realtime unavailable, will retry on reconnect: %v", err)
	}
	if s.monitor != nil {
		s.monitor.Start()
	}
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	s.started = true
	return nil
}

// Close stops background work, revokes subscriptions and discards the
// cache. The offline queue stays persisted for the next session. Close is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.scheduler.Stop()
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.wg.Wait()
	err := s.reconciler.Close()
	s.cache.Clear()
	if err != nil {
		return fmt.Errorf("failed to close subscriptions: %w", err)
	}
	return nil
}

// CheckConnectivity probes the service once and returns the resulting
// state. Without a probe the service is assumed reachable.
func (s *Session) CheckConnectivity(ctx context.Context) bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.Check(ctx)
}

// Online reports the last known connectivity state.
func (s *Session) Online() bool {
	return s.monitor == nil || s.monitor.Online()
}

// UserID returns the signed-in user.
func (s *Session) UserID() string { return s.userID }

// Store returns the task store.
func (s *Session) Store() *store.Store { return s.store }

// Queue returns the offline queue.
func (s *Session) Queue() *offline.Queue { return s.queue }

// Reconciler returns the realtime reconciler.
func (s *Session) Reconciler() *realtime.Reconciler { return s.reconciler }

// Scheduler returns the sync scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.scheduler }

func (s *Session) connectivityChanged(online bool) {
	s.scheduler.OnConnectivityChange(online)
	if online && !s.reconciler.Live() {
		s.wg.Add(1)
		go s.resubscribe()
	}
}

func (s *Session) resubscribe() {
	defer s.wg.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reconciler.Live() {
		return
	}
	if err := s.reconciler.Start(s.ctx); err != nil {
		s.logger.Printf("Realtime resubscribe failed: %v", err)
		return
	}
	s.logger.Println("Realtime resubscribed")
}

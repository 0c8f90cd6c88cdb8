// Package connectivity tracks whether the backing service is reachable.
//
// A Monitor polls a probe function. Going offline is reported as soon as a
// probe fails (or a caller reports a failed remote call); coming back online
// is reported only after the probe has succeeded twice, a settle delay
// apart, so a flapping link does not trigger a drain on every blip.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Config holds configuration for a Monitor.
type Config struct {
	// ProbeInterval is how often the probe runs (default: 15s)
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe (default: 5s)
	ProbeTimeout time.Duration

	// SettleDelay is how long a recovered link must stay up before the
	// monitor reports online (default: 2s)
	SettleDelay time.Duration

	// InitiallyOnline is the state before the first probe (default: false)
	InitiallyOnline bool

	// Logger for state transitions (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		SettleDelay:   2 * time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor reports online/offline transitions.
type Monitor struct {
	probe  Probe
	config *Config

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)

	// notifyMu serialises listener calls so transitions arrive in order.
	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor with default configuration.
func New(probe Probe) (*Monitor, error) {
	return NewWithConfig(probe, DefaultConfig())
}

// NewWithConfig creates a monitor with custom configuration.
func NewWithConfig(probe Probe, config *Config) (*Monitor, error) {
	if probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		probe:  probe,
		config: config,
		online: config.InitiallyOnline,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn to be called after every transition. Listeners run
// on the goroutine that observed the transition, one at a time, and must
// not call SetOnline or ReportFailure themselves.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline forces the state, notifying listeners on a transition.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if online {
		m.config.Logger.Println("Backing service reachable")
	} else {
		m.config.Logger.Println("Backing service unreachable")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// ReportFailure records that a remote call could not reach the service.
func (m *Monitor) ReportFailure() {
	m.SetOnline(false)
}

// Check runs the probe once and applies the result, including the settle
// delay when recovering. It blocks for at most the settle delay plus two
// probe timeouts.
func (m *Monitor) Check(ctx context.Context) bool {
	if err := m.runProbe(ctx); err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.SetOnline(false)
		return false
	}
	if m.Online() {
		return true
	}

	if m.config.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.config.SettleDelay):
		}
		if err := m.runProbe(ctx); err != nil {
			if ctx.Err() == nil {
				m.SetOnline(false)
			}
			return false
		}
	}
	m.SetOnline(true)
	return true
}

func (m *Monitor) runProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.probe(ctx)
}

// Start runs an immediate check and then polls in the background until
// Stop is called.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.pollLoop()
}

// Stop ends polling and waits for the poll goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	m.Check(m.ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.ctx)
		}
	}
}

// Package loadtest drives several devices of one user against a backing
// service concurrently and checks that they all converge.
//
// Each device is a store plus a realtime reconciler with its own client.
// Devices issue random mutations at the same time, then reload, and every
// device's collection is compared with the service's.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/realtime"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// ClientFactory returns the client device i talks through.
type ClientFactory func(device int) (remote.Client, error)

// Config holds configuration for a run.
type Config struct {
	// UserID owns every task (required)
	UserID string

	// Devices is the number of concurrent devices (default: 4)
	Devices int

	// Tasks is the number of tasks created before mutating (default: 20)
	Tasks int

	// MutationsPerDevice is how many mutations each device issues
	// (default: 50)
	MutationsPerDevice int

	// Seed makes the mutation mix reproducible
	Seed uint64

	// SettleTimeout bounds the convergence check (default: 5s)
	SettleTimeout time.Duration

	// Logger for run progress (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Devices:            4,
		Tasks:              20,
		MutationsPerDevice: 50,
		SettleTimeout:      5 * time.Second,
		Logger:             log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats captures mutation latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Total int
}

// Result summarises a run.
type Result struct {
	Latency LatencyStats

	// Ops counts issued mutations by kind.
	Ops map[string]int

	// Conflicts counts mutations that lost a race with another device
	// (the task was deleted or changed underneath) and were rolled back.
	Conflicts int

	// Errors lists unexpected failures.
	Errors []string

	// Tasks is the number of tasks on the service at the end.
	Tasks int

	// Converged reports whether every device matched the service.
	Converged bool

	// Mismatches describes the devices that did not converge.
	Mismatches []string

	// Events sums the realtime counters of all devices.
	Events realtime.Stats
}

type device struct {
	id         int
	store      *store.Store
	reconciler *realtime.Reconciler
}

type sample struct {
	op      string
	elapsed time.Duration
	err     error
}

// Run performs one load test.
func Run(ctx context.Context, newClient ClientFactory, config *Config) (*Result, error) {
	if newClient == nil {
		return nil, fmt.Errorf("client factory cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.UserID == "" {
		return nil, remote.ErrNotAuthenticated
	}
	defaults := DefaultConfig()
	if config.Devices <= 0 {
		config.Devices = defaults.Devices
	}
	if config.Tasks <= 0 {
		config.Tasks = defaults.Tasks
	}
	if config.MutationsPerDevice <= 0 {
		config.MutationsPerDevice = defaults.MutationsPerDevice
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaults.SettleTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	devices, err := openDevices(ctx, newClient, config)
	defer func() {
		for _, d := range devices {
			_ = d.reconciler.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	config.Logger.Printf("Seeding %d tasks", config.Tasks)
	for i := 0; i < config.Tasks; i++ {
		draft := schema.Draft{
			Title:    fmt.Sprintf("Task %d", i),
			Priority: []schema.Priority{schema.PriorityLow, schema.PriorityMedium, schema.PriorityHigh}[i%3],
			Category: fmt.Sprintf("batch-%d", i/10),
		}
		if _, err := devices[0].store.Create(ctx, draft); err != nil {
			return nil, fmt.Errorf("failed to seed task %d: %w", i, err)
		}
	}
	for _, d := range devices {
		if _, err := d.store.LoadAll(ctx, true); err != nil {
			return nil, fmt.Errorf("device %d failed to load: %w", d.id, err)
		}
	}

	config.Logger.Printf("Running %d devices x %d mutations", len(devices), config.MutationsPerDevice)
	samples := make(chan []sample, len(devices))
	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(config.Seed, uint64(d.id)))
			out := make([]sample, 0, config.MutationsPerDevice)
			for j := 0; j < config.MutationsPerDevice && ctx.Err() == nil; j++ {
				out = append(out, mutate(ctx, d, rng, j))
			}
			samples <- out
		}(d)
	}
	wg.Wait()
	close(samples)

	result := &Result{Ops: make(map[string]int)}
	var durations []time.Duration
	for batch := range samples {
		for _, s := range batch {
			result.Ops[s.op]++
			durations = append(durations, s.elapsed)
			switch {
			case s.err == nil:
			case errors.Is(s.err, store.ErrStaleWrite), errors.Is(s.err, store.ErrUnknownTask):
				result.Conflicts++
			default:
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", s.op, s.err))
			}
		}
	}
	result.Latency = computeLatencyStats(durations)

	if err := settle(ctx, devices, newClient, config, result); err != nil {
		return nil, err
	}
	for _, d := range devices {
		s := d.reconciler.Stats()
		result.Events.Applied += s.Applied
		result.Events.Duplicates += s.Duplicates
		result.Events.Stale += s.Stale
		result.Events.Dropped += s.Dropped
		result.Events.Deferred += s.Deferred
		result.Events.Malformed += s.Malformed
	}
	return result, nil
}

func openDevices(ctx context.Context, newClient ClientFactory, config *Config) ([]*device, error) {
	devices := make([]*device, 0, config.Devices)
	for i := 0; i < config.Devices; i++ {
		client, err := newClient(i)
		if err != nil {
			return devices, fmt.Errorf("failed to create client for device %d: %w", i, err)
		}
		st, err := store.New(store.Config{
			Client: client,
			UserID: config.UserID,
			Logger: log.New(io.Discard, "", 0),
		})
		if err != nil {
			return devices, err
		}
		rec, err := realtime.New(realtime.Config{
			Client: client,
			Store:  st,
			Logger: log.New(io.Discard, "", 0),
		})
		if err != nil {
			return devices, err
		}
		d := &device{id: i, store: st, reconciler: rec}
		if err := rec.Start(ctx); err != nil {
			return devices, fmt.Errorf("device %d failed to subscribe: %w", i, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// mutate issues one random mutation against a task the device holds.
func mutate(ctx context.Context, d *device, rng *rand.Rand, n int) sample {
	tasks := d.store.Tasks()
	roll := rng.IntN(100)
	if len(tasks) == 0 || roll < 5 {
		start := time.Now()
		_, err := d.store.Create(ctx, schema.Draft{Title: fmt.Sprintf("Device %d task %d", d.id, n)})
		return sample{op: "create", elapsed: time.Since(start), err: err}
	}

	t := tasks[rng.IntN(len(tasks))]
	start := time.Now()
	var op string
	var err error
	switch {
	case roll < 10:
		op = "delete"
		err = d.store.Delete(ctx, t.ID)
	case roll < 40:
		op = "toggle"
		_, err = d.store.ToggleComplete(ctx, t.ID)
	case roll < 65:
		op = "update"
		title := fmt.Sprintf("%s (device %d rev %d)", strings.SplitN(t.Title, " (", 2)[0], d.id, n)
		_, err = d.store.Update(ctx, t.ID, schema.Patch{Title: &title})
	case roll < 85 || len(t.Checklist) == 0:
		op = "checklist_add"
		_, err = d.store.AddChecklistItem(ctx, t.ID, fmt.Sprintf("step %d.%d", d.id, n))
	default:
		op = "checklist_toggle"
		item := t.Checklist[rng.IntN(len(t.Checklist))]
		done := !item.Completed
		_, err = d.store.UpdateChecklistItem(ctx, t.ID, item.ID, store.ChecklistPatch{Completed: &done})
	}
	return sample{op: op, elapsed: time.Since(start), err: err}
}

// settle reloads every device until each matches the service or the
// timeout passes.
func settle(ctx context.Context, devices []*device, newClient ClientFactory, config *Config, result *Result) error {
	probe, err := newClient(len(devices))
	if err != nil {
		return fmt.Errorf("failed to create verification client: %w", err)
	}

	deadline := time.Now().Add(config.SettleTimeout)
	for {
		rows, err := probe.GetTasks(remote.WithUser(ctx, config.UserID), remote.Filter{UserID: config.UserID})
		if err != nil {
			return fmt.Errorf("failed to read service state: %w", err)
		}
		want := make([]schema.Task, 0, len(rows))
		for _, row := range rows {
			t, err := schema.TaskFromRow(row)
			if err != nil {
				return fmt.Errorf("failed to decode service row: %w", err)
			}
			want = append(want, t)
		}
		result.Tasks = len(want)
		wantPrint := fingerprint(want)

		result.Mismatches = result.Mismatches[:0]
		for _, d := range devices {
			if _, err := d.store.LoadAll(ctx, true); err != nil {
				result.Mismatches = append(result.Mismatches, fmt.Sprintf("device %d: reload failed: %v", d.id, err))
				continue
			}
			if got := fingerprint(d.store.Tasks()); got != wantPrint {
				result.Mismatches = append(result.Mismatches, fmt.Sprintf("device %d: holds %d tasks, service %d", d.id, d.store.Len(), len(want)))
			}
		}
		if len(result.Mismatches) == 0 {
			result.Converged = true
			config.Logger.Printf("All %d devices converged on %d tasks", len(devices), len(want))
			return nil
		}
		if time.Now().After(deadline) {
			config.Logger.Printf("Devices did not converge: %s", strings.Join(result.Mismatches, "; "))
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// fingerprint renders the fields that must agree across devices.
func fingerprint(tasks []schema.Task) string {
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		items := make([]string, 0, len(t.Checklist))
		for _, c := range t.Checklist {
			items = append(items, fmt.Sprintf("%s:%t", c.ID, c.Completed))
		}
		lines = append(lines, fmt.Sprintf("%s|%s|%t|%d|%s", t.ID, t.Title, t.Completed, t.Revision, strings.Join(items, ",")))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// Print formats the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Mutation Latency:\n")
	fmt.Fprintf(w, "  Total:         %d\n", r.Latency.Total)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)

	ops := make([]string, 0, len(r.Ops))
	for op := range r.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	fmt.Fprintf(w, "Operations:\n")
	for _, op := range ops {
		fmt.Fprintf(w, "  %-17s %d\n", op+":", r.Ops[op])
	}
	fmt.Fprintf(w, "  conflicts:        %d\n", r.Conflicts)
	fmt.Fprintf(w, "  errors:           %d\n", len(r.Errors))
	fmt.Fprintf(w, "Realtime events: %d applied, %d duplicate, %d stale, %d dropped, %d deferred\n",
		r.Events.Applied, r.Events.Duplicates, r.Events.Stale, r.Events.Dropped, r.Events.Deferred)
	fmt.Fprintf(w, "Service tasks: %d, converged: %t\n", r.Tasks, r.Converged)
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/server"
)

func quietConfig() *Config {
	return &Config{
		UserID:             "user-1",
		Devices:            3,
		Tasks:              10,
		MutationsPerDevice: 30,
		Seed:               7,
		Logger:             log.New(io.Discard, "", 0),
	}
}

func TestRunValidatesConfig(t *testing.T) {
	memory := remote.NewMemory()
	factory := func(int) (remote.Client, error) { return memory, nil }

	if _, err := Run(context.Background(), nil, quietConfig()); err == nil {
		t.Error("Run() without factory succeeded")
	}
	cfg := quietConfig()
	cfg.UserID = ""
	if _, err := Run(context.Background(), factory, cfg); err == nil {
		t.Error("Run() without user succeeded")
	}
}

// TestDevicesConvergeInMemory shares one in-process service between all
// devices.
func TestDevicesConvergeInMemory(t *testing.T) {
	memory := remote.NewMemory()
	result, err := Run(context.Background(), func(int) (remote.Client, error) { return memory, nil }, quietConfig())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !result.Converged {
		t.Errorf("devices did not converge: %v", result.Mismatches)
	}
	if len(result.Errors) > 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if result.Latency.Total != 3*30 {
		t.Errorf("Latency.Total = %d, want 90", result.Latency.Total)
	}
	if result.Tasks != memory.Len() {
		t.Errorf("Tasks = %d, service holds %d", result.Tasks, memory.Len())
	}
	if result.Events.Applied == 0 {
		t.Error("no realtime events applied")
	}
}

// TestDevicesConvergeOverHTTP runs the full transport: REST calls and
// websocket push against the reference service.
func TestDevicesConvergeOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping HTTP load test in short mode")
	}

	srv, err := server.New(&server.Config{
		DBPath: filepath.Join(t.TempDir(), "server.db"),
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})

	factory := func(int) (remote.Client, error) {
		return remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:        ts.URL,
			Token:          "user-1",
			ReconnectDelay: 10 * time.Millisecond,
			Logger:         log.New(io.Discard, "", 0),
		})
	}

	cfg := quietConfig()
	cfg.MutationsPerDevice = 15
	result, err := Run(context.Background(), factory, cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.Converged {
		t.Errorf("devices did not converge: %v", result.Mismatches)
	}
	if len(result.Errors) > 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	got := computeLatencyStats(durations)

	want := LatencyStats{
		Min:   time.Millisecond,
		Max:   100 * time.Millisecond,
		Mean:  50500 * time.Microsecond,
		P50:   51 * time.Millisecond,
		P95:   96 * time.Millisecond,
		P99:   100 * time.Millisecond,
		Total: 100,
	}
	if got != want {
		t.Errorf("computeLatencyStats() = %+v, want %+v", got, want)
	}
	if empty := computeLatencyStats(nil); empty != (LatencyStats{}) {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestPrint(t *testing.T) {
	r := &Result{
		Ops:       map[string]int{"toggle": 3, "create": 1},
		Converged: true,
		Tasks:     4,
	}
	var buf bytes.Buffer
	r.Print(&buf)
	out := buf.String()
	for _, want := range []string{"create:", "toggle:", "converged: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "create:") > strings.Index(out, "toggle:") {
		t.Error("operations not sorted")
	}
}

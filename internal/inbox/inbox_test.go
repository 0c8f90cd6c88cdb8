package inbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// fakeCreator records drafts and returns queued errors first.
type fakeCreator struct {
	mu     sync.Mutex
	drafts []schema.Draft
	errs   []error
}

func (c *fakeCreator) Create(ctx context.Context, draft schema.Draft) (*schema.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	c.drafts = append(c.drafts, draft)
	return &schema.Task{ID: fmt.Sprintf("task-%d", len(c.drafts)), Title: draft.Title}, nil
}

func (c *fakeCreator) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, d := range c.drafts {
		out = append(out, d.Title)
	}
	return out
}

func setupTestInbox(t *testing.T, creator Creator) *Inbox {
	t.Helper()
	in, err := NewWithConfig(t.TempDir(), creator, &Config{
		DebounceInterval: 10 * time.Millisecond,
		RescanInterval:   50 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	return in
}

func writeDraft(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write draft: %v", err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New("", &fakeCreator{}); err == nil {
		t.Error("New() with empty dir succeeded")
	}
	if _, err := New(t.TempDir(), nil); err == nil {
		t.Error("New() with nil creator succeeded")
	}
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		createErr   error
		wantCreated int64
		wantFailed  int64
		wantRetried int64
		wantFile    bool
		wantFailure bool
	}{
		{
			name:        "valid draft is created and removed",
			body:        `{"title":"Buy milk","priority":"high","checklist":["oat","soy"]}`,
			wantCreated: 1,
		},
		{
			name:        "malformed JSON is set aside",
			body:        `{"title":`,
			wantFailed:  1,
			wantFailure: true,
		},
		{
			name:        "invalid draft is set aside",
			body:        `{"title":"  "}`,
			wantFailed:  1,
			wantFailure: true,
		},
		{
			name:        "rejected by service is set aside",
			body:        `{"title":"Buy milk"}`,
			createErr:   remote.ErrRejected,
			wantFailed:  1,
			wantFailure: true,
		},
		{
			name:        "unreachable service keeps the draft",
			body:        `{"title":"Buy milk"}`,
			createErr:   fmt.Errorf("failed to create task: %w", remote.ErrRemoteUnavailable),
			wantRetried: 1,
			wantFile:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := &fakeCreator{}
			if tt.createErr != nil {
				creator.errs = []error{tt.createErr}
			}
			in := setupTestInbox(t, creator)
			path := writeDraft(t, in.Dir(), "draft.json", tt.body)

			in.Process(context.Background(), path)

			got := in.Stats()
			want := Stats{Created: tt.wantCreated, Failed: tt.wantFailed, Retried: tt.wantRetried}
			if got != want {
				t.Errorf("Stats() = %+v, want %+v", got, want)
			}
			if exists(path) != tt.wantFile {
				t.Errorf("draft exists = %v, want %v", exists(path), tt.wantFile)
			}
			if exists(path+FailedSuffix) != tt.wantFailure {
				t.Errorf("failed draft exists = %v, want %v", exists(path+FailedSuffix), tt.wantFailure)
			}
		})
	}
}

func TestStartProcessesExistingAndNewDrafts(t *testing.T) {
	creator := &fakeCreator{}
	in := setupTestInbox(t, creator)
	writeDraft(t, in.Dir(), "a.json", `{"title":"Existing"}`)
	writeDraft(t, in.Dir(), "notes.txt", `{"title":"Ignored"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Start(ctx) }()

	waitFor(t, "existing draft", func() bool { return in.Stats().Created == 1 })
	writeDraft(t, in.Dir(), "b.json", `{"title":"Dropped later"}`)
	waitFor(t, "new draft", func() bool { return in.Stats().Created == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() = %v", err)
	}

	titles := creator.titles()
	if len(titles) != 2 || titles[0] != "Existing" || titles[1] != "Dropped later" {
		t.Errorf("created %v", titles)
	}
	if !exists(filepath.Join(in.Dir(), "notes.txt")) {
		t.Error("non-draft file was touched")
	}
}

func TestRescanRetriesTransientFailures(t *testing.T) {
	creator := &fakeCreator{errs: []error{remote.ErrRemoteUnavailable}}
	in := setupTestInbox(t, creator)
	path := writeDraft(t, in.Dir(), "a.json", `{"title":"Eventually"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = in.Start(ctx) }()

	waitFor(t, "retried draft", func() bool { return in.Stats().Created == 1 })
	if exists(path) {
		t.Error("draft kept after successful retry")
	}
	if in.Stats().Retried < 1 {
		t.Errorf("Retried = %d, want at least 1", in.Stats().Retried)
	}
}

// Drafts go through a real store: online they reach the service.
func TestDraftsReachTheService(t *testing.T) {
	memory := remote.NewMemory()
	st, err := store.New(store.Config{Client: memory, UserID: "user-1", Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	in := setupTestInbox(t, st)
	path := writeDraft(t, in.Dir(), "a.json", `{"title":"From a file","category":"home"}`)

	in.Process(context.Background(), path)

	if memory.Len() != 1 || st.Len() != 1 {
		t.Fatalf("service has %d tasks, store %d; want 1 and 1", memory.Len(), st.Len())
	}
	if got := st.Tasks()[0]; got.Title != "From a file" || got.Category != "home" {
		t.Errorf("created task = %+v", got)
	}
	if exists(path) {
		t.Error("draft kept after create")
	}
}

func TestStopEndsStart(t *testing.T) {
	in := setupTestInbox(t, &fakeCreator{})
	done := make(chan error, 1)
	go func() { done <- in.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := in.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after Stop")
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/localdb"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var (
	exitMu    sync.Mutex
	exitHooks []func()
)

// closer registers fn to run before the process exits through exit or
// fatalf and returns it for a deferred call. fn runs at most once.
//
//	defer closer(c.Close)()
func closer(fn func()) func() {
	var once sync.Once
	run := func() { once.Do(fn) }
	exitMu.Lock()
	exitHooks = append(exitHooks, run)
	exitMu.Unlock()
	return run
}

// runExitHooks runs the registered closers, newest first.
func runExitHooks() {
	exitMu.Lock()
	hooks := exitHooks
	exitHooks = nil
	exitMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// exit releases what the command opened and exits with code.
func exit(code int) {
	runExitHooks()
	os.Exit(code)
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{ui.RenderFail("Error:")}, args...)...)
	exit(1)
}

// loadConfig loads configuration and applies the global flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatalf("%v", err)
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.UserID = user
	}
	if url, _ := cmd.Flags().GetString("remote"); url != "" {
		cfg.Remote.URL = url
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		ui.SetColor(false)
	}
	return cfg
}

// client bundles a session with the resources it was opened over.
type client struct {
	*session.Session
	db   *localdb.DB
	logs io.WriteCloser
}

// openClient opens a session for the configured user. The offline queue is
// kept in the local database so it survives restarts.
func openClient(ctx context.Context, cfg *config.Config) *client {
	if cfg.UserID == "" {
		fatalf("no user configured; set user_id or pass --user")
	}

	logs, err := logging.Open(cfg.Log)
	if err != nil {
		fatalf("%v", err)
	}

	remoteClient, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.Remote.URL,
		Token:   cfg.Remote.Token,
		Logger:  logging.New(logs, "remote"),
	})
	if err != nil {
		fatalf("%v", err)
	}

	db, err := localdb.Open(cfg.Offline.DBPath)
	if err != nil {
		fatalf("opening offline queue: %v", err)
	}

	sess, err := session.Open(ctx, session.Config{
		Client:        remoteClient,
		UserID:        cfg.UserID,
		Storage:       offline.NewKVStorage(db, ""),
		CacheTTL:      cfg.Cache.TTL,
		DrainInterval: cfg.Offline.DrainInterval,
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		SettleDelay:   cfg.Connectivity.SettleDelay,
		Notify: func(n store.Notification) {
			fmt.Fprintf(os.Stderr, "%s %s %s: %v\n", ui.RenderWarn("⚠"), n.Op, ui.ShortID(n.TaskID), n.Err)
		},
		LogOutput: logs,
	})
	if err != nil {
		db.Close()
		fatalf("%v", err)
	}
	return &client{Session: sess, db: db, logs: logs}
}

func (c *client) Close() {
	if err := c.Session.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if err := c.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	c.logs.Close()
}

// load probes the service and loads the task list. Offline it warns and
// returns false.
func (c *client) load(ctx context.Context) bool {
	if !c.CheckConnectivity(ctx) {
		fmt.Fprintf(os.Stderr, "%s Service unreachable; changes will be queued\n", ui.RenderWarn("⚠"))
		return false
	}
	if _, err := c.Store().LoadAll(ctx, true); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
		return false
	}
	return true
}

// resolveTask finds the task whose id starts with prefix.
func resolveTask(st *store.Store, prefix string) (schema.Task, error) {
	if t, ok := st.Get(prefix); ok {
		return t, nil
	}
	var matches []schema.Task
	for _, t := range st.Tasks() {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return schema.Task{}, fmt.Errorf("%w: %s", store.ErrUnknownTask, prefix)
	case 1:
		return matches[0], nil
	default:
		return schema.Task{}, fmt.Errorf("id prefix %q matches %d tasks", prefix, len(matches))
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/inbox"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the task list in sync (foreground)",
	Long: `Run a sync session in the foreground until interrupted.

The daemon will:
  1. Load the task list and follow realtime changes
  2. Reload when the cached list expires or a change failed
  3. Replay the offline queue when the service becomes reachable
  4. Create tasks from draft files dropped into the inbox directory

Draft files are JSON objects with at least a title, for example:
  {"title": "Buy milk", "priority": "high", "checklist": ["oat", "soy"]}`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		if dir, _ := cmd.Flags().GetString("inbox"); dir != "" {
			cfg.Inbox.Dir = dir
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()

		if err := c.Start(); err != nil {
			fatalf("failed to start session: %v", err)
		}

		fmt.Printf("%s Syncing tasks for %s\n", ui.RenderAccent("🔄"), c.UserID())
		fmt.Printf("   Service: %s\n", cfg.Remote.URL)
		fmt.Printf("   Queued changes: %d\n", c.Queue().Len())

		if cfg.Inbox.Dir == "" {
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
			<-ctx.Done()
		} else {
			in, err := inbox.NewWithConfig(cfg.Inbox.Dir, c.Store(), &inbox.Config{
				Logger: logging.New(c.logs, "inbox"),
			})
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("   Inbox: %s\n", in.Dir())
			fmt.Printf("\nPress Ctrl+C to stop\n\n")

			// Blocks until ctx is cancelled
			if err := in.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Inbox stopped with error: %v\n", err)
			}
		}

		loads, drains := c.Scheduler().Stats()
		stats := c.Reconciler().Stats()
		fmt.Printf("\nStopping: %d reloads, %d drains, %d realtime events applied\n", loads, drains, stats.Applied)
	},
}

func init() {
	daemonCmd.Flags().String("inbox", "", "Directory watched for draft files (overrides inbox.dir)")
	rootCmd.AddCommand(daemonCmd)
}

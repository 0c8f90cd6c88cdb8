package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and replay the offline queue",
	Long: `Changes made while the service is unreachable are stored in the
offline queue (offline.db_path) and replayed in order once it is back.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show queued changes in replay order",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		c := openClient(context.Background(), cfg)
		defer closer(c.Close)()

		ui.RenderQueue(os.Stdout, c.Queue().Pending())
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued changes now",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()

		if c.Queue().Len() == 0 {
			fmt.Println(ui.RenderMuted("Offline queue is empty"))
			return
		}
		if !c.CheckConnectivity(ctx) {
			fatalf("service unreachable; %d changes still queued", c.Queue().Len())
		}

		result, err := c.Queue().Drain(ctx)
		fmt.Printf("%s Sent %d, dropped %d, remaining %d\n", ui.RenderAccent("⇪"), result.Sent, result.Dropped, result.Remaining)
		if err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
